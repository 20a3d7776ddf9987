package filter

import (
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/record"
)

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

// parseEnv is only used for parsing, so it declares no variables; field
// names are resolved against the entity schema by Bind.
func parseEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv()
	})
	return env, envErr
}

var comparisonOps = map[string]Op{
	operators.Equals:        OpEq,
	operators.NotEquals:     OpNe,
	operators.Less:          OpLt,
	operators.LessEquals:    OpLe,
	operators.Greater:       OpGt,
	operators.GreaterEquals: OpGe,
}

// Parse turns filter text into a Predicate. Blank text yields a nil
// predicate. Malformed text fails with a SyntaxError.
func Parse(text string) (Predicate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	e, err := parseEnv()
	if err != nil {
		return nil, pqerrors.Wrap(pqerrors.KindInternal, err)
	}

	ast, iss := e.Parse(text)
	if iss != nil && iss.Err() != nil {
		perr := pqerrors.New(pqerrors.KindSyntaxError, "invalid filter").WithFormula(text, 0)
		if errs := iss.Errors(); len(errs) > 0 {
			perr.Message = "invalid filter: " + errs[0].Message
			perr.Position = errs[0].Location.Column() + 1
		} else {
			perr.Cause = iss.Err()
		}
		return nil, perr
	}

	c := converter{text: text}
	return c.predicate(ast.NativeRep().Expr())
}

type converter struct {
	text string
}

func (c *converter) fail(format string, args ...any) error {
	return pqerrors.New(pqerrors.KindSyntaxError, format, args...).WithFormula(c.text, 0)
}

func (c *converter) predicate(e celast.Expr) (Predicate, error) {
	if e.Kind() != celast.CallKind {
		return nil, c.fail("filter must be a comparison or a boolean combination of comparisons")
	}

	call := e.AsCall()
	args := call.Args()
	switch fn := call.FunctionName(); fn {
	case operators.LogicalAnd, operators.LogicalOr:
		var terms []Predicate
		for _, arg := range args {
			p, err := c.predicate(arg)
			if err != nil {
				return nil, err
			}
			terms = append(terms, p)
		}
		if fn == operators.LogicalAnd {
			return flattenAnd(terms), nil
		}
		return flattenOr(terms), nil
	case operators.LogicalNot:
		p, err := c.predicate(args[0])
		if err != nil {
			return nil, err
		}
		return &Not{Term: p}, nil
	case operators.In:
		field, ok := c.field(args[0])
		if !ok {
			return nil, c.fail("left side of 'in' must be a field name")
		}
		if args[1].Kind() != celast.ListKind {
			return nil, c.fail("right side of 'in' must be a list literal")
		}
		var values []record.Value
		for _, el := range args[1].AsList().Elements() {
			v, ok := c.literal(el)
			if !ok {
				return nil, c.fail("list for field %q may only contain literals", field)
			}
			values = append(values, v)
		}
		return &Comparison{Field: field, Op: OpIn, Values: values}, nil
	default:
		op, ok := comparisonOps[fn]
		if !ok {
			return nil, c.fail("unsupported operator or function %q", strings.Trim(fn, "_@"))
		}
		if field, ok := c.field(args[0]); ok {
			v, ok := c.literal(args[1])
			if !ok {
				return nil, c.fail("field %q must be compared with a literal", field)
			}
			return &Comparison{Field: field, Op: op, Value: v}, nil
		}
		if field, ok := c.field(args[1]); ok {
			v, ok := c.literal(args[0])
			if !ok {
				return nil, c.fail("field %q must be compared with a literal", field)
			}
			return &Comparison{Field: field, Op: op.Flip(), Value: v}, nil
		}
		return nil, c.fail("comparison must have a field name on one side")
	}
}

func (c *converter) field(e celast.Expr) (string, bool) {
	if e.Kind() != celast.IdentKind {
		return "", false
	}
	return e.AsIdent(), true
}

func (c *converter) literal(e celast.Expr) (record.Value, bool) {
	switch e.Kind() {
	case celast.LiteralKind:
		return fromCEL(e.AsLiteral())
	case celast.CallKind:
		call := e.AsCall()
		if call.FunctionName() != operators.Negate || len(call.Args()) != 1 {
			return record.Null, false
		}
		v, ok := c.literal(call.Args()[0])
		if !ok {
			return record.Null, false
		}
		if i, isInt := v.AsInt(); isInt {
			return record.Int(-i), true
		}
		if v.Kind() == record.KindFloat {
			f, _ := v.AsFloat()
			return record.Float(-f), true
		}
	}
	return record.Null, false
}

func fromCEL(v ref.Val) (record.Value, bool) {
	switch t := v.(type) {
	case celtypes.Int:
		return record.Int(int64(t)), true
	case celtypes.Uint:
		out, err := record.FromNative(uint64(t))
		return out, err == nil
	case celtypes.Double:
		return record.Float(float64(t)), true
	case celtypes.String:
		return record.String(string(t)), true
	case celtypes.Bool:
		return record.Bool(bool(t)), true
	case celtypes.Null:
		return record.Null, true
	}
	return record.Null, false
}

func flattenAnd(terms []Predicate) Predicate {
	var out []Predicate
	for _, t := range terms {
		if a, ok := t.(*And); ok {
			out = append(out, a.Terms...)
			continue
		}
		out = append(out, t)
	}
	return &And{Terms: out}
}

func flattenOr(terms []Predicate) Predicate {
	var out []Predicate
	for _, t := range terms {
		if o, ok := t.(*Or); ok {
			out = append(out, o.Terms...)
			continue
		}
		out = append(out, t)
	}
	return &Or{Terms: out}
}
