package expr

import (
	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/record"
)

type evaluator struct {
	text string
	rec  *record.Record
}

func (e *evaluator) typeMismatch(pos int, format string, args ...any) error {
	return pqerrors.New(pqerrors.KindTypeMismatch, format, args...).WithFormula(e.text, pos)
}

func (e *evaluator) eval(n Node) (record.Value, error) {
	switch t := n.(type) {
	case *Literal:
		return t.Value, nil
	case *FieldRef:
		v, _ := e.rec.Get(t.Name)
		return v, nil
	case *UnaryOp:
		return e.unary(t)
	case *BinaryOp:
		switch t.Op {
		case OpAnd, OpOr:
			return e.logical(t)
		}
		left, err := e.eval(t.Left)
		if err != nil {
			return record.Null, err
		}
		right, err := e.eval(t.Right)
		if err != nil {
			return record.Null, err
		}
		switch t.Op {
		case OpAdd, OpSub, OpMul, OpDiv:
			return e.arithmetic(t, left, right)
		default:
			return e.compare(t, left, right)
		}
	}
	return record.Null, pqerrors.New(pqerrors.KindInternal, "unknown node %T", n)
}

func (e *evaluator) unary(n *UnaryOp) (record.Value, error) {
	v, err := e.eval(n.Operand)
	if err != nil || v.IsNull() {
		return record.Null, err
	}

	switch n.Op {
	case OpNeg:
		if i, ok := v.AsInt(); ok {
			return record.Int(-i), nil
		}
		if v.Kind() == record.KindFloat {
			f, _ := v.AsFloat()
			return record.Float(-f), nil
		}
		return record.Null, e.typeMismatch(n.pos, "cannot negate %s", v.Kind())
	case OpNot:
		if b, ok := v.AsBool(); ok {
			return record.Bool(!b), nil
		}
		return record.Null, e.typeMismatch(n.pos, "cannot apply not to %s", v.Kind())
	}
	return record.Null, pqerrors.New(pqerrors.KindInternal, "unknown unary operator %s", n.Op)
}

// logical implements three-valued and/or with short-circuit on the
// deciding value.
func (e *evaluator) logical(n *BinaryOp) (record.Value, error) {
	decisive := n.Op == OpOr

	left, err := e.eval(n.Left)
	if err != nil {
		return record.Null, err
	}
	l, lok := left.AsBool()
	if !lok && !left.IsNull() {
		return record.Null, e.typeMismatch(n.opPos, "cannot apply %s to %s", n.Op, left.Kind())
	}
	if lok && l == decisive {
		return record.Bool(decisive), nil
	}

	right, err := e.eval(n.Right)
	if err != nil {
		return record.Null, err
	}
	r, rok := right.AsBool()
	if !rok && !right.IsNull() {
		return record.Null, e.typeMismatch(n.opPos, "cannot apply %s to %s", n.Op, right.Kind())
	}
	if rok && r == decisive {
		return record.Bool(decisive), nil
	}
	if left.IsNull() || right.IsNull() {
		return record.Null, nil
	}
	return record.Bool(!decisive), nil
}

func (e *evaluator) arithmetic(n *BinaryOp, left, right record.Value) (record.Value, error) {
	if left.IsNull() || right.IsNull() {
		return record.Null, nil
	}

	if ls, ok := left.AsString(); ok {
		if rs, ok := right.AsString(); ok && n.Op == OpAdd {
			return record.String(ls + rs), nil
		}
	}
	if !left.IsNumber() || !right.IsNumber() {
		return record.Null, e.typeMismatch(n.opPos, "cannot apply %s to %s and %s", n.Op, left.Kind(), right.Kind())
	}

	li, lInt := left.AsInt()
	ri, rInt := right.AsInt()
	if lInt && rInt {
		switch n.Op {
		case OpAdd:
			return record.Int(li + ri), nil
		case OpSub:
			return record.Int(li - ri), nil
		case OpMul:
			return record.Int(li * ri), nil
		case OpDiv:
			if ri == 0 {
				return record.Null, e.divisionByZero(n)
			}
			return record.Int(li / ri), nil
		}
	}

	lf, _ := left.AsFloat()
	rf, _ := right.AsFloat()
	switch n.Op {
	case OpAdd:
		return record.Float(lf + rf), nil
	case OpSub:
		return record.Float(lf - rf), nil
	case OpMul:
		return record.Float(lf * rf), nil
	case OpDiv:
		if rf == 0 {
			return record.Null, e.divisionByZero(n)
		}
		return record.Float(lf / rf), nil
	}
	return record.Null, pqerrors.New(pqerrors.KindInternal, "unknown arithmetic operator %s", n.Op)
}

func (e *evaluator) divisionByZero(n *BinaryOp) error {
	return pqerrors.New(pqerrors.KindDivisionByZero, "division by zero").WithFormula(e.text, n.opPos)
}

// compare handles == != < <= > >=. Numbers compare after promotion, with
// exact float equality. Ordering against null yields null; equality against
// null compares nullness.
func (e *evaluator) compare(n *BinaryOp, left, right record.Value) (record.Value, error) {
	if left.IsNull() || right.IsNull() {
		switch n.Op {
		case OpEq:
			return record.Bool(left.IsNull() && right.IsNull()), nil
		case OpNe:
			return record.Bool(left.IsNull() != right.IsNull()), nil
		default:
			return record.Null, nil
		}
	}

	cmp, err := e.order(n, left, right)
	if err != nil {
		return record.Null, err
	}
	switch n.Op {
	case OpEq:
		return record.Bool(cmp == 0), nil
	case OpNe:
		return record.Bool(cmp != 0), nil
	case OpLt:
		return record.Bool(cmp < 0), nil
	case OpLe:
		return record.Bool(cmp <= 0), nil
	case OpGt:
		return record.Bool(cmp > 0), nil
	case OpGe:
		return record.Bool(cmp >= 0), nil
	}
	return record.Null, pqerrors.New(pqerrors.KindInternal, "unknown comparison operator %s", n.Op)
}

// order returns -1, 0 or 1. Booleans only support equality.
func (e *evaluator) order(n *BinaryOp, left, right record.Value) (int, error) {
	switch {
	case left.IsNumber() && right.IsNumber():
		li, lInt := left.AsInt()
		ri, rInt := right.AsInt()
		if lInt && rInt {
			return cmp3(li < ri, li > ri), nil
		}
		lf, _ := left.AsFloat()
		rf, _ := right.AsFloat()
		return cmp3(lf < rf, lf > rf), nil
	case left.Kind() == record.KindString && right.Kind() == record.KindString:
		ls, _ := left.AsString()
		rs, _ := right.AsString()
		return cmp3(ls < rs, ls > rs), nil
	case left.Kind() == record.KindBool && right.Kind() == record.KindBool && (n.Op == OpEq || n.Op == OpNe):
		lb, _ := left.AsBool()
		rb, _ := right.AsBool()
		if lb == rb {
			return 0, nil
		}
		return 1, nil
	}
	return 0, e.typeMismatch(n.opPos, "cannot apply %s to %s and %s", n.Op, left.Kind(), right.Kind())
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	default:
		return 0
	}
}
