// Package expr compiles and evaluates arithmetic and boolean formulas over
// canonical records.
//
// A formula is compiled once into an immutable tree, bound against an
// entity's canonical field set, then evaluated any number of times.
// Evaluation is a pure tree walk and never blocks.
package expr

import (
	"sort"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/record"
)

// Program is a compiled formula.
type Program struct {
	text   string
	root   Node
	fields []*FieldRef
}

// Compile parses text into a Program. Malformed input fails with a
// SyntaxError carrying the offending position; nothing is returned on
// failure.
func Compile(text string) (*Program, error) {
	root, err := parse(text)
	if err != nil {
		return nil, err
	}

	p := &Program{text: text, root: root}
	walk(root, func(n Node) {
		if ref, ok := n.(*FieldRef); ok {
			p.fields = append(p.fields, ref)
		}
	})
	return p, nil
}

func (p *Program) Text() string { return p.text }

func (p *Program) Root() Node { return p.root }

// Fields returns the distinct field names referenced by the formula, sorted.
func (p *Program) Fields() []string {
	seen := make(map[string]struct{}, len(p.fields))
	var out []string
	for _, f := range p.fields {
		if _, ok := seen[f.Name]; ok {
			continue
		}
		seen[f.Name] = struct{}{}
		out = append(out, f.Name)
	}
	sort.Strings(out)
	return out
}

// Bind checks that every referenced field is in the canonical schema. The
// first unknown reference, in source order, is reported.
func (p *Program) Bind(schema map[string]struct{}) error {
	for _, f := range p.fields {
		if _, ok := schema[f.Name]; !ok {
			return pqerrors.New(pqerrors.KindFormulaBindError, "unknown field %q", f.Name).
				WithField(f.Name).
				WithFormula(p.text, f.pos)
		}
	}
	return nil
}

// Eval computes the formula over rec. Fields absent from rec read as null.
func (p *Program) Eval(rec *record.Record) (record.Value, error) {
	e := evaluator{text: p.text, rec: rec}
	return e.eval(p.root)
}

func walk(n Node, fn func(Node)) {
	fn(n)
	switch t := n.(type) {
	case *BinaryOp:
		walk(t.Left, fn)
		walk(t.Right, fn)
	case *UnaryOp:
		walk(t.Operand, fn)
	}
}
