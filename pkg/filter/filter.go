// Package filter parses request filters into a backend-neutral predicate
// tree that each adapter translates into its own query language.
//
// Filters use CEL syntax restricted to comparisons between a field and a
// literal, membership tests against a literal list, and the boolean
// connectives:
//
//	total > 100 && status in ["paid", "shipped"]
//	!(region == "eu") || priority >= 2
package filter

import (
	"fmt"
	"strings"

	"github.com/polyquery/polyquery/pkg/record"
)

type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
	OpIn Op = "in"
	// OpNotIn only appears in negated predicates; filter text has no
	// syntax for it.
	OpNotIn Op = "not in"
)

// Flip returns the operator that gives the same result with the operands
// swapped.
func (o Op) Flip() Op {
	switch o {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	}
	return o
}

// Negate returns the complement of o for non-null operands.
func (o Op) Negate() Op {
	switch o {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpLt:
		return OpGe
	case OpLe:
		return OpGt
	case OpGt:
		return OpLe
	case OpGe:
		return OpLt
	case OpIn:
		return OpNotIn
	case OpNotIn:
		return OpIn
	}
	return o
}

// Predicate is one of *Comparison, *And, *Or or *Not. A nil Predicate
// matches everything.
type Predicate interface {
	String() string
	predicate()
}

// Comparison tests a canonical field against a literal. Values is only set
// for OpIn.
type Comparison struct {
	Field  string
	Op     Op
	Value  record.Value
	Values []record.Value
}

type And struct {
	Terms []Predicate
}

type Or struct {
	Terms []Predicate
}

type Not struct {
	Term Predicate
}

func (*Comparison) predicate() {}
func (*And) predicate()        {}
func (*Or) predicate()         {}
func (*Not) predicate()        {}

func (c *Comparison) String() string {
	if c.Op == OpIn || c.Op == OpNotIn {
		vals := make([]string, len(c.Values))
		for i, v := range c.Values {
			vals[i] = v.String()
		}
		return fmt.Sprintf("%s %s [%s]", c.Field, c.Op, strings.Join(vals, ", "))
	}
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.Value)
}

func (a *And) String() string { return join(a.Terms, " && ") }
func (o *Or) String() string  { return join(o.Terms, " || ") }
func (n *Not) String() string { return "!(" + n.Term.String() + ")" }

func join(terms []Predicate, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Fields returns the distinct field names referenced by p in first-use order.
func Fields(p Predicate) []string {
	var out []string
	seen := map[string]struct{}{}
	Walk(p, func(c *Comparison) {
		if _, ok := seen[c.Field]; !ok {
			seen[c.Field] = struct{}{}
			out = append(out, c.Field)
		}
	})
	return out
}

// Walk calls fn for every comparison in p, depth first.
func Walk(p Predicate, fn func(*Comparison)) {
	switch t := p.(type) {
	case *Comparison:
		fn(t)
	case *And:
		for _, term := range t.Terms {
			Walk(term, fn)
		}
	case *Or:
		for _, term := range t.Terms {
			Walk(term, fn)
		}
	case *Not:
		Walk(t.Term, fn)
	}
}

// Negate pushes a negation down to the comparisons using De Morgan's laws,
// so the result contains no *Not. A comparison involving null stays
// unsatisfied under negation, the way SQL treats unknown.
func Negate(p Predicate) Predicate {
	switch t := p.(type) {
	case *Comparison:
		return &Comparison{Field: t.Field, Op: t.Op.Negate(), Value: t.Value, Values: t.Values}
	case *And:
		terms := make([]Predicate, len(t.Terms))
		for i, term := range t.Terms {
			terms[i] = Negate(term)
		}
		return &Or{Terms: terms}
	case *Or:
		terms := make([]Predicate, len(t.Terms))
		for i, term := range t.Terms {
			terms[i] = Negate(term)
		}
		return &And{Terms: terms}
	case *Not:
		return t.Term
	}
	return p
}
