package filter

import (
	"github.com/polyquery/polyquery/pkg/record"
)

// Match evaluates p against a canonical record using SQL-like semantics:
// a comparison involving a null field value is false unless it is an
// explicit null check.
func Match(p Predicate, rec *record.Record) bool {
	switch t := p.(type) {
	case nil:
		return true
	case *Comparison:
		v, _ := rec.Get(t.Field)
		return matchComparison(t, v)
	case *And:
		for _, term := range t.Terms {
			if !Match(term, rec) {
				return false
			}
		}
		return true
	case *Or:
		for _, term := range t.Terms {
			if Match(term, rec) {
				return true
			}
		}
		return false
	case *Not:
		return Match(Negate(t.Term), rec)
	}
	return false
}

func matchComparison(c *Comparison, v record.Value) bool {
	if c.Op == OpIn || c.Op == OpNotIn {
		if v.IsNull() {
			return false
		}
		found := false
		for _, candidate := range c.Values {
			if n, ok := Compare(v, candidate); ok && n == 0 {
				found = true
				break
			}
		}
		return found == (c.Op == OpIn)
	}

	if c.Value.IsNull() {
		switch c.Op {
		case OpEq:
			return v.IsNull()
		case OpNe:
			return !v.IsNull()
		}
		return false
	}
	if v.IsNull() {
		return false
	}

	n, ok := Compare(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return n == 0
	case OpNe:
		return n != 0
	case OpLt:
		return n < 0
	case OpLe:
		return n <= 0
	case OpGt:
		return n > 0
	case OpGe:
		return n >= 0
	}
	return false
}

// Compare orders two non-null scalars. Numbers compare after promotion to
// float when the kinds differ. ok is false when the values are not
// comparable; booleans order false before true.
func Compare(a, b record.Value) (int, bool) {
	switch {
	case a.IsNumber() && b.IsNumber():
		ai, aInt := a.AsInt()
		bi, bInt := b.AsInt()
		if aInt && bInt {
			return sign(ai < bi, ai > bi), true
		}
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		return sign(af < bf, af > bf), true
	case a.Kind() == record.KindString && b.Kind() == record.KindString:
		as, _ := a.AsString()
		bs, _ := b.AsString()
		return sign(as < bs, as > bs), true
	case a.Kind() == record.KindBool && b.Kind() == record.KindBool:
		ab, _ := a.AsBool()
		bb, _ := b.AsBool()
		return sign(!ab && bb, ab && !bb), true
	}
	return 0, false
}

func sign(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}
