package sqlcommon

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/polyquery/polyquery/pkg/filter"
	"github.com/polyquery/polyquery/pkg/schema"
)

func validateBinding(b *schema.Binding) error {
	if !schema.ValidIdentifier(b.Collection) {
		return fmt.Errorf("invalid table name %q", b.Collection)
	}
	for _, f := range b.Entity.Fields {
		native, ok := b.NativeName(f.Name)
		if !ok {
			continue
		}
		if !schema.ValidIdentifier(native) {
			return fmt.Errorf("invalid column name %q for field %q", native, f.Name)
		}
	}
	return nil
}

// TranslateFilter builds the WHERE clause for p. Values are always bound
// as parameters; only validated, quoted identifiers reach the SQL text.
// Negations are pushed down to the comparisons.
func TranslateFilter(p filter.Predicate, b *schema.Binding, quote func(string) string) (sq.Sqlizer, error) {
	switch t := p.(type) {
	case nil:
		return nil, nil
	case *filter.Comparison:
		native, ok := b.NativeName(t.Field)
		if !ok {
			return nil, fmt.Errorf("field %q has no column in table %q", t.Field, b.Collection)
		}
		col := quote(native)

		switch t.Op {
		case filter.OpEq:
			return sq.Eq{col: t.Value.Native()}, nil
		case filter.OpNe:
			return sq.NotEq{col: t.Value.Native()}, nil
		case filter.OpLt:
			return sq.Lt{col: t.Value.Native()}, nil
		case filter.OpLe:
			return sq.LtOrEq{col: t.Value.Native()}, nil
		case filter.OpGt:
			return sq.Gt{col: t.Value.Native()}, nil
		case filter.OpGe:
			return sq.GtOrEq{col: t.Value.Native()}, nil
		case filter.OpIn:
			return sq.Eq{col: natives(t)}, nil
		case filter.OpNotIn:
			if len(t.Values) == 0 {
				// an empty NOT IN matches every non-null value
				return sq.NotEq{col: nil}, nil
			}
			return sq.NotEq{col: natives(t)}, nil
		}
		return nil, fmt.Errorf("unsupported operator %q", t.Op)
	case *filter.And:
		out := make(sq.And, 0, len(t.Terms))
		for _, term := range t.Terms {
			s, err := TranslateFilter(term, b, quote)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case *filter.Or:
		out := make(sq.Or, 0, len(t.Terms))
		for _, term := range t.Terms {
			s, err := TranslateFilter(term, b, quote)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case *filter.Not:
		return TranslateFilter(filter.Negate(t.Term), b, quote)
	}
	return nil, fmt.Errorf("unsupported predicate %T", p)
}

func natives(c *filter.Comparison) []any {
	out := make([]any, len(c.Values))
	for i, v := range c.Values {
		out[i] = v.Native()
	}
	return out
}

// AddFromKey restricts sb to rows strictly after the keyset cursor in the
// requested direction.
func AddFromKey(sb sq.SelectBuilder, keyColumn string, from any, sortDescending bool) sq.SelectBuilder {
	if sortDescending {
		return sb.Where(sq.Lt{keyColumn: from})
	}
	return sb.Where(sq.Gt{keyColumn: from})
}
