package filter

import (
	"math"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
)

// Bind checks p against the entity schema and returns a copy whose literals
// are converted to the types of the fields they are compared with. Only
// stored scalar fields can be filtered on, and in-lists must not be empty.
func Bind(p Predicate, entity *schema.Entity) (Predicate, error) {
	switch t := p.(type) {
	case nil:
		return nil, nil
	case *Comparison:
		return bindComparison(t, entity)
	case *And:
		terms, err := bindAll(t.Terms, entity)
		if err != nil {
			return nil, err
		}
		return &And{Terms: terms}, nil
	case *Or:
		terms, err := bindAll(t.Terms, entity)
		if err != nil {
			return nil, err
		}
		return &Or{Terms: terms}, nil
	case *Not:
		term, err := Bind(t.Term, entity)
		if err != nil {
			return nil, err
		}
		return &Not{Term: term}, nil
	}
	return nil, pqerrors.New(pqerrors.KindInternal, "unknown predicate %T", p)
}

func bindAll(terms []Predicate, entity *schema.Entity) ([]Predicate, error) {
	out := make([]Predicate, len(terms))
	for i, term := range terms {
		b, err := Bind(term, entity)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func bindComparison(c *Comparison, entity *schema.Entity) (Predicate, error) {
	f, ok := entity.Field(c.Field)
	if !ok {
		return nil, pqerrors.New(pqerrors.KindUnknownField, "filter references unknown field %q", c.Field).
			WithEntity(entity.Name).WithField(c.Field)
	}
	if f.Virtual {
		return nil, pqerrors.New(pqerrors.KindUnknownField, "field %q is not stored and cannot be filtered on", c.Field).
			WithEntity(entity.Name).WithField(c.Field)
	}
	switch f.Type {
	case schema.TypeObject, schema.TypeList:
		return nil, pqerrors.New(pqerrors.KindTypeMismatch, "field %q of type %s cannot be filtered on", c.Field, f.Type).
			WithEntity(entity.Name).WithField(c.Field)
	}

	out := &Comparison{Field: c.Field, Op: c.Op}
	if c.Op == OpIn || c.Op == OpNotIn {
		if len(c.Values) == 0 {
			return nil, pqerrors.New(pqerrors.KindSyntaxError, "list for field %q must not be empty", c.Field).
				WithEntity(entity.Name).WithField(c.Field)
		}
		out.Values = make([]record.Value, len(c.Values))
		for i, v := range c.Values {
			cv, err := coerceLiteral(v, f, entity, false)
			if err != nil {
				return nil, err
			}
			out.Values[i] = cv
		}
		return out, nil
	}

	allowNull := c.Op == OpEq || c.Op == OpNe
	cv, err := coerceLiteral(c.Value, f, entity, allowNull)
	if err != nil {
		return nil, err
	}
	out.Value = cv
	return out, nil
}

func coerceLiteral(v record.Value, f schema.Field, entity *schema.Entity, allowNull bool) (record.Value, error) {
	mismatch := func() error {
		return pqerrors.New(pqerrors.KindTypeMismatch, "cannot compare %s field %q with %s literal %s", f.Type, f.Name, v.Kind(), v).
			WithEntity(entity.Name).WithField(f.Name)
	}

	if v.IsNull() {
		if !allowNull {
			return record.Null, mismatch()
		}
		return v, nil
	}

	switch f.Type {
	case schema.TypeInteger:
		if fl, ok := v.AsFloat(); ok && v.Kind() == record.KindFloat && fl == math.Trunc(fl) && math.Abs(fl) < 1<<53 {
			return record.Int(int64(fl)), nil
		}
		if v.IsNumber() {
			return v, nil
		}
	case schema.TypeDecimal:
		if fl, ok := v.AsFloat(); ok {
			return record.Float(fl), nil
		}
	case schema.TypeString:
		if v.Kind() == record.KindString {
			return v, nil
		}
	case schema.TypeBoolean:
		if v.Kind() == record.KindBool {
			return v, nil
		}
	case schema.TypeAny:
		return v, nil
	}
	return record.Null, mismatch()
}
