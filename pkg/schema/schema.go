// Package schema describes the canonical shape of each logical entity and
// normalizes native backend rows into that shape.
package schema

import (
	"fmt"
	"regexp"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
)

// FieldType is the declared type of a canonical field.
type FieldType string

const (
	TypeInteger FieldType = "integer"
	TypeDecimal FieldType = "decimal"
	TypeString  FieldType = "string"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeList    FieldType = "list"
	// TypeAny keeps whatever the backend returned, converted to a Value.
	TypeAny FieldType = "any"
)

func (t FieldType) Valid() bool {
	switch t {
	case TypeInteger, TypeDecimal, TypeString, TypeBoolean, TypeObject, TypeList, TypeAny:
		return true
	}
	return false
}

// identifierRE limits field, entity and native collection names to plain
// identifiers. Relational adapters quote them, but never interpolate
// anything that does not match.
var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s is safe to use as a native identifier.
func ValidIdentifier(s string) bool {
	return identifierRE.MatchString(s)
}

type Field struct {
	Name string
	Type FieldType
	// Virtual fields are not stored in any backend. They are present in
	// every canonical record (null until something fills them) and may be
	// referenced by formulas, but never by filters.
	Virtual bool
}

// Entity is the canonical schema of a logical entity.
type Entity struct {
	Name       string
	Fields     []Field
	NaturalKey string

	index map[string]int
}

// NewEntity validates the definition and builds its field index.
func NewEntity(name, naturalKey string, fields []Field) (*Entity, error) {
	if !ValidIdentifier(name) {
		return nil, fmt.Errorf("invalid entity name %q", name)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("entity %q declares no fields", name)
	}

	e := &Entity{Name: name, NaturalKey: naturalKey, Fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		if !ValidIdentifier(f.Name) {
			return nil, fmt.Errorf("entity %q: invalid field name %q", name, f.Name)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("entity %q: field %q has unknown type %q", name, f.Name, f.Type)
		}
		if _, dup := e.index[f.Name]; dup {
			return nil, fmt.Errorf("entity %q: duplicate field %q", name, f.Name)
		}
		e.index[f.Name] = i
	}

	key, ok := e.Field(naturalKey)
	if !ok {
		return nil, fmt.Errorf("entity %q: natural key %q is not a declared field", name, naturalKey)
	}
	if key.Virtual {
		return nil, fmt.Errorf("entity %q: natural key %q cannot be a virtual field", name, naturalKey)
	}
	return e, nil
}

func (e *Entity) Field(name string) (Field, bool) {
	i, ok := e.index[name]
	if !ok {
		return Field{}, false
	}
	return e.Fields[i], true
}

func (e *Entity) Has(name string) bool {
	_, ok := e.index[name]
	return ok
}

// FieldNames returns canonical field names in declaration order.
func (e *Entity) FieldNames() []string {
	out := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		out[i] = f.Name
	}
	return out
}

// Canonical returns the canonical field set of the entity.
func (e *Entity) Canonical() map[string]struct{} {
	out := make(map[string]struct{}, len(e.Fields))
	for _, f := range e.Fields {
		out[f.Name] = struct{}{}
	}
	return out
}

// Registry holds every entity schema. It is populated at startup and read
// concurrently afterwards without locking.
type Registry struct {
	entities map[string]*Entity
	order    []string
}

func NewRegistry(entities ...*Entity) (*Registry, error) {
	r := &Registry{entities: make(map[string]*Entity, len(entities))}
	for _, e := range entities {
		if _, dup := r.entities[e.Name]; dup {
			return nil, fmt.Errorf("duplicate entity %q", e.Name)
		}
		r.entities[e.Name] = e
		r.order = append(r.order, e.Name)
	}
	return r, nil
}

func (r *Registry) Entity(name string) (*Entity, error) {
	e, ok := r.entities[name]
	if !ok {
		return nil, pqerrors.New(pqerrors.KindUnknownEntity, "no schema registered").WithEntity(name)
	}
	return e, nil
}

// CanonicalSchema returns the set of canonical field names of entity.
func (r *Registry) CanonicalSchema(entity string) (map[string]struct{}, error) {
	e, err := r.Entity(entity)
	if err != nil {
		return nil, err
	}
	return e.Canonical(), nil
}

// Names returns entity names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
