package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
)

// Bindings is the native-to-canonical mapping an adapter holds for every
// entity it stores. It is built before the adapter starts serving and is
// never mutated afterwards.
type Bindings map[string]*schema.Binding

// NewBindings indexes bindings by entity name.
func NewBindings(bindings ...*schema.Binding) (Bindings, error) {
	out := make(Bindings, len(bindings))
	for _, b := range bindings {
		if _, dup := out[b.Entity.Name]; dup {
			return nil, fmt.Errorf("entity %q bound twice", b.Entity.Name)
		}
		out[b.Entity.Name] = b
	}
	return out, nil
}

// Lookup returns the binding for entity or an UnknownEntity error naming
// the backend.
func (b Bindings) Lookup(backend, entity string) (*schema.Binding, error) {
	binding, ok := b[entity]
	if !ok {
		return nil, &pqerrors.Error{
			Kind:    pqerrors.KindUnknownEntity,
			Message: ErrUnknownCollection.Error(),
			Entity:  entity,
			Backend: backend,
			Cause:   ErrUnknownCollection,
		}
	}
	return binding, nil
}

// Normalize is the shared Adapter.Normalize implementation.
func (b Bindings) Normalize(ctx context.Context, log logger.Logger, backend, entity string, rows []RawRow) ([]*record.Record, error) {
	binding, err := b.Lookup(backend, entity)
	if err != nil {
		return nil, err
	}
	return binding.Normalize(ctx, log.With(zap.String("backend", backend)), rows), nil
}
