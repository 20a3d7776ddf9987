package router

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
)

// Write validates records against the entity schema and inserts them into
// the hinted source, or into every source of a mirrored entity. Sources are
// written in registration order and the first failure is returned; there is
// no cross-backend rollback.
func (r *Router) Write(ctx context.Context, entity, backend string, records []*record.Record) (written int, err error) {
	ctx, span := tracer.Start(ctx, "router.Write", trace.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("backend_hint", backend),
		attribute.Int("records", len(records)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(pqerrors.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		requestDurationHistogram.WithLabelValues("write", entity, outcome).Observe(float64(time.Since(start).Milliseconds()))
	}()

	if err := r.acquire(ctx); err != nil {
		return 0, pqerrors.Annotate(err, entity, "")
	}
	defer r.requests.Release(1)

	sources, err := r.resolve(entity, backend)
	if err != nil {
		return 0, err
	}
	e, err := r.registry.Entity(entity)
	if err != nil {
		return 0, err
	}

	canonical := make([]*record.Record, len(records))
	for i, rec := range records {
		if canonical[i], err = conform(e, rec); err != nil {
			return 0, err
		}
	}
	if len(canonical) == 0 {
		return 0, nil
	}

	for _, name := range sources {
		n, err := r.adapters[name].Insert(ctx, entity, canonical)
		if err != nil {
			return written, pqerrors.Annotate(err, entity, name)
		}
		written += n
	}
	return written, nil
}

// conform coerces rec to the declared field types. Unknown and virtual
// fields are rejected, as is a record without a natural key.
func conform(e *schema.Entity, rec *record.Record) (*record.Record, error) {
	out := record.New()
	for _, name := range rec.Keys() {
		f, ok := e.Field(name)
		if !ok {
			return nil, pqerrors.New(pqerrors.KindUnknownField, "record has unknown field %q", name).
				WithEntity(e.Name).WithField(name)
		}
		if f.Virtual {
			return nil, pqerrors.New(pqerrors.KindUnknownField, "field %q is not stored and cannot be written", name).
				WithEntity(e.Name).WithField(name)
		}
		raw, _ := rec.Get(name)
		v, err := schema.Coerce(raw, f.Type)
		if err != nil {
			return nil, pqerrors.New(pqerrors.KindInvalidRecord, "field %q: %v", name, err).
				WithEntity(e.Name).WithField(name)
		}
		out.Set(name, v)
	}

	if key, ok := out.Get(e.NaturalKey); !ok || key.IsNull() {
		return nil, pqerrors.New(pqerrors.KindInvalidRecord, "record has no %q", e.NaturalKey).
			WithEntity(e.Name).WithField(e.NaturalKey)
	}
	return out, nil
}
