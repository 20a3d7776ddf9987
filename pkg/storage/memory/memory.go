// Package memory is an in-process document adapter for tests and local
// development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/filter"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/storage"
)

var tracer = otel.Tracer("polyquery/pkg/storage/memory")

// document is a stored native row. Documents are kept in ULID order, which
// is insertion order.
type document struct {
	id  ulid.ULID
	row storage.RawRow
}

type collection struct {
	docs []document
	keys map[any]struct{}
}

// Adapter keeps every collection in memory behind one lock.
type Adapter struct {
	name      string
	bindings  storage.Bindings
	logger    logger.Logger
	batchSize int

	mu          sync.RWMutex
	collections map[string]*collection
}

var _ storage.Adapter = (*Adapter)(nil)

type StorageOption func(*Adapter)

func WithBindings(b storage.Bindings) StorageOption {
	return func(a *Adapter) { a.bindings = b }
}

func WithLogger(l logger.Logger) StorageOption {
	return func(a *Adapter) { a.logger = l }
}

func WithBatchSize(n int) StorageOption {
	return func(a *Adapter) { a.batchSize = n }
}

// New creates an empty adapter.
func New(name string, opts ...StorageOption) *Adapter {
	a := &Adapter{
		name:        name,
		logger:      logger.NewNoopLogger(),
		batchSize:   storage.DefaultBatchSize,
		collections: map[string]*collection{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.batchSize <= 0 {
		a.batchSize = storage.DefaultBatchSize
	}
	return a
}

func (a *Adapter) startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "memory."+name, trace.WithAttributes(attribute.String("backend", a.name)))
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Kind() storage.Kind { return storage.KindDocument }

func (a *Adapter) Normalize(ctx context.Context, entity string, rows []storage.RawRow) ([]*record.Record, error) {
	return a.bindings.Normalize(ctx, a.logger, a.name, entity, rows)
}

func (a *Adapter) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

func (a *Adapter) Close() {}

type memCursor struct {
	ID         string `json:"id"`
	Descending bool   `json:"desc"`
}

func (a *Adapter) decodeCursor(token string, descending bool) (ulid.ULID, error) {
	var c memCursor
	if err := storage.DecodeToken(token, &c); err != nil {
		return ulid.ULID{}, storage.InvalidCursor(a.name, err)
	}
	if c.Descending != descending {
		return ulid.ULID{}, storage.InvalidCursor(a.name, errors.New("continuation token was issued for the opposite sort direction"))
	}
	id, err := ulid.Parse(c.ID)
	if err != nil {
		return ulid.ULID{}, storage.InvalidCursor(a.name, err)
	}
	return id, nil
}

// Fetch see [storage.Adapter].Fetch. The filter is evaluated against the
// normalized form of each document.
func (a *Adapter) Fetch(ctx context.Context, req storage.FetchRequest) (*storage.RawPage, error) {
	ctx, span := a.startTrace(ctx, "Fetch")
	defer span.End()

	binding, err := a.bindings.Lookup(a.name, req.Entity)
	if err != nil {
		return nil, err
	}
	for _, f := range filter.Fields(req.Filter) {
		if _, ok := binding.NativeName(f); !ok {
			return nil, pqerrors.New(pqerrors.KindUnknownField, "field %q is not stored in collection %q", f, binding.Collection).
				WithEntity(req.Entity).WithBackend(a.name).WithField(f)
		}
	}
	if req.Cursor != "" {
		if _, err := a.decodeCursor(req.Cursor, req.Descending); err != nil {
			return nil, err
		}
	}

	batch := func(ctx context.Context, cursor string, limit int) ([]storage.RawRow, string, error) {
		var from *ulid.ULID
		if cursor != "" {
			id, err := a.decodeCursor(cursor, req.Descending)
			if err != nil {
				return nil, "", err
			}
			from = &id
		}

		a.mu.RLock()
		defer a.mu.RUnlock()

		coll := a.collections[binding.Collection]
		if coll == nil {
			return nil, cursor, nil
		}

		var rows []storage.RawRow
		var last ulid.ULID
		visit := func(d document) bool {
			if req.Filter != nil {
				recs := binding.Normalize(ctx, a.logger, []map[string]any{d.row})
				if !filter.Match(req.Filter, recs[0]) {
					return true
				}
			}
			rows = append(rows, clone(d.row))
			last = d.id
			return len(rows) < limit
		}

		docs := coll.docs
		if req.Descending {
			end := len(docs)
			if from != nil {
				end = sort.Search(len(docs), func(i int) bool { return docs[i].id.Compare(*from) >= 0 })
			}
			for i := end - 1; i >= 0; i-- {
				if !visit(docs[i]) {
					break
				}
			}
		} else {
			start := 0
			if from != nil {
				start = sort.Search(len(docs), func(i int) bool { return docs[i].id.Compare(*from) > 0 })
			}
			for i := start; i < len(docs); i++ {
				if !visit(docs[i]) {
					break
				}
			}
		}

		if len(rows) == 0 {
			return nil, cursor, nil
		}
		next, err := storage.EncodeToken(memCursor{ID: last.String(), Descending: req.Descending})
		if err != nil {
			return nil, "", err
		}
		return rows, next, nil
	}

	return storage.CollectPage(ctx, a.name, req.PageSize, a.batchSize, req.Cursor, batch)
}

// Insert see [storage.Adapter].Insert. Natural keys are unique per
// collection; a duplicate rejects the whole batch.
func (a *Adapter) Insert(ctx context.Context, entity string, records []*record.Record) (int, error) {
	_, span := a.startTrace(ctx, "Insert")
	defer span.End()

	binding, err := a.bindings.Lookup(a.name, entity)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	coll := a.collections[binding.Collection]
	if coll == nil {
		coll = &collection{keys: map[any]struct{}{}}
		a.collections[binding.Collection] = coll
	}

	nativeKey := binding.NativeKey()
	batchKeys := map[any]struct{}{}
	docs := make([]document, 0, len(records))
	for i, rec := range records {
		row := binding.Denormalize(rec)
		key, ok := row[nativeKey]
		if !ok || key == nil {
			return 0, pqerrors.New(pqerrors.KindInvalidRecord, "record %d has no %q", i, binding.Entity.NaturalKey).
				WithEntity(entity).WithBackend(a.name).WithField(binding.Entity.NaturalKey)
		}
		key = keyOf(key)
		_, stored := coll.keys[key]
		_, repeated := batchKeys[key]
		if stored || repeated {
			return 0, pqerrors.New(pqerrors.KindInvalidRecord, "duplicate %s %v", binding.Entity.NaturalKey, key).
				WithEntity(entity).WithBackend(a.name).WithField(binding.Entity.NaturalKey)
		}
		batchKeys[key] = struct{}{}
		docs = append(docs, document{id: ulid.Make(), row: row})
	}

	for k := range batchKeys {
		coll.keys[k] = struct{}{}
	}
	coll.docs = append(coll.docs, docs...)
	return len(docs), nil
}

// keyOf makes a natural key value usable as a map key.
func keyOf(v any) any {
	switch v.(type) {
	case int64, float64, string, bool:
		return v
	}
	return fmt.Sprint(v)
}

func clone(row storage.RawRow) storage.RawRow {
	out := make(storage.RawRow, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
