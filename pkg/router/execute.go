package router

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/polyquery/polyquery/internal/concurrency"
	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/expr"
	"github.com/polyquery/polyquery/pkg/filter"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
)

// Request is a backend-agnostic read of one entity.
type Request struct {
	Entity string
	// Backend, when set, restricts the request to that source of Entity.
	Backend string
	// Filter is CEL filter text over canonical fields. Empty matches all.
	Filter string
	// Formula is evaluated once per record into the result field.
	Formula  string
	Cursor   string
	PageSize int
	// Descending reverses the natural key order.
	Descending bool
	// Strict overrides the router's evaluation mode when set.
	Strict *bool
	// Aggregates summarize fields over the returned page.
	Aggregates []Aggregate
}

// ResultSet is one page of canonical records. Cursor is empty once every
// source is exhausted.
type ResultSet struct {
	Records    []*record.Record
	Cursor     string
	Aggregates map[string]record.Value
}

type plan struct {
	entity  *schema.Entity
	sources []string
	filter  filter.Predicate
	formula *expr.Program
	strict  bool
	cursor  *cursor
}

// Execute routes req, normalizes the fetched rows, evaluates the formula and
// merges mirrored sources. Everything that can be checked without backend
// I/O is checked first.
func (r *Router) Execute(ctx context.Context, req Request) (result *ResultSet, err error) {
	ctx, span := tracer.Start(ctx, "router.Execute", trace.WithAttributes(
		attribute.String("entity", req.Entity),
		attribute.String("backend_hint", req.Backend),
		attribute.Bool("has_formula", req.Formula != ""),
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
		requestDurationHistogram.WithLabelValues("execute", req.Entity, outcome).Observe(float64(time.Since(start).Milliseconds()))
	}()

	if err := r.acquire(ctx); err != nil {
		return nil, pqerrors.Annotate(err, req.Entity, "")
	}
	defer r.requests.Release(1)

	p, err := r.plan(req)
	if err != nil {
		return nil, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = r.defaultPageSize
	}
	pageSize = min(pageSize, r.maxPageSize)

	records, next, err := r.read(ctx, p, storage.FetchRequest{
		Entity:     req.Entity,
		Filter:     p.filter,
		PageSize:   pageSize,
		Descending: req.Descending,
	})
	if err != nil {
		return nil, err
	}

	token, err := next.encode(r.tokens)
	if err != nil {
		return nil, pqerrors.Wrap(pqerrors.KindInternal, err).WithEntity(req.Entity)
	}

	span.SetAttributes(attribute.Int("records", len(records)))
	return &ResultSet{Records: records, Cursor: token, Aggregates: aggregate(req.Aggregates, records)}, nil
}

// plan performs every check that needs no backend I/O.
func (r *Router) plan(req Request) (*plan, error) {
	sources, err := r.resolve(req.Entity, req.Backend)
	if err != nil {
		return nil, err
	}
	entity, err := r.registry.Entity(req.Entity)
	if err != nil {
		return nil, err
	}

	p := &plan{entity: entity, sources: sources, strict: r.strict}
	if req.Strict != nil {
		p.strict = *req.Strict
	}

	pred, err := filter.Parse(req.Filter)
	if err != nil {
		return nil, pqerrors.Annotate(err, req.Entity, "")
	}
	if p.filter, err = filter.Bind(pred, entity); err != nil {
		return nil, pqerrors.Annotate(err, req.Entity, "")
	}

	if req.Formula != "" {
		prog, err := r.formulas.Get(req.Formula)
		if err != nil {
			return nil, pqerrors.Annotate(err, req.Entity, "")
		}
		fields := entity.Canonical()
		delete(fields, r.resultField)
		if err := prog.Bind(fields); err != nil {
			return nil, pqerrors.Annotate(err, req.Entity, "")
		}
		p.formula = prog
	}

	if err := bindAggregates(req.Aggregates, entity, r.resultField, p.formula != nil); err != nil {
		return nil, err
	}

	if p.cursor, err = decodeCursor(r.tokens, req.Cursor, req.Entity, sources); err != nil {
		return nil, err
	}
	return p, nil
}

// read fills a page from the source the cursor points at, moving on to the
// next source once one is exhausted. Records of a mirrored entity are merged
// with the other sources before they are counted.
func (r *Router) read(ctx context.Context, p *plan, base storage.FetchRequest) ([]*record.Record, *cursor, error) {
	c := p.cursor
	out := make([]*record.Record, 0, base.PageSize)
	var origins []string
	for len(out) < base.PageSize && !c.done() {
		backend := c.backend()
		req := base
		req.Cursor = c.Token
		req.PageSize = base.PageSize - len(out)
		page, err := r.fetch(ctx, backend, req)
		if err != nil {
			return nil, nil, err
		}
		records, err := r.adapters[backend].Normalize(ctx, base.Entity, page.Rows)
		if err != nil {
			return nil, nil, pqerrors.Annotate(err, base.Entity, backend)
		}

		from := slices.Repeat([]string{backend}, len(records))
		if len(c.Sources) > 1 && len(records) > 0 {
			if records, from, err = r.reconcile(ctx, p, c.Source, records); err != nil {
				return nil, nil, err
			}
		}
		out = append(out, records...)
		origins = append(origins, from...)
		c = c.next(page.Next)
	}

	if len(out) > 0 {
		if r.lookups != nil {
			r.lookups.Fill(ctx, base.Entity, out)
		}
		if p.formula != nil {
			if err := r.evaluate(ctx, p, origins, out); err != nil {
				return nil, nil, err
			}
		}
	}
	return out, c, nil
}

// reconcile fetches what every other source holds for the keys of page and
// merges page with it. Mirrors are read in parallel; the first failure
// cancels the others.
func (r *Router) reconcile(ctx context.Context, p *plan, current int, page []*record.Record) ([]*record.Record, []string, error) {
	sources := p.cursor.Sources
	backend := sources[current]
	keys := mergeKeys(p.entity.NaturalKey, page)
	if len(keys) == 0 {
		merged, origins := merge(p.entity.NaturalKey, backend, page, nil, nil)
		return merged, origins, nil
	}

	byKey, err := filter.Bind(&filter.Comparison{Field: p.entity.NaturalKey, Op: filter.OpIn, Values: keys}, p.entity)
	if err != nil {
		return nil, nil, pqerrors.Annotate(err, p.entity.Name, backend)
	}
	pred := byKey
	if p.filter != nil {
		pred = &filter.And{Terms: []filter.Predicate{p.filter, byKey}}
	}

	mirrors := make([]mirror, len(sources))
	pool := concurrency.NewPool(ctx, len(sources)-1)
	for i, other := range sources {
		if i == current {
			continue
		}
		pool.Go(func(ctx context.Context) error {
			records, err := r.fetchAll(ctx, other, storage.FetchRequest{
				Entity:   p.entity.Name,
				Filter:   pred,
				PageSize: len(keys),
			})
			if err != nil {
				return err
			}
			mirrors[i] = newMirror(other, p.entity.NaturalKey, records)
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		if ctxErr := storage.ContextError(ctx, ""); ctxErr != nil && !errors.Is(err, pqerrors.ErrCancelled) {
			return nil, nil, pqerrors.Annotate(ctxErr, p.entity.Name, "")
		}
		return nil, nil, err
	}

	merged, origins := merge(p.entity.NaturalKey, backend, page, mirrors[:current], mirrors[current+1:])
	return merged, origins, nil
}

// fetchAll follows the native cursor of backend until every row matching
// req is read and returns them normalized.
func (r *Router) fetchAll(ctx context.Context, backend string, req storage.FetchRequest) ([]*record.Record, error) {
	var out []*record.Record
	for {
		page, err := r.fetch(ctx, backend, req)
		if err != nil {
			return nil, err
		}
		records, err := r.adapters[backend].Normalize(ctx, req.Entity, page.Rows)
		if err != nil {
			return nil, pqerrors.Annotate(err, req.Entity, backend)
		}
		out = append(out, records...)
		if page.Next == "" {
			return out, nil
		}
		req.Cursor = page.Next
	}
}

// fetch calls one adapter, retrying BackendUnavailable failures with
// exponential backoff. Every other failure is permanent.
func (r *Router) fetch(ctx context.Context, backend string, req storage.FetchRequest) (*storage.RawPage, error) {
	adapter := r.adapters[backend]

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialInterval
	policy.MaxInterval = r.retry.MaxInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	page, err := backoff.RetryNotifyWithData(func() (*storage.RawPage, error) {
		attempt++
		page, err := adapter.Fetch(ctx, req)
		if err == nil {
			return page, nil
		}
		err = pqerrors.Annotate(err, req.Entity, backend)
		if errors.Is(err, pqerrors.ErrBackendUnavailable) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.retry.MaxAttempts-1)), ctx),
		func(err error, wait time.Duration) {
			backendRetryCounter.WithLabelValues(backend).Inc()
			r.logger.WarnWithContext(ctx, "backend unavailable, retrying",
				zap.String("backend", backend),
				zap.String("entity", req.Entity),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		})
	if err != nil {
		if ctxErr := storage.ContextError(ctx, backend); ctxErr != nil && !errors.Is(err, pqerrors.ErrCancelled) {
			return nil, pqerrors.Annotate(ctxErr, req.Entity, backend)
		}
		return nil, err
	}
	return page, nil
}

// evaluate fills the result field of every record. Per-record failures are
// null unless the plan is strict.
func (r *Router) evaluate(ctx context.Context, p *plan, origins []string, records []*record.Record) error {
	mode := "lenient"
	if p.strict {
		mode = "strict"
	}
	for i, rec := range records {
		backend := origins[i]
		v, err := p.formula.Eval(rec)
		if err != nil {
			kind := pqerrors.KindOf(err)
			formulaErrorCounter.WithLabelValues(p.entity.Name, string(kind), mode).Inc()
			if p.strict {
				return pqerrors.Annotate(err, p.entity.Name, backend)
			}
			r.logger.DebugWithContext(ctx, "formula evaluation failed, using null",
				zap.String("entity", p.entity.Name),
				zap.String("backend", backend),
				zap.String("formula", p.formula.Text()),
				zap.Error(err),
			)
			v = record.Null
		}
		rec.Set(r.resultField, v)
	}
	return nil
}
