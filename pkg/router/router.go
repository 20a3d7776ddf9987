// Package router resolves logical requests to backend adapters, evaluates
// formulas over the normalized records and merges mirrored sources.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/polyquery/polyquery/pkg/encoder"
	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/expr"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
)

var tracer = otel.Tracer("polyquery/pkg/router")

const (
	DefaultResultField           = "result"
	DefaultMaxConcurrentRequests = 100
	DefaultMaxPageSize           = 1000
	DefaultRetryMaxAttempts      = 3
	DefaultRetryInitialInterval  = 50 * time.Millisecond
	DefaultRetryMaxInterval      = time.Second
)

var (
	requestDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       "polyquery",
		Name:                            "router_request_duration_ms",
		Help:                            "The latency (in ms) of routed requests.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"method", "entity", "outcome"})

	backendRetryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polyquery",
		Name:      "router_backend_retries_total",
		Help:      "The number of retried backend calls after a BackendUnavailable error.",
	}, []string{"backend"})

	formulaErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polyquery",
		Name:      "router_formula_errors_total",
		Help:      "The number of per-record formula errors, by kind and mode.",
	}, []string{"entity", "kind", "mode"})
)

// LookupResolver fills the lookup fields of freshly normalized records. A
// failing lookup leaves its field null.
type LookupResolver interface {
	Fill(ctx context.Context, entity string, records []*record.Record)
}

// RetryPolicy bounds the retries of BackendUnavailable failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Router is safe for concurrent use once its routes are registered.
type Router struct {
	registry *schema.Registry
	adapters map[string]storage.Adapter
	// routes lists, per entity, backend names in registration order.
	routes map[string][]string

	formulas    *expr.Cache
	ownFormulas bool
	lookups     LookupResolver
	logger      logger.Logger
	tokens      encoder.Encoder

	strict          bool
	resultField     string
	defaultPageSize int
	maxPageSize     int
	retry           RetryPolicy

	maxConcurrentRequests int64
	requests              *semaphore.Weighted
}

type RouterOption func(*Router)

func WithLogger(l logger.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithStrictEvaluation makes per-record formula errors abort the request
// instead of producing a null result.
func WithStrictEvaluation(strict bool) RouterOption {
	return func(r *Router) { r.strict = strict }
}

func WithResultField(name string) RouterOption {
	return func(r *Router) { r.resultField = name }
}

// WithFormulaCache shares a compiled formula cache. The router does not stop it.
func WithFormulaCache(c *expr.Cache) RouterOption {
	return func(r *Router) { r.formulas = c }
}

func WithLookups(l LookupResolver) RouterOption {
	return func(r *Router) { r.lookups = l }
}

func WithPageSize(defaultSize, maxSize int) RouterOption {
	return func(r *Router) {
		r.defaultPageSize = defaultSize
		r.maxPageSize = maxSize
	}
}

func WithRetryPolicy(p RetryPolicy) RouterOption {
	return func(r *Router) { r.retry = p }
}

// WithCursorEncoder sets how continuation tokens are sealed. The default is
// plain base64, which clients can read but not usefully alter.
func WithCursorEncoder(e encoder.Encoder) RouterOption {
	return func(r *Router) { r.tokens = e }
}

// WithMaxConcurrentRequests bounds the number of requests executing at once.
func WithMaxConcurrentRequests(n int64) RouterOption {
	return func(r *Router) { r.maxConcurrentRequests = n }
}

// New builds a router over the entity registry. Adapters and routes are
// added with Register before the router starts serving.
func New(registry *schema.Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry:              registry,
		adapters:              map[string]storage.Adapter{},
		routes:                map[string][]string{},
		logger:                logger.NewNoopLogger(),
		tokens:                encoder.NewBase64Encoder(),
		resultField:           DefaultResultField,
		defaultPageSize:       storage.DefaultPageSize,
		maxPageSize:           DefaultMaxPageSize,
		maxConcurrentRequests: DefaultMaxConcurrentRequests,
		retry: RetryPolicy{
			MaxAttempts:     DefaultRetryMaxAttempts,
			InitialInterval: DefaultRetryInitialInterval,
			MaxInterval:     DefaultRetryMaxInterval,
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.formulas == nil {
		r.formulas = expr.NewCache(expr.DefaultCacheSize)
		r.ownFormulas = true
	}
	if r.tokens == nil {
		r.tokens = encoder.NewBase64Encoder()
	}
	if r.defaultPageSize <= 0 {
		r.defaultPageSize = storage.DefaultPageSize
	}
	if r.maxPageSize < r.defaultPageSize {
		r.maxPageSize = r.defaultPageSize
	}
	if r.retry.MaxAttempts <= 0 {
		r.retry.MaxAttempts = 1
	}
	if r.maxConcurrentRequests <= 0 {
		r.maxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	r.requests = semaphore.NewWeighted(r.maxConcurrentRequests)
	return r
}

// Register makes adapter a source of entities, in the order given. An
// entity registered on several backends is mirrored: requests without a
// hint read every source and later registrations win merge conflicts.
func (r *Router) Register(adapter storage.Adapter, entities ...string) error {
	name := adapter.Name()
	if prev, ok := r.adapters[name]; ok && prev != adapter {
		return fmt.Errorf("backend %q registered twice", name)
	}
	for _, entity := range entities {
		e, err := r.registry.Entity(entity)
		if err != nil {
			return fmt.Errorf("backend %q: %w", name, err)
		}
		if f, ok := e.Field(r.resultField); ok && !f.Virtual {
			return fmt.Errorf("entity %q stores field %q, which is reserved for formula results", entity, f.Name)
		}
		for _, b := range r.routes[entity] {
			if b == name {
				return fmt.Errorf("entity %q already routed to backend %q", entity, name)
			}
		}
	}

	r.adapters[name] = adapter
	for _, entity := range entities {
		r.routes[entity] = append(r.routes[entity], name)
	}
	return nil
}

// Adapters returns every registered adapter by backend name.
func (r *Router) Adapters() map[string]storage.Adapter {
	out := make(map[string]storage.Adapter, len(r.adapters))
	for k, v := range r.adapters {
		out[k] = v
	}
	return out
}

// Entities returns the schemas of every routed entity, in registry order.
func (r *Router) Entities() []*schema.Entity {
	var out []*schema.Entity
	for _, name := range r.registry.Names() {
		if len(r.routes[name]) == 0 {
			continue
		}
		e, _ := r.registry.Entity(name)
		out = append(out, e)
	}
	return out
}

// Schema returns the schema of a routed entity.
func (r *Router) Schema(entity string) (*schema.Entity, error) {
	e, err := r.registry.Entity(entity)
	if err != nil {
		return nil, err
	}
	if len(r.routes[entity]) == 0 {
		return nil, pqerrors.New(pqerrors.KindUnknownEntity, "no backend serves this entity").WithEntity(entity)
	}
	return e, nil
}

// Sources returns the backends of entity in registration order.
func (r *Router) Sources(entity string) []string {
	out := make([]string, len(r.routes[entity]))
	copy(out, r.routes[entity])
	return out
}

// resolve picks the backends serving a request. Without a hint every
// registered source is used.
func (r *Router) resolve(entity, hint string) ([]string, error) {
	sources := r.routes[entity]
	if len(sources) == 0 {
		return nil, pqerrors.New(pqerrors.KindUnknownEntity, "no backend serves this entity").WithEntity(entity)
	}
	if hint == "" {
		return sources, nil
	}
	for _, s := range sources {
		if s == hint {
			return []string{hint}, nil
		}
	}
	return nil, pqerrors.New(pqerrors.KindBackendMismatch, "backend is not a source of this entity, sources: %v", sources).
		WithEntity(entity).WithBackend(hint)
}

// acquire takes a request slot. Giving up on a cancelled context returns
// a Cancelled error.
func (r *Router) acquire(ctx context.Context) error {
	if err := r.requests.Acquire(ctx, 1); err != nil {
		return pqerrors.Wrap(pqerrors.KindCancelled, err)
	}
	return nil
}

// Close stops the formula cache when the router owns it. Adapters are
// closed by whoever opened them.
func (r *Router) Close() {
	if r.ownFormulas {
		r.formulas.Stop()
	}
}
