// Package lookup fills virtual fields from third-party HTTP endpoints.
//
// A lookup is fetched at most once per request and its response is cached
// for a TTL, so every record of a page sees the same value. Lookups never
// fail a request: an unreachable endpoint or an unexpected payload leaves
// the field null and logs a warning.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/polyquery/polyquery/pkg/cache"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
)

const (
	DefaultTimeout = 5 * time.Second
	// maxBodySize bounds how much of a response is read.
	maxBodySize = 1 << 20
)

// Definition describes one lookup field of an entity.
type Definition struct {
	// Field is the virtual canonical field the value is stored in.
	Field string
	URL   string
	// Path selects the value in the JSON response (gjson syntax). Empty
	// uses the whole body.
	Path    string
	Type    schema.FieldType
	Timeout time.Duration
}

// Resolver implements router.LookupResolver.
type Resolver struct {
	definitions map[string][]Definition
	client      *retryablehttp.Client
	store       cache.Store
	logger      logger.Logger
	rps         rate.Limit
	burst       int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	group    singleflight.Group
}

type ResolverOption func(*Resolver)

func WithLogger(l logger.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithStore caches response bodies. Without it every request hits the
// endpoints.
func WithStore(s cache.Store) ResolverOption {
	return func(r *Resolver) { r.store = s }
}

// WithRetries sets how many times a failed call is retried by the HTTP
// client itself.
func WithRetries(n int) ResolverOption {
	return func(r *Resolver) { r.client.RetryMax = n }
}

// WithRateLimit limits calls per endpoint host.
func WithRateLimit(rps float64, burst int) ResolverOption {
	return func(r *Resolver) {
		r.rps = rate.Limit(rps)
		r.burst = burst
	}
}

// WithHTTPClient replaces the underlying client, mostly for tests.
func WithHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) { r.client.HTTPClient = c }
}

// NewResolver validates definitions, keyed by entity against the registry.
func NewResolver(registry *schema.Registry, definitions map[string][]Definition, opts ...ResolverOption) (*Resolver, error) {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 0
	client.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	r := &Resolver{
		definitions: map[string][]Definition{},
		client:      client,
		logger:      logger.NewNoopLogger(),
		rps:         rate.Inf,
		burst:       1,
		limiters:    map[string]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(r)
	}

	for entityName, defs := range definitions {
		entity, err := registry.Entity(entityName)
		if err != nil {
			return nil, fmt.Errorf("lookups: %w", err)
		}
		for _, d := range defs {
			f, ok := entity.Field(d.Field)
			if !ok || !f.Virtual {
				return nil, fmt.Errorf("lookups: entity %q: %q is not a virtual field", entityName, d.Field)
			}
			u, err := url.Parse(d.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return nil, fmt.Errorf("lookups: entity %q, field %q: invalid url %q", entityName, d.Field, d.URL)
			}
			if d.Type == "" {
				d.Type = f.Type
			}
			if !d.Type.Valid() {
				return nil, fmt.Errorf("lookups: entity %q, field %q: unknown type %q", entityName, d.Field, d.Type)
			}
			if d.Timeout <= 0 {
				d.Timeout = DefaultTimeout
			}
			r.definitions[entityName] = append(r.definitions[entityName], d)
		}
	}
	return r, nil
}

// Fill sets every lookup field of entity on records.
func (r *Resolver) Fill(ctx context.Context, entity string, records []*record.Record) {
	for _, d := range r.definitions[entity] {
		v := r.value(ctx, entity, d)
		for _, rec := range records {
			rec.Set(d.Field, v)
		}
	}
}

func (r *Resolver) value(ctx context.Context, entity string, d Definition) record.Value {
	body, err := r.body(ctx, d)
	if err != nil {
		r.logger.WarnWithContext(ctx, "lookup failed, using null",
			zap.String("entity", entity),
			zap.String("field", d.Field),
			zap.String("url", d.URL),
			zap.Error(err),
		)
		return record.Null
	}

	var raw any
	if d.Path == "" {
		raw = gjson.ParseBytes(body).Value()
	} else {
		res := gjson.GetBytes(body, d.Path)
		if !res.Exists() {
			r.logger.WarnWithContext(ctx, "lookup path not found in response, using null",
				zap.String("entity", entity),
				zap.String("field", d.Field),
				zap.String("path", d.Path),
			)
			return record.Null
		}
		raw = res.Value()
	}

	v, err := schema.Coerce(raw, d.Type)
	if err != nil {
		r.logger.WarnWithContext(ctx, "lookup value does not match declared type, using null",
			zap.String("entity", entity),
			zap.String("field", d.Field),
			zap.Error(err),
		)
		return record.Null
	}
	return v
}

// body returns the response for d, from the store when possible.
// Concurrent misses on the same URL share one call. The shared call is
// bounded by the definition timeout only, so one caller giving up does not
// fail the others.
func (r *Resolver) body(ctx context.Context, d Definition) ([]byte, error) {
	key := "lookup:" + d.URL
	if r.store != nil {
		b, err := r.store.Get(ctx, key)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, cache.ErrKeyNotFound) {
			r.logger.WarnWithContext(ctx, "lookup cache unavailable", zap.Error(err))
		}
	}

	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		b, err := r.fetch(shared, d)
		if err != nil {
			return nil, err
		}
		if r.store != nil {
			if err := r.store.Set(shared, key, b); err != nil {
				r.logger.WarnWithContext(shared, "lookup cache unavailable", zap.Error(err))
			}
		}
		return b, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (r *Resolver) fetch(ctx context.Context, d Definition) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, err
	}
	if err := r.limiter(req.URL.Host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("response is not valid JSON")
	}
	return body, nil
}

func (r *Resolver) limiter(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[host]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[host] = l
	}
	return l
}
