package run

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	serverconfig "github.com/polyquery/polyquery/internal/server/config"
	"github.com/polyquery/polyquery/pkg/cache"
	"github.com/polyquery/polyquery/pkg/cache/redis"
	"github.com/polyquery/polyquery/pkg/encoder"
	"github.com/polyquery/polyquery/pkg/expr"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/lookup"
	"github.com/polyquery/polyquery/pkg/router"
	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
	"github.com/polyquery/polyquery/pkg/storage/memory"
	"github.com/polyquery/polyquery/pkg/storage/mongodb"
	"github.com/polyquery/polyquery/pkg/storage/mysql"
	"github.com/polyquery/polyquery/pkg/storage/orientdb"
	"github.com/polyquery/polyquery/pkg/storage/postgres"
	"github.com/polyquery/polyquery/pkg/storage/sqlcommon"
	"github.com/polyquery/polyquery/pkg/storage/sqlite"
	"github.com/polyquery/polyquery/pkg/storage/storagewrappers"
)

// Engine is the router with everything it was built over.
type Engine struct {
	Router   *router.Router
	Registry *schema.Registry

	adapters []storage.Adapter
	formulas *expr.Cache
	store    cache.Store
}

// Close releases the backends, the lookup cache and the formula cache.
func (e *Engine) Close() {
	e.Router.Close()
	for _, a := range e.adapters {
		a.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
	e.formulas.Stop()
}

// Build opens every configured backend and routes the configured entities
// to them. cfg must have passed Verify.
func Build(ctx context.Context, cfg *serverconfig.Config, log logger.Logger) (_ *Engine, err error) {
	registry, err := buildRegistry(cfg.Entities)
	if err != nil {
		return nil, err
	}

	bindings, err := buildBindings(registry, cfg.Entities)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Registry: registry,
		formulas: expr.NewCache(cfg.Evaluation.CacheSize),
	}
	defer func() {
		if err != nil {
			for _, a := range e.adapters {
				a.Close()
			}
			if e.store != nil {
				_ = e.store.Close()
			}
			e.formulas.Stop()
		}
	}()

	opened := make(map[string]storage.Adapter, len(cfg.Backends))
	for _, b := range cfg.Backends {
		adapter, err := openBackend(ctx, b, bindings[b.Name], cfg.BatchSize, log)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", b.Name, err)
		}
		e.adapters = append(e.adapters, adapter)

		wrapped := storagewrappers.NewBoundedConcurrencyAdapter(adapter, cfg.MaxConcurrentFetchesPerBackend)
		opened[b.Name] = storagewrappers.NewInstrumentedAdapter(wrapped)
		log.Info("backend opened", zap.String("backend", b.Name), zap.String("engine", b.Engine))
	}

	tokens, err := encoder.NewTokenEncoderFromKey(cfg.Cursor.Key)
	if err != nil {
		return nil, fmt.Errorf("cursor key: %w", err)
	}

	opts := []router.RouterOption{
		router.WithLogger(log),
		router.WithCursorEncoder(tokens),
		router.WithStrictEvaluation(cfg.Evaluation.Strict),
		router.WithResultField(cfg.Evaluation.ResultField),
		router.WithFormulaCache(e.formulas),
		router.WithPageSize(cfg.PageSize.Default, cfg.PageSize.Max),
		router.WithRetryPolicy(router.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}),
		router.WithMaxConcurrentRequests(cfg.MaxConcurrentRequests),
	}

	resolver, err := e.buildLookups(ctx, cfg, registry, log)
	if err != nil {
		return nil, err
	}
	if resolver != nil {
		opts = append(opts, router.WithLookups(resolver))
	}

	r := router.New(registry, opts...)
	// sources are registered in the order the entity lists them, so later
	// sources win merge conflicts
	for _, ent := range cfg.Entities {
		for _, src := range ent.Sources {
			if err := r.Register(opened[src.Backend], ent.Name); err != nil {
				return nil, err
			}
		}
	}
	e.Router = r
	return e, nil
}

func buildRegistry(entities []serverconfig.EntityConfig) (*schema.Registry, error) {
	out := make([]*schema.Entity, 0, len(entities))
	for _, ec := range entities {
		fields := make([]schema.Field, 0, len(ec.Fields))
		for _, f := range ec.Fields {
			fields = append(fields, schema.Field{Name: f.Name, Type: schema.FieldType(f.Type), Virtual: f.Virtual})
		}
		entity, err := schema.NewEntity(ec.Name, ec.NaturalKey, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return schema.NewRegistry(out...)
}

// buildBindings groups the entity sources by backend name.
func buildBindings(registry *schema.Registry, entities []serverconfig.EntityConfig) (map[string]storage.Bindings, error) {
	perBackend := map[string][]*schema.Binding{}
	for _, ec := range entities {
		entity, err := registry.Entity(ec.Name)
		if err != nil {
			return nil, err
		}
		for _, src := range ec.Sources {
			fieldMap := make(map[string]string, len(src.Mappings))
			for _, m := range src.Mappings {
				fieldMap[m.Native] = m.Canonical
			}
			b, err := schema.NewBinding(entity, src.Collection, fieldMap)
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", src.Backend, err)
			}
			perBackend[src.Backend] = append(perBackend[src.Backend], b)
		}
	}

	out := make(map[string]storage.Bindings, len(perBackend))
	for backend, list := range perBackend {
		b, err := storage.NewBindings(list...)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", backend, err)
		}
		out[backend] = b
	}
	return out, nil
}

func openBackend(ctx context.Context, b serverconfig.BackendConfig, bindings storage.Bindings, batchSize int, log logger.Logger) (storage.Adapter, error) {
	if bindings == nil {
		bindings = storage.Bindings{}
	}

	switch b.Engine {
	case "postgres", "mysql", "sqlite":
		opts := []sqlcommon.DatastoreOption{
			sqlcommon.WithUsername(b.Username),
			sqlcommon.WithPassword(b.Password),
			sqlcommon.WithLogger(log),
			sqlcommon.WithBindings(bindings),
			sqlcommon.WithBatchSize(batchSize),
			sqlcommon.WithMaxOpenConns(b.MaxOpenConns),
			sqlcommon.WithMaxIdleConns(b.MaxIdleConns),
			sqlcommon.WithConnMaxIdleTime(b.ConnMaxIdleTime),
			sqlcommon.WithConnMaxLifetime(b.ConnMaxLifetime),
			sqlcommon.WithMinSchemaVersion(b.MinSchemaVersion),
		}
		if b.Metrics.Enabled {
			opts = append(opts, sqlcommon.WithMetrics())
		}
		cfg := sqlcommon.NewConfig(opts...)

		switch b.Engine {
		case "postgres":
			return postgres.New(b.Name, b.URI, cfg)
		case "mysql":
			return mysql.New(b.Name, b.URI, cfg)
		default:
			return sqlite.New(b.Name, b.URI, cfg)
		}
	case "orientdb":
		opts := []orientdb.Option{
			orientdb.WithDatabase(b.Database),
			orientdb.WithCredentials(b.Username, b.Password),
			orientdb.WithLogger(log),
			orientdb.WithBindings(bindings),
			orientdb.WithBatchSize(batchSize),
		}
		if b.Timeout > 0 {
			opts = append(opts, orientdb.WithTimeout(b.Timeout))
		}
		return orientdb.New(b.Name, b.URI, opts...)
	case "mongodb":
		opts := []mongodb.Option{
			mongodb.WithDatabase(b.Database),
			mongodb.WithCredentials(b.Username, b.Password),
			mongodb.WithLogger(log),
			mongodb.WithBindings(bindings),
			mongodb.WithBatchSize(batchSize),
		}
		if b.MaxOpenConns > 0 {
			opts = append(opts, mongodb.WithMaxPoolSize(uint64(b.MaxOpenConns)))
		}
		if b.Timeout > 0 {
			opts = append(opts, mongodb.WithServerSelectionTimeout(b.Timeout))
		}
		return mongodb.New(ctx, b.Name, b.URI, opts...)
	case "memory":
		return memory.New(b.Name,
			memory.WithBindings(bindings),
			memory.WithLogger(log),
			memory.WithBatchSize(batchSize),
		), nil
	}
	return nil, fmt.Errorf("unsupported engine %q", b.Engine)
}

// buildLookups returns nil when no entity declares a lookup.
func (e *Engine) buildLookups(ctx context.Context, cfg *serverconfig.Config, registry *schema.Registry, log logger.Logger) (*lookup.Resolver, error) {
	definitions := map[string][]lookup.Definition{}
	for _, ec := range cfg.Entities {
		for _, l := range ec.Lookups {
			definitions[ec.Name] = append(definitions[ec.Name], lookup.Definition{
				Field:   l.Field,
				URL:     l.URL,
				Path:    l.Path,
				Type:    schema.FieldType(l.Type),
				Timeout: l.Timeout,
			})
		}
	}
	if len(definitions) == 0 {
		return nil, nil
	}

	opts := []lookup.ResolverOption{
		lookup.WithLogger(log),
		lookup.WithRetries(cfg.LookupHTTP.Retries),
	}
	if cfg.LookupHTTP.RatePerHost > 0 {
		opts = append(opts, lookup.WithRateLimit(cfg.LookupHTTP.RatePerHost, cfg.LookupHTTP.Burst))
	}

	switch cfg.LookupCache.Engine {
	case "memory":
		e.store = cache.NewMemoryStore(cfg.LookupCache.TTL, cfg.LookupCache.MaxSize)
	case "redis":
		rc := cfg.LookupCache.Redis
		handle, err := redis.New(
			redis.WithAddr(rc.Addrs),
			redis.WithUserCredential(rc.Username),
			redis.WithPassCredential(rc.Password),
			redis.WithDatabase(rc.DB),
			redis.WithTTL(cfg.LookupCache.TTL),
			redis.WithKeyPrefix("polyquery:lookup:"),
		)
		if err != nil {
			return nil, fmt.Errorf("lookup cache: %w", err)
		}
		e.store = handle
		if err := handle.Ping(ctx); err != nil {
			return nil, fmt.Errorf("lookup cache: %w", err)
		}
	}
	if e.store != nil {
		opts = append(opts, lookup.WithStore(e.store))
	}

	resolver, err := lookup.NewResolver(registry, definitions, opts...)
	if err != nil {
		return nil, errors.Join(errors.New("invalid lookup configuration"), err)
	}
	return resolver, nil
}
