// Package config contains all knobs and defaults used to configure
// polyquery when running as a standalone server.
package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
)

const (
	DefaultMaxConcurrentRequests          = 100
	DefaultMaxConcurrentFetchesPerBackend = 32
	DefaultBatchSize                      = storage.DefaultBatchSize
	DefaultPageSize                       = storage.DefaultPageSize
	DefaultMaxPageSize                    = 1000

	DefaultFormulaCacheSize = 1000
	DefaultResultField      = "result"

	DefaultRetryMaxAttempts     = 3
	DefaultRetryInitialInterval = 50 * time.Millisecond
	DefaultRetryMaxInterval     = time.Second

	DefaultLookupCacheTTL     = time.Minute
	DefaultLookupCacheMaxSize = 10000

	DefaultMaxBodyBytes = 4 << 20
)

// Engines lists every supported backend engine with the adapter family
// serving it.
var Engines = map[string]storage.Kind{
	"postgres": storage.KindRelational,
	"mysql":    storage.KindRelational,
	"sqlite":   storage.KindRelational,
	"orientdb": storage.KindGraphDocument,
	"mongodb":  storage.KindDocument,
	"memory":   storage.KindDocument,
}

type DatastoreMetricsConfig struct {
	// Enabled enables export of the connection pool metrics.
	Enabled bool
}

// BackendConfig declares one named backend.
type BackendConfig struct {
	Name string
	// Kind is optional. When set it must match the family of Engine.
	Kind string
	// Engine is one of the keys of Engines.
	Engine   string
	URI      string
	Database string
	Username string
	Password string

	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections in the idle pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration

	// MinSchemaVersion holds readiness back until the relational schema
	// reaches this migration version.
	MinSchemaVersion int64

	// Timeout bounds each OrientDB request and MongoDB server selection.
	Timeout time.Duration

	Metrics DatastoreMetricsConfig
}

type FieldConfig struct {
	Name    string
	Type    string
	Virtual bool
}

// MappingConfig renames one native field. Mappings are lists rather than
// maps since map keys lose their case when read from config files.
type MappingConfig struct {
	Native    string
	Canonical string
}

// SourceConfig binds an entity to one backend.
type SourceConfig struct {
	Backend    string
	Collection string
	Mappings   []MappingConfig
}

// LookupConfig fills a virtual field from an HTTP JSON endpoint.
type LookupConfig struct {
	Field   string
	URL     string
	Path    string
	Type    string
	Timeout time.Duration
}

type EntityConfig struct {
	Name       string
	NaturalKey string
	Fields     []FieldConfig
	Lookups    []LookupConfig
	Sources    []SourceConfig
}

// HTTPConfig defines server configurations for the HTTP API.
type HTTPConfig struct {
	Addr string
	TLS  *TLSConfig

	ReadHeaderTimeout time.Duration
	MaxBodyBytes      int64

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// TLSConfig defines configuration specific to Transport Layer Security (TLS) settings.
type TLSConfig struct {
	Enabled  bool
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// AuthnConfig defines server configurations for authentication specific settings.
type AuthnConfig struct {
	// Method is the authentication method that should be enforced (e.g. 'none', 'preshared')
	Method                   string
	*AuthnPresharedKeyConfig `mapstructure:"preshared"`
}

// AuthnPresharedKeyConfig defines configurations for the 'preshared' method of authentication.
type AuthnPresharedKeyConfig struct {
	// Keys define the preshared keys to verify authn tokens against.
	Keys []string
}

// LogConfig defines server configurations for log specific settings. For production we
// recommend using the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// MetricConfig defines configurations for serving prometheus metrics.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type EvaluationConfig struct {
	// Strict makes formula errors fail the request instead of yielding null.
	Strict bool
	// CacheSize is the number of compiled formulas kept.
	CacheSize   int64
	ResultField string
}

// CursorConfig controls continuation tokens. A non-empty Key seals them
// with AES-GCM so clients cannot read or forge them.
type CursorConfig struct {
	Key string
}

// RetryConfig bounds the retries of BackendUnavailable failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type PageSizeConfig struct {
	Default int
	Max     int
}

type RedisConfig struct {
	// Addrs is a comma separated list of host:port pairs.
	Addrs    string
	Username string
	Password string
	DB       int
}

// LookupCacheConfig selects where lookup responses are cached: 'none',
// 'memory' or 'redis'.
type LookupCacheConfig struct {
	Engine  string
	TTL     time.Duration
	MaxSize int64
	Redis   RedisConfig
}

// LookupHTTPConfig tunes the outbound lookup client.
type LookupHTTPConfig struct {
	Retries int
	// RatePerHost is in requests per second. Zero disables rate limiting.
	RatePerHost float64
	Burst       int
}

type Config struct {
	// MaxConcurrentRequests bounds the requests executing at once.
	MaxConcurrentRequests int64

	// MaxConcurrentFetchesPerBackend bounds the native calls in flight per
	// backend.
	MaxConcurrentFetchesPerBackend uint32

	// BatchSize is the number of rows read per native query.
	BatchSize int

	PageSize    PageSizeConfig
	Evaluation  EvaluationConfig
	Cursor      CursorConfig
	Retry       RetryConfig
	LookupCache LookupCacheConfig
	LookupHTTP  LookupHTTPConfig `mapstructure:"lookupHttp"`

	Backends []BackendConfig
	Entities []EntityConfig

	HTTP    HTTPConfig
	Authn   AuthnConfig
	Log     LogConfig
	Trace   TraceConfig
	Metrics MetricConfig
}

var logLevels = []string{"none", "debug", "info", "warn", "error", "panic", "fatal"}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if !slices.Contains(logLevels, cfg.Log.Level) {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.HTTP.TLS != nil && cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.CertPath == "" || cfg.HTTP.TLS.KeyPath == "" {
			return errors.New("'http.tls.cert' and 'http.tls.key' configs must be set")
		}
	}

	switch cfg.Authn.Method {
	case "none":
	case "preshared":
		if cfg.Authn.AuthnPresharedKeyConfig == nil || len(cfg.Authn.Keys) == 0 {
			return errors.New("'authn.preshared.keys' must be set when 'authn.method' is 'preshared'")
		}
	default:
		return fmt.Errorf("config 'authn.method' must be one of ['none', 'preshared'], got %q", cfg.Authn.Method)
	}

	if cfg.MaxConcurrentRequests <= 0 {
		return errors.New("config 'maxConcurrentRequests' must be positive")
	}
	if cfg.MaxConcurrentFetchesPerBackend == 0 {
		return errors.New("config 'maxConcurrentFetchesPerBackend' must be positive")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("config 'batchSize' must be positive")
	}

	if cfg.PageSize.Default <= 0 || cfg.PageSize.Max < cfg.PageSize.Default {
		return fmt.Errorf("config 'pageSize.default' (%d) must be positive and not above 'pageSize.max' (%d)",
			cfg.PageSize.Default, cfg.PageSize.Max)
	}

	if cfg.Evaluation.CacheSize <= 0 {
		return errors.New("config 'evaluation.cacheSize' must be positive")
	}
	if !schema.ValidIdentifier(cfg.Evaluation.ResultField) {
		return fmt.Errorf("config 'evaluation.resultField' %q is not a valid field name", cfg.Evaluation.ResultField)
	}

	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("config 'retry.maxAttempts' must be at least 1")
	}
	if cfg.Retry.InitialInterval <= 0 || cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return errors.New("config 'retry.initialInterval' must be positive and not above 'retry.maxInterval'")
	}

	switch cfg.LookupCache.Engine {
	case "none":
	case "memory", "redis":
		if cfg.LookupCache.TTL <= 0 {
			return errors.New("config 'lookupCache.ttl' must be positive")
		}
		if cfg.LookupCache.Engine == "redis" && cfg.LookupCache.Redis.Addrs == "" {
			return errors.New("config 'lookupCache.redis.addrs' must be set when 'lookupCache.engine' is 'redis'")
		}
	default:
		return fmt.Errorf("config 'lookupCache.engine' must be one of ['none', 'memory', 'redis'], got %q", cfg.LookupCache.Engine)
	}
	if cfg.LookupHTTP.Retries < 0 || cfg.LookupHTTP.RatePerHost < 0 {
		return errors.New("config 'lookupHttp.retries' and 'lookupHttp.ratePerHost' must not be negative")
	}

	backends, err := cfg.verifyBackends()
	if err != nil {
		return err
	}
	return cfg.verifyEntities(backends)
}

func (cfg *Config) verifyBackends() (map[string]struct{}, error) {
	names := make(map[string]struct{}, len(cfg.Backends))
	for i, b := range cfg.Backends {
		if b.Name == "" {
			return nil, fmt.Errorf("config 'backends[%d].name' must be set", i)
		}
		if _, dup := names[b.Name]; dup {
			return nil, fmt.Errorf("backend %q declared twice", b.Name)
		}
		names[b.Name] = struct{}{}

		kind, ok := Engines[b.Engine]
		if !ok {
			return nil, fmt.Errorf("backend %q: unsupported engine %q", b.Name, b.Engine)
		}
		if b.Kind != "" && storage.Kind(b.Kind) != kind {
			return nil, fmt.Errorf("backend %q: engine %q is a %s backend, not %s", b.Name, b.Engine, kind, b.Kind)
		}
		if b.Engine != "memory" && b.URI == "" {
			return nil, fmt.Errorf("backend %q: 'uri' must be set", b.Name)
		}
		if (b.Engine == "orientdb" || b.Engine == "mongodb") && b.Database == "" {
			return nil, fmt.Errorf("backend %q: 'database' must be set for %s", b.Name, b.Engine)
		}
	}
	return names, nil
}

func (cfg *Config) verifyEntities(backends map[string]struct{}) error {
	seen := make(map[string]struct{}, len(cfg.Entities))
	for i, e := range cfg.Entities {
		if e.Name == "" {
			return fmt.Errorf("config 'entities[%d].name' must be set", i)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("entity %q declared twice", e.Name)
		}
		seen[e.Name] = struct{}{}

		if len(e.Fields) == 0 {
			return fmt.Errorf("entity %q: no fields declared", e.Name)
		}
		for _, f := range e.Fields {
			if !schema.FieldType(f.Type).Valid() {
				return fmt.Errorf("entity %q, field %q: unknown type %q", e.Name, f.Name, f.Type)
			}
			if f.Name == cfg.Evaluation.ResultField && !f.Virtual {
				return fmt.Errorf("entity %q, field %q: name is reserved by 'evaluation.resultField', declare it virtual or rename it", e.Name, f.Name)
			}
		}
		if len(e.Sources) == 0 {
			return fmt.Errorf("entity %q: no sources declared", e.Name)
		}
		for _, s := range e.Sources {
			if _, ok := backends[s.Backend]; !ok {
				return fmt.Errorf("entity %q: source backend %q is not declared", e.Name, s.Backend)
			}
		}
	}
	return nil
}

// DefaultConfig is the polyquery server default configurations.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentRequests:          DefaultMaxConcurrentRequests,
		MaxConcurrentFetchesPerBackend: DefaultMaxConcurrentFetchesPerBackend,
		BatchSize:                      DefaultBatchSize,
		PageSize: PageSizeConfig{
			Default: DefaultPageSize,
			Max:     DefaultMaxPageSize,
		},
		Evaluation: EvaluationConfig{
			Strict:      false,
			CacheSize:   DefaultFormulaCacheSize,
			ResultField: DefaultResultField,
		},
		Retry: RetryConfig{
			MaxAttempts:     DefaultRetryMaxAttempts,
			InitialInterval: DefaultRetryInitialInterval,
			MaxInterval:     DefaultRetryMaxInterval,
		},
		LookupCache: LookupCacheConfig{
			Engine:  "memory",
			TTL:     DefaultLookupCacheTTL,
			MaxSize: DefaultLookupCacheMaxSize,
		},
		LookupHTTP: LookupHTTPConfig{
			Burst: 1,
		},
		Backends: []BackendConfig{},
		Entities: []EntityConfig{},
		HTTP: HTTPConfig{
			Addr:               "0.0.0.0:8080",
			TLS:                &TLSConfig{Enabled: false},
			ReadHeaderTimeout:  5 * time.Second,
			MaxBodyBytes:       DefaultMaxBodyBytes,
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Authn: AuthnConfig{
			Method:                  "none",
			AuthnPresharedKeyConfig: &AuthnPresharedKeyConfig{},
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: "polyquery",
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
	}
}

// MustDefaultConfig returns default server config with metrics turned off.
func MustDefaultConfig() *Config {
	config := DefaultConfig()

	config.Metrics.Enabled = false

	return config
}

// MustDefaultConfigWithRandomPorts returns default server config but with a
// random port for the http address and with metrics turned off.
// This function may panic if somehow a random port cannot be chosen.
func MustDefaultConfigWithRandomPorts() *Config {
	config := MustDefaultConfig()

	httpPort, httpPortReleaser := TCPRandomPort()
	defer httpPortReleaser()

	config.HTTP.Addr = fmt.Sprintf("0.0.0.0:%d", httpPort)

	return config
}

// TCPRandomPort tries to find a random TCP Port. If it can't find one, it panics. Else, it returns the port and a function that releases the port.
// It is the responsibility of the caller to call the release function right before trying to listen on the given port.
func TCPRandomPort() (int, func()) {
	l, err := net.Listen("tcp", "")
	if err != nil {
		panic(err)
	}
	return l.Addr().(*net.TCPAddr).Port, func() {
		l.Close()
	}
}
