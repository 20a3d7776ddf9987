// Package sqlcommon implements the relational adapter shared by the
// postgres, mysql and sqlite dialects.
package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/storage"
)

var tracer = otel.Tracer("polyquery/pkg/storage/sqlcommon")

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Username string
	Password string
	Logger   logger.Logger
	Bindings storage.Bindings

	BatchSize int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	// MinSchemaVersion, when positive, makes IsReady report not ready until
	// the goose migration version reaches it.
	MinSchemaVersion int64

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(config *Config) {
		config.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(config *Config) {
		config.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithBindings sets the tables served by the adapter.
func WithBindings(b storage.Bindings) DatastoreOption {
	return func(cfg *Config) {
		cfg.Bindings = b
	}
}

// WithBatchSize sets the number of rows read per native query.
func WithBatchSize(n int) DatastoreOption {
	return func(cfg *Config) {
		cfg.BatchSize = n
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMinSchemaVersion returns a DatastoreOption that sets the migration
// version IsReady waits for.
func WithMinSchemaVersion(v int64) DatastoreOption {
	return func(cfg *Config) {
		cfg.MinSchemaVersion = v
	}
}

// WithMetrics returns a DatastoreOption that
// enables the export of metrics in the Config.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = storage.DefaultBatchSize
	}

	return cfg
}

// ConfigurePool applies the connection pool limits of cfg to db.
func ConfigurePool(db *sql.DB, cfg *Config) {
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Dialect captures what differs between relational engines.
type Dialect struct {
	Name        string
	Placeholder sq.PlaceholderFormat
	// QuoteIdent quotes an identifier already checked by
	// schema.ValidIdentifier.
	QuoteIdent     func(string) string
	HandleSQLError errorHandlerFn
}

type errorHandlerFn func(backend string, err error) error

// DBInfo encapsulates DB information for use in common method.
type DBInfo struct {
	db             *sql.DB
	stbl           sq.StatementBuilderType
	dialect        Dialect
	HandleSQLError errorHandlerFn
}

// NewDBInfo constructs a [DBInfo] object.
func NewDBInfo(db *sql.DB, dialect Dialect) *DBInfo {
	return &DBInfo{
		db:             db,
		stbl:           sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder).RunWith(db),
		dialect:        dialect,
		HandleSQLError: dialect.HandleSQLError,
	}
}

// IsReady returns true if connection to datastore is successful AND
// (no minimum schema version is configured OR the database has reached it).
func IsReady(ctx context.Context, minSchemaVersion int64, db *sql.DB) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// do ping first to ensure we have better error message
	// if error is due to connection issue.
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return storage.ReadinessStatus{}, pingErr
	}

	if minSchemaVersion <= 0 {
		return storage.ReadinessStatus{
			IsReady: true,
		}, nil
	}

	revision, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storage.ReadinessStatus{}, err
	}

	if revision < minSchemaVersion {
		return storage.ReadinessStatus{
			Message: "backend requires migrations: at revision '" +
				strconv.FormatInt(revision, 10) +
				"', but requires '" +
				strconv.FormatInt(minSchemaVersion, 10) +
				"'. Run 'polyquery migrate'.",
			IsReady: false,
		}, nil
	}
	return storage.ReadinessStatus{
		IsReady: true,
	}, nil
}

// Adapter is the relational implementation of [storage.Adapter]. All
// statements go through database/sql, whose pool hands each query its own
// connection.
type Adapter struct {
	name      string
	dbInfo    *DBInfo
	bindings  storage.Bindings
	logger    logger.Logger
	batchSize int
	minSchema int64
	collector prometheus.Collector
}

var _ storage.Adapter = (*Adapter)(nil)

// NewAdapter wraps an open database. collector, if not nil, is unregistered
// on Close.
func NewAdapter(name string, db *sql.DB, dialect Dialect, cfg *Config, collector prometheus.Collector) (*Adapter, error) {
	for entity, b := range cfg.Bindings {
		if err := validateBinding(b); err != nil {
			return nil, fmt.Errorf("backend %q, entity %q: %w", name, entity, err)
		}
	}

	return &Adapter{
		name:      name,
		dbInfo:    NewDBInfo(db, dialect),
		bindings:  cfg.Bindings,
		logger:    cfg.Logger,
		batchSize: cfg.BatchSize,
		minSchema: cfg.MinSchemaVersion,
		collector: collector,
	}, nil
}

func (a *Adapter) startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, a.dbInfo.dialect.Name+"."+name, trace.WithAttributes(attribute.String("backend", a.name)))
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Kind() storage.Kind { return storage.KindRelational }

// DB exposes the underlying pool, for migrations and tests.
func (a *Adapter) DB() *sql.DB { return a.dbInfo.db }

func (a *Adapter) Normalize(ctx context.Context, entity string, rows []storage.RawRow) ([]*record.Record, error) {
	return a.bindings.Normalize(ctx, a.logger, a.name, entity, rows)
}

// IsReady see [storage.Adapter].IsReady.
func (a *Adapter) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	status, err := IsReady(ctx, a.minSchema, a.dbInfo.db)
	if err != nil {
		return status, a.dbInfo.HandleSQLError(a.name, err)
	}
	return status, nil
}

// Close see [storage.Adapter].Close.
func (a *Adapter) Close() {
	if a.collector != nil {
		prometheus.Unregister(a.collector)
	}
	a.dbInfo.db.Close()
}
