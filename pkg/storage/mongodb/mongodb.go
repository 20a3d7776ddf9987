// Package mongodb implements the document adapter over the official MongoDB
// driver.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
)

var tracer = otel.Tracer("polyquery/pkg/storage/mongodb")

// Config of a MongoDB backend.
type Config struct {
	Database               string
	Username               string
	Password               string
	Logger                 logger.Logger
	Bindings               storage.Bindings
	BatchSize              int
	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
}

// Option configures [Config].
type Option func(*Config)

func WithDatabase(db string) Option {
	return func(c *Config) { c.Database = db }
}

func WithCredentials(username, password string) Option {
	return func(c *Config) {
		c.Username = username
		c.Password = password
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithBindings(b storage.Bindings) Option {
	return func(c *Config) { c.Bindings = b }
}

func WithBatchSize(n int) Option {
	return func(c *Config) { c.BatchSize = n }
}

func WithMaxPoolSize(n uint64) Option {
	return func(c *Config) { c.MaxPoolSize = n }
}

func WithServerSelectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ServerSelectionTimeout = d }
}

// Adapter is the document implementation of [storage.Adapter]. The client
// keeps a connection pool; every operation checks a connection out for its
// duration.
type Adapter struct {
	name      string
	client    *mongo.Client
	db        *mongo.Database
	bindings  storage.Bindings
	logger    logger.Logger
	batchSize int
}

var _ storage.Adapter = (*Adapter)(nil)

// New connects to uri. The driver connects lazily, so an unreachable
// server surfaces on the first operation.
func New(ctx context.Context, name, uri string, opts ...Option) (*Adapter, error) {
	cfg := &Config{ServerSelectionTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = storage.DefaultBatchSize
	}

	clientOpts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout)
	if cfg.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.Username != "" {
		clientOpts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}
	if err := clientOpts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongodb uri: %w", err)
	}

	if cfg.Database == "" {
		cs, err := connstring.ParseAndValidate(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid mongodb uri: %w", err)
		}
		cfg.Database = cs.Database
	}
	if cfg.Database == "" {
		return nil, errors.New("mongodb database name is required")
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("initialize mongodb client: %w", err)
	}

	return newWithClient(name, client, cfg), nil
}

func newWithClient(name string, client *mongo.Client, cfg *Config) *Adapter {
	return &Adapter{
		name:      name,
		client:    client,
		db:        client.Database(cfg.Database),
		bindings:  cfg.Bindings,
		logger:    cfg.Logger,
		batchSize: cfg.BatchSize,
	}
}

func (a *Adapter) startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mongodb."+name, trace.WithAttributes(attribute.String("backend", a.name)))
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Kind() storage.Kind { return storage.KindDocument }

func (a *Adapter) Normalize(ctx context.Context, entity string, rows []storage.RawRow) ([]*record.Record, error) {
	return a.bindings.Normalize(ctx, a.logger, a.name, entity, rows)
}

// IsReady see [storage.Adapter].IsReady.
func (a *Adapter) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.client.Ping(ctx, readpref.Primary()); err != nil {
		return storage.ReadinessStatus{}, HandleError(a.name, err)
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close see [storage.Adapter].Close.
func (a *Adapter) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		a.logger.Warn("disconnect from mongodb", zap.String("backend", a.name), zap.Error(err))
	}
}

// Insert see [storage.Adapter].Insert. Documents are inserted in order;
// the first failure stops the batch.
func (a *Adapter) Insert(ctx context.Context, entity string, records []*record.Record) (int, error) {
	ctx, span := a.startTrace(ctx, "Insert")
	defer span.End()

	binding, err := a.bindings.Lookup(a.name, entity)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	docs := make([]any, 0, len(records))
	for _, rec := range records {
		docs = append(docs, toDocument(binding, rec))
	}

	res, err := a.db.Collection(binding.Collection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err != nil {
		return 0, HandleError(a.name, err)
	}
	return len(res.InsertedIDs), nil
}

// toDocument denormalizes rec, turning a 24 hex digit string _id back
// into an ObjectID.
func toDocument(b *schema.Binding, rec *record.Record) bson.M {
	doc := bson.M(b.Denormalize(rec))
	if s, ok := doc["_id"].(string); ok {
		if oid, err := primitive.ObjectIDFromHex(s); err == nil {
			doc["_id"] = oid
		}
	}
	return doc
}

// HandleError classifies a driver error.
func HandleError(backend string, err error) error {
	if err == nil {
		return nil
	}
	if storage.IsContextError(err) {
		return storage.Cancelled(backend, err)
	}

	var selectionErr topology.ServerSelectionError
	if mongo.IsNetworkError(err) ||
		mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) ||
		errors.As(err, &selectionErr) {
		return storage.Unavailable(backend, err)
	}

	if mongo.IsDuplicateKeyError(err) {
		return pqerrors.Wrap(pqerrors.KindInvalidRecord, err).WithBackend(backend)
	}

	return pqerrors.Wrap(pqerrors.KindInternal, fmt.Errorf("mongodb error: %w", err)).WithBackend(backend)
}
