// Package orientdb implements the graph-document adapter over the OrientDB
// HTTP API.
package orientdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
)

var tracer = otel.Tracer("polyquery/pkg/storage/orientdb")

const defaultTimeout = 30 * time.Second

// Config of an OrientDB backend.
type Config struct {
	Database  string
	Username  string
	Password  string
	Logger    logger.Logger
	Bindings  storage.Bindings
	BatchSize int
	Timeout   time.Duration
	// Client overrides the pooled HTTP client, mostly for tests.
	Client *http.Client
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

// WithTimeout bounds every HTTP exchange with the server.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.Client = client }
}

// Adapter is the graph-document implementation of [storage.Adapter].
// Requests share the keep-alive pool of one http.Client.
type Adapter struct {
	name      string
	baseURL   string
	database  string
	username  string
	password  string
	client    *http.Client
	bindings  storage.Bindings
	logger    logger.Logger
	batchSize int
}

var _ storage.Adapter = (*Adapter)(nil)

// New builds an adapter for the server at baseURL (for example
// http://localhost:2480).
func New(name, baseURL string, opts ...Option) (*Adapter, error) {
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
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid orientdb url %q", baseURL)
	}
	if cfg.Database == "" {
		cfg.Database = strings.Trim(u.Path, "/")
	}
	if cfg.Database == "" {
		return nil, errors.New("orientdb database name is required")
	}
	if u.User != nil {
		if cfg.Username == "" {
			cfg.Username = u.User.Username()
		}
		if p, ok := u.User.Password(); ok && cfg.Password == "" {
			cfg.Password = p
		}
	}

	for entity, b := range cfg.Bindings {
		if err := validateBinding(b); err != nil {
			return nil, fmt.Errorf("backend %q, entity %q: %w", name, entity, err)
		}
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone()),
			Timeout:   cfg.Timeout,
		}
	}

	return &Adapter{
		name:      name,
		baseURL:   u.Scheme + "://" + u.Host,
		database:  cfg.Database,
		username:  cfg.Username,
		password:  cfg.Password,
		client:    client,
		bindings:  cfg.Bindings,
		logger:    cfg.Logger,
		batchSize: cfg.BatchSize,
	}, nil
}

func validateBinding(b *schema.Binding) error {
	for _, f := range b.Entity.Fields {
		native, ok := b.NativeName(f.Name)
		if !ok {
			continue
		}
		if strings.HasPrefix(native, "@") {
			if !schema.ValidIdentifier(native[1:]) {
				return fmt.Errorf("invalid record attribute %q for field %q", native, f.Name)
			}
			continue
		}
		if !schema.ValidIdentifier(native) {
			return fmt.Errorf("invalid property name %q for field %q", native, f.Name)
		}
	}
	return nil
}

func (a *Adapter) startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "orientdb."+name, trace.WithAttributes(attribute.String("backend", a.name)))
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Kind() storage.Kind { return storage.KindGraphDocument }

func (a *Adapter) Normalize(ctx context.Context, entity string, rows []storage.RawRow) ([]*record.Record, error) {
	return a.bindings.Normalize(ctx, a.logger, a.name, entity, rows)
}

// IsReady see [storage.Adapter].IsReady.
func (a *Adapter) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := a.do(ctx, http.MethodGet, "/connect/"+url.PathEscape(a.database), nil); err != nil {
		return storage.ReadinessStatus{}, err
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close releases idle keep-alive connections.
func (a *Adapter) Close() {
	a.client.CloseIdleConnections()
}

// commandRequest is the body of POST /command/{db}/sql.
type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// command runs one SQL statement and returns the rows of its result.
func (a *Adapter) command(ctx context.Context, sql string, params map[string]any) ([]storage.RawRow, error) {
	body, err := json.Marshal(commandRequest{Command: sql, Parameters: params})
	if err != nil {
		return nil, err
	}

	resp, err := a.do(ctx, http.MethodPost, "/command/"+url.PathEscape(a.database)+"/sql", body)
	if err != nil {
		return nil, err
	}
	return a.parseResult(resp)
}

func (a *Adapter) parseResult(body []byte) ([]storage.RawRow, error) {
	if !gjson.ValidBytes(body) {
		return nil, a.internal(errors.New("malformed response from server"))
	}
	result := gjson.GetBytes(body, "result")
	if !result.IsArray() {
		return nil, a.internal(errors.New("response has no result array"))
	}

	var rows []storage.RawRow
	var decodeErr error
	result.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			decodeErr = fmt.Errorf("unexpected %s in result", item.Type)
			return false
		}
		dec := json.NewDecoder(strings.NewReader(item.Raw))
		dec.UseNumber()
		row := storage.RawRow{}
		if err := dec.Decode(&row); err != nil {
			decodeErr = err
			return false
		}
		rows = append(rows, row)
		return true
	})
	if decodeErr != nil {
		return nil, a.internal(decodeErr)
	}
	return rows, nil
}

// do sends one request and returns the response body of a 2xx reply.
func (a *Adapter) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, a.internal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if storage.IsContextError(err) || ctx.Err() != nil {
			return nil, storage.Cancelled(a.name, err)
		}
		return nil, storage.Unavailable(a.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, storage.Cancelled(a.name, err)
		}
		return nil, storage.Unavailable(a.name, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	reason := gjson.GetBytes(respBody, "errors.0.content").String()
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	statusErr := fmt.Errorf("orientdb returned %d: %s", resp.StatusCode, reason)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, storage.Unavailable(a.name, statusErr)
	}
	return nil, a.internal(statusErr)
}

func (a *Adapter) internal(err error) error {
	return pqerrors.Wrap(pqerrors.KindInternal, err).WithBackend(a.name)
}
