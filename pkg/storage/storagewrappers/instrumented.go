package storagewrappers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/storage"
)

var tracer = otel.Tracer("polyquery/pkg/storage/storagewrappers")

var _ storage.Adapter = (*InstrumentedAdapter)(nil)

var (
	fetchDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       "polyquery",
		Name:                            "backend_fetch_duration_ms",
		Help:                            "The latency (in ms) of a Fetch call on a backend.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"backend", "entity"})

	fetchedRowsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polyquery",
		Name:      "backend_rows_fetched_total",
		Help:      "The number of native rows returned by backends.",
	}, []string{"backend", "entity"})

	backendErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polyquery",
		Name:      "backend_errors_total",
		Help:      "The number of failed backend calls by error kind.",
	}, []string{"backend", "method", "kind"})
)

// InstrumentedAdapter records prometheus metrics and a span for every
// native call and counts the calls it forwarded.
type InstrumentedAdapter struct {
	storage.Adapter
	fetches atomic.Uint32
	inserts atomic.Uint32
}

// NewInstrumentedAdapter wraps an adapter. It is safe for concurrent use.
func NewInstrumentedAdapter(wrapped storage.Adapter) *InstrumentedAdapter {
	return &InstrumentedAdapter{Adapter: wrapped}
}

type Metrics struct {
	FetchCount  uint32
	InsertCount uint32
}

func (m *InstrumentedAdapter) GetMetrics() Metrics {
	return Metrics{
		FetchCount:  m.fetches.Load(),
		InsertCount: m.inserts.Load(),
	}
}

func (m *InstrumentedAdapter) observeError(span trace.Span, method string, err error) {
	kind := pqerrors.KindOf(err)
	backendErrorsCounter.WithLabelValues(m.Name(), method, string(kind)).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
}

// Fetch see [storage.Adapter].Fetch.
func (m *InstrumentedAdapter) Fetch(ctx context.Context, req storage.FetchRequest) (*storage.RawPage, error) {
	m.fetches.Add(1)
	ctx, span := tracer.Start(ctx, "Fetch", trace.WithAttributes(
		attribute.String("backend", m.Name()),
		attribute.String("entity", req.Entity),
		attribute.Int("page_size", req.PageSize),
	))
	defer span.End()

	start := time.Now()
	page, err := m.Adapter.Fetch(ctx, req)
	fetchDurationHistogram.WithLabelValues(m.Name(), req.Entity).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		m.observeError(span, "fetch", err)
		return nil, err
	}

	fetchedRowsCounter.WithLabelValues(m.Name(), req.Entity).Add(float64(len(page.Rows)))
	span.SetAttributes(attribute.Int("rows", len(page.Rows)))
	return page, nil
}

// Insert see [storage.Adapter].Insert.
func (m *InstrumentedAdapter) Insert(ctx context.Context, entity string, records []*record.Record) (int, error) {
	m.inserts.Add(1)
	ctx, span := tracer.Start(ctx, "Insert", trace.WithAttributes(
		attribute.String("backend", m.Name()),
		attribute.String("entity", entity),
		attribute.Int("records", len(records)),
	))
	defer span.End()

	n, err := m.Adapter.Insert(ctx, entity, records)
	if err != nil {
		m.observeError(span, "insert", err)
		return n, err
	}
	return n, nil
}
