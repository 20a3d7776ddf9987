package storagewrappers

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/storage"
)

var _ storage.Adapter = (*BoundedConcurrencyAdapter)(nil)

var timeWaitingHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "polyquery",
	Name:      "time_waiting_for_backend_ms",
	Help:      "Time (in ms) spent waiting for a free slot before calling Fetch or Insert on a backend",
	Buckets:   []float64{1, 10, 25, 50, 100, 1000, 5000}, // milliseconds
}, []string{"backend"})

// BoundedConcurrencyAdapter allows at most N concurrent Fetch and Insert
// calls on the wrapped adapter.
type BoundedConcurrencyAdapter struct {
	storage.Adapter
	limiter chan struct{}
}

// NewBoundedConcurrencyAdapter returns a wrapper over an adapter that makes sure that there are, at most,
// N concurrent native calls. Consumers can then rest assured that one request will not hoard all the
// connections available to a backend.
func NewBoundedConcurrencyAdapter(wrapped storage.Adapter, n uint32) *BoundedConcurrencyAdapter {
	if n == 0 {
		n = 1
	}
	return &BoundedConcurrencyAdapter{
		Adapter: wrapped,
		limiter: make(chan struct{}, n),
	}
}

// acquire blocks until a slot is free. Giving up on a cancelled context
// returns a Cancelled error.
func (b *BoundedConcurrencyAdapter) acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case b.limiter <- struct{}{}:
	case <-ctx.Done():
		return storage.Cancelled(b.Name(), ctx.Err())
	}

	timeWaiting := time.Since(start).Milliseconds()
	timeWaitingHistogram.WithLabelValues(b.Name()).Observe(float64(timeWaiting))
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("time_waiting", timeWaiting))
	return nil
}

func (b *BoundedConcurrencyAdapter) release() {
	<-b.limiter
}

// Fetch see [storage.Adapter].Fetch.
func (b *BoundedConcurrencyAdapter) Fetch(ctx context.Context, req storage.FetchRequest) (*storage.RawPage, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	return b.Adapter.Fetch(ctx, req)
}

// Insert see [storage.Adapter].Insert.
func (b *BoundedConcurrencyAdapter) Insert(ctx context.Context, entity string, records []*record.Record) (int, error) {
	if err := b.acquire(ctx); err != nil {
		return 0, err
	}
	defer b.release()

	return b.Adapter.Insert(ctx, entity, records)
}
