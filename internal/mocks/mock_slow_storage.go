package mocks

import (
	"context"
	"time"

	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/storage"
)

// slowAdapter is a proxy to the actual adapter except the native calls are
// delayed by fetchDelay. The delay honours cancellation.
type slowAdapter struct {
	fetchDelay time.Duration
	storage.Adapter
}

// NewMockSlowAdapter returns a wrapper of an adapter that adds artificial delays into Fetch and Insert.
func NewMockSlowAdapter(a storage.Adapter, fetchDelay time.Duration) storage.Adapter {
	return &slowAdapter{
		fetchDelay: fetchDelay,
		Adapter:    a,
	}
}

func (m *slowAdapter) wait(ctx context.Context) error {
	select {
	case <-time.After(m.fetchDelay):
		return nil
	case <-ctx.Done():
		return storage.Cancelled(m.Name(), ctx.Err())
	}
}

func (m *slowAdapter) Fetch(ctx context.Context, req storage.FetchRequest) (*storage.RawPage, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.Adapter.Fetch(ctx, req)
}

func (m *slowAdapter) Insert(ctx context.Context, entity string, records []*record.Record) (int, error) {
	if err := m.wait(ctx); err != nil {
		return 0, err
	}
	return m.Adapter.Insert(ctx, entity, records)
}
