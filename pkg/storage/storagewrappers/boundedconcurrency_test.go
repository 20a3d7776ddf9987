package storagewrappers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/polyquery/polyquery/internal/mocks"
	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/storage"
	"github.com/polyquery/polyquery/pkg/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBoundedConcurrencyWrapper(t *testing.T) {
	t.Logf("create a slow backend that takes 200ms per fetch call")
	slowBackend := mocks.NewMockSlowAdapter(memory.New("mem"), 200*time.Millisecond)

	t.Logf("create a limited adapter that allows 1 concurrent fetch a time")
	limited := NewBoundedConcurrencyAdapter(slowBackend, 1)

	t.Logf("fetch from 3 goroutines: each should be run serially")
	var wg sync.WaitGroup
	wg.Add(3)

	start := time.Now()
	for range 3 {
		go func() {
			defer wg.Done()
			// the memory adapter has no bindings, so every fetch fails fast
			// once it gets through the limiter
			_, err := limited.Fetch(context.Background(), storage.FetchRequest{Entity: "order"})
			require.ErrorIs(t, err, pqerrors.ErrUnknownEntity)
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond, "expected all fetches to take at least 600ms")
}

func TestBoundedConcurrencyCancelledWhileWaiting(t *testing.T) {
	mockController := gomock.NewController(t)
	mockAdapter := mocks.NewMockAdapter(mockController)
	mockAdapter.EXPECT().Name().Return("pg").AnyTimes()

	release := make(chan struct{})
	mockAdapter.EXPECT().Fetch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, storage.FetchRequest) (*storage.RawPage, error) {
			<-release
			return &storage.RawPage{}, nil
		}).Times(1)

	limited := NewBoundedConcurrencyAdapter(mockAdapter, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := limited.Fetch(context.Background(), storage.FetchRequest{Entity: "order"})
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return len(limited.limiter) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := limited.Fetch(ctx, storage.FetchRequest{Entity: "order"})
	require.ErrorIs(t, err, pqerrors.ErrCancelled)

	close(release)
	<-done
}
