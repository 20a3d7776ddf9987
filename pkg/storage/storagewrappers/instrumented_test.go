package storagewrappers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/polyquery/polyquery/internal/mocks"
	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/storage"
)

func TestInstrumentedAdapterCountsCalls(t *testing.T) {
	const fetchCount = 100
	mockController := gomock.NewController(t)

	mockAdapter := mocks.NewMockAdapter(mockController)
	mockAdapter.EXPECT().Name().Return("counted").AnyTimes()
	mockAdapter.EXPECT().Fetch(gomock.Any(), storage.FetchRequest{Entity: "order"}).
		Return(&storage.RawPage{Rows: []storage.RawRow{{"order_id": int64(1)}}}, nil).
		Times(fetchCount)
	dut := NewInstrumentedAdapter(mockAdapter)

	var wg sync.WaitGroup
	wg.Add(fetchCount)
	for range fetchCount {
		go func() {
			defer wg.Done()
			_, _ = dut.Fetch(context.Background(), storage.FetchRequest{Entity: "order"})
		}()
	}
	wg.Wait()

	require.Equal(t, fetchCount, int(dut.GetMetrics().FetchCount))
	require.Zero(t, dut.GetMetrics().InsertCount)
	require.InDelta(t, float64(fetchCount), testutil.ToFloat64(fetchedRowsCounter.WithLabelValues("counted", "order")), 0)
}

func TestInstrumentedAdapterCountsErrorsByKind(t *testing.T) {
	mockController := gomock.NewController(t)

	mockAdapter := mocks.NewMockAdapter(mockController)
	mockAdapter.EXPECT().Name().Return("flaky").AnyTimes()
	mockAdapter.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(nil, storage.Unavailable("flaky", errors.New("connection refused")))
	mockAdapter.EXPECT().Insert(gomock.Any(), "order", nil).
		Return(0, pqerrors.New(pqerrors.KindInvalidRecord, "duplicate id"))

	dut := NewInstrumentedAdapter(mockAdapter)

	_, err := dut.Fetch(context.Background(), storage.FetchRequest{Entity: "order"})
	require.ErrorIs(t, err, pqerrors.ErrBackendUnavailable)
	_, err = dut.Insert(context.Background(), "order", nil)
	require.ErrorIs(t, err, pqerrors.ErrInvalidRecord)

	require.InDelta(t, 1, testutil.ToFloat64(backendErrorsCounter.WithLabelValues("flaky", "fetch", "BackendUnavailable")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(backendErrorsCounter.WithLabelValues("flaky", "insert", "InvalidRecord")), 0)
	require.Equal(t, Metrics{FetchCount: 1, InsertCount: 1}, dut.GetMetrics())
}
