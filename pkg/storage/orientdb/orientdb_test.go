package orientdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/filter"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

var (
	afterRE = regexp.MustCompile(`@rid > #12:([0-9]+)`)
	limitRE = regexp.MustCompile(`LIMIT ([0-9]+)$`)
)

// fakeServer keeps the Order class in memory and understands the handful of
// statements the adapter issues.
type fakeServer struct {
	mu       sync.Mutex
	docs     []map[string]any
	commands []commandRequest
	status   int
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if user, pass, ok := r.BasicAuth(); !ok || user != "root" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = fmt.Fprintf(w, `{"errors":[{"code":%d,"reason":%d,"content":"injected failure"}]}`, f.status, f.status)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/connect/shop":
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && r.URL.Path == "/command/shop/sql":
		var cmd commandRequest
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&cmd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.commands = append(f.commands, cmd)

		after := -1
		if m := afterRE.FindStringSubmatch(cmd.Command); m != nil {
			after, _ = strconv.Atoi(m[1])
		}
		limit, _ := strconv.Atoi(limitRE.FindStringSubmatch(cmd.Command)[1])
		var min float64
		if p, ok := cmd.Parameters["p0"].(json.Number); ok {
			min, _ = p.Float64()
		}

		result := []map[string]any{}
		for i, doc := range f.docs {
			if i <= after || len(result) == limit {
				continue
			}
			if amount, _ := doc["amount"].(float64); amount <= min {
				continue
			}
			result = append(result, doc)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	case r.Method == http.MethodPost && r.URL.Path == "/batch/shop":
		var batch batchRequest
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, op := range batch.Operations {
			doc := op.Record
			doc["@rid"] = "#12:" + strconv.Itoa(len(f.docs))
			f.docs = append(f.docs, doc)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []any{}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeServer) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	for i, c := range f.commands {
		out[i] = c.Command
	}
	return out
}

func (f *fakeServer) Docs() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.docs...)
}

func (f *fakeServer) FailWith(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func orderBinding(t *testing.T) *schema.Binding {
	t.Helper()
	entity, err := schema.NewEntity("order", "id", []schema.Field{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "total", Type: schema.TypeDecimal},
		{Name: "tax", Type: schema.TypeDecimal},
		{Name: "result", Type: schema.TypeAny, Virtual: true},
	})
	require.NoError(t, err)
	binding, err := schema.NewBinding(entity, "Order", map[string]string{"amount": "total"})
	require.NoError(t, err)
	return binding
}

func newTestAdapter(t *testing.T, batchSize int) (*Adapter, *fakeServer, *httptest.Server) {
	t.Helper()
	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	bindings, err := storage.NewBindings(orderBinding(t))
	require.NoError(t, err)

	a, err := New("graph", srv.URL+"/shop",
		WithCredentials("root", "secret"),
		WithBindings(bindings),
		WithBatchSize(batchSize),
		WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, fake, srv
}

func orders(from, to int64) []*record.Record {
	var out []*record.Record
	for id := from; id <= to; id++ {
		r := record.New()
		r.Set("id", record.Int(id))
		r.Set("total", record.Float(float64(id*50)))
		r.Set("tax", record.Float(2))
		out = append(out, r)
	}
	return out
}

func TestNewValidation(t *testing.T) {
	_, err := New("graph", "not a url")
	require.Error(t, err)

	_, err = New("graph", "http://localhost:2480")
	require.ErrorContains(t, err, "database name is required")

	a, err := New("graph", "http://admin:pw@localhost:2480/shop")
	require.NoError(t, err)
	require.Equal(t, "shop", a.database)
	require.Equal(t, "admin", a.username)
	require.Equal(t, "pw", a.password)
	require.Equal(t, storage.KindGraphDocument, a.Kind())
}

func TestInsertAndFetch(t *testing.T) {
	ctx := context.Background()
	a, fake, _ := newTestAdapter(t, 2)

	n, err := a.Insert(ctx, "order", orders(1, 5))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	docs := fake.Docs()
	require.Len(t, docs, 5)
	require.Equal(t, "Order", docs[0]["@class"])

	p := &filter.Comparison{Field: "total", Op: filter.OpGt, Value: record.Float(100)}

	page, err := a.Fetch(ctx, storage.FetchRequest{Entity: "order", Filter: p, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, page.Rows, 3)
	require.NotEmpty(t, page.Next)

	require.Equal(t, []string{
		"SELECT FROM `Order` WHERE `amount` > :p0 ORDER BY @rid ASC LIMIT 2",
		"SELECT FROM `Order` WHERE `amount` > :p0 AND @rid > #12:3 ORDER BY @rid ASC LIMIT 1",
	}, fake.Commands())

	recs, err := a.Normalize(ctx, "order", page.Rows)
	require.NoError(t, err)
	var ids []int64
	for _, r := range recs {
		require.Equal(t, []string{"id", "total", "tax", "result"}, r.Keys())
		v, _ := r.Get("id")
		id, ok := v.AsInt()
		require.True(t, ok)
		ids = append(ids, id)
	}
	require.Equal(t, []int64{3, 4, 5}, ids)
}

func TestFetchPagesWithCursor(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestAdapter(t, 10)
	_, err := a.Insert(ctx, "order", orders(1, 5))
	require.NoError(t, err)

	page, err := a.Fetch(ctx, storage.FetchRequest{Entity: "order", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
	require.NotEmpty(t, page.Next)

	// inserted between pages, after the cursor
	_, err = a.Insert(ctx, "order", orders(6, 6))
	require.NoError(t, err)

	seen := map[any]bool{}
	for _, row := range page.Rows {
		seen[row["@rid"]] = true
	}
	for page.Next != "" {
		page, err = a.Fetch(ctx, storage.FetchRequest{Entity: "order", PageSize: 2, Cursor: page.Next})
		require.NoError(t, err)
		for _, row := range page.Rows {
			require.False(t, seen[row["@rid"]])
			seen[row["@rid"]] = true
		}
	}
	require.Len(t, seen, 6)
}

func TestFetchRejectsForgedCursor(t *testing.T) {
	a, fake, _ := newTestAdapter(t, 10)

	token, err := storage.EncodeToken(ridCursor{RID: "#12:1 OR 1=1"})
	require.NoError(t, err)

	_, err = a.Fetch(context.Background(), storage.FetchRequest{Entity: "order", Cursor: token})
	require.ErrorIs(t, err, pqerrors.ErrInvalidCursor)
	require.Empty(t, fake.Commands())
}

func TestFetchCancelledIssuesNoCommand(t *testing.T) {
	a, fake, _ := newTestAdapter(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Fetch(ctx, storage.FetchRequest{Entity: "order"})
	require.ErrorIs(t, err, pqerrors.ErrCancelled)
	require.Empty(t, fake.Commands())
}

func TestErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("server_error_is_unavailable", func(t *testing.T) {
		a, fake, _ := newTestAdapter(t, 10)
		fake.FailWith(http.StatusServiceUnavailable)

		_, err := a.Fetch(ctx, storage.FetchRequest{Entity: "order"})
		require.ErrorIs(t, err, pqerrors.ErrBackendUnavailable)
		require.ErrorContains(t, err, "injected failure")
	})

	t.Run("client_error_is_internal", func(t *testing.T) {
		a, fake, _ := newTestAdapter(t, 10)
		fake.FailWith(http.StatusBadRequest)

		_, err := a.Fetch(ctx, storage.FetchRequest{Entity: "order"})
		require.Error(t, err)
		require.Equal(t, pqerrors.KindInternal, pqerrors.KindOf(err))
	})

	t.Run("closed_server_is_unavailable", func(t *testing.T) {
		a, _, srv := newTestAdapter(t, 10)
		srv.Close()

		_, err := a.Fetch(ctx, storage.FetchRequest{Entity: "order"})
		require.ErrorIs(t, err, pqerrors.ErrBackendUnavailable)

		_, err = a.IsReady(ctx)
		require.ErrorIs(t, err, pqerrors.ErrBackendUnavailable)
	})

	t.Run("ready", func(t *testing.T) {
		a, _, _ := newTestAdapter(t, 10)
		status, err := a.IsReady(ctx)
		require.NoError(t, err)
		require.True(t, status.IsReady)
	})
}

func TestTranslateFilter(t *testing.T) {
	b := orderBinding(t)

	tests := []struct {
		name   string
		in     filter.Predicate
		cond   string
		params map[string]any
	}{
		{
			name:   "nil",
			cond:   "",
			params: map[string]any{},
		},
		{
			name:   "is_null",
			in:     &filter.Comparison{Field: "tax", Op: filter.OpEq, Value: record.Null},
			cond:   "`tax` IS NULL",
			params: map[string]any{},
		},
		{
			name:   "not_equal",
			in:     &filter.Comparison{Field: "id", Op: filter.OpNe, Value: record.Int(3)},
			cond:   "(`id` IS NOT NULL AND `id` <> :p0)",
			params: map[string]any{"p0": int64(3)},
		},
		{
			name: "connectives",
			in: &filter.Or{Terms: []filter.Predicate{
				&filter.Comparison{Field: "total", Op: filter.OpGe, Value: record.Float(10)},
				&filter.And{Terms: []filter.Predicate{
					&filter.Comparison{Field: "id", Op: filter.OpIn, Values: []record.Value{record.Int(1), record.Int(2)}},
					&filter.Comparison{Field: "tax", Op: filter.OpLt, Value: record.Float(1)},
				}},
			}},
			cond:   "(`amount` >= :p0 OR (`id` IN :p1 AND `tax` < :p2))",
			params: map[string]any{"p0": 10.0, "p1": []any{int64(1), int64(2)}, "p2": 1.0},
		},
		{
			name: "negated_in",
			in: &filter.Not{Term: &filter.Comparison{
				Field: "id", Op: filter.OpIn, Values: []record.Value{record.Int(1)},
			}},
			cond:   "(`id` IS NOT NULL AND NOT (`id` IN :p0))",
			params: map[string]any{"p0": []any{int64(1)}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cond, params, err := TranslateFilter(test.in, b)
			require.NoError(t, err)
			require.Equal(t, test.cond, cond)
			require.Equal(t, test.params, params)
		})
	}

	_, _, err := TranslateFilter(&filter.Comparison{Field: "result", Op: filter.OpEq, Value: record.Int(1)}, b)
	require.Error(t, err)
}
