package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/polyquery/polyquery/internal/authn/presharedkey"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/middleware/requestid"
	"github.com/polyquery/polyquery/pkg/router"
	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
	"github.com/polyquery/polyquery/pkg/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type notReadyAdapter struct {
	*memory.Adapter
}

func (notReadyAdapter) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{Message: "requires migrations"}, nil
}

type failingAdapter struct {
	*memory.Adapter
}

func (failingAdapter) Fetch(context.Context, storage.FetchRequest) (*storage.RawPage, error) {
	return nil, errors.New("driver exploded")
}

type harness struct {
	handler http.Handler
	logs    logger.Logs
	token   string
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	adapter func(*memory.Adapter) storage.Adapter
	keys    []string
}

func withAdapter(wrap func(*memory.Adapter) storage.Adapter) harnessOption {
	return func(c *harnessConfig) { c.adapter = wrap }
}

func withKeys(keys ...string) harnessOption {
	return func(c *harnessConfig) { c.keys = keys }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := &harnessConfig{adapter: func(a *memory.Adapter) storage.Adapter { return a }}
	for _, opt := range opts {
		opt(cfg)
	}

	order, err := schema.NewEntity("order", "id", []schema.Field{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "total", Type: schema.TypeDecimal},
		{Name: "tax", Type: schema.TypeDecimal},
		{Name: "result", Type: schema.TypeAny, Virtual: true},
	})
	require.NoError(t, err)
	registry, err := schema.NewRegistry(order)
	require.NoError(t, err)
	binding, err := schema.NewBinding(order, "orders", nil)
	require.NoError(t, err)
	bindings, err := storage.NewBindings(binding)
	require.NoError(t, err)

	r := router.New(registry, router.WithPageSize(2, 10))
	t.Cleanup(r.Close)
	require.NoError(t, r.Register(cfg.adapter(memory.New("shop", memory.WithBindings(bindings))), "order"))

	log, logs := logger.NewObserverLogger("info")
	serverOpts := []ServerOption{WithLogger(log)}
	if cfg.keys != nil {
		a, err := presharedkey.NewPresharedKeyAuthenticator(cfg.keys)
		require.NoError(t, err)
		serverOpts = append(serverOpts, WithAuthenticator(a))
	}

	h := &harness{handler: New(r, serverOpts...).Handler(), logs: logs}
	if len(cfg.keys) > 0 {
		h.token = cfg.keys[0]
	}
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

type queryResult struct {
	Records           []map[string]any `json:"records"`
	ContinuationToken string           `json:"continuation_token"`
}

func decodeQuery(t *testing.T, rec *httptest.ResponseRecorder) queryResult {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out queryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var out errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func seed(t *testing.T, h *harness) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/entities/order/records", `{"records":[
		{"id": 1, "total": 50, "tax": 5},
		{"id": 2, "total": 150, "tax": 15},
		{"id": 3, "total": 200, "tax": 20},
		{"id": 4, "total": 300.5, "tax": 30}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"written":4}`, rec.Body.String())
}

func TestQueryWithFormulaAndPaging(t *testing.T) {
	h := newHarness(t)
	seed(t, h)

	body := `{"filter":"total > 100","formula":"total + tax"}`
	first := decodeQuery(t, h.do(t, http.MethodPost, "/v1/entities/order/query", body))
	require.Len(t, first.Records, 2)
	require.NotEmpty(t, first.ContinuationToken)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{
		"filter":             "total > 100",
		"formula":            "total + tax",
		"continuation_token": first.ContinuationToken,
	}))
	second := decodeQuery(t, h.do(t, http.MethodPost, "/v1/entities/order/query", buf.String()))
	require.Len(t, second.Records, 1)
	require.Empty(t, second.ContinuationToken)

	all := append(first.Records, second.Records...)
	want := map[float64]float64{2: 165, 3: 220, 4: 330.5}
	for _, r := range all {
		require.ElementsMatch(t, []string{"id", "total", "tax", "result"}, keys(r))
		id := r["id"].(float64)
		require.InDelta(t, want[id], r["result"], 1e-9)
		delete(want, id)
	}
	require.Empty(t, want)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestQueryAggregates(t *testing.T) {
	h := newHarness(t)
	seed(t, h)

	body := `{"filter":"total > 100","formula":"total + tax","page_size":10,"aggregates":[
		{"field":"total","function":"sum"},
		{"name":"avg_gross","field":"result","function":"average","precision":1},
		{"field":"id","function":"count"}
	]}`
	rec := h.do(t, http.MethodPost, "/v1/entities/order/query", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got struct {
		Aggregates map[string]any `json:"aggregates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, map[string]any{"sum_total": 650.5, "avg_gross": 238.5, "count_id": 3.0}, got.Aggregates)

	rec = h.do(t, http.MethodPost, "/v1/entities/order/query", `{"aggregates":[{"field":"total","function":"median"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "SyntaxError", decodeError(t, rec).Code)
}

func TestQueryWithEmptyBody(t *testing.T) {
	h := newHarness(t)
	got := decodeQuery(t, h.do(t, http.MethodPost, "/v1/entities/order/query", ""))
	require.NotNil(t, got.Records)
	require.Empty(t, got.Records)
	require.Empty(t, got.ContinuationToken)
}

func TestErrorStatuses(t *testing.T) {
	h := newHarness(t)
	seed(t, h)

	for _, tc := range []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown_entity", "/v1/entities/invoice/query", `{}`, http.StatusNotFound, "UnknownEntity"},
		{"backend_mismatch", "/v1/entities/order/query", `{"backend":"warehouse"}`, http.StatusBadRequest, "BackendMismatch"},
		{"formula_syntax", "/v1/entities/order/query", `{"formula":"total +"}`, http.StatusBadRequest, "SyntaxError"},
		{"formula_unknown_field", "/v1/entities/order/query", `{"formula":"total + fee"}`, http.StatusBadRequest, "FormulaBindError"},
		{"filter_unknown_field", "/v1/entities/order/query", `{"filter":"fee > 1"}`, http.StatusBadRequest, "UnknownField"},
		{"invalid_cursor", "/v1/entities/order/query", `{"continuation_token":"garbage"}`, http.StatusBadRequest, "InvalidCursor"},
		{"strict_division", "/v1/entities/order/query", `{"formula":"total / 0","strict":true}`, http.StatusUnprocessableEntity, "DivisionByZero"},
		{"malformed_body", "/v1/entities/order/query", `{"filter":`, http.StatusBadRequest, codeInvalidRequest},
		{"unknown_body_field", "/v1/entities/order/query", `{"where":"x"}`, http.StatusBadRequest, codeInvalidRequest},
		{"empty_write", "/v1/entities/order/records", `{"records":[]}`, http.StatusBadRequest, codeInvalidRequest},
		{"invalid_record", "/v1/entities/order/records", `{"records":[{"id":"abc","total":1,"tax":1}]}`, http.StatusBadRequest, "InvalidRecord"},
		{"duplicate_record", "/v1/entities/order/records", `{"records":[{"id":1,"total":1,"tax":1}]}`, http.StatusBadRequest, "InvalidRecord"},
		{"virtual_field_write", "/v1/entities/order/records", `{"records":[{"id":9,"total":1,"tax":1,"result":2}]}`, http.StatusBadRequest, "UnknownField"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestLenientDivisionYieldsNull(t *testing.T) {
	h := newHarness(t)
	seed(t, h)

	got := decodeQuery(t, h.do(t, http.MethodPost, "/v1/entities/order/query", `{"formula":"total / 0","page_size":10}`))
	require.Len(t, got.Records, 4)
	for _, r := range got.Records {
		v, ok := r["result"]
		require.True(t, ok)
		require.Nil(t, v)
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	h := newHarness(t, withAdapter(func(a *memory.Adapter) storage.Adapter { return failingAdapter{a} }))

	rec := h.do(t, http.MethodPost, "/v1/entities/order/query", `{}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	require.Equal(t, "Internal", body.Code)
	require.NotContains(t, body.Message, "driver exploded")

	internal := h.logs.FilterMessage("internal error")
	require.Equal(t, 1, internal.Len())
	require.Equal(t, zapcore.ErrorLevel, internal.All()[0].Level)
}

func TestEntities(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/entities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"entities":[{
		"name":"order",
		"natural_key":"id",
		"fields":[
			{"name":"id","type":"integer"},
			{"name":"total","type":"decimal"},
			{"name":"tax","type":"decimal"},
			{"name":"result","type":"any","virtual":true}
		],
		"sources":["shop"]
	}]}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/v1/entities/order", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/entities/invoice", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "UnknownEntity", decodeError(t, rec).Code)
}

func TestRoutingErrors(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v2/things", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, codeNotFound, decodeError(t, rec).Code)

	rec = h.do(t, http.MethodGet, "/v1/entities/order/query", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"SERVING","backends":{"shop":{"ready":true}}}`, rec.Body.String())

	h = newHarness(t, withAdapter(func(a *memory.Adapter) storage.Adapter { return notReadyAdapter{a} }))
	rec = h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"NOT_SERVING","backends":{"shop":{"ready":false,"message":"requires migrations"}}}`, rec.Body.String())
}

func TestPresharedKeyAuthentication(t *testing.T) {
	h := newHarness(t, withKeys("secret"))

	rec := h.do(t, http.MethodGet, "/v1/entities", "")
	require.Equal(t, http.StatusOK, rec.Code)

	h.token = ""
	rec = h.do(t, http.MethodGet, "/v1/entities", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, codeUnauthenticated, decodeError(t, rec).Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	h.token = "wrong"
	rec = h.do(t, http.MethodPost, "/v1/entities/order/query", `{}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// health checks stay open
	h.token = ""
	rec = h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDAndAccessLog(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/entities", "")
	id := rec.Header().Get(requestid.RequestIDHeader)
	require.NotEmpty(t, id)

	access := h.logs.FilterMessage("http_req_complete").All()
	require.Len(t, access, 1)
	require.Equal(t, id, access[0].ContextMap()["request_id"])
	require.Equal(t, "/v1/entities", access[0].ContextMap()["http_route"])
}
