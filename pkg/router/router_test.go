package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/polyquery/polyquery/internal/mocks"
	"github.com/polyquery/polyquery/pkg/encoder"
	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
	"github.com/polyquery/polyquery/pkg/storage/memory"
	"github.com/polyquery/polyquery/pkg/storage/sqlcommon"
	"github.com/polyquery/polyquery/pkg/storage/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type fixture struct {
	registry *schema.Registry
	order    *schema.Entity
	customer *schema.Entity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	order, err := schema.NewEntity("order", "id", []schema.Field{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "total", Type: schema.TypeDecimal},
		{Name: "tax", Type: schema.TypeDecimal},
		{Name: "result", Type: schema.TypeAny, Virtual: true},
	})
	require.NoError(t, err)
	customer, err := schema.NewEntity("customer", "id", []schema.Field{
		{Name: "id", Type: schema.TypeString},
		{Name: "name", Type: schema.TypeString},
	})
	require.NoError(t, err)
	registry, err := schema.NewRegistry(order, customer)
	require.NoError(t, err)
	return &fixture{registry: registry, order: order, customer: customer}
}

func (f *fixture) memoryAdapter(t *testing.T, name string, entities ...*schema.Entity) *memory.Adapter {
	t.Helper()
	var bindings []*schema.Binding
	for _, e := range entities {
		b, err := schema.NewBinding(e, "", nil)
		require.NoError(t, err)
		bindings = append(bindings, b)
	}
	bs, err := storage.NewBindings(bindings...)
	require.NoError(t, err)
	return memory.New(name, memory.WithBindings(bs), memory.WithBatchSize(2))
}

func (f *fixture) router(t *testing.T, opts ...RouterOption) *Router {
	t.Helper()
	r := New(f.registry, opts...)
	t.Cleanup(r.Close)
	return r
}

func order(id int64, total, tax float64) *record.Record {
	r := record.New()
	r.Set("id", record.Int(id))
	r.Set("total", record.Float(total))
	r.Set("tax", record.Float(tax))
	return r
}

func ids(t *testing.T, recs []*record.Record) []int64 {
	t.Helper()
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		v, ok := r.Get("id")
		require.True(t, ok)
		id, ok := v.AsInt()
		require.True(t, ok)
		out = append(out, id)
	}
	return out
}

func field(t *testing.T, rec *record.Record, name string) record.Value {
	t.Helper()
	v, ok := rec.Get(name)
	require.True(t, ok, "record has no field %q", name)
	return v
}

func TestRouting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop := f.memoryAdapter(t, "shop", f.order)
	crm := f.memoryAdapter(t, "crm", f.customer)

	r := f.router(t)
	require.NoError(t, r.Register(shop, "order"))
	require.NoError(t, r.Register(crm, "customer"))

	_, err := shop.Insert(ctx, "order", []*record.Record{order(1, 10, 1)})
	require.NoError(t, err)

	t.Run("registered_backend_without_hint", func(t *testing.T) {
		rs, err := r.Execute(ctx, Request{Entity: "order"})
		require.NoError(t, err)
		require.Equal(t, []int64{1}, ids(t, rs.Records))
		require.Empty(t, rs.Cursor)
	})

	t.Run("matching_hint", func(t *testing.T) {
		rs, err := r.Execute(ctx, Request{Entity: "order", Backend: "shop"})
		require.NoError(t, err)
		require.Len(t, rs.Records, 1)
	})

	t.Run("mismatching_hint", func(t *testing.T) {
		_, err := r.Execute(ctx, Request{Entity: "order", Backend: "crm"})
		require.ErrorIs(t, err, pqerrors.ErrBackendMismatch)

		var perr *pqerrors.Error
		require.ErrorAs(t, err, &perr)
		require.Equal(t, "order", perr.Entity)
		require.Equal(t, "crm", perr.Backend)
	})

	t.Run("unknown_entity", func(t *testing.T) {
		_, err := r.Execute(ctx, Request{Entity: "invoice"})
		require.ErrorIs(t, err, pqerrors.ErrUnknownEntity)
	})

	require.Equal(t, []string{"shop"}, r.Sources("order"))
	names := []string{}
	for _, e := range r.Entities() {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"order", "customer"}, names)
}

func TestRegisterErrors(t *testing.T) {
	f := newFixture(t)
	shop := f.memoryAdapter(t, "shop", f.order)
	r := f.router(t)

	require.ErrorContains(t, r.Register(shop, "invoice"), "invoice")
	require.NoError(t, r.Register(shop, "order"))
	require.ErrorContains(t, r.Register(shop, "order"), "already routed")
	require.ErrorContains(t, r.Register(f.memoryAdapter(t, "shop", f.order), "order"), "registered twice")

	_, err := r.Schema("customer")
	require.ErrorIs(t, err, pqerrors.ErrUnknownEntity)
	e, err := r.Schema("order")
	require.NoError(t, err)
	require.Equal(t, f.order, e)

	t.Run("stored_result_field", func(t *testing.T) {
		invoice, err := schema.NewEntity("invoice", "id", []schema.Field{
			{Name: "id", Type: schema.TypeInteger},
			{Name: "total", Type: schema.TypeDecimal},
			{Name: "result", Type: schema.TypeString},
		})
		require.NoError(t, err)
		registry, err := schema.NewRegistry(invoice)
		require.NoError(t, err)
		r := New(registry)
		t.Cleanup(r.Close)

		err = r.Register(f.memoryAdapter(t, "billing", invoice), "invoice")
		require.ErrorContains(t, err, "reserved for formula results")

		renamed := New(registry, WithResultField("computed"))
		t.Cleanup(renamed.Close)
		require.NoError(t, renamed.Register(f.memoryAdapter(t, "billing", invoice), "invoice"))
	})
}

// Checks that need no backend I/O fail before any native call: the mock has
// no Fetch expectation and would fail the test if called.
func TestFailFastBeforeBackendIO(t *testing.T) {
	f := newFixture(t)
	mockController := gomock.NewController(t)
	adapter := mocks.NewMockAdapter(mockController)
	adapter.EXPECT().Name().Return("pg").AnyTimes()

	r := f.router(t)
	require.NoError(t, r.Register(adapter, "order"))

	otherEntityCursor, err := storage.EncodeToken(cursor{Entity: "customer", Sources: []string{"pg"}, Token: "x"})
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		req  Request
		want error
	}{
		{"formula_syntax", Request{Entity: "order", Formula: "total +"}, pqerrors.ErrSyntax},
		{"formula_unknown_field", Request{Entity: "order", Formula: "total + discount"}, pqerrors.ErrFormulaBind},
		{"formula_references_result", Request{Entity: "order", Formula: "result * 2"}, pqerrors.ErrFormulaBind},
		{"filter_syntax", Request{Entity: "order", Filter: "total >"}, pqerrors.ErrSyntax},
		{"filter_unknown_field", Request{Entity: "order", Filter: "discount > 1"}, pqerrors.ErrUnknownField},
		{"filter_virtual_field", Request{Entity: "order", Filter: "result > 1"}, pqerrors.ErrUnknownField},
		{"garbage_cursor", Request{Entity: "order", Cursor: "not a cursor"}, pqerrors.ErrInvalidCursor},
		{"cursor_for_other_entity", Request{Entity: "order", Cursor: otherEntityCursor}, pqerrors.ErrInvalidCursor},
		{"aggregate_unknown_function", Request{Entity: "order", Aggregates: []Aggregate{{Field: "total", Function: "median"}}}, pqerrors.ErrSyntax},
		{"aggregate_unknown_field", Request{Entity: "order", Aggregates: []Aggregate{{Field: "discount", Function: AggregateSum}}}, pqerrors.ErrUnknownField},
		{"aggregate_result_without_formula", Request{Entity: "order", Aggregates: []Aggregate{{Field: "result", Function: AggregateSum}}}, pqerrors.ErrUnknownField},
		{"aggregate_name_twice", Request{Entity: "order", Aggregates: []Aggregate{
			{Field: "total", Function: AggregateSum}, {Field: "tax", Function: AggregateMax, Name: "sum_total"},
		}}, pqerrors.ErrSyntax},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.want)

			var perr *pqerrors.Error
			require.ErrorAs(t, err, &perr)
			require.Equal(t, "order", perr.Entity)
		})
	}
}

func TestFormulaBindErrorCarriesPosition(t *testing.T) {
	f := newFixture(t)
	r := f.router(t)
	require.NoError(t, r.Register(f.memoryAdapter(t, "shop", f.order), "order"))

	_, err := r.Execute(context.Background(), Request{Entity: "order", Formula: "total + discount"})
	var perr *pqerrors.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, pqerrors.KindFormulaBindError, perr.Kind)
	require.Equal(t, "discount", perr.Field)
	require.Equal(t, "total + discount", perr.Formula)
	require.Equal(t, 9, perr.Position)
}

func TestStrictAndLenientEvaluation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop := f.memoryAdapter(t, "shop", f.order)
	_, err := shop.Insert(ctx, "order", []*record.Record{order(1, 10, 1), order(2, 20, 2)})
	require.NoError(t, err)

	t.Run("lenient", func(t *testing.T) {
		log, logs := logger.NewObserverLogger("debug")
		r := f.router(t, WithLogger(log))
		require.NoError(t, r.Register(shop, "order"))

		rs, err := r.Execute(ctx, Request{Entity: "order", Formula: "10 / 0"})
		require.NoError(t, err)
		require.Len(t, rs.Records, 2)
		for _, rec := range rs.Records {
			require.True(t, field(t, rec, "result").IsNull())
		}
		require.Equal(t, 2, logs.Len())
	})

	t.Run("strict", func(t *testing.T) {
		r := f.router(t, WithStrictEvaluation(true))
		require.NoError(t, r.Register(shop, "order"))

		_, err := r.Execute(ctx, Request{Entity: "order", Formula: "10 / 0"})
		require.ErrorIs(t, err, pqerrors.ErrDivisionByZero)

		var perr *pqerrors.Error
		require.ErrorAs(t, err, &perr)
		require.Equal(t, "order", perr.Entity)
		require.Equal(t, "shop", perr.Backend)
		require.Equal(t, "10 / 0", perr.Formula)
	})

	t.Run("per_request_override", func(t *testing.T) {
		r := f.router(t)
		require.NoError(t, r.Register(shop, "order"))

		strict := true
		_, err := r.Execute(ctx, Request{Entity: "order", Formula: "10 / 0", Strict: &strict})
		require.ErrorIs(t, err, pqerrors.ErrDivisionByZero)

		_, err = r.Execute(ctx, Request{Entity: "order", Formula: "total + \"x\"", Strict: &strict})
		require.ErrorIs(t, err, pqerrors.ErrTypeMismatch)
	})
}

func TestOrderScenarioOnRelationalBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	binding, err := schema.NewBinding(f.order, "orders", map[string]string{"order_id": "id", "amount": "total"})
	require.NoError(t, err)
	bindings, err := storage.NewBindings(binding)
	require.NoError(t, err)

	shop, err := sqlite.New("shop", filepath.Join(t.TempDir(), "shop.db"), sqlcommon.NewConfig(
		sqlcommon.WithBindings(bindings),
		sqlcommon.WithBatchSize(3),
	))
	require.NoError(t, err)
	t.Cleanup(shop.Close)
	_, err = shop.DB().Exec(`CREATE TABLE orders (order_id INTEGER PRIMARY KEY, amount REAL, tax REAL, note TEXT)`)
	require.NoError(t, err)

	r := f.router(t)
	require.NoError(t, r.Register(shop, "order"))

	var input []*record.Record
	for id := int64(1); id <= 30; id++ {
		input = append(input, order(id, float64(id*10), float64(id)/2))
	}
	written, err := r.Write(ctx, "order", "", input)
	require.NoError(t, err)
	require.Equal(t, 30, written)

	var got []int64
	token := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10)
		rs, err := r.Execute(ctx, Request{
			Entity:   "order",
			Filter:   "total > 100",
			Formula:  "total + tax",
			Cursor:   token,
			PageSize: 7,
		})
		require.NoError(t, err)

		for _, rec := range rs.Records {
			require.Equal(t, []string{"id", "total", "tax", "result"}, rec.Keys())
			total, _ := field(t, rec, "total").AsFloat()
			tax, _ := field(t, rec, "tax").AsFloat()
			result, ok := field(t, rec, "result").AsFloat()
			require.True(t, ok)
			require.Greater(t, total, 100.0)
			require.InDelta(t, total+tax, result, 0)
		}
		got = append(got, ids(t, rs.Records)...)

		if rs.Cursor == "" {
			break
		}
		token = rs.Cursor
	}

	var want []int64
	for id := int64(11); id <= 30; id++ {
		want = append(want, id)
	}
	require.Equal(t, want, got)
}

func TestPaginationHasNoDuplicatesUnderInserts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop := f.memoryAdapter(t, "shop", f.order)
	r := f.router(t)
	require.NoError(t, r.Register(shop, "order"))

	_, err := r.Write(ctx, "order", "", []*record.Record{order(1, 1, 0), order(2, 2, 0), order(3, 3, 0)})
	require.NoError(t, err)

	first, err := r.Execute(ctx, Request{Entity: "order", PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids(t, first.Records))
	require.NotEmpty(t, first.Cursor)

	_, err = r.Write(ctx, "order", "", []*record.Record{order(4, 4, 0)})
	require.NoError(t, err)

	second, err := r.Execute(ctx, Request{Entity: "order", PageSize: 2, Cursor: first.Cursor})
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4}, ids(t, second.Records))

	third, err := r.Execute(ctx, Request{Entity: "order", PageSize: 2, Cursor: second.Cursor})
	require.NoError(t, err)
	require.Empty(t, third.Records)
	require.Empty(t, third.Cursor)
}

func TestSealedCursors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop := f.memoryAdapter(t, "shop", f.order)

	sealed, err := encoder.NewTokenEncoderFromKey("first")
	require.NoError(t, err)
	other, err := encoder.NewTokenEncoderFromKey("second")
	require.NoError(t, err)

	r := f.router(t, WithCursorEncoder(sealed))
	require.NoError(t, r.Register(shop, "order"))
	rotated := f.router(t, WithCursorEncoder(other))
	require.NoError(t, rotated.Register(shop, "order"))

	_, err = r.Write(ctx, "order", "", []*record.Record{order(1, 1, 0), order(2, 2, 0), order(3, 3, 0)})
	require.NoError(t, err)

	first, err := r.Execute(ctx, Request{Entity: "order", PageSize: 2})
	require.NoError(t, err)
	require.NotEmpty(t, first.Cursor)

	second, err := r.Execute(ctx, Request{Entity: "order", PageSize: 2, Cursor: first.Cursor})
	require.NoError(t, err)
	require.Equal(t, []int64{3}, ids(t, second.Records))

	_, err = rotated.Execute(ctx, Request{Entity: "order", PageSize: 2, Cursor: first.Cursor})
	require.ErrorIs(t, err, pqerrors.ErrInvalidCursor)

	plain, err := storage.EncodeToken(cursor{Entity: "order", Sources: []string{"shop"}, Token: "x"})
	require.NoError(t, err)
	_, err = r.Execute(ctx, Request{Entity: "order", PageSize: 2, Cursor: plain})
	require.ErrorIs(t, err, pqerrors.ErrInvalidCursor)
}

func TestMirroredEntityMerge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	primary := f.memoryAdapter(t, "primary", f.order)
	replica := f.memoryAdapter(t, "replica", f.order)

	_, err := primary.Insert(ctx, "order", []*record.Record{order(1, 10, 0), order(2, 20, 0)})
	require.NoError(t, err)
	_, err = replica.Insert(ctx, "order", []*record.Record{order(2, 99, 0), order(3, 30, 0)})
	require.NoError(t, err)

	r := f.router(t)
	require.NoError(t, r.Register(primary, "order"))
	require.NoError(t, r.Register(replica, "order"))

	rs, err := r.Execute(ctx, Request{Entity: "order"})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids(t, rs.Records))

	total, _ := field(t, rs.Records[1], "total").AsFloat()
	require.InDelta(t, 99.0, total, 0, "the later registered backend wins")
	require.Empty(t, rs.Cursor)

	t.Run("hint_reads_one_mirror", func(t *testing.T) {
		rs, err := r.Execute(ctx, Request{Entity: "order", Backend: "primary"})
		require.NoError(t, err)
		require.Equal(t, []int64{1, 2}, ids(t, rs.Records))
	})

	t.Run("paged", func(t *testing.T) {
		var pages [][]int64
		token := ""
		for {
			rs, err := r.Execute(ctx, Request{Entity: "order", PageSize: 1, Cursor: token})
			require.NoError(t, err)
			pages = append(pages, ids(t, rs.Records))
			if rs.Cursor == "" {
				break
			}
			if len(pages) == 1 {
				// a mirrored cursor does not fit a single-backend request
				_, err = r.Execute(ctx, Request{Entity: "order", Backend: "primary", PageSize: 1, Cursor: rs.Cursor})
				require.ErrorIs(t, err, pqerrors.ErrInvalidCursor)
			}
			token = rs.Cursor
		}
		require.Equal(t, [][]int64{{1}, {2}, {3}, {}}, pages)
	})
}

// Every key of a mirrored entity comes back exactly once along a cursor
// chain, whatever the page size and however the mirrors overlap.
func TestMirroredPaginationReturnsEachKeyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	primary := f.memoryAdapter(t, "primary", f.order)
	replica := f.memoryAdapter(t, "replica", f.order)
	archive := f.memoryAdapter(t, "archive", f.order)

	var all, odd []*record.Record
	for id := int64(1); id <= 10; id++ {
		all = append(all, order(id, float64(id), 0))
		if id%2 == 1 {
			odd = append(odd, order(id, float64(id*100), 0))
		}
	}
	_, err := primary.Insert(ctx, "order", all)
	require.NoError(t, err)
	_, err = replica.Insert(ctx, "order", odd)
	require.NoError(t, err)
	_, err = archive.Insert(ctx, "order", []*record.Record{order(12, 12, 0), order(4, 4000, 0), order(11, 11, 0)})
	require.NoError(t, err)

	collect := func(t *testing.T, r *Router, req Request) map[int64]float64 {
		t.Helper()
		seen := map[int64]float64{}
		for {
			rs, err := r.Execute(ctx, req)
			require.NoError(t, err)
			require.LessOrEqual(t, len(rs.Records), req.PageSize)
			for _, rec := range rs.Records {
				id, _ := field(t, rec, "id").AsInt()
				_, dup := seen[id]
				require.False(t, dup, "record %d returned twice", id)
				seen[id], _ = field(t, rec, "total").AsFloat()
			}
			if rs.Cursor == "" {
				return seen
			}
			req.Cursor = rs.Cursor
		}
	}

	t.Run("two_mirrors", func(t *testing.T) {
		r := f.router(t)
		require.NoError(t, r.Register(primary, "order"))
		require.NoError(t, r.Register(replica, "order"))

		for _, size := range []int{1, 2, 3, 4, 7, 50} {
			seen := collect(t, r, Request{Entity: "order", PageSize: size})
			require.Len(t, seen, 10, "page size %d", size)
			require.InDelta(t, 300.0, seen[3], 0, "the later registered backend wins")
			require.InDelta(t, 4.0, seen[4], 0)
		}
	})

	t.Run("three_mirrors", func(t *testing.T) {
		r := f.router(t)
		require.NoError(t, r.Register(primary, "order"))
		require.NoError(t, r.Register(replica, "order"))
		require.NoError(t, r.Register(archive, "order"))

		seen := collect(t, r, Request{Entity: "order", PageSize: 3})
		require.Len(t, seen, 12)
		require.InDelta(t, 4000.0, seen[4], 0)
		require.InDelta(t, 500.0, seen[5], 0)
	})

	t.Run("filtered", func(t *testing.T) {
		r := f.router(t)
		require.NoError(t, r.Register(primary, "order"))
		require.NoError(t, r.Register(replica, "order"))

		// the replica's copy of 3 does not match, so the primary's stays
		seen := collect(t, r, Request{Entity: "order", PageSize: 2, Filter: "total < 250"})
		require.Equal(t, map[int64]float64{1: 100, 2: 2, 3: 3, 4: 4, 5: 5, 6: 6, 7: 7, 8: 8, 9: 9, 10: 10}, seen)
	})
}

func TestMergeDropsKeysOfEarlierSources(t *testing.T) {
	nullKey := record.New()
	nullKey.Set("id", record.Null)

	page := []*record.Record{order(1, 1, 0), order(2, 2, 0), nullKey, order(3, 3, 0)}
	earlier := []mirror{newMirror("a", "id", []*record.Record{order(1, 10, 0)})}
	winner := order(2, 200, 0)
	later := []mirror{
		newMirror("c", "id", []*record.Record{order(2, 20, 0), nullKey}),
		newMirror("d", "id", []*record.Record{winner}),
	}

	got, origins := merge("id", "b", page, earlier, later)
	require.Len(t, got, 3)
	require.Same(t, winner, got[0])
	require.Same(t, nullKey, got[1])
	require.Same(t, page[3], got[2])
	require.Equal(t, []string{"d", "b", "b"}, origins)
}

func TestAggregates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop := f.memoryAdapter(t, "shop", f.order)
	r := f.router(t)
	require.NoError(t, r.Register(shop, "order"))

	_, err := r.Write(ctx, "order", "", []*record.Record{order(1, 10, 1), order(2, 20.25, 2), order(3, 30, 3)})
	require.NoError(t, err)

	aggs := []Aggregate{
		{Field: "total", Function: AggregateCount},
		{Field: "total", Function: AggregateSum, Precision: DefaultPrecision},
		{Field: "total", Function: AggregateMin, Precision: DefaultPrecision},
		{Field: "total", Function: AggregateMax, Precision: DefaultPrecision},
		{Field: "total", Function: AggregateAverage, Precision: DefaultPrecision},
		{Field: "total", Function: AggregateFirst, Precision: DefaultPrecision},
		{Field: "total", Function: AggregateLast, Precision: DefaultPrecision},
		{Name: "revenue", Field: "result", Function: AggregateSum, Precision: 1},
	}

	rs, err := r.Execute(ctx, Request{Entity: "order", Formula: "total + tax", Aggregates: aggs})
	require.NoError(t, err)
	require.Len(t, rs.Records, 3)

	want := map[string]record.Value{
		"count_total":   record.Int(3),
		"sum_total":     record.Float(60.25),
		"min_total":     record.Float(10),
		"max_total":     record.Float(30),
		"average_total": record.Float(20.08),
		"first_total":   record.Float(10),
		"last_total":    record.Float(30),
		"revenue":       record.Float(66.3),
	}
	require.Len(t, rs.Aggregates, len(want))
	for name, v := range want {
		require.True(t, v.Equal(rs.Aggregates[name]), "%s: want %s, got %s", name, v, rs.Aggregates[name])
	}

	t.Run("page_scoped", func(t *testing.T) {
		first, err := r.Execute(ctx, Request{Entity: "order", PageSize: 2, Aggregates: aggs[:2]})
		require.NoError(t, err)
		require.True(t, record.Int(2).Equal(first.Aggregates["count_total"]))
		require.True(t, record.Float(30.25).Equal(first.Aggregates["sum_total"]))

		second, err := r.Execute(ctx, Request{Entity: "order", PageSize: 2, Aggregates: aggs[:2], Cursor: first.Cursor})
		require.NoError(t, err)
		require.True(t, record.Int(1).Equal(second.Aggregates["count_total"]))
		require.True(t, record.Float(30).Equal(second.Aggregates["sum_total"]))
	})

	t.Run("empty_page", func(t *testing.T) {
		rs, err := r.Execute(ctx, Request{Entity: "order", Filter: "total > 1000", Aggregates: aggs[:2]})
		require.NoError(t, err)
		require.True(t, record.Int(0).Equal(rs.Aggregates["count_total"]))
		require.True(t, rs.Aggregates["sum_total"].IsNull())
	})

	t.Run("none_requested", func(t *testing.T) {
		rs, err := r.Execute(ctx, Request{Entity: "order"})
		require.NoError(t, err)
		require.Nil(t, rs.Aggregates)
	})
}

func TestFieldStats(t *testing.T) {
	var s fieldStats
	for _, v := range []record.Value{record.Null, record.Int(2), record.String("3.5"), record.Bool(true), record.Float(1.25), record.Null} {
		s.add(v)
	}

	for _, tc := range []struct {
		fn        AggregateFunc
		precision int
		want      record.Value
	}{
		{AggregateCount, 2, record.Int(3)},
		{AggregateSum, 2, record.Float(6.75)},
		{AggregateMin, 2, record.Float(1.25)},
		{AggregateMax, 2, record.Float(3.5)},
		{AggregateAverage, -1, record.Float(2.25)},
		{AggregateAverage, 0, record.Float(2)},
		{AggregateFirst, 2, record.Int(2)},
		{AggregateLast, 1, record.Float(1.3)},
	} {
		t.Run(fmt.Sprintf("%s_%d", tc.fn, tc.precision), func(t *testing.T) {
			got := s.value(tc.fn, tc.precision)
			require.True(t, tc.want.Equal(got), "want %s, got %s", tc.want, got)
		})
	}
}

func TestRetriesBackendUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

	unavailable := storage.Unavailable("pg", errors.New("connection refused"))
	rows := []storage.RawRow{{"id": int64(1)}}

	t.Run("recovers", func(t *testing.T) {
		mockController := gomock.NewController(t)
		adapter := mocks.NewMockAdapter(mockController)
		adapter.EXPECT().Name().Return("pg").AnyTimes()
		gomock.InOrder(
			adapter.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, unavailable).Times(2),
			adapter.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(&storage.RawPage{Rows: rows}, nil),
		)
		adapter.EXPECT().Normalize(gomock.Any(), "order", rows).Return([]*record.Record{order(1, 5, 1)}, nil)

		r := f.router(t, WithRetryPolicy(policy))
		require.NoError(t, r.Register(adapter, "order"))

		rs, err := r.Execute(ctx, Request{Entity: "order"})
		require.NoError(t, err)
		require.Equal(t, []int64{1}, ids(t, rs.Records))
	})

	t.Run("gives_up_after_max_attempts", func(t *testing.T) {
		mockController := gomock.NewController(t)
		adapter := mocks.NewMockAdapter(mockController)
		adapter.EXPECT().Name().Return("pg").AnyTimes()
		adapter.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, unavailable).Times(3)

		r := f.router(t, WithRetryPolicy(policy))
		require.NoError(t, r.Register(adapter, "order"))

		_, err := r.Execute(ctx, Request{Entity: "order"})
		require.ErrorIs(t, err, pqerrors.ErrBackendUnavailable)

		var perr *pqerrors.Error
		require.ErrorAs(t, err, &perr)
		require.Equal(t, "pg", perr.Backend)
		require.Equal(t, "order", perr.Entity)
	})

	t.Run("other_errors_are_not_retried", func(t *testing.T) {
		mockController := gomock.NewController(t)
		adapter := mocks.NewMockAdapter(mockController)
		adapter.EXPECT().Name().Return("pg").AnyTimes()
		adapter.EXPECT().Fetch(gomock.Any(), gomock.Any()).
			Return(nil, storage.InvalidCursor("pg", errors.New("bad token"))).Times(1)

		r := f.router(t, WithRetryPolicy(policy))
		require.NoError(t, r.Register(adapter, "order"))

		_, err := r.Execute(ctx, Request{Entity: "order"})
		require.ErrorIs(t, err, pqerrors.ErrInvalidCursor)
	})
}

// batchCountingAdapter serves endless pages of synthetic orders through
// storage.CollectPage and cancels the request while serving batch cancelAt.
type batchCountingAdapter struct {
	*memory.Adapter
	batches  atomic.Int32
	cancelAt int32
	cancel   context.CancelFunc
}

func (a *batchCountingAdapter) Fetch(ctx context.Context, req storage.FetchRequest) (*storage.RawPage, error) {
	return storage.CollectPage(ctx, a.Name(), req.PageSize, 2, req.Cursor,
		func(ctx context.Context, cursor string, limit int) ([]storage.RawRow, string, error) {
			n := a.batches.Add(1)
			if n == a.cancelAt {
				a.cancel()
			}
			rows := make([]storage.RawRow, limit)
			for i := range rows {
				rows[i] = storage.RawRow{"id": int64(n)*10 + int64(i)}
			}
			return rows, fmt.Sprint(n), nil
		})
}

func TestCancelMidPagination(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := &batchCountingAdapter{
		Adapter:  f.memoryAdapter(t, "slow", f.order),
		cancelAt: 2,
		cancel:   cancel,
	}
	r := f.router(t)
	require.NoError(t, r.Register(adapter, "order"))

	_, err := r.Execute(ctx, Request{Entity: "order", PageSize: 10})
	require.ErrorIs(t, err, pqerrors.ErrCancelled)
	require.Equal(t, int32(2), adapter.batches.Load(), "no native call after the signal was observed")

	_, err = r.Execute(ctx, Request{Entity: "order", PageSize: 10})
	require.ErrorIs(t, err, pqerrors.ErrCancelled)
	require.Equal(t, int32(2), adapter.batches.Load())
}

func TestCancelledWhileWaitingForSlot(t *testing.T) {
	f := newFixture(t)
	r := f.router(t, WithMaxConcurrentRequests(1))
	require.NoError(t, r.Register(f.memoryAdapter(t, "shop", f.order), "order"))

	require.NoError(t, r.requests.Acquire(context.Background(), 1))
	defer r.requests.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Execute(ctx, Request{Entity: "order"})
	require.ErrorIs(t, err, pqerrors.ErrCancelled)
}

type staticLookups map[string]record.Value

func (s staticLookups) Fill(_ context.Context, _ string, records []*record.Record) {
	for _, rec := range records {
		for name, v := range s {
			rec.Set(name, v)
		}
	}
}

func TestLookupFieldsFeedFormulas(t *testing.T) {
	ctx := context.Background()
	price, err := schema.NewEntity("price", "id", []schema.Field{
		{Name: "id", Type: schema.TypeInteger},
		{Name: "amount", Type: schema.TypeDecimal},
		{Name: "rate", Type: schema.TypeDecimal, Virtual: true},
		{Name: "result", Type: schema.TypeAny, Virtual: true},
	})
	require.NoError(t, err)
	registry, err := schema.NewRegistry(price)
	require.NoError(t, err)

	binding, err := schema.NewBinding(price, "", nil)
	require.NoError(t, err)
	bindings, err := storage.NewBindings(binding)
	require.NoError(t, err)
	shop := memory.New("shop", memory.WithBindings(bindings))

	rec := record.New()
	rec.Set("id", record.Int(1))
	rec.Set("amount", record.Float(10))
	_, err = shop.Insert(ctx, "price", []*record.Record{rec})
	require.NoError(t, err)

	r := New(registry, WithLookups(staticLookups{"rate": record.Float(2.5)}))
	t.Cleanup(r.Close)
	require.NoError(t, r.Register(shop, "price"))

	rs, err := r.Execute(ctx, Request{Entity: "price", Formula: "amount * rate"})
	require.NoError(t, err)
	require.Len(t, rs.Records, 1)
	got, ok := field(t, rs.Records[0], "result").AsFloat()
	require.True(t, ok)
	require.InDelta(t, 25.0, got, 0)
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	primary := f.memoryAdapter(t, "primary", f.order)
	replica := f.memoryAdapter(t, "replica", f.order)
	r := f.router(t)
	require.NoError(t, r.Register(primary, "order"))
	require.NoError(t, r.Register(replica, "order"))

	t.Run("mirrors_every_source", func(t *testing.T) {
		in := record.New()
		in.Set("id", record.String("7"))
		in.Set("total", record.Int(70))

		n, err := r.Write(ctx, "order", "", []*record.Record{in})
		require.NoError(t, err)
		require.Equal(t, 2, n)

		for _, backend := range []string{"primary", "replica"} {
			rs, err := r.Execute(ctx, Request{Entity: "order", Backend: backend})
			require.NoError(t, err)
			require.Len(t, rs.Records, 1)

			want := map[string]any{"id": int64(7), "total": 70.0, "tax": nil, "result": nil}
			if diff := cmp.Diff(want, rs.Records[0].Native()); diff != "" {
				t.Errorf("%s record mismatch (-want +got):\n%s", backend, diff)
			}
		}
	})

	t.Run("hint", func(t *testing.T) {
		n, err := r.Write(ctx, "order", "replica", []*record.Record{order(8, 1, 0)})
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = r.Write(ctx, "order", "crm", []*record.Record{order(9, 1, 0)})
		require.ErrorIs(t, err, pqerrors.ErrBackendMismatch)
	})

	t.Run("invalid_records", func(t *testing.T) {
		unknown := order(10, 1, 0)
		unknown.Set("discount", record.Int(1))
		virtual := order(11, 1, 0)
		virtual.Set("result", record.Int(1))
		badType := order(12, 1, 0)
		badType.Set("total", record.String("a lot"))
		noKey := record.New()
		noKey.Set("total", record.Int(1))

		for _, tc := range []struct {
			name string
			rec  *record.Record
			want error
		}{
			{"unknown_field", unknown, pqerrors.ErrUnknownField},
			{"virtual_field", virtual, pqerrors.ErrUnknownField},
			{"bad_type", badType, pqerrors.ErrInvalidRecord},
			{"missing_key", noKey, pqerrors.ErrInvalidRecord},
		} {
			t.Run(tc.name, func(t *testing.T) {
				_, err := r.Write(ctx, "order", "", []*record.Record{tc.rec})
				require.ErrorIs(t, err, tc.want)
			})
		}
	})

	t.Run("duplicate_key_names_backend", func(t *testing.T) {
		_, err := r.Write(ctx, "order", "", []*record.Record{order(7, 1, 0)})
		require.ErrorIs(t, err, pqerrors.ErrInvalidRecord)

		var perr *pqerrors.Error
		require.ErrorAs(t, err, &perr)
		require.Equal(t, "primary", perr.Backend)
	})
}
