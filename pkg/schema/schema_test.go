package schema

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
)

func orderEntity(t *testing.T) *Entity {
	t.Helper()
	e, err := NewEntity("order", "id", []Field{
		{Name: "id", Type: TypeInteger},
		{Name: "total", Type: TypeDecimal},
		{Name: "tax", Type: TypeDecimal},
		{Name: "status", Type: TypeString},
		{Name: "rate", Type: TypeDecimal, Virtual: true},
	})
	require.NoError(t, err)
	return e
}

func TestNewEntityValidation(t *testing.T) {
	for _, tc := range []struct {
		name       string
		entity     string
		naturalKey string
		fields     []Field
		errMsg     string
	}{
		{
			name:       "bad_entity_name",
			entity:     "order; drop",
			naturalKey: "id",
			fields:     []Field{{Name: "id", Type: TypeInteger}},
			errMsg:     "invalid entity name",
		},
		{
			name:       "duplicate_field",
			entity:     "order",
			naturalKey: "id",
			fields:     []Field{{Name: "id", Type: TypeInteger}, {Name: "id", Type: TypeString}},
			errMsg:     "duplicate field",
		},
		{
			name:       "unknown_type",
			entity:     "order",
			naturalKey: "id",
			fields:     []Field{{Name: "id", Type: "money"}},
			errMsg:     "unknown type",
		},
		{
			name:       "missing_natural_key",
			entity:     "order",
			naturalKey: "code",
			fields:     []Field{{Name: "id", Type: TypeInteger}},
			errMsg:     "natural key",
		},
		{
			name:       "virtual_natural_key",
			entity:     "order",
			naturalKey: "id",
			fields:     []Field{{Name: "id", Type: TypeInteger, Virtual: true}},
			errMsg:     "cannot be a virtual field",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEntity(tc.entity, tc.naturalKey, tc.fields)
			require.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestRegistryCanonicalSchema(t *testing.T) {
	reg, err := NewRegistry(orderEntity(t))
	require.NoError(t, err)

	fields, err := reg.CanonicalSchema("order")
	require.NoError(t, err)
	require.Len(t, fields, 5)
	require.Contains(t, fields, "rate")

	_, err = reg.CanonicalSchema("invoice")
	require.ErrorIs(t, err, pqerrors.ErrUnknownEntity)
}

func TestBindingValidation(t *testing.T) {
	e := orderEntity(t)

	_, err := NewBinding(e, "orders", map[string]string{"amount": "price"})
	require.ErrorContains(t, err, "unknown field")

	_, err = NewBinding(e, "orders", map[string]string{"fx": "rate"})
	require.ErrorContains(t, err, "virtual field")

	_, err = NewBinding(e, "orders", map[string]string{"amount": "total", "sum": "total"})
	require.ErrorContains(t, err, "mapped from both")

	_, err = NewBinding(e, "orders", map[string]string{"tax": "total"})
	require.ErrorContains(t, err, "needs an explicit mapping")

	b, err := NewBinding(e, "", map[string]string{"order_id": "id"})
	require.NoError(t, err)
	require.Equal(t, "order", b.Collection)
	require.Equal(t, "order_id", b.NativeKey())
	n, ok := b.NativeName("total")
	require.True(t, ok)
	require.Equal(t, "total", n)
	_, ok = b.NativeName("rate")
	require.False(t, ok)
}

func TestNormalizeKeySetIsCanonical(t *testing.T) {
	e := orderEntity(t)
	b, err := NewBinding(e, "orders", map[string]string{"order_id": "id", "amount": "total"})
	require.NoError(t, err)

	log, logs := logger.NewObserverLogger("warn")
	rows := []map[string]any{
		{"order_id": int64(1), "amount": "150.5", "tax": 10, "status": "paid", "legacy_flag": true},
		{"order_id": int64(2)},
		{"amount": 12.0, "unrelated": "x"},
	}

	recs := b.Normalize(context.Background(), log, rows)
	require.Len(t, recs, 3)
	for _, r := range recs {
		require.Equal(t, e.FieldNames(), r.Keys())
	}

	total, _ := recs[0].Get("total")
	require.True(t, total.Equal(record.Float(150.5)))
	tax, _ := recs[0].Get("tax")
	require.True(t, tax.Equal(record.Float(10)))

	status, _ := recs[1].Get("status")
	require.True(t, status.IsNull())
	require.Zero(t, logs.Len())
}

func TestNormalizeIsIdempotent(t *testing.T) {
	b, err := NewBinding(orderEntity(t), "orders", nil)
	require.NoError(t, err)

	row := map[string]any{"id": "7", "total": 3, "tax": nil, "status": []byte("new")}
	first := b.Normalize(context.Background(), logger.NewNoopLogger(), []map[string]any{row})
	second := b.Normalize(context.Background(), logger.NewNoopLogger(), []map[string]any{row})

	require.True(t, first[0].Equal(second[0]))
}

func TestNormalizeUncoercibleValueBecomesNullWithWarning(t *testing.T) {
	b, err := NewBinding(orderEntity(t), "orders", nil)
	require.NoError(t, err)

	log, logs := logger.NewObserverLogger("warn")
	recs := b.Normalize(context.Background(), log, []map[string]any{{"id": 1, "total": "abc"}})

	total, ok := recs[0].Get("total")
	require.True(t, ok)
	require.True(t, total.IsNull())

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "total", entry.ContextMap()["field"])
	require.Equal(t, "orders", entry.ContextMap()["collection"])
}

func TestDenormalize(t *testing.T) {
	b, err := NewBinding(orderEntity(t), "orders", map[string]string{"order_id": "id"})
	require.NoError(t, err)

	rec := record.New()
	rec.Set("id", record.Int(3))
	rec.Set("total", record.Float(9.5))
	rec.Set("rate", record.Float(1.1))

	require.Equal(t, map[string]any{"order_id": int64(3), "total": 9.5}, b.Denormalize(rec))
}

func TestCoerce(t *testing.T) {
	for _, tc := range []struct {
		name     string
		raw      any
		typ      FieldType
		expected record.Value
		wantErr  bool
	}{
		{name: "int_from_integral_float", raw: 4.0, typ: TypeInteger, expected: record.Int(4)},
		{name: "int_from_fraction", raw: 4.5, typ: TypeInteger, wantErr: true},
		{name: "int_from_two_to_the_63", raw: float64(1 << 63), typ: TypeInteger, wantErr: true},
		{name: "int_from_huge_unsigned", raw: uint64(1 << 63), typ: TypeInteger, wantErr: true},
		{name: "int_from_min_int64_float", raw: float64(math.MinInt64), typ: TypeInteger, expected: record.Int(math.MinInt64)},
		{name: "int_from_string", raw: " 42 ", typ: TypeInteger, expected: record.Int(42)},
		{name: "int_from_bool", raw: true, typ: TypeInteger, wantErr: true},
		{name: "decimal_from_int", raw: int32(3), typ: TypeDecimal, expected: record.Float(3)},
		{name: "string_from_int", raw: int64(12), typ: TypeString, expected: record.String("12")},
		{name: "bool_from_string", raw: "true", typ: TypeBoolean, expected: record.Bool(true)},
		{name: "bool_from_int", raw: int64(0), typ: TypeBoolean, expected: record.Bool(false)},
		{name: "bool_from_two", raw: int64(2), typ: TypeBoolean, wantErr: true},
		{name: "object_from_map", raw: map[string]any{"a": 1}, typ: TypeObject},
		{name: "object_from_string", raw: "x", typ: TypeObject, wantErr: true},
		{name: "list_from_slice", raw: []any{1, 2}, typ: TypeList},
		{name: "nil_is_null", raw: nil, typ: TypeInteger, expected: record.Null},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Coerce(tc.raw, tc.typ)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.typ == TypeObject || tc.typ == TypeList {
				require.False(t, got.IsNull())
				return
			}
			require.True(t, tc.expected.Equal(got), "expected %s, got %s", tc.expected, got)
		})
	}
}
