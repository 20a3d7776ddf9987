package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/polyquery/polyquery/pkg/logger"
	"github.com/polyquery/polyquery/pkg/record"
)

// Binding ties an entity to one native collection (table, class or
// collection) and maps native field names to canonical ones.
type Binding struct {
	Entity     *Entity
	Collection string

	toCanonical map[string]string
	toNative    map[string]string
}

// NewBinding validates fieldMap (native name -> canonical name). Stored
// canonical fields missing from the map are read from the native field of
// the same name.
func NewBinding(entity *Entity, collection string, fieldMap map[string]string) (*Binding, error) {
	if collection == "" {
		collection = entity.Name
	}
	if !ValidIdentifier(collection) {
		return nil, fmt.Errorf("entity %q: invalid collection name %q", entity.Name, collection)
	}

	b := &Binding{
		Entity:      entity,
		Collection:  collection,
		toCanonical: make(map[string]string, len(entity.Fields)),
		toNative:    make(map[string]string, len(entity.Fields)),
	}
	for native, canonical := range fieldMap {
		f, ok := entity.Field(canonical)
		if !ok {
			return nil, fmt.Errorf("entity %q: field map targets unknown field %q", entity.Name, canonical)
		}
		if f.Virtual {
			return nil, fmt.Errorf("entity %q: field map targets virtual field %q", entity.Name, canonical)
		}
		if !ValidIdentifier(native) && !strings.HasPrefix(native, "@") && native != "_id" {
			return nil, fmt.Errorf("entity %q: invalid native field name %q", entity.Name, native)
		}
		if prev, dup := b.toNative[canonical]; dup {
			return nil, fmt.Errorf("entity %q: field %q mapped from both %q and %q", entity.Name, canonical, prev, native)
		}
		b.toNative[canonical] = native
		b.toCanonical[native] = canonical
	}
	for _, f := range entity.Fields {
		if f.Virtual {
			continue
		}
		if _, ok := b.toNative[f.Name]; ok {
			continue
		}
		if _, taken := b.toCanonical[f.Name]; taken {
			return nil, fmt.Errorf("entity %q: native field %q is already mapped, field %q needs an explicit mapping", entity.Name, f.Name, f.Name)
		}
		b.toNative[f.Name] = f.Name
		b.toCanonical[f.Name] = f.Name
	}
	return b, nil
}

// NativeName returns the native field backing a stored canonical field.
func (b *Binding) NativeName(canonical string) (string, bool) {
	n, ok := b.toNative[canonical]
	return n, ok
}

// NativeKey is the native name of the entity's natural key.
func (b *Binding) NativeKey() string {
	return b.toNative[b.Entity.NaturalKey]
}

// Normalize converts native rows into canonical records. Every record has
// exactly the entity's field set in declaration order: unmapped native
// fields are dropped, and missing or uncoercible values become null. A
// coercion failure is logged as a warning, never returned.
func (b *Binding) Normalize(ctx context.Context, log logger.Logger, rows []map[string]any) []*record.Record {
	out := make([]*record.Record, 0, len(rows))
	for _, row := range rows {
		rec := record.New()
		for _, f := range b.Entity.Fields {
			if f.Virtual {
				rec.Set(f.Name, record.Null)
				continue
			}
			raw, ok := row[b.toNative[f.Name]]
			if !ok {
				rec.Set(f.Name, record.Null)
				continue
			}
			v, err := Coerce(raw, f.Type)
			if err != nil {
				log.WarnWithContext(ctx, "value does not match declared field type, using null",
					zap.String("entity", b.Entity.Name),
					zap.String("collection", b.Collection),
					zap.String("field", f.Name),
					zap.Error(err),
				)
				v = record.Null
			}
			rec.Set(f.Name, v)
		}
		out = append(out, rec)
	}
	return out
}

// Denormalize maps a canonical record back to native field names for
// writes. Virtual fields and fields absent from the record are skipped.
func (b *Binding) Denormalize(rec *record.Record) map[string]any {
	out := make(map[string]any, rec.Len())
	for _, f := range b.Entity.Fields {
		if f.Virtual {
			continue
		}
		v, ok := rec.Get(f.Name)
		if !ok {
			continue
		}
		out[b.toNative[f.Name]] = v.Native()
	}
	return out
}

// Coerce converts a native value to the declared field type.
func Coerce(raw any, t FieldType) (record.Value, error) {
	if raw == nil {
		return record.Null, nil
	}
	if v, ok := raw.(record.Value); ok {
		if v.IsNull() {
			return v, nil
		}
		raw = v.Native()
	}

	switch t {
	case TypeInteger:
		return coerceInt(raw)
	case TypeDecimal:
		return coerceFloat(raw)
	case TypeString:
		return coerceString(raw)
	case TypeBoolean:
		return coerceBool(raw)
	case TypeObject:
		v, err := record.FromNative(raw)
		if err != nil {
			return record.Null, err
		}
		if v.Kind() != record.KindRecord {
			return record.Null, fmt.Errorf("expected object, got %T", raw)
		}
		return v, nil
	case TypeList:
		v, err := record.FromNative(raw)
		if err != nil {
			return record.Null, err
		}
		if v.Kind() != record.KindList {
			return record.Null, fmt.Errorf("expected list, got %T", raw)
		}
		return v, nil
	default:
		return record.FromNative(raw)
	}
}

func coerceInt(raw any) (record.Value, error) {
	switch x := raw.(type) {
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return record.Null, fmt.Errorf("cannot parse %q as integer", x)
		}
		return record.Int(i), nil
	case []byte:
		return coerceInt(string(x))
	case bool:
		return record.Null, fmt.Errorf("cannot use boolean as integer")
	}

	v, err := record.FromNative(raw)
	if err != nil {
		return record.Null, err
	}
	switch v.Kind() {
	case record.KindInt:
		return v, nil
	case record.KindFloat:
		f, _ := v.AsFloat()
		if f != math.Trunc(f) || f >= 1<<63 || f < math.MinInt64 {
			return record.Null, fmt.Errorf("%v is not an integer", f)
		}
		return record.Int(int64(f)), nil
	}
	return record.Null, fmt.Errorf("cannot use %T as integer", raw)
}

func coerceFloat(raw any) (record.Value, error) {
	switch x := raw.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return record.Null, fmt.Errorf("cannot parse %q as decimal", x)
		}
		return record.Float(f), nil
	case []byte:
		return coerceFloat(string(x))
	case bool:
		return record.Null, fmt.Errorf("cannot use boolean as decimal")
	}

	v, err := record.FromNative(raw)
	if err != nil {
		return record.Null, err
	}
	if f, ok := v.AsFloat(); ok {
		return record.Float(f), nil
	}
	return record.Null, fmt.Errorf("cannot use %T as decimal", raw)
}

func coerceString(raw any) (record.Value, error) {
	switch x := raw.(type) {
	case string:
		return record.String(x), nil
	case []byte:
		return record.String(string(x)), nil
	case json.Number:
		return record.String(x.String()), nil
	case time.Time:
		return record.String(x.UTC().Format(time.RFC3339Nano)), nil
	case fmt.Stringer:
		return record.String(x.String()), nil
	}

	v, err := record.FromNative(raw)
	if err != nil {
		return record.Null, err
	}
	switch v.Kind() {
	case record.KindInt, record.KindFloat, record.KindBool:
		return record.String(fmt.Sprint(v.Native())), nil
	}
	return record.Null, fmt.Errorf("cannot use %T as string", raw)
}

func coerceBool(raw any) (record.Value, error) {
	switch x := raw.(type) {
	case bool:
		return record.Bool(x), nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return record.Null, fmt.Errorf("cannot parse %q as boolean", x)
		}
		return record.Bool(b), nil
	case []byte:
		return coerceBool(string(x))
	}

	v, err := record.FromNative(raw)
	if err != nil {
		return record.Null, err
	}
	if i, ok := v.AsInt(); ok && (i == 0 || i == 1) {
		return record.Bool(i == 1), nil
	}
	return record.Null, fmt.Errorf("cannot use %v as boolean", raw)
}
