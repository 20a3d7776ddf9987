// Package record defines the canonical record shape every backend row is
// normalized into.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindRecord
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	case KindRecord:
		return "record"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is a typed scalar, nested record or list. The zero Value is null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
	rec  *Record
	list []Value
}

var Null = Value{}

func Int(i int64) Value      { return Value{kind: KindInt, i: i} }
func Float(f float64) Value  { return Value{kind: KindFloat, f: f} }
func String(s string) Value  { return Value{kind: KindString, s: s} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Nested(r *Record) Value { return Value{kind: KindRecord, rec: r} }
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// AsInt returns the integer payload. ok is false for other kinds.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the numeric payload as float64, promoting integers.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

func (v Value) AsString() (string, bool)  { return v.s, v.kind == KindString }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) AsRecord() (*Record, bool) { return v.rec, v.kind == KindRecord }
func (v Value) AsList() ([]Value, bool)   { return v.list, v.kind == KindList }

// Equal reports deep equality. Int and Float never compare equal to each
// other here; numeric comparison with promotion is the evaluator's concern.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindRecord:
		return v.rec.Equal(o.rec)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Native returns the plain Go representation of v: nil, int64, float64,
// string, bool, map[string]any or []any.
func (v Value) Native() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindRecord:
		return v.rec.Native()
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Native()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBool:
		return json.Marshal(v.b)
	case KindRecord:
		return v.rec.MarshalJSON()
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("record: cannot marshal value of kind %d", v.kind)
}

// FromNative converts a plain Go value (as produced by drivers and JSON
// decoders) into a Value. Unsupported types return an error.
func FromNative(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null, nil
	case Value:
		return t, nil
	case *Record:
		return Nested(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Float(float64(t)), nil
		}
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Null, err
		}
		return Float(f), nil
	case string:
		return String(t), nil
	case []byte:
		return String(string(t)), nil
	case map[string]any:
		r, err := FromMap(t)
		if err != nil {
			return Null, err
		}
		return Nested(r), nil
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			v, err := FromNative(e)
			if err != nil {
				return Null, err
			}
			out[i] = v
		}
		return List(out...), nil
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano)), nil
	case fmt.Stringer:
		return String(t.String()), nil
	default:
		return Null, fmt.Errorf("record: unsupported native type %T", x)
	}
}
