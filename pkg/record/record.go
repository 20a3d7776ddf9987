package record

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Record is an ordered mapping from field name to Value. Field names are
// unique; setting an existing name replaces its value in place.
type Record struct {
	keys   []string
	values map[string]Value
}

func New() *Record {
	return &Record{values: map[string]Value{}}
}

// Set assigns v to name, appending name if it is not present yet.
func (r *Record) Set(name string, v Value) {
	if _, ok := r.values[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.values[name] = v
}

// Get returns the value for name. ok is false when the field is absent,
// which is distinct from a field present with a null value.
func (r *Record) Get(name string) (Value, bool) {
	v, ok := r.values[name]
	return v, ok
}

func (r *Record) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Keys returns the field names in insertion order.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Clone returns a shallow copy safe to mutate at the top level.
func (r *Record) Clone() *Record {
	c := &Record{
		keys:   make([]string, len(r.keys)),
		values: make(map[string]Value, len(r.values)),
	}
	copy(c.keys, r.keys)
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// Equal reports whether both records hold the same fields, in the same
// order, with equal values.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if len(r.keys) != len(o.keys) {
		return false
	}
	for i, k := range r.keys {
		if o.keys[i] != k {
			return false
		}
		if !r.values[k].Equal(o.values[k]) {
			return false
		}
	}
	return true
}

// Native returns the record as a plain map.
func (r *Record) Native() map[string]any {
	out := make(map[string]any, len(r.keys))
	for _, k := range r.keys {
		out[k] = r.values[k].Native()
	}
	return out
}

func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := r.values[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FromMap builds a record from a plain map. Go maps are unordered, so keys
// are inserted in sorted order to keep the result deterministic.
func FromMap(m map[string]any) (*Record, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := New()
	for _, k := range keys {
		v, err := FromNative(m[k])
		if err != nil {
			return nil, err
		}
		r.Set(k, v)
	}
	return r, nil
}
