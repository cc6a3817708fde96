package doc

import (
	"sort"
)

// Value is a node of a room document: a keyed collection (Map) or a scalar.
// Tombstone only has meaning inside a patch.
type Value interface {
	isValue()
}

type Map map[string]Value

type String string

type Number float64

type Bool bool

type Null struct{}

// Tombstone marks "delete this key" in a patch. It is never stored.
type Tombstone struct{}

func (Map) isValue()       {}
func (String) isValue()    {}
func (Number) isValue()    {}
func (Bool) isValue()      {}
func (Null) isValue()      {}
func (Tombstone) isValue() {}

func IsTombstone(v Value) bool {
	_, ok := v.(Tombstone)
	return ok
}

// Clone deep-copies v. Maps are copied recursively, scalars are values already.
func Clone(v Value) Value {
	m, ok := v.(Map)
	if !ok {
		return v
	}
	return m.Clone()
}

func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// Equal reports deep equality. A nil Map and an empty Map are equal.
func Equal(a, b Value) bool {
	am, aok := a.(Map)
	bm, bok := b.(Map)
	if aok || bok {
		if !aok || !bok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return a == b
}

// Get walks a path of keys and returns the value found there.
func (m Map) Get(path ...string) (Value, bool) {
	var cur Value = m
	for _, k := range path {
		cm, ok := cur.(Map)
		if !ok {
			return nil, false
		}
		cur, ok = cm[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Child returns the sub-map at key, or nil when absent or not a map.
func (m Map) Child(key string) Map {
	c, _ := m[key].(Map)
	return c
}

func (m Map) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Str returns the string at key, "" when absent or of another kind.
func (m Map) Str(key string) string {
	s, _ := m[key].(String)
	return string(s)
}

func (m Map) Num(key string) float64 {
	n, _ := m[key].(Number)
	return float64(n)
}

func (m Map) Flag(key string) bool {
	b, _ := m[key].(Bool)
	return bool(b)
}

// Keys returns the map's keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
