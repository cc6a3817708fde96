package doc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotObject = errors.New("doc: root value is not an object")

// FromAny converts a decoded JSON/CBOR tree into a Value. A nil leaf becomes
// a Tombstone when asPatch is set and Null otherwise.
func FromAny(v any, asPatch bool) (Value, error) {
	switch t := v.(type) {
	case nil:
		if asPatch {
			return Tombstone{}, nil
		}
		return Null{}, nil
	case map[string]any:
		m := make(Map, len(t))
		for k, child := range t {
			cv, err := FromAny(child, asPatch)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = cv
		}
		return m, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	case int:
		return Number(t), nil
	case int64:
		return Number(t), nil
	case uint64:
		return Number(t), nil
	case []any:
		// lists are not part of the model; keep them addressable by index
		m := make(Map, len(t))
		for i, child := range t {
			cv, err := FromAny(child, asPatch)
			if err != nil {
				return nil, err
			}
			m[fmt.Sprint(i)] = cv
		}
		return m, nil
	default:
		return nil, fmt.Errorf("doc: unsupported value of type %T", v)
	}
}

// ToAny converts a Value into plain Go values suitable for JSON or CBOR
// encoding. Tombstones encode as nil, which is how patches travel on the wire.
func ToAny(v Value) any {
	switch t := v.(type) {
	case Map:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = ToAny(child)
		}
		return out
	case String:
		return string(t)
	case Number:
		return float64(t)
	case Bool:
		return bool(t)
	default:
		return nil
	}
}

func (m Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(ToAny(m))
}

// DecodePatch parses a JSON patch. JSON null means delete.
func DecodePatch(data []byte) (Map, error) {
	return decodeRoot(data, true)
}

// DecodeDocument parses a JSON document snapshot. JSON null is a scalar.
func DecodeDocument(data []byte) (Map, error) {
	return decodeRoot(data, false)
}

func decodeRoot(data []byte, asPatch bool) (Map, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil && !asPatch {
		return Map{}, nil
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, ErrNotObject
	}
	v, err := FromAny(raw, asPatch)
	if err != nil {
		return nil, err
	}
	return v.(Map), nil
}
