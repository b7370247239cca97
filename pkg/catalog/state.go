package catalog

import (
	"bytes"
	"encoding/json"
)

// IdentityField is the read-only state key holding the entity id. The
// runtime injects it after load and strips it before save; definitions
// may not declare a field with this name.
const IdentityField = "id"

// State is the state document of an entity instance. Values are the JSON
// document types: strings, bools, numbers, []any, and map[string]any.
// Numbers loaded from the store arrive as float64; the typed getters
// coerce, so handlers read fields the same way before and after a restart.
type State map[string]any

// ID returns the injected entity identity.
func (s State) ID() string {
	id, _ := s[IdentityField].(string)
	return id
}

// Has reports whether key is present.
func (s State) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Int returns the field as an int64, coercing from any numeric form.
func (s State) Int(key string) int64 {
	switch v := s[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// Float returns the field as a float64, coercing from any numeric form.
func (s State) Float(key string) float64 {
	switch v := s[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// String returns the field as a string, or "" when absent or non-string.
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Bool returns the field as a bool, or false when absent or non-bool.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Map returns the field as a nested document, or nil.
func (s State) Map(key string) map[string]any {
	v, _ := s[key].(map[string]any)
	return v
}

// Slice returns the field as a list, or nil.
func (s State) Slice(key string) []any {
	v, _ := s[key].([]any)
	return v
}

// Set assigns a field and returns the document for chaining.
func (s State) Set(key string, value any) State {
	s[key] = value
	return s
}

// Clone deep-copies a state document. Handlers always receive clones, so a
// handler can mutate freely and a failed persist rolls back by keeping the
// original.
func Clone(s State) State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = deepCopyValue(e)
		}
		return m
	case State:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = deepCopyValue(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = deepCopyValue(e)
		}
		return l
	default:
		return v
	}
}

// Equal compares two documents structurally through their canonical JSON
// form, so int(5) and float64(5) are the same value and map ordering never
// matters. Unmarshalable documents compare unequal.
func Equal(a, b State) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
