// Package object provides typed access to untyped JSON documents.
//
// Session configurations, routing data and coordinator responses all travel
// as schemaless JSON. This package wraps the two access styles used across
// the agent: typed lookups with defaults on decoded map[string]any documents,
// and gjson path queries on raw bytes that have not been decoded yet.
package object

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Object is a decoded JSON document.
type Object = map[string]any

// Decode parses raw JSON bytes into an Object.
func Decode(raw []byte) (Object, error) {
	var o Object
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("failed to parse JSON object: %w", err)
	}
	return o, nil
}

// Encode serializes an Object back to JSON bytes.
func Encode(o Object) ([]byte, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize JSON object: %w", err)
	}
	return raw, nil
}

// Has reports whether key is present in the document.
func Has(o Object, key string) bool {
	_, ok := o[key]
	return ok
}

// String returns the string value at key, or def when the key is absent
// or holds a non-string value.
func String(o Object, key, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

// Int returns the integer value at key, or def when the key is absent or
// holds a non-numeric value. JSON numbers decode as float64, so all numeric
// representations are accepted and truncated.
func Int(o Object, key string, def int) int {
	switch v := o[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Int64 is Int for 64-bit values such as memory sizes.
func Int64(o Object, key string, def int64) int64 {
	switch v := o[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return def
}

// Float returns the float value at key, or def when the key is absent or
// holds a non-numeric value.
func Float(o Object, key string, def float64) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the boolean value at key, or def when the key is absent or
// holds a non-boolean value.
func Bool(o Object, key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

// Child returns the nested object at key. The second return value is false
// when the key is absent or holds a non-object value.
func Child(o Object, key string) (Object, bool) {
	v, ok := o[key].(map[string]any)
	return v, ok
}

// Strings returns the string array at key. Non-string elements are skipped.
// A missing or non-array value yields nil.
func Strings(o Object, key string) []string {
	arr, ok := o[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy of the document. Mutating the copy never
// affects the original.
func Clone(o Object) Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Clone(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// PathString returns the string at a gjson path in raw JSON bytes, or def
// when the path does not resolve to a string.
func PathString(raw []byte, path, def string) string {
	r := gjson.GetBytes(raw, path)
	if r.Type == gjson.String {
		return r.String()
	}
	return def
}

// PathInt returns the integer at a gjson path in raw JSON bytes, or def
// when the path does not resolve to a number.
func PathInt(raw []byte, path string, def int64) int64 {
	r := gjson.GetBytes(raw, path)
	if r.Type == gjson.Number {
		return r.Int()
	}
	return def
}

// PathExists reports whether a gjson path resolves in raw JSON bytes.
func PathExists(raw []byte, path string) bool {
	return gjson.GetBytes(raw, path).Exists()
}
