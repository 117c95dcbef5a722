// Package sanitize keeps non-finite floats out of persisted rows and JSON.
package sanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrNonFinite is returned when a NaN or infinity survives to serialization.
var ErrNonFinite = errors.New("non-finite number")

func bad(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// Value walks maps and slices and replaces every NaN and ±Inf with nil.
// Everything else is returned untouched. Containers are copied, never mutated.
func Value(v any) any {
	switch x := v.(type) {
	case float64:
		if bad(x) {
			return nil
		}
		return x
	case float32:
		if bad(float64(x)) {
			return nil
		}
		return x
	case *float64:
		return Float(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Value(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Value(e)
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Value(e)
		}
		return out
	}
	return v
}

// Map is Value for the flat flag maps used at the storage boundary.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return Value(m).(map[string]any)
}

// Float returns nil for a nil or non-finite pointer and a fresh copy otherwise.
func Float(f *float64) *float64 {
	if f == nil || bad(*f) {
		return nil
	}
	v := *f
	return &v
}

// MarshalFlags encodes a flag map as JSON. Unlike Value it never coerces:
// a NaN or infinity anywhere in m is an error.
func MarshalFlags(m map[string]any) ([]byte, error) {
	if err := check(m, "flags"); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding flags: %w", err)
	}
	return b, nil
}

func check(v any, path string) error {
	switch x := v.(type) {
	case float64:
		if bad(x) {
			return fmt.Errorf("%w at %s", ErrNonFinite, path)
		}
	case float32:
		if bad(float64(x)) {
			return fmt.Errorf("%w at %s", ErrNonFinite, path)
		}
	case *float64:
		if x != nil && bad(*x) {
			return fmt.Errorf("%w at %s", ErrNonFinite, path)
		}
	case map[string]any:
		for k, e := range x {
			if err := check(e, path+"."+k); err != nil {
				return err
			}
		}
	case []any:
		for i, e := range x {
			if err := check(e, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case []float64:
		for i, e := range x {
			if bad(e) {
				return fmt.Errorf("%w at %s[%d]", ErrNonFinite, path, i)
			}
		}
	}
	return nil
}
