package stepflow

import (
	"encoding/json"
	"fmt"
)

// decodeValue coerces a cached step value back to its concrete type. A
// value replayed within the same process asserts directly; a value that
// went through a persistence round trip arrives as generic JSON types
// (map[string]any, float64) and is re-marshaled into T.
func decodeValue[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("cached value of type %T is not serializable: %w", v, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("cached value of type %T does not decode into %T: %w", v, out, err)
	}
	return out, nil
}
