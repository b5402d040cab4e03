package tracklab

import (
	"encoding/json"
	"fmt"
	"sort"
)

// sortedKeys gives map-based bulk updates a deterministic insertion order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toSerializable is the single funnel every Config/Summary write passes
// through. It guarantees that anything stored round-trips through JSON:
// primitives pass through, maps and slices recurse, and anything else is
// tried against json.Marshal and stringified on failure. It never returns
// an error; an exotic value must not crash a training loop.
func toSerializable(v any) any {
	switch x := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	case json.Number:
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = toSerializable(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = toSerializable(e)
		}
		return out
	case []string:
		return x
	case []int:
		return x
	case []float64:
		return x
	}
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	// Lossy but deliberate: stringify rather than drop or raise.
	return fmt.Sprint(v)
}
