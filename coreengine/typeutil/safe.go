// Package typeutil provides comma-ok helpers for values decoded from
// loosely typed payloads (google.protobuf.Struct, JSON maps).
package typeutil

import (
	"math"
)

// SafeString asserts value to string.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeInt asserts value to int. Floats are accepted only when integral,
// since Struct and JSON carry every number as float64.
func SafeInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || v > math.MaxInt32 || v < math.MinInt32 {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
