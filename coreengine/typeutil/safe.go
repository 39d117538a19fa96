// Package typeutil converts loosely typed settings values without panicking.
//
// Config maps arrive from JSON (every number is float64), YAML (int or
// float64) and environment overlays (everything is a string), so each
// helper accepts all three shapes and reports whether the conversion held.
package typeutil

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// =============================================================================
// STRINGS
// =============================================================================

// SafeString returns value as a string when it is one.
func SafeString(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

// SafeStringDefault returns value as a string, or defaultVal.
func SafeStringDefault(value any, defaultVal string) string {
	if s, ok := SafeString(value); ok {
		return s
	}
	return defaultVal
}

// SafeStringSlice accepts []string, []any of strings, or a comma separated
// string. Blank elements are dropped; an empty result is not ok.
func SafeStringSlice(value any) ([]string, bool) {
	var raw []string
	switch v := value.(type) {
	case []string:
		raw = v
	case []any:
		raw = make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			raw = append(raw, s)
		}
	case string:
		raw = strings.Split(v, ",")
	default:
		return nil, false
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, len(out) > 0
}

// SafeStringSliceDefault returns SafeStringSlice(value), or defaultVal.
func SafeStringSliceDefault(value any, defaultVal []string) []string {
	if s, ok := SafeStringSlice(value); ok {
		return s
	}
	return defaultVal
}

// =============================================================================
// NUMBERS
// =============================================================================

// SafeFloat64 converts numeric values and numeric strings to float64.
func SafeFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// SafeFloat64Default returns SafeFloat64(value), or defaultVal.
func SafeFloat64Default(value any, defaultVal float64) float64 {
	if f, ok := SafeFloat64(value); ok {
		return f
	}
	return defaultVal
}

// SafeInt converts value to int. Floats must be whole numbers.
func SafeInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	f, ok := SafeFloat64(value)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// SafeIntDefault returns SafeInt(value), or defaultVal.
func SafeIntDefault(value any, defaultVal int) int {
	if n, ok := SafeInt(value); ok {
		return n
	}
	return defaultVal
}
