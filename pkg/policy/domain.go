package policy

import (
	"time"

	"github.com/agentstation/utc"
)

// Compare orders two values within a shared comparable domain: numeric,
// date/time, or string. It reports false when the values do not share a
// domain, which callers treat as an unsupported-domain degradation.
func Compare(a, b any) (int, bool) {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		return compareFloats(af, bf), true
	}

	if at, ok := asTime(a); ok {
		bt, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}

	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return compareStrings(as, bs), true
	}

	return 0, false
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// asFloat widens any numeric value to float64 for comparison.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// asTime recognizes the time representations used across the system.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case utc.Time:
		return t.Time, true
	case *utc.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.Time, true
	}
	return time.Time{}, false
}
