package models

import (
	"regexp"
	"strconv"
)

// State is the per-channel state of one object. Values are float64 or string.
type State map[string]any

var numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// ParseValue turns a raw payload into a number when it looks like one
func ParseValue(raw string) any {
	if numericPattern.MatchString(raw) {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return raw
}

// FormatValue renders a state value the way it would arrive on the wire
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

// Float returns the numeric value of v, parsing strings when needed
func Float(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		if f, ok := ParseValue(x).(float64); ok {
			return f, true
		}
	}
	return 0, false
}
