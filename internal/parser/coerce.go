package parser

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"autobot-telemetry/internal/models"
)

// coercer applies the best-effort numeric conversions. Every failure is
// reported to onError (when set) and replaced by the zero default.
type coercer struct {
	onError func(*FieldCoercionError)
}

func (c coercer) fail(field string, v any) {
	if c.onError != nil {
		c.onError(&FieldCoercionError{Field: field, Value: v})
	}
}

// section returns the named nested object, or nil when it is absent or not
// an object. A nil map reads as all defaults.
func section(obj map[string]any, key string) map[string]any {
	m, _ := obj[key].(map[string]any)
	return m
}

func (c coercer) float(obj map[string]any, field, key string) float64 {
	v, ok := obj[key]
	if !ok || v == nil {
		return 0
	}
	f, ok := ToFloat(v)
	if !ok {
		c.fail(field, v)
		return 0
	}
	return f
}

func (c coercer) int(obj map[string]any, field, key string) int64 {
	v, ok := obj[key]
	if !ok || v == nil {
		return 0
	}
	n, ok := ToInt(v)
	if !ok {
		c.fail(field, v)
		return 0
	}
	return n
}

func (c coercer) vec3(obj map[string]any, field, key string) models.Vec3 {
	var out models.Vec3
	v, ok := obj[key]
	if !ok || v == nil {
		return out
	}
	list, ok := v.([]any)
	if !ok {
		c.fail(field, v)
		return out
	}
	for i := 0; i < len(out) && i < len(list); i++ {
		f, ok := ToFloat(list[i])
		if !ok {
			c.fail(field+"["+strconv.Itoa(i)+"]", list[i])
			continue
		}
		out[i] = f
	}
	return out
}

// ToFloat converts a decoded JSON value to float64. Numbers, numeric
// strings and booleans convert; NaN and infinities do not.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return 0, false
		}
	case float64:
		f = x
	case int64:
		f = float64(x)
	case int:
		f = float64(x)
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(x), 64); err != nil {
			return 0, false
		}
	case bool:
		if x {
			f = 1
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ToInt converts a decoded JSON value to int64. Integer text parses
// directly; fractional values truncate toward zero.
func ToInt(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		return truncFloat(x)
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		return truncFloat(s)
	case int64:
		return x, true
	case int:
		return int64(x), true
	default:
		return truncFloat(v)
	}
}

func truncFloat(v any) (int64, bool) {
	f, ok := ToFloat(v)
	if !ok {
		return 0, false
	}
	t := math.Trunc(f)
	if t >= math.MaxInt64 || t < math.MinInt64 {
		return 0, false
	}
	return int64(t), true
}

// scalarText renders an opaque scalar (pickup/drop) as display text
func scalarText(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
