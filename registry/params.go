package registry

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/petal-labs/petalstream/core"
)

// toFloat64 attempts to convert a value to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// IntParam reads an integer parameter, accepting any numeric value with no
// fractional part.
func IntParam(params map[string]any, name string, def int) (int, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat64(v)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %q must be an integer, got %v", ErrInvalidParam, name, v)
	}
	return int(f), nil
}

// FloatParam reads a numeric parameter.
func FloatParam(params map[string]any, name string, def float64) (float64, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat64(v)
	if !ok {
		return 0, fmt.Errorf("%w: %q must be a number, got %v", ErrInvalidParam, name, v)
	}
	return f, nil
}

// BoolParam reads a boolean parameter.
func BoolParam(params map[string]any, name string, def bool) (bool, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q must be a boolean, got %v", ErrInvalidParam, name, v)
	}
	return b, nil
}

// StringParam reads a string parameter.
func StringParam(params map[string]any, name, def string) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string, got %v", ErrInvalidParam, name, v)
	}
	return s, nil
}

// Float32sParam reads a list of numbers.
func Float32sParam(params map[string]any, name string) ([]float32, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	var items []any
	switch s := v.(type) {
	case []any:
		items = s
	case []float64:
		for _, f := range s {
			items = append(items, f)
		}
	case []float32:
		return append([]float32(nil), s...), nil
	case []int:
		for _, n := range s {
			items = append(items, n)
		}
	default:
		return nil, fmt.Errorf("%w: %q must be a list of numbers, got %T", ErrInvalidParam, name, v)
	}
	out := make([]float32, 0, len(items))
	for i, item := range items {
		f, ok := toFloat64(item)
		if !ok {
			return nil, fmt.Errorf("%w: %q[%d] must be a number, got %v", ErrInvalidParam, name, i, item)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

// TagsParam reads a list of {offset, key, value} maps.
func TagsParam(params map[string]any, name string) ([]core.Tag, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be a list of tags, got %T", ErrInvalidParam, name, v)
	}
	tags := make([]core.Tag, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q[%d] must be an object", ErrInvalidParam, name, i)
		}
		offset, err := IntParam(m, "offset", 0)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("%w: %q[%d].offset must be a non-negative integer", ErrInvalidParam, name, i)
		}
		key, err := StringParam(m, "key", "")
		if err != nil || key == "" {
			return nil, fmt.Errorf("%w: %q[%d].key must be a non-empty string", ErrInvalidParam, name, i)
		}
		tags = append(tags, core.Tag{Offset: uint64(offset), Key: key, Value: m["value"]})
	}
	return tags, nil
}
