package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// Coerce converts a decoded JSON value to the canonical Go value of t:
// string, int64, float64, bool, []string, []float64 or map[string]any.
// Numeric and boolean strings are accepted since MCP clients often quote
// scalars.
func Coerce(t FieldType, v any) (any, error) {
	switch t {
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			return s.String(), nil
		}
	case TypeID:
		if s, ok := v.(string); ok {
			if strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("id must not be empty")
			}
			return s, nil
		}
	case TypeInt:
		if n, ok := v.(int64); ok {
			return n, nil
		}
		f, ok := number(v)
		if !ok {
			break
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("expected an integer, got %v", v)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which is out of range.
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, fmt.Errorf("integer %v is out of range", v)
		}
		return int64(f), nil
	case TypeFloat:
		if f, ok := number(v); ok {
			return f, nil
		}
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, nil
			}
		}
	case TypeStrings:
		switch list := v.(type) {
		case []string:
			return append([]string{}, list...), nil
		case string:
			return []string{list}, nil
		case []any:
			out := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected a list of strings, got element %v", item)
				}
				out = append(out, s)
			}
			return out, nil
		}
	case TypeFloats:
		switch list := v.(type) {
		case []float64:
			return append([]float64{}, list...), nil
		case []float32:
			out := make([]float64, len(list))
			for i, f := range list {
				out[i] = float64(f)
			}
			return out, nil
		case []any:
			out := make([]float64, 0, len(list))
			for _, item := range list {
				f, ok := number(item)
				if !ok {
					return nil, fmt.Errorf("expected a list of numbers, got element %v", item)
				}
				out = append(out, f)
			}
			return out, nil
		}
	case TypeObject:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}

// number reads a finite number from v. NaN and infinities are rejected.
func number(v any) (float64, bool) {
	f, ok := anyNumber(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func anyNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Validate checks concrete params against a declared query and returns them
// coerced to their declared types. It is used for do_query, where the caller
// names the query directly.
func (c *Catalog) Validate(name string, params map[string]any) (map[string]any, error) {
	q, ok := c.queries[name]
	if !ok {
		return nil, apperrors.New(apperrors.CodeRouterFieldInvalid, "query is not declared",
			apperrors.FieldQuery(name))
	}

	out := make(map[string]any, len(params))
	for _, pname := range sortedKeys(q.Params) {
		p := q.Params[pname]
		v, present := params[pname]
		if !present || v == nil {
			if p.Optional {
				continue
			}
			return nil, apperrors.New(apperrors.CodeRouterFieldMissing, "missing required field",
				apperrors.FieldQuery(name), apperrors.Field("field", pname))
		}
		coerced, err := Coerce(p.Type, v)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeRouterFieldInvalid, "invalid field value",
				apperrors.FieldQuery(name), apperrors.Field("field", pname))
		}
		out[pname] = coerced
	}
	for _, pname := range sortedKeys(params) {
		if _, declared := q.Params[pname]; !declared {
			return nil, apperrors.New(apperrors.CodeRouterFieldUnknown, "unknown field",
				apperrors.FieldQuery(name), apperrors.Field("field", pname))
		}
	}
	return out, nil
}
