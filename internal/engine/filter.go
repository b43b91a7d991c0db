package engine

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scrypster/helixmcp/internal/router"
)

// applyFilters keeps the rows matching every filter. A row missing the
// filtered field never matches.
func applyFilters(rows []map[string]any, filters []router.ClientFilter) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		keep := true
		for _, f := range filters {
			if !matches(row, f) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}

func matches(row map[string]any, f router.ClientFilter) bool {
	v, ok := row[f.Field]
	if !ok || v == nil {
		return false
	}

	// An equality filter on a list field matches any element.
	if list, ok := v.([]any); ok && f.Op == router.FilterEq {
		for _, item := range list {
			if equal(item, f.Value) {
				return true
			}
		}
		return false
	}

	switch f.Op {
	case router.FilterGTE:
		c, ok := compare(v, f.Value)
		return ok && c >= 0
	case router.FilterLTE:
		c, ok := compare(v, f.Value)
		return ok && c <= 0
	default:
		return equal(v, f.Value)
	}
}

func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compare orders two numbers or two strings.
func compare(a, b any) (int, bool) {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return cmp.Compare(x, y), true
		}
		return 0, false
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func number(v any) (float64, bool) {
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
	}
	return 0, false
}
