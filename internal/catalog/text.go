package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// CompositeText renders the embedding input for a record: one "Label: value"
// segment per non-empty text field, in declaration order, joined by ". ".
// The output depends only on the record values, so identical records always
// embed identically.
func CompositeText(k Kind, record map[string]any) string {
	spec := k.Spec()
	parts := make([]string, 0, len(spec.TextFields))

	for _, name := range spec.TextFields {
		v, ok := record[name]
		if !ok || v == nil {
			continue
		}

		if name == spec.RangeField && spec.RangeField != "" {
			f, ok := toFloat(v)
			if !ok || f == 0 {
				continue
			}
			currency, _ := record["currency"].(string)
			if currency == "" {
				currency = "USD"
			}
			parts = append(parts, fmt.Sprintf("Price: %.2f %s", f, currency))
			continue
		}

		rendered := renderValue(v)
		if rendered == "" {
			continue
		}
		parts = append(parts, fieldLabel(name)+": "+rendered)
	}

	return strings.Join(parts, ". ")
}

func fieldLabel(name string) string {
	if name == "text_description" {
		return "Description"
	}
	words := strings.Split(name, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []string:
		return strings.Join(t, ", ")
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			if s := renderValue(item); s != "" {
				items = append(items, s)
			}
		}
		return strings.Join(items, ", ")
	case bool:
		return strconv.FormatBool(t)
	case int:
		if t == 0 {
			return ""
		}
		return strconv.Itoa(t)
	case int64:
		if t == 0 {
			return ""
		}
		return strconv.FormatInt(t, 10)
	case float64:
		if t == 0 {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
