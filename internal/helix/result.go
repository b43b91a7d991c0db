package helix

import (
	"bytes"
	"encoding/json"
)

// Result is a decoded backend response.
type Result struct {
	// Raw is the response body exactly as received.
	Raw json.RawMessage
	// Value is Raw decoded into generic JSON values.
	Value any
	// Rows is Value normalised to a list of objects.
	Rows []map[string]any
}

// First returns the first row, or nil.
func (r *Result) First() map[string]any {
	if r == nil || len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// Empty reports whether the backend returned nothing.
func (r *Result) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// DecodeResult parses a response body.
func DecodeResult(body []byte) (*Result, error) {
	res := &Result{Raw: json.RawMessage(body)}
	if len(bytes.TrimSpace(body)) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(body, &res.Value); err != nil {
		return nil, err
	}
	res.Rows = NormalizeRows(res.Value)
	return res, nil
}

// NormalizeRows flattens the shapes HelixDB returns into a row list:
//
//	[{...}, ...]         the objects themselves
//	{"products": [...]}  the single array field
//	{"product": {...}}   the single object field, as one row
//	{...}                one row
//	scalar               one row {"value": scalar}
//	null                 no rows
func NormalizeRows(v any) []map[string]any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return rowsFromArray(t)
	case map[string]any:
		if len(t) == 1 {
			for _, inner := range t {
				switch in := inner.(type) {
				case []any:
					return rowsFromArray(in)
				case map[string]any:
					return []map[string]any{in}
				case nil:
					return nil
				}
			}
		}
		return []map[string]any{t}
	}
	return []map[string]any{{"value": v}}
}

func rowsFromArray(arr []any) []map[string]any {
	rows := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		switch it := item.(type) {
		case map[string]any:
			rows = append(rows, it)
		case nil:
		default:
			rows = append(rows, map[string]any{"value": it})
		}
	}
	return rows
}
