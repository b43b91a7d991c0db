package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/helixmcp/internal/router"
)

func TestMatches(t *testing.T) {
	row := map[string]any{
		"price":      149.0,
		"brand":      "Baratza",
		"in_stock":   true,
		"tags":       []any{"coffee", "grinder"},
		"created_at": "2024-05-01T09:30:00Z",
	}

	tests := []struct {
		name   string
		filter router.ClientFilter
		want   bool
	}{
		{"string equality", router.ClientFilter{Field: "brand", Op: router.FilterEq, Value: "Baratza"}, true},
		{"string mismatch", router.ClientFilter{Field: "brand", Op: router.FilterEq, Value: "baratza"}, false},
		{"int against float", router.ClientFilter{Field: "price", Op: router.FilterEq, Value: int64(149)}, true},
		{"gte", router.ClientFilter{Field: "price", Op: router.FilterGTE, Value: 149.0}, true},
		{"lte below", router.ClientFilter{Field: "price", Op: router.FilterLTE, Value: 100.0}, false},
		{"bool", router.ClientFilter{Field: "in_stock", Op: router.FilterEq, Value: true}, true},
		{"list member", router.ClientFilter{Field: "tags", Op: router.FilterEq, Value: "grinder"}, true},
		{"list non-member", router.ClientFilter{Field: "tags", Op: router.FilterEq, Value: "tea"}, false},
		{"timestamp bound", router.ClientFilter{Field: "created_at", Op: router.FilterGTE, Value: "2024-01-01T00:00:00Z"}, true},
		{"mixed types never order", router.ClientFilter{Field: "brand", Op: router.FilterGTE, Value: 1.0}, false},
		{"missing field", router.ClientFilter{Field: "color", Op: router.FilterEq, Value: "red"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(row, tt.filter))
		})
	}
}

func TestApplyFiltersKeepsOrder(t *testing.T) {
	rows := []map[string]any{
		{"id": "a", "price": 10.0},
		{"id": "b", "price": 20.0},
		{"id": "c", "price": 30.0},
	}
	got := applyFilters(rows, []router.ClientFilter{{Field: "price", Op: router.FilterGTE, Value: 15.0}})
	assert.Equal(t, []map[string]any{{"id": "b", "price": 20.0}, {"id": "c", "price": 30.0}}, got)

	assert.Len(t, applyFilters(rows, nil), 3)
}
