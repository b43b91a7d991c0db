package catalog_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		typ     catalog.FieldType
		in      any
		want    any
		wantErr bool
	}{
		{"string", catalog.TypeString, "latte", "latte", false},
		{"string from number", catalog.TypeString, 12.0, nil, true},
		{"id", catalog.TypeID, "BIZ_1", "BIZ_1", false},
		{"empty id", catalog.TypeID, "  ", nil, true},
		{"int from json number", catalog.TypeInt, 45.0, int64(45), false},
		{"int from string", catalog.TypeInt, "7", int64(7), false},
		{"fractional int", catalog.TypeInt, 4.5, nil, true},
		{"int above int64", catalog.TypeInt, 1e19, nil, true},
		{"int below int64", catalog.TypeInt, -1e19, nil, true},
		{"int at 2^63", catalog.TypeInt, 9223372036854775808.0, nil, true},
		{"int from int64", catalog.TypeInt, int64(math.MaxInt64), int64(math.MaxInt64), false},
		{"infinite int", catalog.TypeInt, "Inf", nil, true},
		{"float", catalog.TypeFloat, 249.99, 249.99, false},
		{"float from string", catalog.TypeFloat, "19.5", 19.5, false},
		{"non-numeric float", catalog.TypeFloat, "cheap", nil, true},
		{"NaN string", catalog.TypeFloat, "NaN", nil, true},
		{"infinite string", catalog.TypeFloat, "-Inf", nil, true},
		{"infinite float", catalog.TypeFloat, math.Inf(1), nil, true},
		{"non-finite vector element", catalog.TypeFloats, []any{0.1, "NaN"}, nil, true},
		{"bool", catalog.TypeBool, true, true, false},
		{"bool from string", catalog.TypeBool, "false", false, false},
		{"strings", catalog.TypeStrings, []any{"a", "b"}, []string{"a", "b"}, false},
		{"single string as list", catalog.TypeStrings, "a", []string{"a"}, false},
		{"mixed list", catalog.TypeStrings, []any{"a", 1.0}, nil, true},
		{"floats", catalog.TypeFloats, []any{0.1, 2.0}, []float64{0.1, 2}, false},
		{"float32 vector", catalog.TypeFloats, []float32{0.5}, []float64{0.5}, false},
		{"object", catalog.TypeObject, map[string]any{"k": "v"}, map[string]any{"k": "v"}, false},
		{"object from list", catalog.TypeObject, []any{}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := catalog.Coerce(tt.typ, tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	c := catalog.MustLoad()

	params, err := c.Validate("get_business_products_in_price_range", map[string]any{
		"business_id": "BIZ_1", "min_price": "10", "max_price": 50.0,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"business_id": "BIZ_1", "min_price": 10.0, "max_price": 50.0}, params)

	_, err = c.Validate("get_business_products_in_price_range", map[string]any{"business_id": "BIZ_1"})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeRouterFieldMissing))

	_, err = c.Validate("get_business_products_in_price_range", map[string]any{
		"business_id": "BIZ_1", "min_price": "NaN", "max_price": 50.0,
	})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeRouterFieldInvalid))

	_, err = c.Validate("get_business_products", map[string]any{"business_id": "BIZ_1", "limit": 3.0})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeRouterFieldUnknown))

	_, err = c.Validate("get_business_products", map[string]any{"business_id": 3.0})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeRouterFieldInvalid))

	_, err = c.Validate("get_widgets", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeRouterFieldInvalid))
}
