package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Mode      string `validate:"required,gateway_mode"`
	Max       int    `validate:"max_installments"`
	Reference string `validate:"required,reference"`
	BIN       string `validate:"omitempty,bin"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		input   sample
		wantErr string
	}{
		{"valid", sample{Mode: "sandbox", Max: 12, Reference: "order-1", BIN: "552879"}, ""},
		{"bad mode", sample{Mode: "prod", Max: 1, Reference: "order-1"}, "sandbox or live"},
		{"bad max", sample{Mode: "live", Max: 4, Reference: "order-1"}, "must be one of [1 3 6 9 12]"},
		{"bad reference", sample{Mode: "live", Max: 3, Reference: "order 1"}, "1-64 characters"},
		{"bad bin", sample{Mode: "live", Max: 3, Reference: "o", BIN: "55287"}, "exactly 6 digits"},
		{"missing reference", sample{Mode: "live", Max: 3}, "is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.input)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var verr *Error
			require.True(t, errors.As(err, &verr))
			assert.NotEmpty(t, verr.Fields)
		})
	}
}

func TestIsAllowedMaxInstallments(t *testing.T) {
	for _, n := range []int{1, 3, 6, 9, 12} {
		assert.True(t, IsAllowedMaxInstallments(n), n)
	}
	for _, n := range []int{0, 2, 5, 10, 13} {
		assert.False(t, IsAllowedMaxInstallments(n), n)
	}
}

func TestIsReference(t *testing.T) {
	assert.True(t, IsReference("ORD-2024/01:abc_1.2"))
	assert.False(t, IsReference(""))
	assert.False(t, IsReference("has space"))
	assert.False(t, IsReference(string(make([]byte, 65))))
}

func TestValidatorSingleton(t *testing.T) {
	assert.Same(t, Validator(), Validator())
}
