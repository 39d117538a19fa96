package typeutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeString(t *testing.T) {
	s, ok := SafeString("debug")
	assert.True(t, ok)
	assert.Equal(t, "debug", s)

	_, ok = SafeString(3)
	assert.False(t, ok)

	assert.Equal(t, "info", SafeStringDefault(nil, "info"))
	assert.Equal(t, "json", SafeStringDefault("json", "console"))
}

func TestSafeStringSlice(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  []string
		ok    bool
	}{
		{"string slice", []string{"Lunes 10:00", "Martes 16:00"}, []string{"Lunes 10:00", "Martes 16:00"}, true},
		{"any slice", []any{"Lunes 10:00"}, []string{"Lunes 10:00"}, true},
		{"comma separated", "Lunes 10:00, Martes 16:00,", []string{"Lunes 10:00", "Martes 16:00"}, true},
		{"mixed any slice", []any{"Lunes", 3}, nil, false},
		{"blank only", " , ", []string{}, false},
		{"nil", nil, nil, false},
		{"number", 5, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeStringSlice(tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}

	assert.Equal(t, []string{"A"}, SafeStringSliceDefault(nil, []string{"A"}))
}

func TestSafeFloat64(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  float64
		ok    bool
	}{
		{"float64", 2.5, 2.5, true},
		{"float32", float32(0.5), 0.5, true},
		{"int", 300, 300, true},
		{"int64", int64(7), 7, true},
		{"json number", json.Number("15"), 15, true},
		{"numeric string", " 2.5 ", 2.5, true},
		{"word", "soon", 0, false},
		{"bool", true, 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeFloat64(tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, 300.0, SafeFloat64Default("n/a", 300))
}

func TestSafeInt(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int
		ok    bool
	}{
		{"int", 3, 3, true},
		{"int32", int32(4), 4, true},
		{"whole float", float64(10), 10, true},
		{"fractional float", 2.5, 0, false},
		{"json number", json.Number("8"), 8, true},
		{"numeric string", "15", 15, true},
		{"word", "many", 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeInt(tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, 3, SafeIntDefault("many", 3))
	assert.Equal(t, 5, SafeIntDefault(float64(5), 3))
}
