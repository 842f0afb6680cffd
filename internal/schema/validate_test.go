package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func httpConfigSchema() JSONSchema {
	return Object(map[string]Field{
		"url":     String("target URL"),
		"method":  StringEnum("HTTP method", "GET", "POST", "PUT", "DELETE").WithDefault("GET"),
		"timeout": Integer("timeout in seconds"),
		"headers": Map("request headers"),
	}, "url")
}

func TestValidate_RequiredAndTypes(t *testing.T) {
	tests := []struct {
		name      string
		data      map[string]any
		wantErrs  int
		wantField string
	}{
		{
			name:     "valid config",
			data:     map[string]any{"url": "https://example.com", "method": "POST"},
			wantErrs: 0,
		},
		{
			name:      "missing required field",
			data:      map[string]any{"method": "GET"},
			wantErrs:  1,
			wantField: "url",
		},
		{
			name:      "wrong type",
			data:      map[string]any{"url": 42},
			wantErrs:  1,
			wantField: "url",
		},
		{
			name:      "enum violation",
			data:      map[string]any{"url": "https://example.com", "method": "TRACE"},
			wantErrs:  1,
			wantField: "method",
		},
		{
			name:     "unknown fields tolerated",
			data:     map[string]any{"url": "https://example.com", "futureOption": true},
			wantErrs: 0,
		},
		{
			name:      "integer rejects decimal",
			data:      map[string]any{"url": "https://example.com", "timeout": 1.5},
			wantErrs:  1,
			wantField: "timeout",
		},
	}

	s := httpConfigSchema()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(s, tt.data)
			require.Len(t, errs, tt.wantErrs)
			if tt.wantErrs > 0 {
				assert.Equal(t, tt.wantField, errs[0].Field)
			}
		})
	}
}

func TestValidate_AdditionalPropertiesOptOut(t *testing.T) {
	strict := false
	s := Object(map[string]Field{"name": String("")})
	s.AdditionalProperties = &strict

	errs := Validate(s, map[string]any{"name": "x", "extra": 1})
	require.Len(t, errs, 1)
	assert.Equal(t, "extra", errs[0].Field)
}

func TestValidate_NestedObjectAndArray(t *testing.T) {
	s := Object(map[string]Field{
		"mapping": {
			Type:       "object",
			Required:   []string{"target"},
			Properties: map[string]Field{"target": String("")},
		},
		"tags": Array("", String("")),
	})

	errs := Validate(s, map[string]any{
		"mapping": map[string]any{"other": 1},
		"tags":    []any{"a", 2},
	})
	require.Len(t, errs, 2)
	assert.Equal(t, "mapping.target", errs[0].Field)
	assert.Equal(t, "tags[1]", errs[1].Field)
}

func TestValidate_NumericBounds(t *testing.T) {
	minVal, maxVal := 1.0, 10.0
	s := Object(map[string]Field{
		"retries": {Type: "integer", Minimum: &minVal, Maximum: &maxVal},
	})

	assert.Empty(t, Validate(s, map[string]any{"retries": 3}))
	assert.Len(t, Validate(s, map[string]any{"retries": 0}), 1)
	assert.Len(t, Validate(s, map[string]any{"retries": 11}), 1)
}

func TestCheck(t *testing.T) {
	s := httpConfigSchema()

	require.NoError(t, Check(s, map[string]any{"url": "https://example.com"}))

	err := Check(s, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestApplyDefaults(t *testing.T) {
	s := httpConfigSchema()

	out := ApplyDefaults(s, map[string]any{"url": "https://example.com"})
	assert.Equal(t, "GET", out["method"])

	out = ApplyDefaults(s, map[string]any{"url": "https://example.com", "method": "POST"})
	assert.Equal(t, "POST", out["method"])
}
