// Package schema provides lightweight JSON-Schema-style validation for step
// and tool configurations. Every registered step/tool type declares a
// ConfigSchema; the registries validate raw config against it on every
// invocation. Unknown fields are tolerated unless a schema opts out via
// AdditionalProperties, so definitions can carry forward-compatible extras.
package schema

// JSONSchema describes the expected shape of a config object.
type JSONSchema struct {
	Type                 string           `json:"type"`
	Description          string           `json:"description,omitempty"`
	Properties           map[string]Field `json:"properties,omitempty"`
	Required             []string         `json:"required,omitempty"`
	AdditionalProperties *bool            `json:"additionalProperties,omitempty"`
}

// Field describes a single property within a schema.
type Field struct {
	Type        string           `json:"type"`
	Description string           `json:"description,omitempty"`
	Enum        []string         `json:"enum,omitempty"`
	Default     any              `json:"default,omitempty"`
	Minimum     *float64         `json:"minimum,omitempty"`
	Maximum     *float64         `json:"maximum,omitempty"`
	MinLength   *int             `json:"minLength,omitempty"`
	MaxLength   *int             `json:"maxLength,omitempty"`
	Pattern     string           `json:"pattern,omitempty"`
	Format      string           `json:"format,omitempty"`
	Items       *Field           `json:"items,omitempty"`
	Properties  map[string]Field `json:"properties,omitempty"`
	Required    []string         `json:"required,omitempty"`
}

// Object creates an object schema with the given properties and required fields.
func Object(properties map[string]Field, required ...string) JSONSchema {
	return JSONSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// String creates a string field with the given description.
func String(description string) Field {
	return Field{Type: "string", Description: description}
}

// StringEnum creates a string field restricted to the given values.
func StringEnum(description string, values ...string) Field {
	return Field{Type: "string", Description: description, Enum: values}
}

// Number creates a number field with the given description.
func Number(description string) Field {
	return Field{Type: "number", Description: description}
}

// Integer creates an integer field with the given description.
func Integer(description string) Field {
	return Field{Type: "integer", Description: description}
}

// Boolean creates a boolean field with the given description.
func Boolean(description string) Field {
	return Field{Type: "boolean", Description: description}
}

// Map creates an untyped object field, used for free-form config maps
// such as HTTP headers or interpolation overrides.
func Map(description string) Field {
	return Field{Type: "object", Description: description}
}

// Array creates an array field whose items match the given field schema.
func Array(description string, items Field) Field {
	return Field{Type: "array", Description: description, Items: &items}
}

// WithDefault returns a copy of the field with a default value that
// ApplyDefaults fills in when the property is absent.
func (f Field) WithDefault(v any) Field {
	f.Default = v
	return f
}
