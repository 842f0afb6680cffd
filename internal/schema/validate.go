package schema

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// FieldError represents a single schema validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Error implements the error interface.
func (e FieldError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %s (value: %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks data against the schema and returns all violations.
// A nil/empty return means the data conforms.
func Validate(s JSONSchema, data map[string]any) []FieldError {
	var errs []FieldError

	if s.Type != "" && s.Type != "object" {
		return []FieldError{{Message: fmt.Sprintf("root type must be object, got %s", s.Type)}}
	}

	for _, field := range s.Required {
		if _, exists := data[field]; !exists {
			errs = append(errs, FieldError{Field: field, Message: "required field is missing"})
		}
	}

	for name, value := range data {
		fieldSchema, known := s.Properties[name]
		if !known {
			// Unknown fields are tolerated by default.
			if s.AdditionalProperties != nil && !*s.AdditionalProperties {
				errs = append(errs, FieldError{Field: name, Message: "additional property not allowed", Value: value})
			}
			continue
		}
		errs = append(errs, validateField(name, fieldSchema, value)...)
	}

	return errs
}

// Check validates data against the schema and collapses violations into a
// single error, or nil if the data conforms.
func Check(s JSONSchema, data map[string]any) error {
	errs := Validate(s, data)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
}

// ApplyDefaults returns a copy of data with schema defaults filled in for
// absent properties. The input map is not mutated.
func ApplyDefaults(s JSONSchema, data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for name, field := range s.Properties {
		if field.Default == nil {
			continue
		}
		if _, exists := out[name]; !exists {
			out[name] = field.Default
		}
	}
	return out
}

func validateField(path string, f Field, value any) []FieldError {
	var errs []FieldError

	if value == nil {
		return errs
	}

	actual := jsonType(value)
	if !typeCompatible(f.Type, actual, value) {
		return []FieldError{{
			Field:   path,
			Message: fmt.Sprintf("expected type %s, got %s", f.Type, actual),
			Value:   value,
		}}
	}

	switch f.Type {
	case "string":
		errs = append(errs, validateString(path, f, value)...)
	case "number", "integer":
		errs = append(errs, validateNumber(path, f, value)...)
	case "array":
		errs = append(errs, validateArray(path, f, value)...)
	case "object":
		errs = append(errs, validateObject(path, f, value)...)
	}

	if len(f.Enum) > 0 {
		errs = append(errs, validateEnum(path, f, value)...)
	}

	return errs
}

func validateString(path string, f Field, value any) []FieldError {
	var errs []FieldError
	str, ok := value.(string)
	if !ok {
		return errs
	}

	if f.MinLength != nil && len(str) < *f.MinLength {
		errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("string length must be at least %d", *f.MinLength), Value: value})
	}
	if f.MaxLength != nil && len(str) > *f.MaxLength {
		errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("string length must be at most %d", *f.MaxLength), Value: value})
	}
	if f.Pattern != "" {
		matched, err := regexp.MatchString(f.Pattern, str)
		if err != nil {
			errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("invalid pattern: %v", err)})
		} else if !matched {
			errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("string does not match pattern %s", f.Pattern), Value: value})
		}
	}
	if f.Format == "uri" || f.Format == "url" {
		if _, err := url.ParseRequestURI(str); err != nil {
			errs = append(errs, FieldError{Field: path, Message: "invalid URI format", Value: value})
		}
	}

	return errs
}

func validateNumber(path string, f Field, value any) []FieldError {
	var errs []FieldError
	num, ok := asFloat(value)
	if !ok {
		return errs
	}

	if f.Type == "integer" && num != float64(int64(num)) {
		errs = append(errs, FieldError{Field: path, Message: "expected integer, got decimal number", Value: value})
	}
	if f.Minimum != nil && num < *f.Minimum {
		errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("value must be at least %v", *f.Minimum), Value: value})
	}
	if f.Maximum != nil && num > *f.Maximum {
		errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("value must be at most %v", *f.Maximum), Value: value})
	}

	return errs
}

func validateArray(path string, f Field, value any) []FieldError {
	var errs []FieldError
	arr, ok := value.([]any)
	if !ok || f.Items == nil {
		return errs
	}

	for i, item := range arr {
		errs = append(errs, validateField(fmt.Sprintf("%s[%d]", path, i), *f.Items, item)...)
	}
	return errs
}

func validateObject(path string, f Field, value any) []FieldError {
	var errs []FieldError
	obj, ok := value.(map[string]any)
	if !ok {
		return errs
	}

	for _, required := range f.Required {
		if _, exists := obj[required]; !exists {
			errs = append(errs, FieldError{Field: path + "." + required, Message: "required field is missing"})
		}
	}
	for name, propValue := range obj {
		propSchema, known := f.Properties[name]
		if !known {
			continue
		}
		errs = append(errs, validateField(path+"."+name, propSchema, propValue)...)
	}
	return errs
}

func validateEnum(path string, f Field, value any) []FieldError {
	strValue := fmt.Sprintf("%v", value)
	for _, enumValue := range f.Enum {
		if strValue == enumValue {
			return nil
		}
	}
	return []FieldError{{
		Field:   path,
		Message: fmt.Sprintf("value must be one of: %s", strings.Join(f.Enum, ", ")),
		Value:   value,
	}}
}

// jsonType returns the JSON type name for a Go value.
func jsonType(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int64, int32:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func typeCompatible(expected, actual string, value any) bool {
	if expected == "" {
		return true
	}
	if expected == actual {
		return true
	}
	// Integers arrive as JSON numbers; whole-ness is checked separately.
	if expected == "integer" && actual == "number" {
		return true
	}
	return false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}
