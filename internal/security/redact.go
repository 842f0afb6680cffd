package security

import (
	"net/http"
	"strings"
)

// RedactedValue replaces sensitive values in log-safe copies.
const RedactedValue = "[REDACTED]"

var sensitiveKeyFragments = []string{
	"authorization",
	"api-key",
	"apikey",
	"api_key",
	"token",
	"password",
	"secret",
}

// SensitiveKey reports whether a header or field name looks like it carries
// a credential and must never reach a log line.
func SensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RedactHeaders returns a copy of headers with sensitive values replaced.
// The original headers are untouched.
func RedactHeaders(headers http.Header) http.Header {
	out := make(http.Header, len(headers))
	for name, values := range headers {
		if SensitiveKey(name) {
			out[name] = []string{RedactedValue}
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		out[name] = copied
	}
	return out
}

// RedactMap returns a copy of a config or field map with sensitive values
// replaced. Nested maps are redacted recursively.
func RedactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for name, value := range m {
		if SensitiveKey(name) {
			out[name] = RedactedValue
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[name] = RedactMap(nested)
			continue
		}
		out[name] = value
	}
	return out
}
