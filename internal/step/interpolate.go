package step

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches ${data.path} and ${metadata.path}
// references. Only these two roots are resolvable: interpolation is a
// lookup, never evaluation.
var placeholderPattern = regexp.MustCompile(`\$\{(data|metadata)((?:\.[A-Za-z0-9_-]+)+)\}`)

// Interpolate walks a config value and substitutes placeholder
// references from the run data and definition metadata. A string that
// is exactly one placeholder keeps the referenced value's type; mixed
// strings are rendered with fmt.Sprint. Unresolvable paths become the
// empty string.
func Interpolate(value any, data, metadata map[string]any) any {
	switch v := value.(type) {
	case string:
		return interpolateString(v, data, metadata)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = Interpolate(val, data, metadata)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Interpolate(val, data, metadata)
		}
		return out
	default:
		return value
	}
}

func interpolateString(s string, data, metadata map[string]any) any {
	// Whole-string reference: preserve the value's type.
	if match := placeholderPattern.FindStringSubmatch(s); match != nil && match[0] == s {
		resolved := lookupPath(match[1], match[2], data, metadata)
		if resolved == nil {
			return ""
		}
		return resolved
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(expr string) string {
		match := placeholderPattern.FindStringSubmatch(expr)
		resolved := lookupPath(match[1], match[2], data, metadata)
		if resolved == nil {
			return ""
		}
		return fmt.Sprint(resolved)
	})
}

// lookupPath resolves a dotted path against the chosen root. Missing
// segments and non-map intermediates yield nil.
func lookupPath(root, dotted string, data, metadata map[string]any) any {
	var current any
	switch root {
	case "data":
		current = data
	case "metadata":
		current = metadata
	default:
		return nil
	}

	for _, segment := range strings.Split(strings.TrimPrefix(dotted, "."), ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}
