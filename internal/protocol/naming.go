package protocol

import (
	"strings"
	"unicode"
)

// SnakeCase converts a camelCase or kebab-case key to flat snake_case.
// Acronym runs collapse into one word: "rawJSONValue" becomes
// "raw_json_value". Keys already in snake_case pass through unchanged.
func SnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	rs := []rune(s)
	for i, r := range rs {
		if r == '-' || r == ' ' {
			b.WriteRune('_')
			continue
		}
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := rs[i-1]
				nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
				boundary := prev != '_' && prev != '-' && prev != ' '
				if boundary && (!unicode.IsUpper(prev) || nextLower) {
					b.WriteRune('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeKeys returns a copy of v with every map key, at any depth,
// converted to snake_case. Non-container values are returned as-is. Wire
// payloads pass through this before they can reach a persisted document.
func NormalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[SnakeCase(k)] = NormalizeKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = NormalizeKeys(val)
		}
		return out
	default:
		return v
	}
}
