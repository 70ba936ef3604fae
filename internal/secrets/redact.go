// Package secrets is the single redaction path for every output surface:
// events, metrics, run records, resolved-connection displays, and AIOP
// exports. All of them call Redact with a key set built by KeySet.
package secrets

import (
	"strings"
)

// Mask replaces secret values in any display or persisted output.
const Mask = "***MASKED***"

// conventionalNames are masked even when a component spec declares nothing.
// Matching is case-insensitive on the full key.
var conventionalNames = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"key",
	"access_key",
	"secret_key",
	"service_role_key",
	"private_key",
	"credentials",
	"auth",
	"authorization",
	"dsn",
}

// KeySet builds the set of field names to mask. Precedence is additive:
// spec-declared secret pointers, then forbidden-override fields, then the
// conventional name list.
func KeySet(specPointers []string, forbiddenFields []string) map[string]struct{} {
	keys := map[string]struct{}{}
	for _, p := range specPointers {
		if name := PointerField(p); name != "" {
			keys[strings.ToLower(name)] = struct{}{}
		}
	}
	for _, f := range forbiddenFields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			keys[f] = struct{}{}
		}
	}
	for _, n := range conventionalNames {
		keys[n] = struct{}{}
	}
	return keys
}

// PointerField extracts the field name from a JSON pointer such as
// "/password" or "/resolved_connection/password".
func PointerField(pointer string) string {
	p := strings.TrimSpace(pointer)
	if p == "" {
		return ""
	}
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	return strings.TrimSpace(p)
}

// IsPlaceholder reports whether s is a verbatim unresolved env placeholder
// ("${NAME}"). Placeholders are not secrets and pass through unmasked.
func IsPlaceholder(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3
}

// Redact walks v and replaces the value of any key in keys with Mask.
// Unresolved "${...}" placeholder strings are preserved verbatim. The input
// is never mutated; maps and slices are copied as needed.
func Redact(v any, keys map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, hit := keys[strings.ToLower(k)]; hit {
				if s, ok := val.(string); ok && IsPlaceholder(s) {
					out[k] = s
					continue
				}
				if val == nil {
					out[k] = nil
					continue
				}
				out[k] = Mask
				continue
			}
			out[k] = Redact(val, keys)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, hit := keys[strings.ToLower(k)]; hit && !IsPlaceholder(val) {
				out[k] = Mask
				continue
			}
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val, keys)
		}
		return out
	default:
		return v
	}
}

// RedactStrings masks occurrences of the given literal secret values inside
// s. Used for error messages, where secrets can leak through interpolation
// rather than through a named field.
func RedactStrings(s string, values []string) string {
	for _, v := range values {
		if v == "" || IsPlaceholder(v) {
			continue
		}
		s = strings.ReplaceAll(s, v, Mask)
	}
	return s
}
