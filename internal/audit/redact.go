package audit

import "strings"

// RedactionMarker replaces sensitive argument values before storage.
const RedactionMarker = "[REDACTED]"

// sensitiveFragments is the name heuristic for argument keys whose values
// must never be stored. Matching is case-insensitive substring.
var sensitiveFragments = []string{
	"token",
	"password",
	"secret",
	"key",
	"credential",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Redact returns a copy of args with every sensitive-named value replaced
// by the redaction marker, regardless of the value's shape. Nested maps are
// redacted recursively. Redaction happens before an entry is appended,
// never after, so there is no window where secrets are queryable.
func Redact(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			out[k] = RedactionMarker
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}
