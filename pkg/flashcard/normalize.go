package flashcard

import "strings"

// normalizeToken lower-cases and trims a type hint so that equivalent
// hints ("Interjection", " interjection ") fingerprint identically.
func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeTypeHint applies the same normalization VocabItem.NormalizedType
// uses, for callers (the task queue, the engine) holding a *string type
// hint instead of a full VocabItem.
func NormalizeTypeHint(t *string) string {
	if t == nil {
		return ""
	}
	return normalizeToken(*t)
}
