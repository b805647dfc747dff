package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:[a-zA-Z]*)\\n(.*?)\\n```")

// extractJSON pulls a JSON object out of a raw model response. Models
// routinely wrap their answer in prose or a fenced code block; this
// tries, in order: a fenced block, then the first '{' through the last
// matching '}' found by brace counting that respects string literals.
func extractJSON(response string) (string, error) {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return "", apperrors.Newf(apperrors.ErrorTypeInvalidResponse, "no JSON object found in model response")
	}

	if m := fencedBlock.FindStringSubmatch(trimmed); m != nil {
		candidate := strings.TrimSpace(m[1])
		if strings.HasPrefix(candidate, "{") {
			return candidate, nil
		}
	}

	start := strings.Index(trimmed, "{")
	if start == -1 {
		return "", apperrors.Newf(apperrors.ErrorTypeInvalidResponse, "no JSON object found in model response")
	}

	end := matchingBrace(trimmed, start)
	if end == -1 {
		return "", apperrors.Newf(apperrors.ErrorTypeInvalidResponse, "no JSON object found in model response")
	}

	candidate := trimmed[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", apperrors.Newf(apperrors.ErrorTypeInvalidResponse, "extracted text is not valid JSON")
	}
	return candidate, nil
}

// matchingBrace returns the index of the '}' that closes the '{' at
// start, skipping over braces inside quoted strings, or -1 if the
// input never balances.
func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
