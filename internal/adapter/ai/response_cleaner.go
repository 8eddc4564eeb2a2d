// Package ai hosts the model-facing toolkit shared by every provider
// adapter: prompt construction, output cleaning and schema validation.
package ai

import "strings"

// ResponseCleaner normalises raw model output ahead of JSON decoding.
//
// Cleaning is deliberately conservative: models wrap JSON in a Markdown
// fence often enough that stripping one is safe, but rewriting quotes or
// patching braces corrupts legitimate payloads.
type ResponseCleaner struct{}

// NewResponseCleaner creates a new response cleaner.
func NewResponseCleaner() *ResponseCleaner {
	return &ResponseCleaner{}
}

// Clean trims surrounding whitespace and strips a single wrapping Markdown
// code fence, with an optional language tag such as ```json, when one is
// present. Anything else passes through untouched.
func (rc *ResponseCleaner) Clean(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 7 {
		return s
	}
	body := s[3 : len(s)-3]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		if isFenceTag(strings.TrimSpace(body[:i])) {
			body = body[i+1:]
		}
	}
	return strings.TrimSpace(body)
}

// isFenceTag reports whether s could be a fence language tag ("json",
// "JSON5"). The empty tag is a bare fence and qualifies too.
func isFenceTag(s string) bool {
	for _, r := range s {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		default:
			return false
		}
	}
	return true
}
