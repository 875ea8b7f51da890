// Package sanitizer cleans untrusted strings (user agents, audit details)
// before they are persisted and later rendered in admin tooling.
package sanitizer

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxLength caps persisted free-text values, counted in runes.
const DefaultMaxLength = 512

// TextSanitizer strips markup and control characters from plain-text values
type TextSanitizer interface {
	// Sanitize returns a single-line, markup-free version of s capped at the
	// configured length
	Sanitize(s string) string
}

// DefaultTextSanitizer implements TextSanitizer using bluemonday's strict policy
type DefaultTextSanitizer struct {
	policy    *bluemonday.Policy
	maxLength int
}

// NewTextSanitizer creates a sanitizer that truncates to maxLength runes.
// A non-positive maxLength falls back to DefaultMaxLength.
func NewTextSanitizer(maxLength int) *DefaultTextSanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &DefaultTextSanitizer{
		policy:    bluemonday.StrictPolicy(),
		maxLength: maxLength,
	}
}

// Sanitize removes all HTML and returns plain text: entities the policy
// escapes are decoded again, so "&" and quotes survive as themselves, while
// any angle brackets left after decoding are dropped. Control characters
// are removed, whitespace runs collapse into a single space and the result
// is truncated.
func (s *DefaultTextSanitizer) Sanitize(value string) string {
	if value == "" {
		return ""
	}

	cleaned := html.UnescapeString(s.policy.Sanitize(value))

	var b strings.Builder
	b.Grow(len(cleaned))
	lastSpace := false
	count := 0
	for _, r := range cleaned {
		if count >= s.maxLength {
			break
		}
		switch {
		case unicode.IsSpace(r):
			if lastSpace || b.Len() == 0 {
				continue
			}
			b.WriteRune(' ')
			lastSpace = true
		case r == '<' || r == '>':
			continue
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
			continue
		default:
			b.WriteRune(r)
			lastSpace = false
		}
		count++
	}

	return strings.TrimRight(b.String(), " ")
}
