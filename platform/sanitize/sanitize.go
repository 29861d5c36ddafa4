// Package sanitize provides text clean-up for values read from the legacy store.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	// whitespaceRegex matches runs of whitespace including legacy tab padding
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// nullSentinels are the literal texts the legacy extract uses for a missing value.
var nullSentinels = map[string]struct{}{
	"":     {},
	"null": {},
}

// Text trims a legacy string and collapses internal whitespace.
func Text(s string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}

// IsNull reports whether s is one of the legacy "no value" sentinels.
func IsNull(s string) bool {
	_, ok := nullSentinels[strings.ToLower(Text(s))]
	return ok
}

// Nullable converts a legacy string into an optional value.
// The sentinel "null" (any case) and blank strings become nil.
func Nullable(s string) *string {
	if IsNull(s) {
		return nil
	}
	result := Text(s)
	return &result
}

// TextPtr is a helper for optional string pointers
func TextPtr(s *string) *string {
	if s == nil {
		return nil
	}
	return Nullable(*s)
}
