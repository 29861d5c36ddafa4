// Package phone normalises contact numbers carried on legacy party records.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is the region assumed for legacy numbers without a country prefix.
const DefaultRegion = "GB"

// Legacy telephone fields sometimes list a landline and a mobile together.
const separators = "/;,"

// Normalize returns the first valid number in a legacy telephone field in
// E.164 form. Extensions are dropped. ok is false when nothing parses.
func Normalize(raw string) (string, bool) {
	for candidate := range strings.FieldsFuncSeq(raw, isSeparator) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" || strings.EqualFold(candidate, "null") {
			continue
		}
		number, err := phonenumbers.Parse(candidate, DefaultRegion)
		if err != nil || !phonenumbers.IsValidNumber(number) {
			continue
		}
		return phonenumbers.Format(number, phonenumbers.E164), true
	}
	return "", false
}

// NormalizeE164 is Normalize that falls back to the trimmed input, so
// contact rows keep whatever the register held. A bare "null" maps to "".
func NormalizeE164(raw string) string {
	if normalized, ok := Normalize(raw); ok {
		return normalized
	}
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "null") {
		return ""
	}
	return trimmed
}

func isSeparator(r rune) bool {
	return strings.ContainsRune(separators, r)
}
