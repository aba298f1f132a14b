package phone

import "strings"

// MinDigits is the minimum number of digits a phone number must carry to be
// accepted by agent provisioning. WhatsApp numbers always include a country
// code, so anything shorter is a typo.
const MinDigits = 10

// Normalize strips every non-digit character from the input. Total over any
// string; never fails.
func Normalize(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValid reports whether a normalized number has enough digits to be routed.
// Callers must Normalize first; IsValid does not strip formatting itself.
func IsValid(normalized string) bool {
	if len(normalized) < MinDigits {
		return false
	}
	for _, r := range normalized {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DefaultCountryCode is assumed for numbers typed without one. The product
// serves the Brazilian market.
const DefaultCountryCode = "55"

// Canonicalize prepends the country code to local-length numbers. Brazilian
// numbers carry 10 digits (landline) or 11 (mobile) after the area code, so
// anything longer already includes its country code and is left alone.
func Canonicalize(normalized, countryCode string) string {
	if len(normalized) == 10 || len(normalized) == 11 {
		return countryCode + normalized
	}
	return normalized
}

// FormatForDisplay returns the E.164-style representation ("+" followed by the
// digits) or the empty string when there is nothing to display.
func FormatForDisplay(normalized string) string {
	if normalized == "" {
		return ""
	}
	return "+" + normalized
}
