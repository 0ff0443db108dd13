// Package normalize turns raw contact identifiers into canonical,
// comparable forms. Every function here is pure: no I/O, no clock, no
// database. Normalization is advisory, not validating: inputs that
// cannot be normalized come back unchanged rather than erroring.
package normalize

import "strings"

// Kind classifies a raw identifier.
type Kind string

const (
	KindPhone   Kind = "phone"
	KindEmail   Kind = "email"
	KindUnknown Kind = "unknown"
)

// Phone normalizes a phone number toward E.164 (+14155551234).
//
// Rules: strip everything but digits; 10 digits get a +1 country code;
// 11 digits starting with 1 get a +; a leading + in the input is
// preserved with its digits; anything else with at least 7 digits gets a
// best-effort +; everything else (vanity numbers, short codes) is
// returned unchanged.
func Phone(raw string) string {
	if raw == "" {
		return raw
	}

	cleaned := strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(cleaned, "+")
	digits := digitsOnly(cleaned)

	if digits == "" {
		return raw
	}

	if hasPlus {
		return "+" + digits
	}

	if len(digits) == 10 {
		return "+1" + digits
	}

	if len(digits) == 11 && digits[0] == '1' {
		return "+" + digits
	}

	if len(digits) >= 7 {
		return "+" + digits
	}

	return raw
}

// Email normalizes an email address: lowercase, trimmed. No further
// validation; a value without @ is returned unchanged.
func Email(raw string) string {
	if raw == "" {
		return raw
	}

	normalized := strings.ToLower(strings.TrimSpace(raw))
	if !strings.Contains(normalized, "@") {
		return raw
	}
	return normalized
}

// DetectKind guesses whether a value is a phone number or an email.
// Presence of @ wins; otherwise a digit-majority string of plausible
// phone length is a phone; anything else is unknown.
func DetectKind(value string) Kind {
	if value == "" {
		return KindUnknown
	}

	cleaned := strings.TrimSpace(value)
	if strings.Contains(cleaned, "@") {
		return KindEmail
	}

	digits := digitsOnly(cleaned)
	if len(digits) >= 7 && len(digits) <= 15 {
		compact := strings.ReplaceAll(strings.ReplaceAll(cleaned, " ", ""), "-", "")
		if len(compact) > 0 && float64(len(digits))/float64(len(compact)) >= 0.5 {
			return KindPhone
		}
	}

	return KindUnknown
}

// Handle normalizes a raw handle value and reports its detected kind.
func Handle(raw string) (string, Kind) {
	kind := DetectKind(raw)
	switch kind {
	case KindEmail:
		return Email(raw), kind
	case KindPhone:
		return Phone(raw), kind
	default:
		return strings.TrimSpace(raw), kind
	}
}

// FuzzyPhoneKey returns the last 10 digits of a normalized phone number,
// or "" when fewer than 10 digits are present. The key is used only for
// approximate matching, never for identity or display.
func FuzzyPhoneKey(normalized string) string {
	digits := digitsOnly(normalized)
	if len(digits) < 10 {
		return ""
	}
	return digits[len(digits)-10:]
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
