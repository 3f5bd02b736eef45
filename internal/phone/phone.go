// Package phone normalizes phone numbers to the digits-only E.164 form the
// provider expects (country code first, no plus sign). Every phone that
// enters the system, whether from the API, a webhook, or a campaign
// recipient list, passes through Normalize before it is stored or matched.
package phone

import (
	"errors"
	"strings"
)

// ErrInvalid is returned when a number cannot be normalized.
var ErrInvalid = errors.New("phone: invalid number")

// Normalize converts raw to digits-only international form.
//
//	+966 50 123 4567 → 966501234567
//	00966501234567   → 966501234567
//	0501234567       → 966501234567   (local form, defaultCountry applied)
//	501234567        → 966501234567   (9-digit mobile, defaultCountry applied)
//
// defaultCountry is the country calling code (e.g. "966") applied to
// local-format numbers; pass "" to reject them instead.
func Normalize(raw, defaultCountry string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+', r == ' ', r == '-', r == '(', r == ')', r == '.':
			// separators and the plus sign are dropped
		default:
			return "", ErrInvalid
		}
	}
	digits := b.String()

	// International dialling prefix.
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}

	hadPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")

	if !hadPlus && defaultCountry != "" {
		switch {
		case strings.HasPrefix(digits, "0"):
			// Local trunk prefix: 05xxxxxxxx → 9665xxxxxxxx.
			digits = defaultCountry + digits[1:]
		case len(digits) == 9:
			// Bare mobile number without the trunk prefix.
			digits = defaultCountry + digits
		}
	}

	if len(digits) < 10 || len(digits) > 15 {
		return "", ErrInvalid
	}
	if strings.HasPrefix(digits, "0") {
		return "", ErrInvalid
	}
	return digits, nil
}

// Valid reports whether raw normalizes cleanly.
func Valid(raw, defaultCountry string) bool {
	_, err := Normalize(raw, defaultCountry)
	return err == nil
}
