package card

import (
	"fmt"
	"strings"
)

// NormalizePAN strips spaces and dashes commonly present in manually keyed
// card numbers.
func NormalizePAN(pan string) string {
	pan = strings.TrimSpace(pan)
	pan = strings.ReplaceAll(pan, " ", "")
	pan = strings.ReplaceAll(pan, "-", "")
	return pan
}

func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func luhnCheckDigit(body string) byte {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	cd := (10 - (sum % 10)) % 10
	return '0' + byte(cd)
}

// ValidatePAN checks length (13..19), digits and the Luhn check digit.
func ValidatePAN(pan string) error {
	if pan == "" {
		return fmt.Errorf("pan is required")
	}
	if !IsDigits(pan) {
		return fmt.Errorf("pan must contain digits only")
	}
	if l := len(pan); l < 13 || l > 19 {
		return fmt.Errorf("pan length must be 13..19 digits (got %d)", l)
	}
	if pan[len(pan)-1] != luhnCheckDigit(pan[:len(pan)-1]) {
		return fmt.Errorf("invalid luhn check digit")
	}
	return nil
}

// LastN returns the last n characters of s, or s itself when shorter.
func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// MaskPAN keeps the BIN (first 6) and the last 4 digits, masking the middle.
// Short or non-PAN input is masked entirely except the last 4.
func MaskPAN(pan string) string {
	pan = NormalizePAN(pan)
	if len(pan) < 13 {
		if len(pan) <= 4 {
			return strings.Repeat("*", len(pan))
		}
		return strings.Repeat("*", len(pan)-4) + LastN(pan, 4)
	}
	return pan[:6] + strings.Repeat("*", len(pan)-10) + LastN(pan, 4)
}
