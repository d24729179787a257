package card

import (
	"crypto/rand"
	"fmt"
)

const panLen = 16

// ValidateBIN checks a 6, 8 or 9 digit issuer prefix.
func ValidateBIN(bin string) error {
	if bin == "" {
		return fmt.Errorf("bin is required")
	}
	if !IsDigits(bin) {
		return fmt.Errorf("bin must contain digits only")
	}
	switch len(bin) {
	case 6, 8, 9:
		return nil
	default:
		return fmt.Errorf("bin must be 6, 8, or 9 digits")
	}
}

// GeneratePAN returns a 16 digit test PAN under the given BIN, with a valid
// Luhn check digit.
func GeneratePAN(bin string) (string, error) {
	if err := ValidateBIN(bin); err != nil {
		return "", err
	}
	fill := panLen - 1 - len(bin)
	digits, err := randomDigits(fill)
	if err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	body := bin + digits
	return body + string(luhnCheckDigit(body)), nil
}

// randomDigits draws uniform digits by rejection sampling: bytes >= 250 are
// discarded so the mod-10 result carries no bias.
func randomDigits(count int) (string, error) {
	if count <= 0 {
		return "", nil
	}
	const threshold = 250 // 256 - (256 % 10)
	out := make([]byte, 0, count)
	buf := make([]byte, 64)
	for len(out) < count {
		n, err := rand.Read(buf)
		if err != nil {
			return "", err
		}
		for i := 0; i < n && len(out) < count; i++ {
			if buf[i] < threshold {
				out = append(out, '0'+(buf[i]%10))
			}
		}
	}
	return string(out), nil
}
