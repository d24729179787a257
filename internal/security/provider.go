package security

import (
	"crypto/hmac"
	"fmt"
)

// MACLength is the size of field 64 on the wire.
const MACLength = 8

// MACProvider computes the message authentication code carried in field 64
// of terminal traffic. The default implementation is software HMAC; an HSM
// implementation (3DES MAC via PKCS#11) is available behind the softhsm
// build tag.
type MACProvider interface {
	ComputeMAC(data []byte) ([]byte, error)
}

// MACData assembles the canonical MAC input for a terminal message. Terminals
// are provisioned with the same layout: MTI, STAN, transmission date/time and
// terminal ID joined with '|'.
func MACData(mti, stan, transmission, terminalID string) []byte {
	return []byte(mti + "|" + stan + "|" + transmission + "|" + terminalID)
}

// VerifyMAC recomputes the MAC for data and compares it to the received
// value in constant time.
func VerifyMAC(p MACProvider, data, mac []byte) error {
	if len(mac) != MACLength {
		return fmt.Errorf("mac must be %d bytes (got %d)", MACLength, len(mac))
	}
	want, err := p.ComputeMAC(data)
	if err != nil {
		return fmt.Errorf("computing mac: %w", err)
	}
	if !hmac.Equal(want, mac) {
		return fmt.Errorf("mac mismatch")
	}
	return nil
}
