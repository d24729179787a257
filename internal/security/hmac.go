package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// HMACProvider is the default software MAC: HMAC-SHA256 truncated to the
// 8-byte field 64 width.
type HMACProvider struct {
	key []byte
}

func NewHMACProvider(key []byte) (*HMACProvider, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("mac key is required")
	}
	return &HMACProvider{key: key}, nil
}

func (p *HMACProvider) ComputeMAC(data []byte) ([]byte, error) {
	h := hmac.New(sha256.New, p.key)
	h.Write(data)
	return h.Sum(nil)[:MACLength], nil
}

var _ MACProvider = (*HMACProvider)(nil)
