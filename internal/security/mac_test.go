package security

import (
	"bytes"
	"testing"
)

func TestHMACProviderDeterministic(t *testing.T) {
	p, err := NewHMACProvider([]byte("terminal-secret"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	data := MACData("0200", "000042", "0822103000", "TERM0001")
	m1, err := p.ComputeMAC(data)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	m2, _ := p.ComputeMAC(data)

	if len(m1) != MACLength {
		t.Fatalf("mac length got %d want %d", len(m1), MACLength)
	}
	if !bytes.Equal(m1, m2) {
		t.Fatalf("mac not deterministic: %x vs %x", m1, m2)
	}
}

func TestVerifyMAC(t *testing.T) {
	p, _ := NewHMACProvider([]byte("terminal-secret"))
	data := MACData("0200", "000042", "0822103000", "TERM0001")
	mac, _ := p.ComputeMAC(data)

	if err := VerifyMAC(p, data, mac); err != nil {
		t.Fatalf("valid mac rejected: %v", err)
	}

	// Tampered data
	if err := VerifyMAC(p, MACData("0200", "000043", "0822103000", "TERM0001"), mac); err == nil {
		t.Fatalf("tampered data accepted")
	}

	// Tampered mac
	bad := append([]byte(nil), mac...)
	bad[0] ^= 0xff
	if err := VerifyMAC(p, data, bad); err == nil {
		t.Fatalf("tampered mac accepted")
	}

	// Wrong length
	if err := VerifyMAC(p, data, mac[:4]); err == nil {
		t.Fatalf("short mac accepted")
	}

	// Wrong key
	other, _ := NewHMACProvider([]byte("another-secret"))
	otherMAC, _ := other.ComputeMAC(data)
	if err := VerifyMAC(p, data, otherMAC); err == nil {
		t.Fatalf("mac from wrong key accepted")
	}
}

func TestNewHMACProviderRequiresKey(t *testing.T) {
	if _, err := NewHMACProvider(nil); err == nil {
		t.Fatalf("empty key accepted")
	}
}
