//go:build softhsm

package hsm

import (
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/cryptopos/paygate/internal/security"
)

// SoftHSMProvider computes field 64 MACs with a 3DES key held in a PKCS#11
// token. Enabled via the softhsm build tag so the default build does not
// depend on a pkcs11 library. Dev/integration use; production terminals talk
// to a real HSM with the same interface.
type SoftHSMProvider struct {
	libPath  string
	slotID   uint
	pin      string
	keyLabel string
	p11      *pkcs11.Ctx
	sess     pkcs11.SessionHandle
	key      pkcs11.ObjectHandle
}

func NewSoftHSMProvider(libPath string, slotID uint, pin, keyLabel string) *SoftHSMProvider {
	return &SoftHSMProvider{libPath: libPath, slotID: slotID, pin: pin, keyLabel: keyLabel}
}

func (p *SoftHSMProvider) Open() error {
	p.p11 = pkcs11.New(p.libPath)
	if p.p11 == nil {
		return fmt.Errorf("load pkcs11 lib failed")
	}
	if err := p.p11.Initialize(); err != nil {
		return err
	}
	sess, err := p.p11.OpenSession(pkcs11.SlotID(p.slotID), pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		_ = p.p11.Finalize()
		return err
	}
	p.sess = sess
	if err := p.p11.Login(p.sess, pkcs11.CKU_USER, p.pin); err != nil {
		_ = p.p11.CloseSession(p.sess)
		_ = p.p11.Finalize()
		return err
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, p.keyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_DES3),
	}
	if err := p.p11.FindObjectsInit(p.sess, template); err != nil {
		return err
	}
	objs, _, err := p.p11.FindObjects(p.sess, 1)
	_ = p.p11.FindObjectsFinal(p.sess)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return fmt.Errorf("mac key not found by label=%s", p.keyLabel)
	}
	p.key = objs[0]
	return nil
}

func (p *SoftHSMProvider) Close() {
	if p.p11 != nil {
		if p.sess != 0 {
			_ = p.p11.Logout(p.sess)
			_ = p.p11.CloseSession(p.sess)
		}
		_ = p.p11.Finalize()
		p.p11.Destroy()
		p.p11 = nil
	}
}

func (p *SoftHSMProvider) ComputeMAC(data []byte) ([]byte, error) {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_DES3_MAC, nil)}
	if err := p.p11.SignInit(p.sess, mech, p.key); err != nil {
		return nil, err
	}
	mac, err := p.p11.Sign(p.sess, data)
	if err != nil {
		return nil, err
	}
	if len(mac) < security.MACLength {
		return nil, fmt.Errorf("token returned %d-byte mac; need %d", len(mac), security.MACLength)
	}
	return mac[:security.MACLength], nil
}

var _ security.MACProvider = (*SoftHSMProvider)(nil)
