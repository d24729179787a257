package iso8583

import (
	"errors"
	"fmt"

	moov8583 "github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/field"
)

// ErrMalformedMessage wraps every decode failure: bad MTI, bitmap bits for
// fields outside the dictionary, truncated or over-length variable fields.
var ErrMalformedMessage = errors.New("malformed message")

// Message type indicators handled by the gateway.
const (
	MTIAuthorizationRequest  = "0200"
	MTIAuthorizationResponse = "0210"
	MTIReversalRequest       = "0400"
	MTIReversalResponse      = "0410"
	MTINetworkRequest        = "0800"
	MTINetworkResponse       = "0810"
)

// Network management codes (field 70).
const (
	NetMgmtSignOn  = "001"
	NetMgmtSignOff = "002"
	NetMgmtEcho    = "301"
)

// Decode unpacks a raw message against the spec.
func Decode(spec *moov8583.MessageSpec, raw []byte) (*moov8583.Message, error) {
	msg := moov8583.NewMessage(spec)
	if err := msg.Unpack(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

// Encode packs a message for the wire.
func Encode(msg *moov8583.Message) ([]byte, error) {
	raw, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("packing message: %w", err)
	}
	return raw, nil
}

// ResponseMTI derives the response MTI by incrementing the function digit:
// 0200 -> 0210, 0400 -> 0410, 0800 -> 0810.
func ResponseMTI(mti string) (string, error) {
	if len(mti) != 4 {
		return "", fmt.Errorf("mti must be 4 digits (got %q)", mti)
	}
	for i := 0; i < 4; i++ {
		if mti[i] < '0' || mti[i] > '9' {
			return "", fmt.Errorf("mti must be 4 digits (got %q)", mti)
		}
	}
	if mti[2] == '9' {
		return "", fmt.Errorf("mti %q has no response form", mti)
	}
	b := []byte(mti)
	b[2]++
	return string(b), nil
}

// AuthorizationRequest is the typed view of an 0200 message, used by
// terminal simulators and tests to build requests.
type AuthorizationRequest struct {
	MTI            *field.String `index:"0"`
	PAN            *field.String `index:"2"`
	ProcessingCode *field.String `index:"3"`
	Amount         *field.String `index:"4"`
	Transmission   *field.String `index:"7"`
	STAN           *field.String `index:"11"`
	LocalTime      *field.String `index:"12"`
	LocalDate      *field.String `index:"13"`
	Expiration     *field.String `index:"14"`
	TerminalID     *field.String `index:"41"`
	MerchantID     *field.String `index:"42"`
	Currency       *field.String `index:"49"`
	MAC            *field.Binary `index:"64"`
}

// AuthorizationResponse is the typed view of an 0210 message.
type AuthorizationResponse struct {
	MTI          *field.String `index:"0"`
	Amount       *field.String `index:"4"`
	STAN         *field.String `index:"11"`
	ApprovalCode *field.String `index:"38"`
	ResponseCode *field.String `index:"39"`
	TerminalID   *field.String `index:"41"`
	PrivateData  *field.String `index:"63"`
}

// ReversalRequest is the typed view of an 0400 message. STAN references the
// original transaction being reversed.
type ReversalRequest struct {
	MTI          *field.String `index:"0"`
	Transmission *field.String `index:"7"`
	STAN         *field.String `index:"11"`
	TerminalID   *field.String `index:"41"`
	MAC          *field.Binary `index:"64"`
}

// NetworkRequest is the typed view of an 0800 message.
type NetworkRequest struct {
	MTI          *field.String `index:"0"`
	Transmission *field.String `index:"7"`
	STAN         *field.String `index:"11"`
	TerminalID   *field.String `index:"41"`
	MAC          *field.Binary `index:"64"`
	NetMgmtCode  *field.String `index:"70"`
}

// NetworkResponse is the typed view of an 0810 message.
type NetworkResponse struct {
	MTI          *field.String `index:"0"`
	STAN         *field.String `index:"11"`
	ResponseCode *field.String `index:"39"`
	NetMgmtCode  *field.String `index:"70"`
}
