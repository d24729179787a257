package iso8583_test

import (
	"testing"

	moov8583 "github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/field"
	"github.com/stretchr/testify/require"

	iso8583 "github.com/cryptopos/paygate/gateway/iso8583"
)

func TestDecodeRejectsGarbage(t *testing.T) {
	spec, err := iso8583.BuildSpec(nil)
	require.NoError(t, err)

	_, err = iso8583.Decode(spec, []byte("not an iso message"))
	require.ErrorIs(t, err, iso8583.ErrMalformedMessage)

	_, err = iso8583.Decode(spec, nil)
	require.ErrorIs(t, err, iso8583.ErrMalformedMessage)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	spec, err := iso8583.BuildSpec(nil)
	require.NoError(t, err)

	msg := moov8583.NewMessage(spec)
	require.NoError(t, msg.MTI(iso8583.MTIAuthorizationRequest))
	require.NoError(t, msg.Field(iso8583.FieldAmount, "2500"))
	require.NoError(t, msg.Field(iso8583.FieldSTAN, "1"))
	require.NoError(t, msg.Field(iso8583.FieldTerminalID, "TERM0001"))
	raw, err := iso8583.Encode(msg)
	require.NoError(t, err)

	_, err = iso8583.Decode(spec, raw[:len(raw)-3])
	require.ErrorIs(t, err, iso8583.ErrMalformedMessage)
}

func TestDecodeRejectsUnknownField(t *testing.T) {
	spec, err := iso8583.BuildSpec(nil)
	require.NoError(t, err)

	// A dictionary that additionally knows field 48 packs a message the
	// default spec must refuse.
	extended := iso8583.DefaultDictionary()
	extended.Fields[48] = iso8583.FieldDef{
		Name: "Additional Data", Kind: iso8583.KindLLLVar, Class: iso8583.ClassASCII, Length: 100,
	}
	extSpec, err := iso8583.BuildSpec(extended)
	require.NoError(t, err)

	msg := moov8583.NewMessage(extSpec)
	require.NoError(t, msg.MTI(iso8583.MTIAuthorizationRequest))
	require.NoError(t, msg.Field(iso8583.FieldSTAN, "1"))
	require.NoError(t, msg.Field(48, "extra"))
	raw, err := iso8583.Encode(msg)
	require.NoError(t, err)

	_, err = iso8583.Decode(spec, raw)
	require.ErrorIs(t, err, iso8583.ErrMalformedMessage)
}

func TestDecodeRejectsOverlongVariableField(t *testing.T) {
	spec, err := iso8583.BuildSpec(nil)
	require.NoError(t, err)

	// Pack a 22-digit PAN with a looser dictionary; the default caps
	// field 2 at 19 digits.
	loose := iso8583.DefaultDictionary()
	loose.Fields[iso8583.FieldPAN] = iso8583.FieldDef{
		Name: "Primary Account Number", Kind: iso8583.KindLLVar, Class: iso8583.ClassNumeric, Length: 25,
	}
	looseSpec, err := iso8583.BuildSpec(loose)
	require.NoError(t, err)

	msg := moov8583.NewMessage(looseSpec)
	require.NoError(t, msg.MTI(iso8583.MTIAuthorizationRequest))
	require.NoError(t, msg.Field(iso8583.FieldPAN, "4242424242424242424242"))
	require.NoError(t, msg.Field(iso8583.FieldSTAN, "1"))
	raw, err := iso8583.Encode(msg)
	require.NoError(t, err)

	_, err = iso8583.Decode(spec, raw)
	require.ErrorIs(t, err, iso8583.ErrMalformedMessage)
}

func TestTypedViewRoundTrip(t *testing.T) {
	spec, err := iso8583.BuildSpec(nil)
	require.NoError(t, err)

	msg := moov8583.NewMessage(spec)
	require.NoError(t, msg.Marshal(&iso8583.AuthorizationRequest{
		MTI:        field.NewStringValue(iso8583.MTIAuthorizationRequest),
		PAN:        field.NewStringValue("4242424242424242"),
		Amount:     field.NewStringValue("2500"),
		STAN:       field.NewStringValue("123456"),
		Expiration: field.NewStringValue("3012"),
		TerminalID: field.NewStringValue("TERM0001"),
		MerchantID: field.NewStringValue("MERCHANT-001"),
		Currency:   field.NewStringValue("USD"),
		MAC:        field.NewBinaryValue([]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4}),
	}))

	raw, err := iso8583.Encode(msg)
	require.NoError(t, err)

	decoded, err := iso8583.Decode(spec, raw)
	require.NoError(t, err)

	var got iso8583.AuthorizationRequest
	require.NoError(t, decoded.Unmarshal(&got))
	require.Equal(t, iso8583.MTIAuthorizationRequest, got.MTI.Value())
	require.Equal(t, "4242424242424242", got.PAN.Value())
	// Fixed numeric fields zero-pad on the wire and come back stripped.
	require.Equal(t, "2500", got.Amount.Value())
	require.Equal(t, "123456", got.STAN.Value())
	require.Equal(t, "TERM0001", got.TerminalID.Value())
	require.Equal(t, "MERCHANT-001", got.MerchantID.Value())
	require.Equal(t, "USD", got.Currency.Value())
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4}, got.MAC.Value())
}

func TestResponseMTI(t *testing.T) {
	cases := map[string]string{
		iso8583.MTIAuthorizationRequest: iso8583.MTIAuthorizationResponse,
		iso8583.MTIReversalRequest:      iso8583.MTIReversalResponse,
		iso8583.MTINetworkRequest:       iso8583.MTINetworkResponse,
		"0100":                          "0110",
	}
	for req, want := range cases {
		got, err := iso8583.ResponseMTI(req)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	for _, bad := range []string{"", "02", "02000", "abcd", "0290"} {
		_, err := iso8583.ResponseMTI(bad)
		require.Error(t, err, "mti %q", bad)
	}
}
