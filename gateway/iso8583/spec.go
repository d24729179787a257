package iso8583

import (
	"fmt"

	moov8583 "github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/encoding"
	"github.com/moov-io/iso8583/field"
	"github.com/moov-io/iso8583/padding"
	"github.com/moov-io/iso8583/prefix"
)

// FieldKind selects the length discipline of a field.
type FieldKind string

const (
	KindFixed  FieldKind = "fixed"
	KindLLVar  FieldKind = "llvar"
	KindLLLVar FieldKind = "lllvar"
)

// FieldClass selects the content encoding of a field.
type FieldClass string

const (
	ClassASCII   FieldClass = "ascii"
	ClassNumeric FieldClass = "numeric" // ASCII digits, fixed fields padded left with '0'
	ClassBinary  FieldClass = "binary"
)

// FieldDef describes one data element. Length is the exact length for fixed
// fields and the maximum for variable ones.
type FieldDef struct {
	Name   string
	Kind   FieldKind
	Class  FieldClass
	Length int
}

// Dictionary is the configurable field table the message spec is built from.
// Fields absent from the dictionary are rejected at decode.
type Dictionary struct {
	Name   string
	Fields map[int]FieldDef
}

// Data element numbers used by the gateway.
const (
	FieldPAN            = 2
	FieldProcessingCode = 3
	FieldAmount         = 4
	FieldTransmission   = 7
	FieldSTAN           = 11
	FieldLocalTime      = 12
	FieldLocalDate      = 13
	FieldExpiration     = 14
	FieldRRN            = 37
	FieldApprovalCode   = 38
	FieldResponseCode   = 39
	FieldTerminalID     = 41
	FieldMerchantID     = 42
	FieldCurrency       = 49
	FieldPrivateData    = 63
	FieldMAC            = 64
	FieldNetMgmtCode    = 70
)

// DefaultDictionary covers the data elements the gateway's terminals send.
func DefaultDictionary() *Dictionary {
	return &Dictionary{
		Name: "PayGate ISO 8583 (ASCII)",
		Fields: map[int]FieldDef{
			FieldPAN:            {Name: "Primary Account Number", Kind: KindLLVar, Class: ClassNumeric, Length: 19},
			FieldProcessingCode: {Name: "Processing Code", Kind: KindFixed, Class: ClassNumeric, Length: 6},
			FieldAmount:         {Name: "Transaction Amount", Kind: KindFixed, Class: ClassNumeric, Length: 12},
			FieldTransmission:   {Name: "Transmission Date & Time", Kind: KindFixed, Class: ClassNumeric, Length: 10},
			FieldSTAN:           {Name: "Systems Trace Audit Number", Kind: KindFixed, Class: ClassNumeric, Length: 6},
			FieldLocalTime:      {Name: "Local Transaction Time", Kind: KindFixed, Class: ClassNumeric, Length: 6},
			FieldLocalDate:      {Name: "Local Transaction Date", Kind: KindFixed, Class: ClassNumeric, Length: 4},
			FieldExpiration:     {Name: "Card Expiration Date", Kind: KindFixed, Class: ClassNumeric, Length: 4},
			FieldRRN:            {Name: "Retrieval Reference Number", Kind: KindFixed, Class: ClassNumeric, Length: 12},
			FieldApprovalCode:   {Name: "Approval Code", Kind: KindFixed, Class: ClassASCII, Length: 6},
			FieldResponseCode:   {Name: "Response Code", Kind: KindFixed, Class: ClassASCII, Length: 2},
			FieldTerminalID:     {Name: "Terminal ID", Kind: KindFixed, Class: ClassASCII, Length: 8},
			FieldMerchantID:     {Name: "Merchant ID", Kind: KindLLVar, Class: ClassASCII, Length: 15},
			FieldCurrency:       {Name: "Transaction Currency", Kind: KindFixed, Class: ClassASCII, Length: 3},
			FieldPrivateData:    {Name: "Private Data", Kind: KindLLLVar, Class: ClassASCII, Length: 120},
			FieldMAC:            {Name: "Message Authentication Code", Kind: KindFixed, Class: ClassBinary, Length: 8},
			FieldNetMgmtCode:    {Name: "Network Management Code", Kind: KindFixed, Class: ClassNumeric, Length: 3},
		},
	}
}

// BuildSpec turns a dictionary into a moov-io message spec. MTI and bitmap
// are always present; the bitmap is 8 bytes binary with the secondary bitmap
// signalled by its first bit.
func BuildSpec(dict *Dictionary) (*moov8583.MessageSpec, error) {
	if dict == nil {
		dict = DefaultDictionary()
	}
	fields := map[int]field.Field{
		0: field.NewString(&field.Spec{
			Length:      4,
			Description: "Message Type Indicator",
			Enc:         encoding.ASCII,
			Pref:        prefix.ASCII.Fixed,
		}),
		1: field.NewBitmap(&field.Spec{
			Length:      8,
			Description: "Bitmap",
			Enc:         encoding.Binary,
			Pref:        prefix.Binary.Fixed,
		}),
	}
	for n, def := range dict.Fields {
		if n < 2 || n > 128 {
			return nil, fmt.Errorf("field %d: number must be 2..128", n)
		}
		f, err := buildField(n, def)
		if err != nil {
			return nil, err
		}
		fields[n] = f
	}
	return &moov8583.MessageSpec{Name: dict.Name, Fields: fields}, nil
}

func buildField(n int, def FieldDef) (field.Field, error) {
	if def.Length <= 0 {
		return nil, fmt.Errorf("field %d: length must be positive", n)
	}
	switch def.Kind {
	case KindFixed:
	case KindLLVar:
		if def.Length > 99 {
			return nil, fmt.Errorf("field %d: llvar max length is 99", n)
		}
	case KindLLLVar:
		if def.Length > 999 {
			return nil, fmt.Errorf("field %d: lllvar max length is 999", n)
		}
	default:
		return nil, fmt.Errorf("field %d: unknown kind %q", n, def.Kind)
	}

	if def.Class == ClassBinary {
		if def.Kind != KindFixed {
			return nil, fmt.Errorf("field %d: binary fields must be fixed length", n)
		}
		return field.NewBinary(&field.Spec{
			Length:      def.Length,
			Description: def.Name,
			Enc:         encoding.Binary,
			Pref:        prefix.Binary.Fixed,
		}), nil
	}

	spec := &field.Spec{
		Length:      def.Length,
		Description: def.Name,
		Enc:         encoding.ASCII,
	}
	switch def.Kind {
	case KindFixed:
		spec.Pref = prefix.ASCII.Fixed
		if def.Class == ClassNumeric {
			spec.Pad = padding.Left('0')
		}
	case KindLLVar:
		spec.Pref = prefix.ASCII.LL
	case KindLLLVar:
		spec.Pref = prefix.ASCII.LLL
	}
	return field.NewString(spec), nil
}
