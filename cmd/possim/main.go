// possim drives a paygate ISO 8583 endpoint the way a POS terminal would:
// optional sign-on and echo test, then an authorization and an optional
// reversal of it.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	moov8583 "github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/field"

	"github.com/cryptopos/paygate/gateway/iso8583"
	"github.com/cryptopos/paygate/internal/card"
	"github.com/cryptopos/paygate/internal/security"
)

var (
	flagGateway  = flag.String("gateway", "localhost:8583", "gateway ISO 8583 address")
	flagTerminal = flag.String("terminal", "TERM0001", "terminal ID (8 chars)")
	flagMerchant = flag.String("merchant", "MERCHANT-001", "merchant ID")
	flagPAN      = flag.String("pan", "4242424242424242", "card number")
	flagBIN      = flag.String("bin", "", "generate a fresh test PAN under this BIN instead of -pan")
	flagExpiry   = flag.String("expiry", "3012", "card expiry (YYMM)")
	flagAmount   = flag.Int64("amount", 2500, "amount in minor units")
	flagCurrency = flag.String("currency", "USD", "transaction currency")
	flagSecret   = flag.String("secret", "", "terminal MAC secret; signs on before transacting when set")
	flagEcho     = flag.Bool("echo", false, "send an echo test before the authorization")
	flagReverse  = flag.Bool("reverse", false, "reverse the authorization afterwards")
)

func main() {
	flag.Parse()

	if *flagBIN != "" {
		pan := must1(card.GeneratePAN(*flagBIN))
		*flagPAN = pan
		fmt.Printf("using generated card %s\n", card.MaskPAN(pan))
	}

	spec := must1(iso8583.BuildSpec(nil))
	client := must1(iso8583.NewClient(*flagGateway, spec))
	must(client.Connect())
	defer client.Close()
	fmt.Printf("connected to %s as terminal %s\n", *flagGateway, *flagTerminal)

	var provider security.MACProvider
	if *flagSecret != "" {
		provider = must1(security.NewHMACProvider([]byte(*flagSecret)))
		signOn(client, spec, provider)
	}
	if *flagEcho {
		echoTest(client, spec)
	}

	stan := newSTAN()
	resp := must1(client.Send(authorization(spec, provider, stan)))
	var auth iso8583.AuthorizationResponse
	must(resp.Unmarshal(&auth))
	code := strVal(auth.ResponseCode)
	fmt.Printf("authorization stan=%s -> F39=%s approval=%s payout=%s\n",
		stan, code, strVal(auth.ApprovalCode), strVal(auth.PrivateData))
	if code != "00" {
		fail("authorization declined: F39=%s", code)
	}

	if *flagReverse {
		resp := must1(client.Send(reversal(spec, provider, stan)))
		fmt.Printf("reversal stan=%s -> F39=%s\n", stan, getString(resp, iso8583.FieldResponseCode))
	}
}

func signOn(client *iso8583.Client, spec *moov8583.MessageSpec, provider security.MACProvider) {
	stan, trans := newSTAN(), transmission()
	msg := moov8583.NewMessage(spec)
	must(msg.Marshal(&iso8583.NetworkRequest{
		MTI:          field.NewStringValue(iso8583.MTINetworkRequest),
		Transmission: field.NewStringValue(trans),
		STAN:         field.NewStringValue(stan),
		TerminalID:   field.NewStringValue(*flagTerminal),
		NetMgmtCode:  field.NewStringValue(iso8583.NetMgmtSignOn),
		MAC:          macField(provider, iso8583.MTINetworkRequest, stan, trans),
	}))

	resp := must1(client.Send(msg))
	var netResp iso8583.NetworkResponse
	must(resp.Unmarshal(&netResp))
	if code := strVal(netResp.ResponseCode); code != "00" {
		fail("sign-on refused: F39=%s", code)
	}
	fmt.Println("signed on")
}

func echoTest(client *iso8583.Client, spec *moov8583.MessageSpec) {
	stan := newSTAN()
	msg := moov8583.NewMessage(spec)
	must(msg.Marshal(&iso8583.NetworkRequest{
		MTI:          field.NewStringValue(iso8583.MTINetworkRequest),
		Transmission: field.NewStringValue(transmission()),
		STAN:         field.NewStringValue(stan),
		TerminalID:   field.NewStringValue(*flagTerminal),
		NetMgmtCode:  field.NewStringValue(iso8583.NetMgmtEcho),
	}))

	resp := must1(client.Send(msg))
	var netResp iso8583.NetworkResponse
	must(resp.Unmarshal(&netResp))
	fmt.Printf("echo stan=%s -> F39=%s\n", stan, strVal(netResp.ResponseCode))
}

func authorization(spec *moov8583.MessageSpec, provider security.MACProvider, stan string) *moov8583.Message {
	trans := transmission()
	now := time.Now()
	msg := moov8583.NewMessage(spec)
	must(msg.Marshal(&iso8583.AuthorizationRequest{
		MTI:            field.NewStringValue(iso8583.MTIAuthorizationRequest),
		PAN:            field.NewStringValue(*flagPAN),
		ProcessingCode: field.NewStringValue("000000"),
		Amount:         field.NewStringValue(fmt.Sprintf("%d", *flagAmount)),
		Transmission:   field.NewStringValue(trans),
		STAN:           field.NewStringValue(stan),
		LocalTime:      field.NewStringValue(now.Format("150405")),
		LocalDate:      field.NewStringValue(now.Format("0102")),
		Expiration:     field.NewStringValue(*flagExpiry),
		TerminalID:     field.NewStringValue(*flagTerminal),
		MerchantID:     field.NewStringValue(*flagMerchant),
		Currency:       field.NewStringValue(*flagCurrency),
		MAC:            macField(provider, iso8583.MTIAuthorizationRequest, stan, trans),
	}))
	return msg
}

func reversal(spec *moov8583.MessageSpec, provider security.MACProvider, stan string) *moov8583.Message {
	trans := transmission()
	msg := moov8583.NewMessage(spec)
	must(msg.Marshal(&iso8583.ReversalRequest{
		MTI:          field.NewStringValue(iso8583.MTIReversalRequest),
		Transmission: field.NewStringValue(trans),
		STAN:         field.NewStringValue(stan),
		TerminalID:   field.NewStringValue(*flagTerminal),
		MAC:          macField(provider, iso8583.MTIReversalRequest, stan, trans),
	}))
	return msg
}

// macField is nil when the terminal has no secret; Marshal then leaves
// field 64 unset.
func macField(provider security.MACProvider, mti, stan, trans string) *field.Binary {
	if provider == nil {
		return nil
	}
	mac := must1(provider.ComputeMAC(security.MACData(mti, stan, trans, *flagTerminal)))
	return field.NewBinaryValue(mac)
}

// newSTAN returns a six digit trace number with no leading zero, so the value
// survives the wire's zero padding unchanged.
func newSTAN() string {
	return fmt.Sprintf("%d", 100000+rand.Intn(900000))
}

func transmission() string {
	return time.Now().UTC().Format("0102150405")
}

func strVal(f *field.String) string {
	if f == nil {
		return ""
	}
	return f.Value()
}

func getString(msg *moov8583.Message, index int) string {
	v, err := msg.GetString(index)
	if err != nil {
		return ""
	}
	return v
}

func must(err error) {
	if err != nil {
		fail("%v", err)
	}
}

func must1[T any](v T, err error) T {
	if err != nil {
		fail("%v", err)
	}
	return v
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
