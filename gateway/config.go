package gateway

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cryptopos/paygate/gateway/iso8583"
)

// Config is a configuration for the gateway application
type Config struct {
	HTTPAddr    string
	ISO8583Addr string

	// RepoBackend selects the transaction store: "sqlite", "pg" or "mem".
	RepoBackend string
	DBDSN       string

	// MinAmountMinor and MaxAmountMinor bound a single transaction, in minor
	// units of its currency.
	MinAmountMinor int64
	MaxAmountMinor int64
	// Currencies lists the accepted transaction currencies.
	Currencies []string
	// Merchants optionally restricts accepted merchant IDs. Empty allows all.
	Merchants []string

	// SubmitWait bounds how long a submission waits for an in-flight
	// duplicate to settle before answering with a retry-later code.
	SubmitWait time.Duration
	// PayoutBudget bounds the payout drive of an approved transaction. The
	// drive runs detached from the origin connection: a disconnect never
	// aborts a payout already under way.
	PayoutBudget time.Duration

	// ISO 8583 wire tuning.
	ResponseTimeout    time.Duration
	IdleTimeout        time.Duration
	MaxMessageSize     int
	MalformedThreshold int
	// TerminalSecrets maps terminal IDs to MAC secrets. Terminals listed
	// here must sign on with a valid MAC before transacting.
	TerminalSecrets map[string]string

	// Wallets maps merchant IDs to settlement wallets; DefaultWallet covers
	// merchants without a dedicated entry.
	Wallets       map[string]string
	DefaultWallet string
	// PayoutProvider selects the settlement backend: "sandbox" or "trc20".
	PayoutProvider       string
	PayoutURL            string
	PayoutAPIKey         string
	PayoutMaxAttempts    int
	PayoutConfirmTimeout time.Duration
	PayoutPollInterval   time.Duration

	// Dictionary overrides field ordering on the ISO 8583 wire for terminal
	// fleets with a non-default layout.
	Dictionary *iso8583.Dictionary

	// APISecret enables HMAC signing of mutating HTTP requests when set.
	APISecret string
	// AllowedOrigins configures CORS for browser checkouts.
	AllowedOrigins []string
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:       "localhost:8080",
		ISO8583Addr:    "localhost:8583",
		RepoBackend:    "sqlite",
		DBDSN:          "paygate.db",
		MinAmountMinor: 100,
		MaxAmountMinor: 5000000,
		Currencies:     []string{"USD"},
		SubmitWait:     5 * time.Second,
		PayoutBudget:   45 * time.Second,
		PayoutProvider: "sandbox",
		DefaultWallet:  "Txxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx",
		AllowedOrigins: []string{"*"},
	}
}

// LoadConfig builds a Config from the environment; unset variables keep the
// DefaultConfig values.
func LoadConfig() *Config {
	cfg := DefaultConfig()

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ISO8583Addr = getenv("ISO8583_ADDR", cfg.ISO8583Addr)
	cfg.RepoBackend = getenv("REPO_BACKEND", cfg.RepoBackend)
	cfg.DBDSN = getenv("DB_DSN", cfg.DBDSN)

	cfg.MinAmountMinor = getenvInt64("MIN_AMOUNT_MINOR", cfg.MinAmountMinor)
	cfg.MaxAmountMinor = getenvInt64("MAX_AMOUNT_MINOR", cfg.MaxAmountMinor)
	if v := os.Getenv("CURRENCIES"); v != "" {
		cfg.Currencies = splitList(v)
	}
	if v := os.Getenv("MERCHANTS"); v != "" {
		cfg.Merchants = splitList(v)
	}

	cfg.PayoutProvider = getenv("PAYOUT_PROVIDER", cfg.PayoutProvider)
	cfg.PayoutURL = getenv("PAYOUT_URL", cfg.PayoutURL)
	cfg.PayoutAPIKey = getenv("PAYOUT_API_KEY", cfg.PayoutAPIKey)
	cfg.DefaultWallet = getenv("MERCHANT_WALLET", cfg.DefaultWallet)

	cfg.APISecret = getenv("API_SECRET", cfg.APISecret)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("TERMINAL_SECRETS"); v != "" {
		cfg.TerminalSecrets = parseSecrets(v)
	}
	return cfg
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSecrets reads "TERM0001:secret,TERM0002:secret" into a map.
func parseSecrets(v string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitList(v) {
		if term, secret, ok := strings.Cut(pair, ":"); ok && term != "" && secret != "" {
			out[term] = secret
		}
	}
	return out
}
