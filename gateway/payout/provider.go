// Package payout dispatches crypto settlements for approved transactions and
// tracks their confirmations.
package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Asset identifies the settlement rail.
type Asset string

const AssetUSDTTRC20 Asset = "USDT_TRC20"

// Status of a payout at the provider.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusReversed  Status = "REVERSED"
)

func (s Status) Final() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusReversed
}

// Instruction is one transfer order. Ref is the gateway-assigned reference;
// providers treat it as an idempotency key, so resubmitting the same Ref must
// not move funds twice.
type Instruction struct {
	Ref        string
	Asset      Asset
	Amount     decimal.Decimal
	Wallet     string
	MerchantID string
}

// Submission is the provider's acceptance of an instruction.
type Submission struct {
	Ref    string
	Status Status
	Hash   string
}

// Confirmation is the settled outcome of a payout.
type Confirmation struct {
	Ref    string `json:"reference"`
	Status Status `json:"status"`
	Hash   string `json:"tx_hash,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ProviderError distinguishes retryable provider failures from permanent
// ones.
type ProviderError struct {
	Transient  bool
	StatusCode int
	Msg        string
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("payout provider: %s failure (status=%d): %s", kind, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("payout provider: %s failure: %s", kind, e.Msg)
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

// Provider is the settlement backend. Submit must be idempotent on
// Instruction.Ref. Reverse compensates an already-confirmed payout.
type Provider interface {
	Submit(ctx context.Context, ins Instruction) (*Submission, error)
	Status(ctx context.Context, ref string) (*Confirmation, error)
	Reverse(ctx context.Context, ref string) error
}

// SettlementAmount converts fiat minor units into settlement units at 1:1
// parity with six decimal places.
func SettlementAmount(amountMinor int64) decimal.Decimal {
	return decimal.New(amountMinor, -2).Round(6)
}
