package models

import (
	"fmt"
	"time"
)

// Origin identifies where a transaction entered the gateway.
type Origin string

const (
	OriginWeb      Origin = "web"
	OriginTerminal Origin = "terminal"
)

// State is the lifecycle state of a transaction.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateValidating     State = "VALIDATING"
	StateAwaitingPayout State = "AWAITING_PAYOUT"
	StateCompleted      State = "COMPLETED"
	StateDeclined       State = "DECLINED"
	StateFailed         State = "FAILED"
	StateReversed       State = "REVERSED"
)

// ISO 8583 response codes (field 39) shared by both origins.
const (
	RespApproved           = "00"
	RespPayoutFailed       = "05"
	RespInvalidTransaction = "12"
	RespInvalidAmount      = "13"
	RespInvalidCard        = "14"
	RespRecordNotFound     = "25"
	RespFormatError        = "30"
	RespDeclined           = "51"
	RespExpiredCard        = "54"
	RespNotPermitted       = "58"
	RespSecurityFailure    = "89"
	RespTimeout            = "91"
	RespSystemError        = "96"
)

var (
	ErrNotFound          = fmt.Errorf("not found")
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
)

// TerminalKey is the idempotency key for a terminal-origin transaction:
// one key per (terminal, STAN) pair.
func TerminalKey(terminalID, stan string) string {
	return "term:" + terminalID + ":" + stan
}

// WebKey is the idempotency key for a web-origin transaction, derived from
// the client-supplied (or generated) request key.
func WebKey(requestKey string) string {
	return "web:" + requestKey
}

// transitions lists the allowed next states for each state. Terminal states
// have no successors; reversal is reachable from every live state and from
// COMPLETED (with a compensating payout reversal).
var transitions = map[State][]State{
	StateReceived:       {StateValidating, StateFailed, StateReversed},
	StateValidating:     {StateAwaitingPayout, StateDeclined, StateFailed, StateReversed},
	StateAwaitingPayout: {StateCompleted, StateFailed, StateReversed},
	StateCompleted:      {StateReversed},
	StateDeclined:       {},
	StateFailed:         {},
	StateReversed:       {},
}

// IsTerminal reports whether no further transitions are possible from s.
// COMPLETED is not terminal: it can still move to REVERSED.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsFinal reports whether the transaction outcome is settled for duplicate
// submissions: the original response is replayed instead of re-processing.
func (s State) IsFinal() bool {
	switch s {
	case StateCompleted, StateDeclined, StateFailed, StateReversed:
		return true
	}
	return false
}

func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// CardData carries card panels for terminal-origin transactions. The PAN is
// masked before the record is persisted.
type CardData struct {
	PAN    string
	Expiry string // YYMM
}

// TransactionRequest is a normalized submission from either origin.
type TransactionRequest struct {
	Origin         Origin
	IdempotencyKey string
	AmountMinor    int64
	Currency       string
	MerchantID     string
	PayerRef       string
	Wallet         string
	Card           *CardData
	TerminalID     string
	STAN           string
}

// TransactionRecord is the persisted view of a transaction, keyed by its
// idempotency key. A second submission with the same key never creates a
// second record.
type TransactionRecord struct {
	ID              string       `json:"id"`
	IdempotencyKey  string       `json:"idempotency_key"`
	Origin          Origin       `json:"origin"`
	AmountMinor     int64        `json:"amount"`
	Currency        string       `json:"currency"`
	MerchantID      string       `json:"merchant_id"`
	MaskedPAN       string       `json:"masked_pan,omitempty"`
	Wallet          string       `json:"wallet_address,omitempty"`
	State           State        `json:"state"`
	ResponseCode    string       `json:"response_code,omitempty"`
	ApprovalCode    string       `json:"approval_code,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	PayoutSubmitted bool         `json:"payout_submitted"`
	PayoutRef       string       `json:"payout_ref,omitempty"`
	PayoutHash      string       `json:"payout_hash,omitempty"`
	PayoutReversed  bool         `json:"payout_reversed"`
	Transitions     []Transition `json:"transitions"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Apply moves the record to the next state, recording the transition.
func (r *TransactionRecord) Apply(to State, at time.Time) error {
	if !CanTransition(r.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}
	r.Transitions = append(r.Transitions, Transition{From: r.State, To: to, At: at})
	r.State = to
	r.UpdatedAt = at
	return nil
}

// Clone returns a deep copy safe to hand out across goroutines.
func (r *TransactionRecord) Clone() *TransactionRecord {
	c := *r
	c.Transitions = append([]Transition(nil), r.Transitions...)
	return &c
}

// Result converts the record into the outcome returned to callers.
func (r *TransactionRecord) Result() *TransactionResult {
	return &TransactionResult{
		ID:           r.ID,
		State:        r.State,
		ResponseCode: r.ResponseCode,
		ApprovalCode: r.ApprovalCode,
		Reason:       r.Reason,
		PayoutHash:   r.PayoutHash,
	}
}

// TransactionResult is the outcome surfaced over both the ISO 8583 wire and
// the HTTP API.
type TransactionResult struct {
	ID           string `json:"id"`
	State        State  `json:"state"`
	ResponseCode string `json:"response_code"`
	ApprovalCode string `json:"approval_code,omitempty"`
	Reason       string `json:"reason,omitempty"`
	PayoutHash   string `json:"payout_hash,omitempty"`
}

// Approved reports whether the transaction ended in a completed payout.
func (t *TransactionResult) Approved() bool {
	return t.State == StateCompleted && t.ResponseCode == RespApproved
}
