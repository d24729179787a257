package payout

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// NewTxHash returns a random 32-byte transaction hash in 0x-hex form.
func NewTxHash() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return "0x" + hex.EncodeToString(buf)
}

// Sandbox is an in-process provider for development and tests. By default
// every submission confirms immediately with a fresh transaction hash.
// Failure scripts and held confirmations are injectable.
type Sandbox struct {
	mu        sync.Mutex
	transfers map[string]*Confirmation
	scripted  []error
	hold      bool
}

func NewSandbox() *Sandbox {
	return &Sandbox{transfers: make(map[string]*Confirmation)}
}

// FailSubmits queues errors returned by the next Submit calls, in order.
func (s *Sandbox) FailSubmits(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted = append(s.scripted, errs...)
}

// HoldConfirmations makes submissions stay PENDING until Release or Fail.
func (s *Sandbox) HoldConfirmations(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = hold
}

func (s *Sandbox) Submit(ctx context.Context, ins Instruction) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.scripted) > 0 {
		err := s.scripted[0]
		s.scripted = s.scripted[1:]
		return nil, err
	}
	if ins.Wallet == "" {
		return nil, &ProviderError{Msg: "missing destination wallet"}
	}
	if !ins.Amount.IsPositive() {
		return nil, &ProviderError{Msg: "non-positive amount " + ins.Amount.String()}
	}

	// Resubmission with a known ref replays the original outcome.
	if conf, ok := s.transfers[ins.Ref]; ok {
		return &Submission{Ref: conf.Ref, Status: conf.Status, Hash: conf.Hash}, nil
	}

	conf := &Confirmation{Ref: ins.Ref, Status: StatusConfirmed, Hash: NewTxHash()}
	if s.hold {
		conf.Status = StatusPending
		conf.Hash = ""
	}
	s.transfers[ins.Ref] = conf
	return &Submission{Ref: conf.Ref, Status: conf.Status, Hash: conf.Hash}, nil
}

func (s *Sandbox) Status(ctx context.Context, ref string) (*Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conf, ok := s.transfers[ref]
	if !ok {
		return nil, &ProviderError{Msg: "unknown transfer " + ref}
	}
	c := *conf
	return &c, nil
}

func (s *Sandbox) Reverse(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conf, ok := s.transfers[ref]
	if !ok {
		return &ProviderError{Msg: "unknown transfer " + ref}
	}
	conf.Status = StatusReversed
	return nil
}

// Release settles a held transfer with a fresh hash. Returns the
// confirmation so tests can feed it back through the webhook path.
func (s *Sandbox) Release(ref string) (*Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conf, ok := s.transfers[ref]
	if !ok {
		return nil, fmt.Errorf("unknown transfer %s", ref)
	}
	conf.Status = StatusConfirmed
	conf.Hash = NewTxHash()
	c := *conf
	return &c, nil
}

// Fail settles a held transfer as failed.
func (s *Sandbox) Fail(ref, reason string) (*Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conf, ok := s.transfers[ref]
	if !ok {
		return nil, fmt.Errorf("unknown transfer %s", ref)
	}
	conf.Status = StatusFailed
	conf.Reason = reason
	c := *conf
	return &c, nil
}

var _ Provider = (*Sandbox)(nil)
