package payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/cryptopos/paygate/gateway/models"
)

// Store is the slice of the transaction store the dispatcher needs to keep
// submissions at-most-once.
type Store interface {
	MarkPayoutSubmitted(ctx context.Context, key, payoutRef string) (bool, error)
	GetByKey(ctx context.Context, key string) (*models.TransactionRecord, error)
}

// DispatcherConfig tunes retry and confirmation behavior. Zero values fall
// back to defaults.
type DispatcherConfig struct {
	// MaxAttempts bounds submissions per payout; only transient provider
	// errors are retried.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ConfirmTimeout bounds the wait for a pending payout to settle.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// Wallets maps merchant IDs to their settlement wallets; DefaultWallet
	// covers merchants without a dedicated entry.
	Wallets       map[string]string
	DefaultWallet string
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Dispatcher drives payouts to the provider. The submitted flag is claimed in
// the store before the first network call, so a record never pays out twice
// even across crashed and restarted drivers.
type Dispatcher struct {
	logger   *slog.Logger
	provider Provider
	store    Store
	cfg      DispatcherConfig

	mu      sync.Mutex
	pending map[string]chan *Confirmation
}

func NewDispatcher(logger *slog.Logger, provider Provider, store Store, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With(slog.String("component", "payout")),
		provider: provider,
		store:    store,
		cfg:      cfg.withDefaults(),
		pending:  make(map[string]chan *Confirmation),
	}
}

// Dispatch settles one approved transaction and returns its confirmation.
// Mechanical failures (exhausted retries, confirmation timeout, permanent
// provider errors) come back as errors; a settled-but-failed payout comes
// back as a FAILED confirmation.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *models.TransactionRecord) (*Confirmation, error) {
	wallet := d.resolveWallet(rec)
	if wallet == "" {
		return nil, &ProviderError{Msg: "no settlement wallet for merchant " + rec.MerchantID}
	}

	ref := rec.PayoutRef
	if ref == "" {
		ref = uuid.New().String()
	}

	claimed, err := d.store.MarkPayoutSubmitted(ctx, rec.IdempotencyKey, ref)
	if err != nil {
		return nil, fmt.Errorf("claiming payout submission: %w", err)
	}
	if !claimed {
		// Another driver already submitted, possibly before a crash. Resolve
		// through the provider instead of moving funds again.
		cur, err := d.store.GetByKey(ctx, rec.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if cur.PayoutRef == "" {
			return nil, fmt.Errorf("payout claimed without a reference for %s", rec.IdempotencyKey)
		}
		d.logger.Info("payout already submitted, awaiting confirmation",
			slog.String("ref", cur.PayoutRef), slog.String("key", rec.IdempotencyKey))
		return d.confirm(ctx, cur.PayoutRef)
	}

	ins := Instruction{
		Ref:        ref,
		Asset:      AssetUSDTTRC20,
		Amount:     SettlementAmount(rec.AmountMinor),
		Wallet:     wallet,
		MerchantID: rec.MerchantID,
	}
	sub, err := d.submit(ctx, ins)
	if err != nil {
		return nil, err
	}
	d.logger.Info("payout submitted",
		slog.String("ref", ref),
		slog.String("amount", ins.Amount.StringFixed(6)),
		slog.String("status", string(sub.Status)))

	if sub.Status.Final() {
		return &Confirmation{Ref: sub.Ref, Status: sub.Status, Hash: sub.Hash}, nil
	}
	return d.confirm(ctx, ref)
}

func (d *Dispatcher) resolveWallet(rec *models.TransactionRecord) string {
	if rec.Wallet != "" {
		return rec.Wallet
	}
	if w, ok := d.cfg.Wallets[rec.MerchantID]; ok && w != "" {
		return w
	}
	return d.cfg.DefaultWallet
}

// submit retries transient provider errors with exponential backoff.
func (d *Dispatcher) submit(ctx context.Context, ins Instruction) (*Submission, error) {
	backoff := d.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		sub, err := d.provider.Submit(ctx, ins)
		if err == nil {
			return sub, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
		d.logger.Warn("transient payout failure",
			slog.String("ref", ins.Ref), slog.Int("attempt", attempt), "err", err)

		if attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}
	return nil, fmt.Errorf("payout attempts exhausted: %w", lastErr)
}

// confirm waits for a pending payout to settle, through the provider webhook
// when one arrives and by polling otherwise.
func (d *Dispatcher) confirm(ctx context.Context, ref string) (*Confirmation, error) {
	waiter := d.register(ref)
	defer d.deregister(ref)

	deadline := time.NewTimer(d.cfg.ConfirmTimeout)
	defer deadline.Stop()

	for {
		conf, err := d.provider.Status(ctx, ref)
		if err != nil && !IsTransient(err) {
			return nil, err
		}
		if err == nil && conf.Status.Final() {
			return conf, nil
		}

		poll := time.NewTimer(d.cfg.PollInterval)
		select {
		case conf := <-waiter:
			poll.Stop()
			if conf.Status.Final() {
				return conf, nil
			}
		case <-poll.C:
		case <-deadline.C:
			poll.Stop()
			return nil, fmt.Errorf("payout %s unconfirmed after %s", ref, d.cfg.ConfirmTimeout)
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		}
	}
}

// HandleConfirmation routes a provider webhook to the driver waiting on its
// payout. Returns false when no driver is in flight for the reference, in
// which case the caller settles the record directly.
func (d *Dispatcher) HandleConfirmation(conf *Confirmation) bool {
	d.mu.Lock()
	ch, ok := d.pending[conf.Ref]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- conf:
	default:
	}
	return true
}

// Reverse compensates a confirmed payout.
func (d *Dispatcher) Reverse(ctx context.Context, ref string) error {
	if err := d.provider.Reverse(ctx, ref); err != nil {
		return err
	}
	d.logger.Info("payout reversed", slog.String("ref", ref))
	return nil
}

func (d *Dispatcher) register(ref string) chan *Confirmation {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan *Confirmation, 1)
	d.pending[ref] = ch
	return ch
}

func (d *Dispatcher) deregister(ref string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, ref)
}
