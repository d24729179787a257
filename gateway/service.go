package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/cryptopos/paygate/gateway/models"
	"github.com/cryptopos/paygate/gateway/payout"
	"github.com/cryptopos/paygate/internal/card"
)

// Service runs every transaction through the same lifecycle regardless of
// origin: reserve the idempotency key, validate, dispatch the payout, settle.
type Service struct {
	logger     *slog.Logger
	repo       *Repository
	dispatcher *payout.Dispatcher
	cfg        *Config
}

func NewService(logger *slog.Logger, repo *Repository, dispatcher *payout.Dispatcher, cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Service{
		logger:     logger.With(slog.String("component", "gateway")),
		repo:       repo,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// Submit processes one transaction submission. The same idempotency key
// always resolves to the same record: finished records replay their result,
// in-flight ones are awaited, abandoned ones are adopted and driven to an
// outcome. ctx doubles as the origin-disconnect flag; persistence and payout
// never run on it.
func (s *Service) Submit(ctx context.Context, req models.TransactionRequest) (*models.TransactionResult, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("missing idempotency key")
	}

	created, rec, err := s.repo.Reserve(ctx, s.buildRecord(req))
	if err != nil {
		return nil, fmt.Errorf("reserving transaction: %w", err)
	}
	if created {
		return s.drive(ctx, rec, req)
	}

	if rec.State.IsFinal() {
		s.logger.Info("replaying stored outcome",
			slog.String("key", rec.IdempotencyKey), slog.String("state", string(rec.State)))
		return rec.Result(), nil
	}

	// Non-final and nobody in this process is driving it: a previous driver
	// crashed or another replica stalled. Adopt and finish the work.
	if s.repo.Acquire(rec.IdempotencyKey) {
		s.logger.Info("adopting abandoned transaction",
			slog.String("key", rec.IdempotencyKey), slog.String("state", string(rec.State)))
		return s.drive(ctx, rec, req)
	}

	return s.awaitOutcome(ctx, rec.IdempotencyKey)
}

// drive advances a record from its current state to a final one. Writes go
// through a background context: once accepted, a transaction settles even if
// its origin goes away. The origin context is only consulted at the
// pre-payout checkpoint.
func (s *Service) drive(ctx context.Context, rec *models.TransactionRecord, req models.TransactionRequest) (*models.TransactionResult, error) {
	key := rec.IdempotencyKey
	defer s.repo.Release(key)
	store := context.Background()

	if rec.State == models.StateReceived {
		next, err := s.repo.Transition(store, key, models.StateReceived, models.StateValidating, TransitionUpdate{})
		if errors.Is(err, ErrStaleState) {
			return s.awaitOutcome(ctx, key)
		}
		if err != nil {
			return nil, fmt.Errorf("starting validation: %w", err)
		}
		rec = next
	}

	if rec.State == models.StateValidating {
		if reason, code := s.validate(req); code != "" {
			return s.settle(key, models.StateValidating, models.StateDeclined, TransitionUpdate{
				ResponseCode: code,
				Reason:       reason,
			})
		}

		// Origin gone before the payout was committed to: resolve the record
		// instead of leaving it dangling. Past this point a disconnect no
		// longer stops the settlement.
		if ctx.Err() != nil {
			return s.settle(key, models.StateValidating, models.StateFailed, TransitionUpdate{
				ResponseCode: models.RespSystemError,
				Reason:       "origin disconnected",
			})
		}

		next, err := s.repo.Transition(store, key, models.StateValidating, models.StateAwaitingPayout, TransitionUpdate{})
		if errors.Is(err, ErrStaleState) {
			return s.currentResult(key)
		}
		if err != nil {
			return nil, fmt.Errorf("committing to payout: %w", err)
		}
		rec = next
	}

	if rec.State != models.StateAwaitingPayout {
		// Adopted record that was already settled elsewhere.
		return rec.Result(), nil
	}

	payCtx, cancel := context.WithTimeout(store, s.cfg.PayoutBudget)
	defer cancel()

	conf, err := s.dispatcher.Dispatch(payCtx, rec)
	if err != nil || conf.Status != payout.StatusConfirmed {
		reason := "payout failed"
		if err != nil {
			reason = err.Error()
		} else if conf.Reason != "" {
			reason = conf.Reason
		}
		s.logger.Error("payout not confirmed", slog.String("key", key), slog.String("reason", reason))
		return s.settle(key, models.StateAwaitingPayout, models.StateFailed, TransitionUpdate{
			ResponseCode: models.RespPayoutFailed,
			Reason:       reason,
		})
	}

	result, err := s.completePayout(payCtx, key, conf)
	if err != nil {
		return nil, err
	}
	s.logger.Info("transaction completed",
		slog.String("key", key), slog.String("payout_hash", conf.Hash))
	return result, nil
}

// completePayout lands a confirmed payout in COMPLETED. When a reversal won
// the race meanwhile, the settled funds are clawed back instead.
func (s *Service) completePayout(ctx context.Context, key string, conf *payout.Confirmation) (*models.TransactionResult, error) {
	rec, err := s.repo.Transition(context.Background(), key, models.StateAwaitingPayout, models.StateCompleted, TransitionUpdate{
		ResponseCode: models.RespApproved,
		ApprovalCode: generateApprovalCode(),
		PayoutRef:    conf.Ref,
		PayoutHash:   conf.Hash,
	})
	if errors.Is(err, ErrStaleState) {
		cur, gerr := s.repo.GetByKey(ctx, key)
		if gerr != nil {
			return nil, gerr
		}
		if cur.State == models.StateReversed {
			s.compensate(ctx, cur, conf.Ref)
		}
		return cur.Result(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("completing transaction: %w", err)
	}
	return rec.Result(), nil
}

// compensate reverses a payout that settled after its transaction was
// reversed. The reversal claim keeps the provider call single-shot.
func (s *Service) compensate(ctx context.Context, rec *models.TransactionRecord, ref string) {
	claimed, err := s.repo.MarkPayoutReversed(ctx, rec.IdempotencyKey)
	if err != nil || !claimed {
		return
	}
	if err := s.dispatcher.Reverse(ctx, ref); err != nil {
		s.logger.Error("compensating payout reversal failed",
			slog.String("key", rec.IdempotencyKey), slog.String("ref", ref), "err", err)
		s.repo.ClearPayoutReversed(ctx, rec.IdempotencyKey)
	}
}

// settle applies a final transition; when the guard loses, the record already
// settled through another path and that outcome wins.
func (s *Service) settle(key string, from, to models.State, upd TransitionUpdate) (*models.TransactionResult, error) {
	rec, err := s.repo.Transition(context.Background(), key, from, to, upd)
	if errors.Is(err, ErrStaleState) {
		return s.currentResult(key)
	}
	if err != nil {
		return nil, fmt.Errorf("settling transaction: %w", err)
	}
	return rec.Result(), nil
}

func (s *Service) currentResult(key string) (*models.TransactionResult, error) {
	rec, err := s.repo.GetByKey(context.Background(), key)
	if err != nil {
		return nil, err
	}
	return rec.Result(), nil
}

// awaitOutcome waits out an in-flight duplicate. Past the wait budget the
// caller gets the non-final snapshot, which maps to a retry-later response.
func (s *Service) awaitOutcome(ctx context.Context, key string) (*models.TransactionResult, error) {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitWait)
	defer cancel()

	rec, err := s.repo.WaitForOutcome(wctx, key)
	if rec == nil {
		return nil, err
	}
	return rec.Result(), nil
}

func (s *Service) buildRecord(req models.TransactionRequest) *models.TransactionRecord {
	rec := &models.TransactionRecord{
		ID:             uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		Origin:         req.Origin,
		AmountMinor:    req.AmountMinor,
		Currency:       strings.ToUpper(req.Currency),
		MerchantID:     req.MerchantID,
		Wallet:         req.Wallet,
		State:          models.StateReceived,
	}
	if req.Card != nil {
		rec.MaskedPAN = card.MaskPAN(req.Card.PAN)
	}
	return rec
}

// validate applies the business rules. An empty code means the request
// passed; otherwise the code is the decline answer for field 39.
func (s *Service) validate(req models.TransactionRequest) (string, string) {
	if req.AmountMinor < s.cfg.MinAmountMinor || req.AmountMinor > s.cfg.MaxAmountMinor {
		return fmt.Sprintf("amount %d outside [%d, %d]", req.AmountMinor, s.cfg.MinAmountMinor, s.cfg.MaxAmountMinor),
			models.RespInvalidAmount
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" || !contains(s.cfg.Currencies, currency) {
		return "unsupported currency " + req.Currency, models.RespInvalidTransaction
	}

	if req.MerchantID == "" {
		return "missing merchant", models.RespInvalidTransaction
	}
	if len(s.cfg.Merchants) > 0 && !contains(s.cfg.Merchants, req.MerchantID) {
		return "merchant not allowed", models.RespNotPermitted
	}

	if req.Origin == models.OriginTerminal {
		if req.Card == nil || req.Card.PAN == "" {
			return "missing card data", models.RespInvalidCard
		}
	}
	if req.Card != nil && req.Card.PAN != "" {
		if err := card.ValidatePAN(req.Card.PAN); err != nil {
			return "invalid card number", models.RespInvalidCard
		}
		if req.Card.Expiry == "" {
			return "missing card expiry", models.RespInvalidCard
		}
		expired, err := card.IsExpired(req.Card.Expiry, time.Now(), nil)
		if err != nil {
			return "invalid card expiry", models.RespInvalidCard
		}
		if expired {
			return "card expired", models.RespExpiredCard
		}
	}

	if req.Wallet != "" && !validWallet(req.Wallet) {
		return "invalid wallet address", models.RespDeclined
	}
	return "", ""
}

// Reverse voids the transaction a terminal refers to by (terminal, STAN).
func (s *Service) Reverse(ctx context.Context, terminalID, stan string) (*models.TransactionResult, error) {
	return s.reverseByKey(ctx, models.TerminalKey(terminalID, stan))
}

// ReverseByID voids a transaction by its record ID.
func (s *Service) ReverseByID(ctx context.Context, id string) (*models.TransactionResult, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.reverseByKey(ctx, rec.IdempotencyKey)
}

// reverseByKey moves a record to REVERSED. Live transactions are voided in
// place; completed ones additionally claw back the settled payout; declined,
// failed and already-reversed ones are acknowledged unchanged.
func (s *Service) reverseByKey(ctx context.Context, key string) (*models.TransactionResult, error) {
	for {
		rec, err := s.repo.GetByKey(ctx, key)
		if err != nil {
			return nil, err
		}

		switch rec.State {
		case models.StateReversed, models.StateDeclined, models.StateFailed:
			return rec.Result(), nil

		case models.StateCompleted:
			claimed, err := s.repo.MarkPayoutReversed(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("claiming payout reversal: %w", err)
			}
			if claimed {
				if err := s.dispatcher.Reverse(ctx, rec.PayoutRef); err != nil {
					s.repo.ClearPayoutReversed(ctx, key)
					return nil, fmt.Errorf("reversing payout: %w", err)
				}
			}
			next, err := s.repo.Transition(ctx, key, models.StateCompleted, models.StateReversed, TransitionUpdate{})
			if errors.Is(err, ErrStaleState) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("reversing transaction: %w", err)
			}
			s.logger.Info("completed transaction reversed", slog.String("key", key))
			return next.Result(), nil

		default:
			next, err := s.repo.Transition(ctx, key, rec.State, models.StateReversed, TransitionUpdate{})
			if errors.Is(err, ErrStaleState) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("reversing transaction: %w", err)
			}
			s.logger.Info("in-flight transaction reversed",
				slog.String("key", key), slog.String("was", string(rec.State)))
			return next.Result(), nil
		}
	}
}

// ConfirmPayout ingests a provider confirmation webhook. In-flight drivers
// take it through their waiter; records recovered after a crash are settled
// directly. Unknown references are acknowledged and logged, not failed, so
// the provider stops redelivering.
func (s *Service) ConfirmPayout(ctx context.Context, conf *payout.Confirmation) (*models.TransactionResult, error) {
	if s.dispatcher.HandleConfirmation(conf) {
		return nil, nil
	}

	rec, err := s.repo.GetByPayoutRef(ctx, conf.Ref)
	if errors.Is(err, models.ErrNotFound) {
		s.logger.Warn("confirmation for unknown payout", slog.String("ref", conf.Ref))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if rec.State.IsFinal() {
		return rec.Result(), nil
	}
	if rec.State != models.StateAwaitingPayout {
		return rec.Result(), nil
	}

	if conf.Status == payout.StatusConfirmed {
		return s.completePayout(ctx, rec.IdempotencyKey, conf)
	}
	reason := conf.Reason
	if reason == "" {
		reason = "payout " + strings.ToLower(string(conf.Status))
	}
	return s.settle(rec.IdempotencyKey, models.StateAwaitingPayout, models.StateFailed, TransitionUpdate{
		ResponseCode: models.RespPayoutFailed,
		Reason:       reason,
	})
}

func (s *Service) GetByID(ctx context.Context, id string) (*models.TransactionRecord, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding transaction: %w", err)
	}
	return rec, nil
}

func (s *Service) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*models.TransactionRecord, error) {
	recs, err := s.repo.ListByMerchant(ctx, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return recs, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// validWallet checks the destination against the TRC-20 address shape.
func validWallet(addr string) bool {
	return len(addr) == 34 && strings.HasPrefix(addr, "T")
}

func generateApprovalCode() string {
	return generateRandomNumber(6)
}

func generateRandomNumber(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		digits[i] = byte('0' + rand.Intn(10))
	}
	return string(digits)
}
