package gateway

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/cryptopos/paygate/gateway/models"
	"github.com/cryptopos/paygate/gateway/payout"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func newTestService(t *testing.T, tune func(*Config)) (*Service, *Repository, *payout.Sandbox) {
	t.Helper()
	repo := NewRepository()
	sandbox := payout.NewSandbox()

	cfg := DefaultConfig()
	cfg.SubmitWait = 2 * time.Second
	cfg.PayoutBudget = 5 * time.Second
	if tune != nil {
		tune(cfg)
	}

	dispatcher := payout.NewDispatcher(newTestLogger(), sandbox, repo, payout.DispatcherConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		ConfirmTimeout: 2 * time.Second,
	})
	return NewService(newTestLogger(), repo, dispatcher, cfg), repo, sandbox
}

func webRequest(key string) models.TransactionRequest {
	return models.TransactionRequest{
		Origin:         models.OriginWeb,
		IdempotencyKey: models.WebKey(key),
		AmountMinor:    2500,
		Currency:       "USD",
		MerchantID:     "merchant-1",
		PayerRef:       "payer-77",
	}
}

func terminalRequest(stan string) models.TransactionRequest {
	return models.TransactionRequest{
		Origin:         models.OriginTerminal,
		IdempotencyKey: models.TerminalKey("TERM0001", stan),
		AmountMinor:    2500,
		Currency:       "USD",
		MerchantID:     "merchant-1",
		TerminalID:     "TERM0001",
		STAN:           stan,
		Card:           &models.CardData{PAN: "4242424242424242", Expiry: "3012"},
	}
}

func TestSubmitCompletesWebTransaction(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)

	res, err := svc.Submit(context.Background(), webRequest("w-1"))
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, res.State)
	require.Equal(t, models.RespApproved, res.ResponseCode)
	require.Len(t, res.ApprovalCode, 6)
	require.True(t, strings.HasPrefix(res.PayoutHash, "0x"))

	rec, err := repo.GetByKey(context.Background(), models.WebKey("w-1"))
	require.NoError(t, err)
	require.True(t, rec.PayoutSubmitted)
	require.NotEmpty(t, rec.PayoutRef)
	require.Len(t, rec.Transitions, 3)
	require.Equal(t, models.StateValidating, rec.Transitions[0].To)
	require.Equal(t, models.StateAwaitingPayout, rec.Transitions[1].To)
	require.Equal(t, models.StateCompleted, rec.Transitions[2].To)
}

func TestSubmitCompletesTerminalTransaction(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)

	res, err := svc.Submit(context.Background(), terminalRequest("101"))
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, res.State)

	rec, err := repo.GetByKey(context.Background(), models.TerminalKey("TERM0001", "101"))
	require.NoError(t, err)
	require.Equal(t, "424242******4242", rec.MaskedPAN, "full PAN must never be stored")
}

func TestSubmitValidationDeclines(t *testing.T) {
	tests := []struct {
		name     string
		tune     func(*Config)
		mutate   func(*models.TransactionRequest)
		wantCode string
	}{
		{
			name:     "amount below minimum",
			mutate:   func(r *models.TransactionRequest) { r.AmountMinor = 5 },
			wantCode: models.RespInvalidAmount,
		},
		{
			name:     "amount above maximum",
			mutate:   func(r *models.TransactionRequest) { r.AmountMinor = 10000000 },
			wantCode: models.RespInvalidAmount,
		},
		{
			name:     "unsupported currency",
			mutate:   func(r *models.TransactionRequest) { r.Currency = "EUR" },
			wantCode: models.RespInvalidTransaction,
		},
		{
			name:     "missing merchant",
			mutate:   func(r *models.TransactionRequest) { r.MerchantID = "" },
			wantCode: models.RespInvalidTransaction,
		},
		{
			name:     "merchant not in allowlist",
			tune:     func(c *Config) { c.Merchants = []string{"someone-else"} },
			mutate:   func(r *models.TransactionRequest) {},
			wantCode: models.RespNotPermitted,
		},
		{
			name:     "invalid wallet",
			mutate:   func(r *models.TransactionRequest) { r.Wallet = "not-a-wallet" },
			wantCode: models.RespDeclined,
		},
	}

	for i, tt := range tests {
		tt := tt
		i := i
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _ := newTestService(t, tt.tune)
			req := webRequest("decline-" + uuid.New().String())
			tt.mutate(&req)

			res, err := svc.Submit(context.Background(), req)
			require.NoError(t, err)
			require.Equal(t, models.StateDeclined, res.State)
			require.Equal(t, tt.wantCode, res.ResponseCode)
			require.NotEmpty(t, res.Reason)

			rec, err := repo.GetByKey(context.Background(), req.IdempotencyKey)
			require.NoError(t, err)
			require.Equal(t, models.StateDeclined, rec.State, "case %d persists the decline", i)
			require.False(t, rec.PayoutSubmitted, "declined transactions never reach the provider")
		})
	}
}

func TestSubmitCardValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*models.TransactionRequest)
		wantCode string
	}{
		{
			name:     "missing card",
			mutate:   func(r *models.TransactionRequest) { r.Card = nil },
			wantCode: models.RespInvalidCard,
		},
		{
			name:     "luhn failure",
			mutate:   func(r *models.TransactionRequest) { r.Card.PAN = "4242424242424241" },
			wantCode: models.RespInvalidCard,
		},
		{
			name:     "malformed expiry",
			mutate:   func(r *models.TransactionRequest) { r.Card.Expiry = "13xx" },
			wantCode: models.RespInvalidCard,
		},
		{
			name:     "expired card",
			mutate:   func(r *models.TransactionRequest) { r.Card.Expiry = "2001" },
			wantCode: models.RespExpiredCard,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t, nil)
			req := terminalRequest(uuid.New().String()[:6])
			tt.mutate(&req)

			res, err := svc.Submit(context.Background(), req)
			require.NoError(t, err)
			require.Equal(t, models.StateDeclined, res.State)
			require.Equal(t, tt.wantCode, res.ResponseCode)
		})
	}
}

func TestSubmitReplaysDuplicates(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	req := webRequest("dup-1")

	first, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, first.State)

	second, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.ApprovalCode, second.ApprovalCode)
	require.Equal(t, first.PayoutHash, second.PayoutHash, "replay, not a second payout")
}

func TestSubmitConcurrentSameKey(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)
	ctx := context.Background()
	req := webRequest("race-1")

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan *models.TransactionResult, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Submit(ctx, req)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	var ids, hashes []string
	for res := range results {
		require.Equal(t, models.StateCompleted, res.State)
		ids = append(ids, res.ID)
		hashes = append(hashes, res.PayoutHash)
	}
	require.Len(t, ids, workers)
	for i := 1; i < workers; i++ {
		require.Equal(t, ids[0], ids[i], "every caller sees the same record")
		require.Equal(t, hashes[0], hashes[i], "every caller sees the same payout")
	}

	rec, err := repo.GetByKey(ctx, req.IdempotencyKey)
	require.NoError(t, err)
	validating := 0
	for _, tr := range rec.Transitions {
		if tr.To == models.StateValidating {
			validating++
		}
	}
	require.Equal(t, 1, validating, "exactly one VALIDATING transition")
}

func TestSubmitPayoutFailure(t *testing.T) {
	svc, repo, sandbox := newTestService(t, nil)
	sandbox.FailSubmits(&payout.ProviderError{StatusCode: 400, Msg: "wallet frozen"})

	req := webRequest("payfail-1")
	res, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, res.State)
	require.Equal(t, models.RespPayoutFailed, res.ResponseCode)
	require.Contains(t, res.Reason, "wallet frozen")

	rec, err := repo.GetByKey(context.Background(), req.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, rec.State)
}

func TestSubmitOriginDisconnected(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := webRequest("gone-1")
	res, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, res.State)
	require.Equal(t, "origin disconnected", res.Reason)

	// The record is settled, not dangling: a retry replays it.
	rec, err := repo.GetByKey(context.Background(), req.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, rec.State)
	require.False(t, rec.PayoutSubmitted, "disconnect before commitment must not pay out")
}

func TestSubmitInFlightDuplicateTimesOut(t *testing.T) {
	svc, repo, sandbox := newTestService(t, func(c *Config) {
		c.SubmitWait = 50 * time.Millisecond
	})
	sandbox.HoldConfirmations(true)
	ctx := context.Background()
	req := webRequest("inflight-1")

	done := make(chan *models.TransactionResult, 1)
	go func() {
		res, err := svc.Submit(ctx, req)
		if err == nil {
			done <- res
		}
	}()

	// Wait until the first driver is committed and blocked on confirmation.
	require.Eventually(t, func() bool {
		rec, err := repo.GetByKey(ctx, req.IdempotencyKey)
		return err == nil && rec.State == models.StateAwaitingPayout && rec.PayoutRef != ""
	}, 2*time.Second, 5*time.Millisecond)

	dup, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, models.StateAwaitingPayout, dup.State, "past the wait budget the caller sees the in-flight snapshot")
	require.Empty(t, dup.ResponseCode)

	rec, err := repo.GetByKey(ctx, req.IdempotencyKey)
	require.NoError(t, err)
	_, err = sandbox.Release(rec.PayoutRef)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.Equal(t, models.StateCompleted, res.State)
	case <-time.After(5 * time.Second):
		t.Fatal("first driver never settled")
	}
}

func TestReverseCompletedClawsBackPayout(t *testing.T) {
	svc, repo, sandbox := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.Submit(ctx, terminalRequest("201"))
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, res.State)

	rev, err := svc.Reverse(ctx, "TERM0001", "201")
	require.NoError(t, err)
	require.Equal(t, models.StateReversed, rev.State)

	rec, err := repo.GetByKey(ctx, models.TerminalKey("TERM0001", "201"))
	require.NoError(t, err)
	require.True(t, rec.PayoutReversed)

	conf, err := sandbox.Status(ctx, rec.PayoutRef)
	require.NoError(t, err)
	require.Equal(t, payout.StatusReversed, conf.Status, "settled funds are clawed back")
}

func TestReverseIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Submit(ctx, terminalRequest("202"))
	require.NoError(t, err)

	first, err := svc.Reverse(ctx, "TERM0001", "202")
	require.NoError(t, err)
	require.Equal(t, models.StateReversed, first.State)

	second, err := svc.Reverse(ctx, "TERM0001", "202")
	require.NoError(t, err)
	require.Equal(t, models.StateReversed, second.State)
}

func TestReverseDeclinedLeavesStateAlone(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	req := terminalRequest("203")
	req.AmountMinor = 1
	res, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, models.StateDeclined, res.State)

	rev, err := svc.Reverse(ctx, "TERM0001", "203")
	require.NoError(t, err)
	require.Equal(t, models.StateDeclined, rev.State, "nothing to void on a declined transaction")
}

func TestReverseUnknownTransaction(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, err := svc.Reverse(context.Background(), "TERM0001", "999")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestReverseByID(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.Submit(ctx, webRequest("revid-1"))
	require.NoError(t, err)

	rev, err := svc.ReverseByID(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateReversed, rev.State)

	_, err = svc.ReverseByID(ctx, uuid.New().String())
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestConfirmPayoutSettlesRecoveredRecord(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)
	ctx := context.Background()

	// A record left AWAITING_PAYOUT with a claimed submission, as after a
	// crash between submit and confirmation.
	seed := seedRecord("web:recovered-1")
	_, _, err := repo.Reserve(ctx, seed)
	require.NoError(t, err)
	key := seed.IdempotencyKey
	repo.Release(key)
	_, err = repo.Transition(ctx, key, models.StateReceived, models.StateValidating, TransitionUpdate{})
	require.NoError(t, err)
	_, err = repo.Transition(ctx, key, models.StateValidating, models.StateAwaitingPayout, TransitionUpdate{})
	require.NoError(t, err)
	claimed, err := repo.MarkPayoutSubmitted(ctx, key, "po-recovered-1")
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := svc.ConfirmPayout(ctx, &payout.Confirmation{
		Ref:    "po-recovered-1",
		Status: payout.StatusConfirmed,
		Hash:   payout.NewTxHash(),
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, models.StateCompleted, res.State)
	require.Len(t, res.ApprovalCode, 6)

	rec, err := repo.GetByKey(ctx, key)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, rec.State)
	require.NotEmpty(t, rec.PayoutHash)
}

func TestConfirmPayoutFailureSettlesFailed(t *testing.T) {
	svc, repo, _ := newTestService(t, nil)
	ctx := context.Background()

	seed := seedRecord("web:recovered-2")
	_, _, err := repo.Reserve(ctx, seed)
	require.NoError(t, err)
	key := seed.IdempotencyKey
	repo.Release(key)
	_, err = repo.Transition(ctx, key, models.StateReceived, models.StateValidating, TransitionUpdate{})
	require.NoError(t, err)
	_, err = repo.Transition(ctx, key, models.StateValidating, models.StateAwaitingPayout, TransitionUpdate{})
	require.NoError(t, err)
	_, err = repo.MarkPayoutSubmitted(ctx, key, "po-recovered-2")
	require.NoError(t, err)

	res, err := svc.ConfirmPayout(ctx, &payout.Confirmation{
		Ref:    "po-recovered-2",
		Status: payout.StatusFailed,
		Reason: "chain congestion",
	})
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, res.State)
	require.Equal(t, models.RespPayoutFailed, res.ResponseCode)
	require.Equal(t, "chain congestion", res.Reason)
}

func TestConfirmPayoutUnknownRefAcknowledged(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	res, err := svc.ConfirmPayout(context.Background(), &payout.Confirmation{
		Ref:    "po-unknown",
		Status: payout.StatusConfirmed,
	})
	require.NoError(t, err, "unknown refs are logged, not failed")
	require.Nil(t, res)
}
