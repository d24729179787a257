package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"

	"github.com/cryptopos/paygate/gateway/models"
)

// ErrStaleState reports a guarded transition that lost a race: the record
// moved on since the caller read it.
var ErrStaleState = fmt.Errorf("stale state")

// timeLayout is RFC3339 with fixed-width nanoseconds so stored timestamps
// sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// TransitionUpdate carries the outcome fields a transition may set. Empty
// fields leave the stored value untouched.
type TransitionUpdate struct {
	ResponseCode string
	ApprovalCode string
	Reason       string
	PayoutRef    string
	PayoutHash   string
}

// Repository stores transaction records keyed by idempotency key. With no db
// it keeps records in memory; with a db it runs against PostgreSQL or SQLite
// over the same statements. Waiters and drive ownership are in-process
// either way: concurrent replicas are serialized by the state-guarded
// updates, not by the owner registry.
type Repository struct {
	db *sql.DB

	mu      sync.RWMutex
	records map[string]*models.TransactionRecord
	byID    map[string]string

	wmu     sync.Mutex
	waiters map[string]chan struct{}
	owners  map[string]struct{}

	pollInterval time.Duration
}

func NewRepository() *Repository {
	return &Repository{
		records:      make(map[string]*models.TransactionRecord),
		byID:         make(map[string]string),
		waiters:      make(map[string]chan struct{}),
		owners:       make(map[string]struct{}),
		pollInterval: 250 * time.Millisecond,
	}
}

// NewSQLRepository constructs a db-backed repository.
func NewSQLRepository(db *sql.DB) *Repository {
	r := NewRepository()
	r.db = db
	return r
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS gateway_transactions (
		tx_id            TEXT PRIMARY KEY,
		idempotency_key  TEXT NOT NULL UNIQUE,
		origin           TEXT NOT NULL,
		amount_minor     BIGINT NOT NULL,
		currency         TEXT NOT NULL,
		merchant_id      TEXT NOT NULL,
		masked_pan       TEXT NOT NULL DEFAULT '',
		wallet           TEXT NOT NULL DEFAULT '',
		state            TEXT NOT NULL,
		response_code    TEXT NOT NULL DEFAULT '',
		approval_code    TEXT NOT NULL DEFAULT '',
		reason           TEXT NOT NULL DEFAULT '',
		payout_submitted BOOLEAN NOT NULL DEFAULT FALSE,
		payout_ref       TEXT NOT NULL DEFAULT '',
		payout_hash      TEXT NOT NULL DEFAULT '',
		payout_reversed  BOOLEAN NOT NULL DEFAULT FALSE,
		transitions      TEXT NOT NULL DEFAULT '[]',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gateway_tx_merchant ON gateway_transactions(merchant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_gateway_tx_payout_ref ON gateway_transactions(payout_ref)`,
}

// Migrate creates the schema. No-op for the in-memory backend.
func (r *Repository) Migrate(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	for _, stmt := range migrations {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}

// Reserve inserts the seed record unless its idempotency key is taken.
// Exactly one caller per key observes created=true and becomes the drive
// owner; everyone else gets the current record.
func (r *Repository) Reserve(ctx context.Context, seed *models.TransactionRecord) (bool, *models.TransactionRecord, error) {
	now := time.Now().UTC()
	if seed.CreatedAt.IsZero() {
		seed.CreatedAt = now
	}
	if seed.UpdatedAt.IsZero() {
		seed.UpdatedAt = now
	}

	if r.db == nil {
		r.mu.Lock()
		if existing, ok := r.records[seed.IdempotencyKey]; ok {
			snapshot := existing.Clone()
			r.mu.Unlock()
			return false, snapshot, nil
		}
		stored := seed.Clone()
		r.records[stored.IdempotencyKey] = stored
		r.byID[stored.ID] = stored.IdempotencyKey
		r.Acquire(stored.IdempotencyKey)
		r.mu.Unlock()
		return true, stored.Clone(), nil
	}

	transitions, err := json.Marshal(seed.Transitions)
	if err != nil {
		return false, nil, fmt.Errorf("encoding transitions: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO gateway_transactions(
			tx_id, idempotency_key, origin, amount_minor, currency, merchant_id,
			masked_pan, wallet, state, response_code, approval_code, reason,
			payout_submitted, payout_ref, payout_hash, payout_reversed,
			transitions, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, seed.ID, seed.IdempotencyKey, string(seed.Origin), seed.AmountMinor, seed.Currency, seed.MerchantID,
		seed.MaskedPAN, seed.Wallet, string(seed.State), seed.ResponseCode, seed.ApprovalCode, seed.Reason,
		seed.PayoutSubmitted, seed.PayoutRef, seed.PayoutHash, seed.PayoutReversed,
		string(transitions), formatTime(seed.CreatedAt), formatTime(seed.UpdatedAt))
	if err != nil && !isUniqueViolation(err) {
		return false, nil, err
	}
	if err == nil {
		if rows, rerr := res.RowsAffected(); rerr == nil && rows == 1 {
			r.Acquire(seed.IdempotencyKey)
			return true, seed.Clone(), nil
		}
	}

	existing, err := r.GetByKey(ctx, seed.IdempotencyKey)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *Repository) GetByKey(ctx context.Context, key string) (*models.TransactionRecord, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		rec, ok := r.records[key]
		if !ok {
			return nil, models.ErrNotFound
		}
		return rec.Clone(), nil
	}
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE idempotency_key = $1`, key)
	return scanRecord(row)
}

func (r *Repository) GetByID(ctx context.Context, id string) (*models.TransactionRecord, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		key, ok := r.byID[id]
		if !ok {
			return nil, models.ErrNotFound
		}
		return r.records[key].Clone(), nil
	}
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE tx_id = $1`, id)
	return scanRecord(row)
}

// GetByPayoutRef resolves the record a payout confirmation refers to.
func (r *Repository) GetByPayoutRef(ctx context.Context, ref string) (*models.TransactionRecord, error) {
	if ref == "" {
		return nil, models.ErrNotFound
	}
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, rec := range r.records {
			if rec.PayoutRef == ref {
				return rec.Clone(), nil
			}
		}
		return nil, models.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE payout_ref = $1`, ref)
	return scanRecord(row)
}

// ListByMerchant returns the merchant's transactions, newest first.
func (r *Repository) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*models.TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var out []*models.TransactionRecord
		for _, rec := range r.records {
			if rec.MerchantID == merchantID {
				out = append(out, rec.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, selectColumns+` WHERE merchant_id = $1 ORDER BY created_at DESC LIMIT $2`, merchantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transition moves a record from one state to another, applying the update's
// non-empty outcome fields. The from-state is a guard: a record that moved on
// yields ErrStaleState and no change. Waiters wake when the record lands in a
// final state.
func (r *Repository) Transition(ctx context.Context, key string, from, to models.State, upd TransitionUpdate) (*models.TransactionRecord, error) {
	now := time.Now().UTC()

	if r.db == nil {
		r.mu.Lock()
		rec, ok := r.records[key]
		if !ok {
			r.mu.Unlock()
			return nil, models.ErrNotFound
		}
		if rec.State != from {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStaleState, key, rec.State, from)
		}
		if err := rec.Apply(to, now); err != nil {
			r.mu.Unlock()
			return nil, err
		}
		applyUpdate(rec, upd)
		snapshot := rec.Clone()
		r.mu.Unlock()
		if to.IsFinal() {
			r.wake(key)
		}
		return snapshot, nil
	}

	rec, err := r.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.State != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStaleState, key, rec.State, from)
	}
	if err := rec.Apply(to, now); err != nil {
		return nil, err
	}
	applyUpdate(rec, upd)

	transitions, err := json.Marshal(rec.Transitions)
	if err != nil {
		return nil, fmt.Errorf("encoding transitions: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE gateway_transactions
		   SET state = $1, response_code = $2, approval_code = $3, reason = $4,
		       payout_ref = $5, payout_hash = $6, transitions = $7, updated_at = $8
		 WHERE idempotency_key = $9 AND state = $10
	`, string(to), rec.ResponseCode, rec.ApprovalCode, rec.Reason,
		rec.PayoutRef, rec.PayoutHash, string(transitions), formatTime(now),
		key, string(from))
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if _, gerr := r.GetByKey(ctx, key); errors.Is(gerr, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %s no longer %s", ErrStaleState, key, from)
	}
	if to.IsFinal() {
		r.wake(key)
	}
	return rec, nil
}

func applyUpdate(rec *models.TransactionRecord, upd TransitionUpdate) {
	if upd.ResponseCode != "" {
		rec.ResponseCode = upd.ResponseCode
	}
	if upd.ApprovalCode != "" {
		rec.ApprovalCode = upd.ApprovalCode
	}
	if upd.Reason != "" {
		rec.Reason = upd.Reason
	}
	if upd.PayoutRef != "" {
		rec.PayoutRef = upd.PayoutRef
	}
	if upd.PayoutHash != "" {
		rec.PayoutHash = upd.PayoutHash
	}
}

// MarkPayoutSubmitted claims the single payout submission for a record.
// Returns false when another worker already claimed it.
func (r *Repository) MarkPayoutSubmitted(ctx context.Context, key, payoutRef string) (bool, error) {
	now := time.Now().UTC()
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		rec, ok := r.records[key]
		if !ok {
			return false, models.ErrNotFound
		}
		if rec.PayoutSubmitted {
			return false, nil
		}
		rec.PayoutSubmitted = true
		rec.PayoutRef = payoutRef
		rec.UpdatedAt = now
		return true, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE gateway_transactions
		   SET payout_submitted = $1, payout_ref = $2, updated_at = $3
		 WHERE idempotency_key = $4 AND payout_submitted = $5
	`, true, payoutRef, formatTime(now), key, false)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// MarkPayoutReversed claims the compensating reversal of a submitted payout.
func (r *Repository) MarkPayoutReversed(ctx context.Context, key string) (bool, error) {
	now := time.Now().UTC()
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		rec, ok := r.records[key]
		if !ok {
			return false, models.ErrNotFound
		}
		if rec.PayoutReversed {
			return false, nil
		}
		rec.PayoutReversed = true
		rec.UpdatedAt = now
		return true, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE gateway_transactions
		   SET payout_reversed = $1, updated_at = $2
		 WHERE idempotency_key = $3 AND payout_reversed = $4
	`, true, formatTime(now), key, false)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ClearPayoutReversed rolls back a reversal claim whose provider call failed.
func (r *Repository) ClearPayoutReversed(ctx context.Context, key string) error {
	now := time.Now().UTC()
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		rec, ok := r.records[key]
		if !ok {
			return models.ErrNotFound
		}
		rec.PayoutReversed = false
		rec.UpdatedAt = now
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE gateway_transactions
		   SET payout_reversed = $1, updated_at = $2
		 WHERE idempotency_key = $3
	`, false, formatTime(now), key)
	return err
}

// Acquire takes in-process drive ownership of a key. Reserve acquires for
// the creator; adopters call it directly.
func (r *Repository) Acquire(key string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if _, ok := r.owners[key]; ok {
		return false
	}
	r.owners[key] = struct{}{}
	return true
}

func (r *Repository) Release(key string) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	delete(r.owners, key)
}

func (r *Repository) HasOwner(key string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	_, ok := r.owners[key]
	return ok
}

// WaitForOutcome blocks until the record reaches a final state or the context
// expires. On expiry the latest snapshot comes back along with the context
// error. The poll interval covers finals applied by another process, which
// in-process waiter channels cannot see.
func (r *Repository) WaitForOutcome(ctx context.Context, key string) (*models.TransactionRecord, error) {
	for {
		rec, err := r.GetByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec.State.IsFinal() {
			return rec, nil
		}

		ch := r.waiterFor(key)
		timer := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return rec, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Repository) waiterFor(key string) chan struct{} {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	ch, ok := r.waiters[key]
	if !ok {
		ch = make(chan struct{})
		r.waiters[key] = ch
	}
	return ch
}

func (r *Repository) wake(key string) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if ch, ok := r.waiters[key]; ok {
		close(ch)
		delete(r.waiters, key)
	}
}

// Ping returns storage readiness.
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

const selectColumns = `
	SELECT tx_id, idempotency_key, origin, amount_minor, currency, merchant_id,
	       masked_pan, wallet, state, response_code, approval_code, reason,
	       payout_submitted, payout_ref, payout_hash, payout_reversed,
	       transitions, created_at, updated_at
	  FROM gateway_transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.TransactionRecord, error) {
	var rec models.TransactionRecord
	var origin, state, transitions, createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.IdempotencyKey, &origin, &rec.AmountMinor, &rec.Currency, &rec.MerchantID,
		&rec.MaskedPAN, &rec.Wallet, &state, &rec.ResponseCode, &rec.ApprovalCode, &rec.Reason,
		&rec.PayoutSubmitted, &rec.PayoutRef, &rec.PayoutHash, &rec.PayoutReversed,
		&transitions, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	rec.Origin = models.Origin(origin)
	rec.State = models.State(state)
	if err := json.Unmarshal([]byte(transitions), &rec.Transitions); err != nil {
		return nil, fmt.Errorf("decoding transitions: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) && (se.Code() == 1555 || se.Code() == 2067) {
		return true
	}
	return false
}
