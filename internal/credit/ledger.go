// Package credit implements the credit ledger: atomic, idempotent credit
// addition and priority-based deduction with a verifiable audit trail.
// Mutations row-lock the account with plain FOR UPDATE, since a ledger
// write must block, not skip, a concurrent writer on the same account.
package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/observability"
	"github.com/kadirpekel/agentrt/internal/pgdb"
)

// ErrNotFound is returned when no account exists for an account_id.
var ErrNotFound = errors.New("credit: account not found")

// PoolBreakdown reports amounts drawn from (or credited to) each pool.
type PoolBreakdown = apperr.PoolBreakdown

// Balance is the result of a balance query.
type Balance struct {
	Total       float64
	Daily       float64
	Expiring    float64
	NonExpiring float64
}

// Account is the row-locked credit account.
type Account struct {
	AccountID         string
	Balance           float64
	DailyPool         float64
	ExpiringPool      float64
	NonExpiringPool   float64
	Tier              string
	CreditExpiryDate  *time.Time
}

// AddResult reports the outcome of Add.
type AddResult struct {
	Duplicate bool
	Balance   float64
}

// DeductResult reports the outcome of Deduct.
type DeductResult struct {
	Breakdown PoolBreakdown
	Balance   float64
}

// Cache is a short-TTL balance cache, invalidated explicitly on every
// write, never read-through before a commit.
type Cache interface {
	Get(accountID string) (Balance, bool)
	Set(accountID string, b Balance, ttl time.Duration)
	Invalidate(accountID string)
}

// Ledger is the CreditLedger.
type Ledger struct {
	pool    *pgdb.Pool
	cache   Cache
	metrics *observability.Manager
}

// NewLedger builds a Ledger. cache may be nil to disable balance caching.
func NewLedger(pool *pgdb.Pool, cache Cache) *Ledger {
	return &Ledger{pool: pool, cache: cache}
}

// WithMetrics attaches an observability.Manager; every Deduct records the
// amount drawn from each pool. Passing nil disables it.
func (l *Ledger) WithMetrics(m *observability.Manager) *Ledger {
	l.metrics = m
	return l
}

// Add credits an account. A repeated external_event_id is a no-op that
// reports duplicate=true with the account's current balance, so webhook
// retries never double-credit.
func (l *Ledger) Add(ctx context.Context, accountID string, amount float64, isExpiring bool, expiresAt *time.Time, externalEventID, entryType, description string) (AddResult, error) {
	if amount <= 0 {
		return AddResult{}, apperr.New(apperr.KindConfig, "credit amount must be > 0")
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return AddResult{}, apperr.Wrap(apperr.KindConfig, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if externalEventID != "" {
		var existingBalance float64
		err := tx.QueryRow(ctx, `SELECT balance FROM credit_accounts a
			JOIN credit_ledger_entries e ON e.account_id = a.account_id
			WHERE e.external_event_id = $1 AND a.account_id = $2`, externalEventID, accountID).Scan(&existingBalance)
		if err == nil {
			return AddResult{Duplicate: true, Balance: existingBalance}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AddResult{}, apperr.Wrap(apperr.KindConfig, "check duplicate event", err)
		}
	}

	acct, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return AddResult{}, err
	}

	if isExpiring {
		acct.ExpiringPool += amount
	} else {
		acct.NonExpiringPool += amount
	}
	acct.Balance = acct.DailyPool + acct.ExpiringPool + acct.NonExpiringPool

	if err := updateAccount(ctx, tx, acct); err != nil {
		return AddResult{}, err
	}
	if err := insertLedgerEntry(ctx, tx, accountID, amount, acct.Balance, entryType, description, isExpiring, expiresAt, externalEventID, nil); err != nil {
		return AddResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AddResult{}, apperr.Wrap(apperr.KindConfig, "commit add", err)
	}
	if l.cache != nil {
		l.cache.Invalidate(accountID)
	}
	return AddResult{Balance: acct.Balance}, nil
}

// Deduct debits an account in daily -> expiring -> non_expiring priority
// order.
func (l *Ledger) Deduct(ctx context.Context, accountID string, amount float64, description string, metadata map[string]any, allowNegative bool) (DeductResult, error) {
	if amount <= 0 {
		return DeductResult{}, apperr.New(apperr.KindConfig, "deduct amount must be > 0")
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return DeductResult{}, apperr.Wrap(apperr.KindConfig, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acct, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return DeductResult{}, err
	}

	if !allowNegative && acct.Balance < amount {
		return DeductResult{}, (&apperr.InsufficientCredits{
			Required:  amount,
			Available: acct.Balance,
			Breakdown: apperr.PoolBreakdown{Daily: acct.DailyPool, Expiring: acct.ExpiringPool, NonExpiring: acct.NonExpiringPool},
		}).AsAppError()
	}

	breakdown, newDaily, newExpiring, newNonExpiring := allocateDeduction(
		acct.DailyPool, acct.ExpiringPool, acct.NonExpiringPool, amount, allowNegative)
	acct.DailyPool, acct.ExpiringPool, acct.NonExpiringPool = newDaily, newExpiring, newNonExpiring
	acct.Balance = acct.DailyPool + acct.ExpiringPool + acct.NonExpiringPool

	if err := updateAccount(ctx, tx, acct); err != nil {
		return DeductResult{}, err
	}
	if err := insertLedgerEntry(ctx, tx, accountID, -amount, acct.Balance, "deduct", description, false, nil, "", metadata); err != nil {
		return DeductResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return DeductResult{}, apperr.Wrap(apperr.KindConfig, "commit deduct", err)
	}
	if l.cache != nil {
		l.cache.Invalidate(accountID)
	}
	if l.metrics != nil {
		if breakdown.Daily > 0 {
			l.metrics.CreditDeductions.WithLabelValues("daily").Add(breakdown.Daily)
		}
		if breakdown.Expiring > 0 {
			l.metrics.CreditDeductions.WithLabelValues("expiring").Add(breakdown.Expiring)
		}
		if breakdown.NonExpiring > 0 {
			l.metrics.CreditDeductions.WithLabelValues("non_expiring").Add(breakdown.NonExpiring)
		}
	}
	return DeductResult{Breakdown: breakdown, Balance: acct.Balance}, nil
}

// ResetExpiring replaces the expiring pool for monthly renewal, leaving
// the daily and non-expiring pools untouched.
func (l *Ledger) ResetExpiring(ctx context.Context, accountID string, newExpiring float64, externalEventID string) error {
	return l.resetExpiringTx(ctx, accountID, newExpiring, "reset_expiring", "monthly renewal", externalEventID)
}

// ExpireCredits zeroes the expiring pool only, recording an expiry ledger
// entry; the daily and non-expiring pools are untouched. Used by the
// reconciler's expiry sweep.
func (l *Ledger) ExpireCredits(ctx context.Context, accountID string) error {
	return l.resetExpiringTx(ctx, accountID, 0, "expiry", "expiring pool swept", "")
}

func (l *Ledger) resetExpiringTx(ctx context.Context, accountID string, newExpiring float64, entryType, description, externalEventID string) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acct, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}

	delta := applyExpiringReset(acct, newExpiring)

	if err := updateAccount(ctx, tx, acct); err != nil {
		return err
	}
	if err := insertLedgerEntry(ctx, tx, accountID, delta, acct.Balance, entryType, description, true, nil, externalEventID, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindConfig, "commit "+entryType, err)
	}
	if l.cache != nil {
		l.cache.Invalidate(accountID)
	}
	return nil
}

// applyExpiringReset replaces the expiring pool in place and returns the
// signed ledger delta. Only the expiring pool and the derived balance
// change.
func applyExpiringReset(acct *Account, newExpiring float64) (delta float64) {
	delta = newExpiring - acct.ExpiringPool
	acct.ExpiringPool = newExpiring
	acct.Balance = acct.DailyPool + acct.ExpiringPool + acct.NonExpiringPool
	return delta
}

// Balance reads the current balance, serving from Cache when available;
// staleness is bounded by the cache TTL.
func (l *Ledger) Balance(ctx context.Context, accountID string) (Balance, error) {
	if l.cache != nil {
		if b, ok := l.cache.Get(accountID); ok {
			return b, nil
		}
	}

	var b Balance
	err := l.pool.QueryRow(ctx, `SELECT balance, daily_pool, expiring_pool, non_expiring_pool FROM credit_accounts WHERE account_id=$1`, accountID).
		Scan(&b.Total, &b.Daily, &b.Expiring, &b.NonExpiring)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrNotFound
	}
	if err != nil {
		return Balance{}, apperr.Wrap(apperr.KindConfig, "read balance", err)
	}

	if l.cache != nil {
		l.cache.Set(accountID, b, 5*time.Minute)
	}
	return b, nil
}

// allocateDeduction applies the daily -> expiring -> non_expiring
// priority order as a pure function, isolated from the transaction
// plumbing so the allocation rule is unit-testable without a database.
func allocateDeduction(daily, expiring, nonExpiring, amount float64, allowNegative bool) (breakdown PoolBreakdown, newDaily, newExpiring, newNonExpiring float64) {
	remaining := amount

	take := func(pool *float64, into *float64) {
		if remaining <= 0 {
			return
		}
		t := *pool
		if t > remaining {
			t = remaining
		}
		*pool -= t
		*into = t
		remaining -= t
	}
	take(&daily, &breakdown.Daily)
	take(&expiring, &breakdown.Expiring)
	take(&nonExpiring, &breakdown.NonExpiring)

	if remaining > 0 && allowNegative {
		nonExpiring -= remaining
		breakdown.NonExpiring += remaining
	}

	return breakdown, daily, expiring, nonExpiring
}

func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (*Account, error) {
	var a Account
	err := tx.QueryRow(ctx, `SELECT account_id, balance, daily_pool, expiring_pool, non_expiring_pool, tier, credit_expiry_date
		FROM credit_accounts WHERE account_id=$1 FOR UPDATE`, accountID).
		Scan(&a.AccountID, &a.Balance, &a.DailyPool, &a.ExpiringPool, &a.NonExpiringPool, &a.Tier, &a.CreditExpiryDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "lock account", err)
	}
	return &a, nil
}

func updateAccount(ctx context.Context, tx pgx.Tx, a *Account) error {
	_, err := tx.Exec(ctx, `UPDATE credit_accounts
		SET balance=$2, daily_pool=$3, expiring_pool=$4, non_expiring_pool=$5
		WHERE account_id=$1`, a.AccountID, a.Balance, a.DailyPool, a.ExpiringPool, a.NonExpiringPool)
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "update account", err)
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, accountID string, amountSigned, balanceAfter float64, entryType, description string, isExpiring bool, expiresAt *time.Time, externalEventID string, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = marshalMetadata(metadata)
		if err != nil {
			return err
		}
	}
	var eventID *string
	if externalEventID != "" {
		eventID = &externalEventID
	}
	_, err := tx.Exec(ctx, `INSERT INTO credit_ledger_entries
		(account_id, amount_signed, balance_after, type, description, is_expiring, expires_at, external_event_id, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		accountID, amountSigned, balanceAfter, entryType, description, isExpiring, expiresAt, eventID, metaJSON)
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "insert ledger entry", err)
	}
	return nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("credit: marshal metadata: %w", err)
	}
	return b, nil
}
