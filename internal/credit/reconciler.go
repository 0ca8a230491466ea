package credit

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/pgdb"
)

// PaymentProvider is the external collaborator the reconciler consults
// for orphan recovery. Signature verification and webhook delivery happen
// upstream; the reconciler only asks "did this purchase succeed".
type PaymentProvider interface {
	CheckPurchase(ctx context.Context, externalEventID string) (succeeded bool, accountID string, amount float64, isExpiring bool, err error)
}

// ReconcilerConfig configures the periodic batch job.
type ReconcilerConfig struct {
	// OrphanWindow is how long a webhook event must have stayed in
	// processing before orphan recovery checks it. Defaults to 24h.
	OrphanWindow time.Duration
	// DuplicateWindow is the window within which repeated
	// (account, amount, description) ledger entries are flagged.
	DuplicateWindow time.Duration
	// DriftTolerance is the balance/pool-sum mismatch that triggers
	// repair.
	DriftTolerance float64
	// TierMonthlyGrant maps tier -> monthly expiring-credit amount for the
	// scheduled-grant sweep. Callers supply the table from wherever plan
	// pricing actually lives.
	TierMonthlyGrant map[string]float64
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.OrphanWindow <= 0 {
		c.OrphanWindow = 24 * time.Hour
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 60 * time.Second
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = 0.01
	}
	if c.TierMonthlyGrant == nil {
		c.TierMonthlyGrant = map[string]float64{}
	}
	return c
}

// Reconciler runs the periodic batch: orphan recovery, balance repair,
// duplicate detection, and expiry sweep. It shares the ledger's pool
// rather than opening a second connection.
type Reconciler struct {
	pool     *pgdb.Pool
	ledger   *Ledger
	provider PaymentProvider
	cfg      ReconcilerConfig
}

// NewReconciler builds a Reconciler. provider may be nil to skip orphan
// recovery (e.g. in deployments with no pending-purchase tracking).
func NewReconciler(pool *pgdb.Pool, ledger *Ledger, provider PaymentProvider, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{pool: pool, ledger: ledger, provider: provider, cfg: cfg.withDefaults()}
}

// DuplicateFlag is one detected duplicate ledger entry group, step 3.
type DuplicateFlag struct {
	AccountID   string
	Amount      float64
	Description string
	Count       int
}

// Report summarizes one reconciliation pass.
type Report struct {
	OrphansRecovered int
	AccountsRepaired int
	Duplicates       []DuplicateFlag
	ExpirySwept      int
	GrantsIssued     int
}

// Run executes orphan recovery, balance repair, duplicate detection, the
// expiry sweep, and the monthly-grant sweep, in that order.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	if r.provider != nil {
		n, err := r.recoverOrphans(ctx)
		if err != nil {
			return report, err
		}
		report.OrphansRecovered = n
	}

	n, err := r.repairBalances(ctx)
	if err != nil {
		return report, err
	}
	report.AccountsRepaired = n

	flags, err := r.detectDuplicates(ctx)
	if err != nil {
		return report, err
	}
	report.Duplicates = flags

	n, err = r.sweepExpiry(ctx)
	if err != nil {
		return report, err
	}
	report.ExpirySwept = n

	n, err = r.issueScheduledGrants(ctx)
	if err != nil {
		return report, err
	}
	report.GrantsIssued = n

	return report, nil
}

// recoverOrphans implements step 1. Concrete pending-purchase tracking
// (how the caller enqueues "we initiated a purchase but haven't heard
// back") is out of scope for the core, so this queries whatever
// webhook_events rows are still "processing" past the window as the
// candidate set.
func (r *Reconciler) recoverOrphans(ctx context.Context) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, payload_json FROM webhook_events
		WHERE status = 'processing' AND created_at < now() - $1::interval`,
		r.cfg.OrphanWindow.String())
	if err != nil {
		return 0, apperr.Wrap(apperr.KindConfig, "query orphaned webhook events", err)
	}
	defer rows.Close()

	type candidate struct{ id string }
	var candidates []candidate
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return 0, err
		}
		candidates = append(candidates, candidate{id: id})
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	recovered := 0
	for _, c := range candidates {
		succeeded, accountID, amount, isExpiring, err := r.provider.CheckPurchase(ctx, c.id)
		if err != nil {
			slog.Warn("reconciler: orphan check failed", "event_id", c.id, "error", err)
			continue
		}
		if !succeeded {
			continue
		}
		res, err := r.ledger.Add(ctx, accountID, amount, isExpiring, nil, c.id, "purchase", "orphan recovery")
		if err != nil {
			slog.Error("reconciler: orphan grant failed", "event_id", c.id, "error", err)
			continue
		}
		if !res.Duplicate {
			recovered++
			_, _ = r.pool.Exec(ctx, `UPDATE webhook_events SET status='completed', completed_at=now() WHERE id=$1`, c.id)
		}
	}
	return recovered, nil
}

// repairBalances implements step 2: assert balance == pool sum for every
// account; if drift exceeds tolerance, repair to the pool sum and log.
func (r *Reconciler) repairBalances(ctx context.Context) (int, error) {
	rows, err := r.pool.Query(ctx, `SELECT account_id, balance, daily_pool, expiring_pool, non_expiring_pool FROM credit_accounts`)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindConfig, "query accounts for repair", err)
	}
	defer rows.Close()

	type drifted struct {
		accountID                        string
		correctBalance                   float64
		daily, expiring, nonExpiring     float64
	}
	var toRepair []drifted
	for rows.Next() {
		var accountID string
		var balance, daily, expiring, nonExpiring float64
		if err := rows.Scan(&accountID, &balance, &daily, &expiring, &nonExpiring); err != nil {
			return 0, err
		}
		sum := daily + expiring + nonExpiring
		if diff := balance - sum; diff > r.cfg.DriftTolerance || diff < -r.cfg.DriftTolerance {
			toRepair = append(toRepair, drifted{accountID, sum, daily, expiring, nonExpiring})
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	repaired := 0
	for _, d := range toRepair {
		if _, err := r.pool.Exec(ctx, `UPDATE credit_accounts SET balance=$2 WHERE account_id=$1`, d.accountID, d.correctBalance); err != nil {
			slog.Error("reconciler: balance repair failed", "account_id", d.accountID, "error", err)
			continue
		}
		slog.Warn("reconciler: repaired drifted balance", "account_id", d.accountID, "corrected_balance", d.correctBalance)
		repaired++
	}
	return repaired, nil
}

// detectDuplicates implements step 3: flag ledger entries within the
// duplicate window where (account, amount, description) repeats.
func (r *Reconciler) detectDuplicates(ctx context.Context) ([]DuplicateFlag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account_id, amount_signed, description, count(*) AS c
		FROM (
			SELECT account_id, amount_signed, description, created_at,
			       date_bin($1::interval, created_at, 'epoch'::timestamptz) AS bucket
			FROM credit_ledger_entries
			WHERE created_at > now() - interval '1 day'
		) bucketed
		GROUP BY account_id, amount_signed, description, bucket
		HAVING count(*) > 1`, r.cfg.DuplicateWindow.String())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "query duplicate ledger entries", err)
	}
	defer rows.Close()

	var flags []DuplicateFlag
	for rows.Next() {
		var f DuplicateFlag
		if err := rows.Scan(&f.AccountID, &f.Amount, &f.Description, &f.Count); err != nil {
			return nil, err
		}
		flags = append(flags, f)
		slog.Warn("reconciler: duplicate ledger entries detected", "account_id", f.AccountID, "amount", f.Amount, "count", f.Count)
	}
	return flags, rows.Err()
}

// sweepExpiry implements step 4: zero the expiring pool and write an
// expiry ledger entry for accounts past their credit_expiry_date.
func (r *Reconciler) sweepExpiry(ctx context.Context) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account_id, expiring_pool FROM credit_accounts
		WHERE expiring_pool > 0 AND credit_expiry_date IS NOT NULL AND credit_expiry_date < now()`)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindConfig, "query expired accounts", err)
	}
	defer rows.Close()

	type expired struct {
		accountID string
		amount    float64
	}
	var accounts []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.accountID, &e.amount); err != nil {
			return 0, err
		}
		accounts = append(accounts, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	swept := 0
	for _, e := range accounts {
		// ExpireCredits zeroes only the expiring pool; a priority-ordered
		// deduct would drain daily credits first and leave the expired
		// pool standing.
		if err := r.ledger.ExpireCredits(ctx, e.accountID); err != nil {
			slog.Error("reconciler: expiry sweep failed", "account_id", e.accountID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

// issueScheduledGrants closes the loop on next_grant_at: accounts due for
// their recurring grant receive it and next_grant_at advances one cycle.
func (r *Reconciler) issueScheduledGrants(ctx context.Context) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account_id, tier FROM credit_accounts
		WHERE next_grant_at IS NOT NULL AND next_grant_at <= now()`)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindConfig, "query accounts due for grant", err)
	}
	defer rows.Close()

	type due struct{ accountID, tier string }
	var accounts []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.accountID, &d.tier); err != nil {
			return 0, err
		}
		accounts = append(accounts, d)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	issued := 0
	for _, d := range accounts {
		amount, ok := r.cfg.TierMonthlyGrant[d.tier]
		if !ok || amount <= 0 {
			continue
		}
		if _, err := r.ledger.Add(ctx, d.accountID, amount, true, nil, "", "grant", "monthly tier grant"); err != nil {
			slog.Error("reconciler: monthly grant failed", "account_id", d.accountID, "error", err)
			continue
		}
		if _, err := r.pool.Exec(ctx, `UPDATE credit_accounts SET next_grant_at = next_grant_at + interval '1 month' WHERE account_id=$1`, d.accountID); err != nil {
			slog.Error("reconciler: advance next_grant_at failed", "account_id", d.accountID, "error", err)
			continue
		}
		issued++
	}
	return issued, nil
}
