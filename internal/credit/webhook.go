package credit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/pgdb"
)

// WebhookStatus is a webhook event's processing state.
type WebhookStatus string

const (
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
)

// staleAfter is how old a processing row must be before another worker
// assumes its owner is stuck and takes over.
const staleAfter = 5 * time.Minute

// ErrDuplicateEvent is returned by WebhookStore.Begin when the event is
// already completed or is being handled by another worker.
var ErrDuplicateEvent = errors.New("credit: webhook event already handled")

// WebhookStore arbitrates idempotent external-event processing.
type WebhookStore struct {
	pool *pgdb.Pool
}

// NewWebhookStore builds a WebhookStore.
func NewWebhookStore(pool *pgdb.Pool) *WebhookStore {
	return &WebhookStore{pool: pool}
}

// Begin inserts a processing row for eventID, or takes over a stale one.
// Returns ErrDuplicateEvent if the event is completed, or processing and
// fresh enough that another worker is presumed to be handling it.
func (w *WebhookStore) Begin(ctx context.Context, eventID, eventType string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	var completedAt *time.Time
	err = tx.QueryRow(ctx, `SELECT status, completed_at FROM webhook_events WHERE id=$1 FOR UPDATE`, eventID).Scan(&status, &completedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `INSERT INTO webhook_events (id, event_type, status, payload_json, created_at) VALUES ($1, $2, $3, $4, now())`,
			eventID, eventType, string(WebhookProcessing), payloadJSON)
		if err != nil {
			return apperr.Wrap(apperr.KindConfig, "insert webhook event", err)
		}
	case err != nil:
		return apperr.Wrap(apperr.KindConfig, "lock webhook event", err)
	case WebhookStatus(status) == WebhookCompleted:
		return ErrDuplicateEvent
	case WebhookStatus(status) == WebhookProcessing:
		var startedAt time.Time
		if err := tx.QueryRow(ctx, `SELECT created_at FROM webhook_events WHERE id=$1`, eventID).Scan(&startedAt); err != nil {
			return apperr.Wrap(apperr.KindConfig, "read webhook start time", err)
		}
		if time.Since(startedAt) < staleAfter {
			return ErrDuplicateEvent
		}
		// Stale: take over.
		if _, err := tx.Exec(ctx, `UPDATE webhook_events SET created_at=now(), payload_json=$2 WHERE id=$1`, eventID, payloadJSON); err != nil {
			return apperr.Wrap(apperr.KindConfig, "take over stale webhook event", err)
		}
	case WebhookStatus(status) == WebhookFailed:
		if _, err := tx.Exec(ctx, `UPDATE webhook_events SET status=$2, created_at=now(), payload_json=$3, error=NULL WHERE id=$1`,
			eventID, string(WebhookProcessing), payloadJSON); err != nil {
			return apperr.Wrap(apperr.KindConfig, "retry failed webhook event", err)
		}
	}

	return tx.Commit(ctx)
}

// Grant is the credit effect of one verified external event.
type Grant struct {
	AccountID   string
	Amount      float64
	IsExpiring  bool
	ExpiresAt   *time.Time
	Type        string
	Description string
}

// ProcessEvent applies one already-verified external event exactly once:
// it claims the event's processing row, applies the grant through the
// ledger with the event id as the idempotency key, and records the
// outcome. Reprocessing a completed event reports duplicate=true without
// a second credit.
func ProcessEvent(ctx context.Context, store *WebhookStore, ledger *Ledger, eventID, eventType string, payload map[string]any, grant Grant) (AddResult, error) {
	if err := store.Begin(ctx, eventID, eventType, payload); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			bal, balErr := ledger.Balance(ctx, grant.AccountID)
			if balErr != nil {
				return AddResult{Duplicate: true}, nil
			}
			return AddResult{Duplicate: true, Balance: bal.Total}, nil
		}
		return AddResult{}, err
	}

	res, err := ledger.Add(ctx, grant.AccountID, grant.Amount, grant.IsExpiring, grant.ExpiresAt, eventID, grant.Type, grant.Description)
	if err != nil {
		_ = store.Fail(ctx, eventID, "credit grant failed")
		return AddResult{}, err
	}
	if err := store.Complete(ctx, eventID); err != nil {
		return res, err
	}
	return res, nil
}

// Complete marks an event handled successfully.
func (w *WebhookStore) Complete(ctx context.Context, eventID string) error {
	_, err := w.pool.Exec(ctx, `UPDATE webhook_events SET status=$2, completed_at=now() WHERE id=$1`, eventID, string(WebhookCompleted))
	return err
}

// Fail marks an event failed with a sanitized message.
func (w *WebhookStore) Fail(ctx context.Context, eventID, sanitizedMessage string) error {
	_, err := w.pool.Exec(ctx, `UPDATE webhook_events SET status=$2, error=$3 WHERE id=$1`, eventID, string(WebhookFailed), sanitizedMessage)
	return err
}
