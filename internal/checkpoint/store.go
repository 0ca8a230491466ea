// Package checkpoint persists GraphState snapshots to four append-only
// relations: checkpoints, checkpoint_blobs, checkpoint_writes, and
// checkpoint_migrations, behind a Manager/Store split where the Manager
// owns step semantics and the Store owns transactions.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/model"
	"github.com/kadirpekel/agentrt/internal/pgdb"
)

// ErrNotFound is returned when no checkpoint exists for a thread/namespace.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is an immutable snapshot of GraphState, keyed by
// (thread_id, namespace, checkpoint_id).
type Checkpoint struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
	ParentID     string
	Type         string
	State        *model.GraphState
	Metadata     map[string]any
}

// Write is a single pending channel update recorded alongside a
// checkpoint, the write-ahead log entry for one task in a step.
type Write struct {
	TaskID   string
	Idx      int
	Channel  string
	Type     string
	Blob     []byte
	TaskPath string
}

// Store is the Postgres-backed checkpoint store. One Store is shared
// across all threads. Save takes no explicit lock: each checkpoint is its
// own row, and concurrent saves for the same (thread_id, ns) are not
// serialized against each other.
type Store struct {
	pool *pgdb.Pool
}

// NewStore builds a Store over the shared pool.
func NewStore(pool *pgdb.Pool) *Store {
	return &Store{pool: pool}
}

// Save persists a new checkpoint and its writes in a single transaction,
// so between checkpoints the stored state is either fully consistent or
// absent. The whole state is stored inline in state_json; Save writes no
// checkpoint_blobs rows (PutBlob stores those separately).
func (s *Store) Save(ctx context.Context, cp *Checkpoint, writes []Write) error {
	if err := cp.State.Validate(); err != nil {
		return fmt.Errorf("checkpoint: invalid state: %w", err)
	}
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state: %w", err)
	}
	metaJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Wrap(apperr.KindCheckpointUnavailable, "begin tx", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO checkpoints (thread_id, ns, checkpoint_id, parent_id, type, state_json, metadata_json)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (thread_id, ns, checkpoint_id) DO UPDATE
		SET parent_id = EXCLUDED.parent_id,
		    type = EXCLUDED.type,
		    state_json = EXCLUDED.state_json,
		    metadata_json = EXCLUDED.metadata_json`,
		cp.ThreadID, cp.Namespace, cp.CheckpointID, cp.ParentID, cp.Type, stateJSON, metaJSON)
	if err != nil {
		return apperr.Wrap(apperr.KindCheckpointUnavailable, "insert checkpoint", err)
	}

	for _, w := range writes {
		_, err = tx.Exec(ctx, `
			INSERT INTO checkpoint_writes (thread_id, ns, checkpoint_id, task_id, idx, channel, type, blob, task_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (thread_id, ns, checkpoint_id, task_id, idx) DO UPDATE
			SET channel = EXCLUDED.channel, type = EXCLUDED.type, blob = EXCLUDED.blob, task_path = EXCLUDED.task_path`,
			cp.ThreadID, cp.Namespace, cp.CheckpointID, w.TaskID, w.Idx, w.Channel, w.Type, w.Blob, w.TaskPath)
		if err != nil {
			return apperr.Wrap(apperr.KindCheckpointUnavailable, "insert write", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindCheckpointUnavailable, "commit", err)
	}

	slog.Debug("checkpoint saved", "thread_id", cp.ThreadID, "ns", cp.Namespace, "checkpoint_id", cp.CheckpointID)
	return nil
}

// PutBlob stores a channel+version keyed binary payload, for large state
// values checkpoints reference rather than inline.
func (s *Store) PutBlob(ctx context.Context, threadID, ns, channel, version string, bytes []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoint_blobs (thread_id, ns, channel, version, bytes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id, ns, channel, version) DO UPDATE SET bytes = EXCLUDED.bytes`,
		threadID, ns, channel, version, bytes)
	if err != nil {
		return apperr.Wrap(apperr.KindCheckpointUnavailable, "put blob", err)
	}
	return nil
}

// GetBlob reads a previously stored channel blob.
func (s *Store) GetBlob(ctx context.Context, threadID, ns, channel, version string) ([]byte, error) {
	var b []byte
	err := s.pool.QueryRow(ctx, `
		SELECT bytes FROM checkpoint_blobs WHERE thread_id=$1 AND ns=$2 AND channel=$3 AND version=$4`,
		threadID, ns, channel, version).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCheckpointUnavailable, "get blob", err)
	}
	return b, nil
}

// Latest loads the newest checkpoint for a thread/namespace, which is the
// thread's current state.
func (s *Store) Latest(ctx context.Context, threadID, ns string) (*Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT checkpoint_id, parent_id, type, state_json, metadata_json
		FROM checkpoints
		WHERE thread_id = $1 AND ns = $2
		ORDER BY created_at DESC
		LIMIT 1`, threadID, ns)

	var (
		checkpointID string
		parentID     *string
		typ          string
		stateJSON    []byte
		metaJSON     []byte
	)
	if err := row.Scan(&checkpointID, &parentID, &typ, &stateJSON, &metaJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperr.Wrap(apperr.KindCheckpointUnavailable, "load latest checkpoint", err)
	}

	var state model.GraphState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal state: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal metadata: %w", err)
	}

	cp := &Checkpoint{
		ThreadID:     threadID,
		Namespace:    ns,
		CheckpointID: checkpointID,
		Type:         typ,
		State:        &state,
		Metadata:     meta,
	}
	if parentID != nil {
		cp.ParentID = *parentID
	}
	return cp, nil
}

// Clear removes all checkpoints for a thread/namespace.
func (s *Store) Clear(ctx context.Context, threadID, ns string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoint_writes WHERE thread_id=$1 AND ns=$2`, threadID, ns)
	if err != nil {
		return apperr.Wrap(apperr.KindCheckpointUnavailable, "clear writes", err)
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id=$1 AND ns=$2`, threadID, ns)
	if err != nil {
		return apperr.Wrap(apperr.KindCheckpointUnavailable, "clear checkpoints", err)
	}
	return nil
}
