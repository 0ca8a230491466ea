// Package memory implements the long-term memory store: a
// prefix/key-addressed JSON value store used for cross-thread persistent
// agent memory.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kadirpekel/agentrt/internal/apperr"
	"github.com/kadirpekel/agentrt/internal/pgdb"
)

// ErrNotFound is returned when no value exists for a prefix/key pair.
var ErrNotFound = errors.New("memory: not found")

// Store is the Postgres-backed long-term memory store.
type Store struct {
	pool *pgdb.Pool
}

// NewStore builds a Store over the shared pool.
func NewStore(pool *pgdb.Pool) *Store {
	return &Store{pool: pool}
}

// Put upserts value at (prefix, key), stamping updated_at.
func (s *Store) Put(ctx context.Context, prefix, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_store (prefix, key, value_json, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (prefix, key) DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = now()`,
		prefix, key, data)
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "memory: put", err)
	}
	return nil
}

// Entry is a stored value plus its last-write timestamp.
type Entry struct {
	Value     json.RawMessage
	UpdatedAt time.Time
}

// Get reads the value at (prefix, key).
func (s *Store) Get(ctx context.Context, prefix, key string) (Entry, error) {
	var e Entry
	err := s.pool.QueryRow(ctx, `SELECT value_json, updated_at FROM memory_store WHERE prefix=$1 AND key=$2`, prefix, key).
		Scan(&e.Value, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, apperr.Wrap(apperr.KindConfig, "memory: get", err)
	}
	return e, nil
}

// Delete removes the value at (prefix, key), if present.
func (s *Store) Delete(ctx context.Context, prefix, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memory_store WHERE prefix=$1 AND key=$2`, prefix, key)
	if err != nil {
		return apperr.Wrap(apperr.KindConfig, "memory: delete", err)
	}
	return nil
}

// ListPrefix returns every key under prefix, for administrative inspection
// and cross-thread memory listing.
func (s *Store) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM memory_store WHERE prefix=$1 ORDER BY key`, prefix)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "memory: list prefix", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
