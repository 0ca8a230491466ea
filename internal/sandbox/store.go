package sandbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kadirpekel/agentrt/internal/pgdb"
)

// ErrNotFound is returned by Store implementations when no row matches.
var ErrNotFound = errors.New("sandbox: not found")

func newSandboxID() string {
	return "sbx_" + uuid.NewString()
}

// PGStore is the Postgres-backed Store, using the pool the checkpoint,
// credit, and webhook stores also share.
type PGStore struct {
	pool *pgdb.Pool
}

// NewPGStore builds a PGStore.
func NewPGStore(pool *pgdb.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, sb *Sandbox) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sandboxes (sandbox_id, provider_sandbox_id, user_id, session_id, status, mcp_url, vscode_url, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sb.SandboxID, sb.ProviderSandboxID, sb.UserID, sb.SessionID, string(sb.Status), sb.MCPURL, sb.VSCodeURL, sb.CreatedAt, sb.LastActivityAt)
	return err
}

func (s *PGStore) Update(ctx context.Context, sb *Sandbox) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sandboxes
		SET provider_sandbox_id=$2, status=$3, mcp_url=$4, vscode_url=$5, last_activity_at=$6
		WHERE sandbox_id=$1`,
		sb.SandboxID, sb.ProviderSandboxID, string(sb.Status), sb.MCPURL, sb.VSCodeURL, sb.LastActivityAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, sandboxID string) (*Sandbox, error) {
	return s.scanOne(ctx, `SELECT sandbox_id, provider_sandbox_id, user_id, session_id, status, mcp_url, vscode_url, created_at, last_activity_at
		FROM sandboxes WHERE sandbox_id=$1`, sandboxID)
}

func (s *PGStore) GetBySession(ctx context.Context, userID, sessionID string) (*Sandbox, error) {
	return s.scanOne(ctx, `SELECT sandbox_id, provider_sandbox_id, user_id, session_id, status, mcp_url, vscode_url, created_at, last_activity_at
		FROM sandboxes WHERE user_id=$1 AND session_id=$2 ORDER BY created_at DESC LIMIT 1`, userID, sessionID)
}

func (s *PGStore) scanOne(ctx context.Context, query string, args ...any) (*Sandbox, error) {
	row := s.pool.QueryRow(ctx, query, args...)
	var sb Sandbox
	var status string
	if err := row.Scan(&sb.SandboxID, &sb.ProviderSandboxID, &sb.UserID, &sb.SessionID, &status, &sb.MCPURL, &sb.VSCodeURL, &sb.CreatedAt, &sb.LastActivityAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sb.Status = Status(status)
	return &sb, nil
}
