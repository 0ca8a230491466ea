// Package pgdb owns the single shared Postgres connection pool used by
// the checkpoint, credit, webhook, and sandbox-metadata stores, and runs
// schema migrations on startup from an embedded migration source.
package pgdb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver, used only for migrations
)

//go:embed migrations
var migrationsFS embed.FS

// Config configures the shared pool.
type Config struct {
	DSN         string
	MinConns    int32
	MaxConns    int32
	PoolTimeout time.Duration
}

// Pool wraps a pgxpool.Pool with TCP keepalive tuned for long agent
// runs, and simple-protocol query execution
// so that prepared-statement caching is disabled when the DSN routes
// through a transaction-pooling proxy (e.g. pgbouncer in transaction mode),
// which cannot safely multiplex server-side prepared statements across
// client connections.
type Pool struct {
	*pgxpool.Pool
}

// Open configures and connects the shared pool, then applies pending
// migrations from the embedded migrations/ directory.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgdb: parse dsn: %w", err)
	}

	if cfg.MinConns > 0 {
		pgxCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		pgxCfg.MaxConns = cfg.MaxConns
	}
	// Disable prepared-statement caching: required when the DSN is a
	// transaction-pool proxy, and harmless otherwise.
	pgxCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pgxCfg.ConnConfig.DialFunc = keepaliveDialFunc(30*time.Second, 10*time.Second, 5)

	acquireCtx := ctx
	if cfg.PoolTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, cfg.PoolTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(acquireCtx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("pgdb: connect: %w", err)
	}
	if err := pool.Ping(acquireCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgdb: ping: %w", err)
	}

	if err := migrateUp(cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgdb: migrate: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

func migrateUp(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "checkpoint_migrations"})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	defer src.Close()

	m, err := migrate.NewWithInstance("iofs", src, "runtime", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
