// Package postgres implements store.Store on PostgreSQL using pgx.
//
// All roster mutation for a scope happens under that scope's sync lock, so
// queries here do not need row-level coordination beyond the lock table
// itself; reconciliation runs inside a single serializable transaction.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classcloud/roster-sync-server/internal/store"
)

const (
	defaultMaxConns        = 25
	defaultConnectTimeout  = 10 * time.Second
	defaultMaxConnLifetime = 5 * time.Minute
)

// Store is the pgx-backed implementation of store.Store
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store on top of an existing connection pool. The caller owns
// the pool's lifecycle.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &Store{pool: pool}, nil
}

// Connect opens a connection pool for the given connection string and
// verifies it with a ping.
func Connect(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = defaultMaxConns
	}
	cfg.MaxConnLifetime = defaultMaxConnLifetime
	cfg.ConnConfig.ConnectTimeout = defaultConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping verifies the database connection is still alive
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the underlying pool
func (s *Store) Close() {
	s.pool.Close()
}

var _ store.Store = (*Store)(nil)
