package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/classcloud/roster-sync-server/internal/store"
)

// TryAcquire implements store.LockStore. The claim is a single atomic
// statement: the upsert only overwrites an existing row when its TTL has
// lapsed, so concurrent callers race on the database rather than in process
// and exactly one wins. On denial the current holder's entry is fetched for
// the caller's skip log.
func (s *Store) TryAcquire(ctx context.Context, scope string, holder uuid.UUID, initiatedBy string, ttl time.Duration) (bool, *store.LockEntry, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_locks (scope, holder_id, initiated_by, acquired_at, expires_at)
		VALUES ($1, $2, $3, now(), now() + make_interval(secs => $4))
		ON CONFLICT (scope) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
		    initiated_by = EXCLUDED.initiated_by,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at = EXCLUDED.expires_at
		WHERE sync_locks.expires_at <= now()`,
		scope, holder, initiatedBy, ttl.Seconds())
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim lock for %s: %w", scope, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil, nil
	}

	current, err := s.getLock(ctx, scope)
	if err != nil {
		// The holder released between our claim and the lookup. The caller
		// still lost this round; it retries on its next trigger.
		if errors.Is(err, store.ErrNotFound) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return false, current, nil
}

// Renew implements store.LockStore
func (s *Store) Renew(ctx context.Context, scope string, holder uuid.UUID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_locks
		SET expires_at = now() + make_interval(secs => $3)
		WHERE scope = $1 AND holder_id = $2 AND expires_at > now()`,
		scope, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to renew lock for %s: %w", scope, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release implements store.LockStore
func (s *Store) Release(ctx context.Context, scope string, holder uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_locks WHERE scope = $1 AND holder_id = $2`,
		scope, holder)
	if err != nil {
		return false, fmt.Errorf("failed to release lock for %s: %w", scope, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CleanupExpired implements store.LockStore
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sync_locks WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) getLock(ctx context.Context, scope string) (*store.LockEntry, error) {
	var entry store.LockEntry
	err := s.pool.QueryRow(ctx, `
		SELECT scope, holder_id, initiated_by, acquired_at, expires_at
		FROM sync_locks WHERE scope = $1`, scope).
		Scan(&entry.Scope, &entry.HolderID, &entry.InitiatedBy, &entry.AcquiredAt, &entry.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read lock for %s: %w", scope, err)
	}
	return &entry, nil
}
