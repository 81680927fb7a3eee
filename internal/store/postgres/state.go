package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/classcloud/roster-sync-server/internal/status"
	"github.com/classcloud/roster-sync-server/internal/store"
)

// GetScopeState implements store.StateStore
func (s *Store) GetScopeState(ctx context.Context, scope string) (*status.ScopeState, error) {
	st := status.ScopeState{Scope: scope}
	var lastStatus *string
	err := s.pool.QueryRow(ctx, `
		SELECT parent_scope, last_cursor, requires_full_sync, last_run_at, last_run_status, updated_at
		FROM sync_state WHERE scope = $1`,
		scope,
	).Scan(&st.ParentScope, &st.Cursor, &st.RequiresFullSync, &st.LastRunAt, &lastStatus, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state for %s: %w", scope, err)
	}
	if lastStatus != nil {
		st.LastRunStatus = status.RunStatus(*lastStatus)
	}
	return &st, nil
}

// UpsertScopeState implements store.StateStore
func (s *Store) UpsertScopeState(ctx context.Context, st status.ScopeState) error {
	var lastStatus *string
	if st.LastRunStatus != "" {
		v := string(st.LastRunStatus)
		lastStatus = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (scope, parent_scope, last_cursor, requires_full_sync, last_run_at, last_run_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (scope) DO UPDATE
		SET parent_scope = EXCLUDED.parent_scope,
		    last_cursor = EXCLUDED.last_cursor,
		    requires_full_sync = EXCLUDED.requires_full_sync,
		    last_run_at = EXCLUDED.last_run_at,
		    last_run_status = EXCLUDED.last_run_status,
		    updated_at = now()`,
		st.Scope, st.ParentScope, st.Cursor, st.RequiresFullSync, st.LastRunAt, lastStatus)
	if err != nil {
		return fmt.Errorf("failed to upsert state for %s: %w", st.Scope, err)
	}
	return nil
}

// AdvanceCursor implements store.StateStore
func (s *Store) AdvanceCursor(ctx context.Context, scope, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (scope, last_cursor, requires_full_sync, updated_at)
		VALUES ($1, $2, FALSE, now())
		ON CONFLICT (scope) DO UPDATE
		SET last_cursor = EXCLUDED.last_cursor, updated_at = now()`,
		scope, cursor)
	if err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", scope, err)
	}
	return nil
}

// SetRequiresFullSync implements store.StateStore
func (s *Store) SetRequiresFullSync(ctx context.Context, scope string, required bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (scope, requires_full_sync, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (scope) DO UPDATE
		SET requires_full_sync = EXCLUDED.requires_full_sync, updated_at = now()`,
		scope, required)
	if err != nil {
		return fmt.Errorf("failed to set requires_full_sync for %s: %w", scope, err)
	}
	return nil
}

// ListScopeStates implements store.StateStore
func (s *Store) ListScopeStates(ctx context.Context) ([]status.ScopeState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope, parent_scope, last_cursor, requires_full_sync, last_run_at, last_run_status, updated_at
		FROM sync_state ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scope states: %w", err)
	}
	defer rows.Close()

	var out []status.ScopeState
	for rows.Next() {
		var st status.ScopeState
		var lastStatus *string
		if err := rows.Scan(&st.Scope, &st.ParentScope, &st.Cursor, &st.RequiresFullSync,
			&st.LastRunAt, &lastStatus, &st.UpdatedAt); err != nil {
			return nil, err
		}
		if lastStatus != nil {
			st.LastRunStatus = status.RunStatus(*lastStatus)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
