package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/classcloud/roster-sync-server/internal/status"
	"github.com/classcloud/roster-sync-server/internal/store"
)

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// InsertRun implements store.RunStore
func (s *Store) InsertRun(ctx context.Context, run status.RunRecord) error {
	var errorMsg *string
	if run.Error != "" {
		errorMsg = &run.Error
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, scope, mode, status, started_at, ended_at,
			processed, failed, created_cnt, updated_cnt, deleted_cnt, skipped, reactivated,
			last_cursor, error_msg, initiated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.Scope, string(run.Mode), string(run.Status), run.StartedAt, run.EndedAt,
		run.Counts.Processed, run.Counts.Failed, run.Counts.Created, run.Counts.Updated,
		run.Counts.Deleted, run.Counts.Skipped, run.Counts.Reactivated,
		run.LastCursor, errorMsg, run.InitiatedBy)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// CompleteRun implements store.RunStore. Runs already in a terminal state
// are never updated; the history is append-only.
func (s *Store) CompleteRun(ctx context.Context, run status.RunRecord) error {
	var errorMsg *string
	if run.Error != "" {
		errorMsg = &run.Error
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_runs
		SET status = $2, ended_at = $3,
		    processed = $4, failed = $5, created_cnt = $6, updated_cnt = $7,
		    deleted_cnt = $8, skipped = $9, reactivated = $10,
		    last_cursor = $11, error_msg = $12
		WHERE id = $1 AND status = 'running'`,
		run.ID, string(run.Status), run.EndedAt,
		run.Counts.Processed, run.Counts.Failed, run.Counts.Created, run.Counts.Updated,
		run.Counts.Deleted, run.Counts.Skipped, run.Counts.Reactivated,
		run.LastCursor, errorMsg)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s does not exist or is already terminal", run.ID)
	}
	return nil
}

// ListRuns implements store.RunStore
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]status.RunRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, scope, mode, status, started_at, ended_at,
			processed, failed, created_cnt, updated_cnt, deleted_cnt, skipped, reactivated,
			last_cursor, error_msg, initiated_by
		FROM sync_runs
		WHERE ($1 = '' OR scope = $1)
		  AND ($2 = '' OR mode = $2::sync_mode)
		  AND ($3::timestamptz IS NULL OR started_at >= $3)
		ORDER BY started_at DESC
		LIMIT $4`,
		filter.Scope, string(filter.Mode), nullableTime(filter.Since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []status.RunRecord
	for rows.Next() {
		var run status.RunRecord
		var mode, runStatus string
		var errorMsg *string
		if err := rows.Scan(&run.ID, &run.Scope, &mode, &runStatus, &run.StartedAt, &run.EndedAt,
			&run.Counts.Processed, &run.Counts.Failed, &run.Counts.Created, &run.Counts.Updated,
			&run.Counts.Deleted, &run.Counts.Skipped, &run.Counts.Reactivated,
			&run.LastCursor, &errorMsg, &run.InitiatedBy); err != nil {
			return nil, err
		}
		run.Mode = status.SyncMode(mode)
		run.Status = status.RunStatus(runStatus)
		if errorMsg != nil {
			run.Error = *errorMsg
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
