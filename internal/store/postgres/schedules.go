package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/classcloud/roster-sync-server/internal/store"
)

// DueSchedules implements store.ScheduleStore
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]store.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scope, interval_seconds, next_run_at, enabled
		FROM sync_schedules
		WHERE enabled AND next_run_at <= $1
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()

	var out []store.Schedule
	for rows.Next() {
		var sched store.Schedule
		var intervalSecs int64
		if err := rows.Scan(&sched.Scope, &intervalSecs, &sched.NextRunAt, &sched.Enabled); err != nil {
			return nil, err
		}
		sched.Interval = time.Duration(intervalSecs) * time.Second
		out = append(out, sched)
	}
	return out, rows.Err()
}

// MarkScheduled implements store.ScheduleStore
func (s *Store) MarkScheduled(ctx context.Context, scope string, next time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_schedules SET next_run_at = $2 WHERE scope = $1`, scope, next)
	if err != nil {
		return fmt.Errorf("failed to mark schedule for %s: %w", scope, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertSchedule implements store.ScheduleStore
func (s *Store) UpsertSchedule(ctx context.Context, sched store.Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_schedules (scope, interval_seconds, next_run_at, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope) DO UPDATE
		SET interval_seconds = EXCLUDED.interval_seconds,
		    next_run_at = EXCLUDED.next_run_at,
		    enabled = EXCLUDED.enabled`,
		sched.Scope, int64(sched.Interval/time.Second), sched.NextRunAt, sched.Enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule for %s: %w", sched.Scope, err)
	}
	return nil
}
