// Package postgres contains the production Store backed by pgx.
package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classcloud/roster-sync-server/database"
	"github.com/classcloud/roster-sync-server/internal/status"
	"github.com/classcloud/roster-sync-server/internal/store"
)

// setupTestStore starts a Postgres container, migrates it, and returns a
// Store connected through the production pool path.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	_, connStr, cleanupFunc := database.SetupTestDB(t)
	t.Cleanup(cleanupFunc)

	s, err := Connect(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.UpsertDistrict(ctx, store.District{ExternalID: "d-1", Name: "Test District"}))
	require.NoError(t, s.UpsertSchool(ctx, store.School{
		ExternalID:         "sch-1",
		DistrictExternalID: "d-1",
		Name:               "Test School",
	}))

	return s
}

func studentRecord(externalID, name string) store.Record {
	return store.Record{
		SchoolExternalID: "sch-1",
		Type:             store.RecordTypeStudent,
		ExternalID:       externalID,
		DisplayName:      name,
		Attributes:       map[string]any{"grade": "5"},
	}
}

func TestUpsertRecordIdempotent(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	outcome, err := s.UpsertRecord(ctx, studentRecord("stu-1", "Ada Lovelace"))
	require.NoError(t, err)
	assert.Equal(t, store.ApplyCreated, outcome)

	outcome, err = s.UpsertRecord(ctx, studentRecord("stu-1", "Ada L."))
	require.NoError(t, err)
	assert.Equal(t, store.ApplyUpdated, outcome)

	rec, err := s.GetRecord(ctx, "sch-1", store.RecordTypeStudent, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", rec.DisplayName)
	assert.True(t, rec.IsActive)

	records, err := s.ListRecords(ctx, "sch-1", store.RecordTypeStudent)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSoftDeleteAndReactivate(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertRecord(ctx, studentRecord("stu-1", "Ada Lovelace"))
	require.NoError(t, err)

	deleted, err := s.SoftDeleteRecord(ctx, "sch-1", store.RecordTypeStudent, "stu-1", time.Now())
	require.NoError(t, err)
	assert.True(t, deleted)

	rec, err := s.GetRecord(ctx, "sch-1", store.RecordTypeStudent, "stu-1")
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
	assert.NotNil(t, rec.DeactivatedAt)

	// Deleting a record that was never synced reports absence, not an error
	deleted, err = s.SoftDeleteRecord(ctx, "sch-1", store.RecordTypeStudent, "stu-ghost", time.Now())
	require.NoError(t, err)
	assert.False(t, deleted)

	// A later upsert of the same external ID reactivates the row
	outcome, err := s.UpsertRecord(ctx, studentRecord("stu-1", "Ada Lovelace"))
	require.NoError(t, err)
	assert.Equal(t, store.ApplyUpdated, outcome)

	rec, err = s.GetRecord(ctx, "sch-1", store.RecordTypeStudent, "stu-1")
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
	assert.Nil(t, rec.DeactivatedAt)
}

func TestGetRecordNotFound(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)

	_, err := s.GetRecord(context.Background(), "sch-1", store.RecordTypeStudent, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcileThreePhase(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	// A and B active, C already inactive
	for _, id := range []string{"stu-a", "stu-b", "stu-c"} {
		_, err := s.UpsertRecord(ctx, studentRecord(id, "Student "+id))
		require.NoError(t, err)
	}
	_, err := s.SoftDeleteRecord(ctx, "sch-1", store.RecordTypeStudent, "stu-c", time.Now())
	require.NoError(t, err)

	result, err := s.Reconcile(ctx, "sch-1", []store.Record{
		studentRecord("stu-a", "Student stu-a"),
		studentRecord("stu-b", "Student stu-b"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Reactivated)
	assert.Equal(t, 1, result.Deleted)

	_, err = s.GetRecord(ctx, "sch-1", store.RecordTypeStudent, "stu-c")
	assert.ErrorIs(t, err, store.ErrNotFound)

	for _, id := range []string{"stu-a", "stu-b"} {
		rec, err := s.GetRecord(ctx, "sch-1", store.RecordTypeStudent, id)
		require.NoError(t, err)
		assert.True(t, rec.IsActive)
	}
}

func TestReconcileRemovesOrphanedMemberships(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertRecord(ctx, store.Record{
		SchoolExternalID: "sch-1", Type: store.RecordTypeSection,
		ExternalID: "sec-1", DisplayName: "Algebra",
	})
	require.NoError(t, err)
	_, err = s.UpsertRecord(ctx, studentRecord("stu-1", "Ada Lovelace"))
	require.NoError(t, err)

	outcome, err := s.UpsertMembership(ctx, store.Membership{
		SchoolExternalID:  "sch-1",
		SectionExternalID: "sec-1",
		PersonExternalID:  "stu-1",
		Role:              "student",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApplyCreated, outcome)

	// Full set omits the section, so the section and its enrollment go
	result, err := s.Reconcile(ctx, "sch-1", []store.Record{
		studentRecord("stu-1", "Ada Lovelace"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	removed, err := s.DeleteMembership(ctx, "sch-1", "sec-1", "stu-1")
	require.NoError(t, err)
	assert.False(t, removed, "membership should already be gone")
}

func TestLockContention(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	winner := uuid.New()
	loser := uuid.New()
	scope := "school:sch-1"

	granted, current, err := s.TryAcquire(ctx, scope, winner, "manual", time.Minute)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Nil(t, current)

	granted, current, err = s.TryAcquire(ctx, scope, loser, "scheduled", time.Minute)
	require.NoError(t, err)
	assert.False(t, granted)
	require.NotNil(t, current)
	assert.Equal(t, winner, current.HolderID)
	assert.Equal(t, "manual", current.InitiatedBy)

	// Only the holder can renew or release
	renewed, err := s.Renew(ctx, scope, loser, time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)

	renewed, err = s.Renew(ctx, scope, winner, time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	released, err := s.Release(ctx, scope, loser)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.Release(ctx, scope, winner)
	require.NoError(t, err)
	assert.True(t, released)

	granted, _, err = s.TryAcquire(ctx, scope, loser, "scheduled", time.Minute)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	crashed := uuid.New()
	granted, _, err := s.TryAcquire(ctx, "school:sch-1", crashed, "scheduled", time.Second)
	require.NoError(t, err)
	require.True(t, granted)

	time.Sleep(1500 * time.Millisecond)

	successor := uuid.New()
	granted, _, err = s.TryAcquire(ctx, "school:sch-1", successor, "scheduled", time.Minute)
	require.NoError(t, err)
	assert.True(t, granted, "expired lock should be claimable")

	// The successor's fresh lock survives cleanup
	reclaimed, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
}

func TestRunHistory(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	run := status.RunRecord{
		ID:          uuid.New(),
		Scope:       "school:sch-1",
		Mode:        status.ModeIncremental,
		Status:      status.RunStatusRunning,
		StartedAt:   started,
		InitiatedBy: "manual",
	}
	require.NoError(t, s.InsertRun(ctx, run))

	ended := started.Add(2 * time.Second)
	run.Status = status.RunStatusSucceeded
	run.EndedAt = &ended
	run.Counts = status.Counts{Processed: 10, Created: 3, Updated: 7}
	run.LastCursor = "evt-110"
	require.NoError(t, s.CompleteRun(ctx, run))

	// A second completion of the same run must be rejected
	run.Status = status.RunStatusFailed
	assert.Error(t, s.CompleteRun(ctx, run))

	runs, err := s.ListRuns(ctx, store.RunFilter{Scope: "school:sch-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, status.RunStatusSucceeded, runs[0].Status)
	assert.Equal(t, 10, runs[0].Counts.Processed)
	assert.Equal(t, "evt-110", runs[0].LastCursor)

	runs, err = s.ListRuns(ctx, store.RunFilter{Mode: status.ModeFull})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestScopeStateCursor(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetScopeState(ctx, "school:sch-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.AdvanceCursor(ctx, "school:sch-1", "evt-100"))

	st, err := s.GetScopeState(ctx, "school:sch-1")
	require.NoError(t, err)
	assert.Equal(t, "evt-100", st.Cursor)
	assert.False(t, st.RequiresFullSync)

	require.NoError(t, s.SetRequiresFullSync(ctx, "school:sch-1", true))
	st, err = s.GetScopeState(ctx, "school:sch-1")
	require.NoError(t, err)
	assert.True(t, st.RequiresFullSync)

	states, err := s.ListScopeStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestSchedules(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.UpsertSchedule(ctx, store.Schedule{
		Scope:     "district:d-1",
		Interval:  time.Hour,
		NextRunAt: now.Add(-time.Minute),
		Enabled:   true,
	}))
	require.NoError(t, s.UpsertSchedule(ctx, store.Schedule{
		Scope:     "school:sch-1",
		Interval:  time.Hour,
		NextRunAt: now.Add(time.Hour),
		Enabled:   true,
	}))

	due, err := s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "district:d-1", due[0].Scope)
	assert.Equal(t, time.Hour, due[0].Interval)

	require.NoError(t, s.MarkScheduled(ctx, "district:d-1", now.Add(time.Hour)))
	due, err = s.DueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	assert.ErrorIs(t, s.MarkScheduled(ctx, "district:nope", now), store.ErrNotFound)
}
