package sync_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classcloud/roster-sync-server/internal/source"
	"github.com/classcloud/roster-sync-server/internal/store"
	"github.com/classcloud/roster-sync-server/internal/store/inmemory"
	pkgsync "github.com/classcloud/roster-sync-server/internal/sync"
)

func TestApplyEventCreateUpdateDelete(t *testing.T) {
	t.Parallel()

	st := inmemory.New()
	applier := pkgsync.NewApplier(st, nil)
	ctx := context.Background()

	counts, err := applier.ApplyEvent(ctx, "sch-1", source.Event{
		ID:   "evt-1",
		Type: "students.created",
		Data: json.RawMessage(`{"id":"stu-1","name":"Ada Lovelace","school":"sch-1","grade":"5"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Created)
	assert.Equal(t, 1, counts.Processed)

	counts, err = applier.ApplyEvent(ctx, "sch-1", source.Event{
		ID:   "evt-2",
		Type: "students.updated",
		Data: json.RawMessage(`{"id":"stu-1","name":"Ada Lovelace","school":"sch-1","grade":"6"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Updated)

	rec, err := st.GetRecord(ctx, "sch-1", store.RecordTypeStudent, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "6", rec.Attributes["grade"])

	counts, err = applier.ApplyEvent(ctx, "sch-1", source.Event{
		ID:   "evt-3",
		Type: "students.deleted",
		Data: json.RawMessage(`{"id":"stu-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Deleted)

	rec, err = st.GetRecord(ctx, "sch-1", store.RecordTypeStudent, "stu-1")
	require.NoError(t, err)
	assert.False(t, rec.IsActive, "delete events soft-delete, never remove the row")
}

func TestApplyEventValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{
			name:    "missing id",
			payload: `{"name":"Ada","school":"sch-1"}`,
		},
		{
			name:    "missing display name",
			payload: `{"id":"stu-1","school":"sch-1"}`,
		},
		{
			name:    "missing owning school",
			payload: `{"id":"stu-1","name":"Ada"}`,
		},
		{
			name:    "wrong owning school",
			payload: `{"id":"stu-1","name":"Ada","school":"sch-other"}`,
		},
		{
			name:    "payload not an object",
			payload: `"stu-1"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := inmemory.New()
			applier := pkgsync.NewApplier(st, nil)

			counts, err := applier.ApplyEvent(context.Background(), "sch-1", source.Event{
				ID:   "evt-1",
				Type: "students.created",
				Data: json.RawMessage(tt.payload),
			})
			require.NoError(t, err, "validation failures are recovered locally")
			assert.Equal(t, 1, counts.Failed)
			assert.Zero(t, counts.Created)

			records, err := st.ListRecords(context.Background(), "sch-1", store.RecordTypeStudent)
			require.NoError(t, err)
			assert.Empty(t, records, "invalid records must not be applied")
		})
	}
}

func TestApplyEventSkipsUnknownTypes(t *testing.T) {
	t.Parallel()

	st := inmemory.New()
	applier := pkgsync.NewApplier(st, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		eventType string
	}{
		{name: "unknown object type", eventType: "terms.created"},
		{name: "unknown action", eventType: "students.archived"},
		{name: "malformed type", eventType: "students"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counts, err := applier.ApplyEvent(ctx, "sch-1", source.Event{
				ID:   "evt-1",
				Type: tt.eventType,
				Data: json.RawMessage(`{"id":"x-1","name":"X","school":"sch-1"}`),
			})
			require.NoError(t, err, "unknown types must not abort the run")
			assert.Equal(t, 1, counts.Skipped)
		})
	}
}

func TestApplyEventDeleteOfAbsentRecord(t *testing.T) {
	t.Parallel()

	st := inmemory.New()
	applier := pkgsync.NewApplier(st, nil)

	counts, err := applier.ApplyEvent(context.Background(), "sch-1", source.Event{
		ID:   "evt-1",
		Type: "students.deleted",
		Data: json.RawMessage(`{"id":"stu-never-seen"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Skipped)
	assert.Zero(t, counts.Deleted)
}

func TestApplyEnrollmentEvents(t *testing.T) {
	t.Parallel()

	st := inmemory.New()
	applier := pkgsync.NewApplier(st, nil)
	ctx := context.Background()

	counts, err := applier.ApplyEvent(ctx, "sch-1", source.Event{
		ID:   "evt-1",
		Type: "enrollments.created",
		Data: json.RawMessage(`{"id":"enr-1","school":"sch-1","section":"sec-1","person":"stu-1","role":"student"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Created)

	memberships := st.Memberships("sch-1")
	require.Len(t, memberships, 1)
	assert.Equal(t, "sec-1", memberships[0].SectionExternalID)
	assert.Equal(t, "stu-1", memberships[0].PersonExternalID)
	assert.Equal(t, "student", memberships[0].Role)

	counts, err = applier.ApplyEvent(ctx, "sch-1", source.Event{
		ID:   "evt-2",
		Type: "enrollments.deleted",
		Data: json.RawMessage(`{"id":"enr-1","school":"sch-1","section":"sec-1","person":"stu-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Deleted)
	assert.Empty(t, st.Memberships("sch-1"))

	// Enrollment without a person fails validation
	counts, err = applier.ApplyEvent(ctx, "sch-1", source.Event{
		ID:   "evt-3",
		Type: "enrollments.created",
		Data: json.RawMessage(`{"id":"enr-2","school":"sch-1","section":"sec-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)
}
