package v0_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v0 "github.com/classcloud/roster-sync-server/internal/api/v0"
	"github.com/classcloud/roster-sync-server/internal/status"
	"github.com/classcloud/roster-sync-server/internal/store/inmemory"
	pkgsync "github.com/classcloud/roster-sync-server/internal/sync"
)

// fakeManager records sync requests and returns a canned result
type fakeManager struct {
	mu       stdsync.Mutex
	requests []pkgsync.Request
	result   *status.AggregateResult
}

func (f *fakeManager) Sync(_ context.Context, req pkgsync.Request) *status.AggregateResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.result != nil {
		return f.result
	}
	return &status.AggregateResult{
		Scope:  status.SchoolScope(req.ID),
		Status: status.RunStatusSucceeded,
		Counts: status.Counts{Processed: 3, Created: 1, Updated: 1, Deleted: 1},
	}
}

func (f *fakeManager) recorded() []pkgsync.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pkgsync.Request(nil), f.requests...)
}

func TestHealthRouter(t *testing.T) {
	t.Parallel()

	router := v0.HealthRouter(inmemory.New())

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "health endpoint", path: "/health", wantStatus: http.StatusOK},
		{name: "readiness endpoint", path: "/readiness", wantStatus: http.StatusOK},
		{name: "version endpoint", path: "/version", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, err := http.NewRequest(http.MethodGet, tt.path, nil)
			require.NoError(t, err)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	router := v0.Router(mgr, inmemory.New())

	body := `{"scope":"school","id":"sch-1","forceFullSync":true}`
	req, err := http.NewRequest(http.MethodPost, "/sync", strings.NewReader(body))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var result status.AggregateResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, status.RunStatusSucceeded, result.Status)
	assert.Equal(t, 3, result.Counts.Processed)

	recorded := mgr.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, pkgsync.TargetSchool, recorded[0].Target)
	assert.Equal(t, "sch-1", recorded[0].ID)
	assert.True(t, recorded[0].ForceFullSync)
	assert.Equal(t, "manual", recorded[0].InitiatedBy)
}

func TestTriggerSyncFailedRunStillReturnsResult(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{result: &status.AggregateResult{
		Scope:  "district:d-1",
		Status: status.RunStatusPartial,
		Counts: status.Counts{Processed: 10, Failed: 2},
		Children: []status.ScopeResult{
			{Scope: "school:sch-1", Status: status.RunStatusSucceeded},
			{Scope: "school:sch-2", Status: status.RunStatusFailed, Error: "fetch failed"},
		},
		SuccessfulChildren: 1,
		FailedChildren:     1,
	}}
	router := v0.Router(mgr, inmemory.New())

	req, err := http.NewRequest(http.MethodPost, "/sync",
		strings.NewReader(`{"scope":"district","id":"d-1"}`))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// Partial failure is still a structured 200 response
	require.Equal(t, http.StatusOK, rr.Code)

	var result status.AggregateResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, status.RunStatusPartial, result.Status)
	require.Len(t, result.Children, 2)
	assert.Equal(t, "fetch failed", result.Children[1].Error)
}

func TestTriggerSyncValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{`},
		{name: "unknown scope", body: `{"scope":"galaxy","id":"x"}`},
		{name: "school without id", body: `{"scope":"school"}`},
		{name: "district without id", body: `{"scope":"district"}`},
		{name: "all with id", body: `{"scope":"all","id":"d-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mgr := &fakeManager{}
			router := v0.Router(mgr, inmemory.New())

			req, err := http.NewRequest(http.MethodPost, "/sync", strings.NewReader(tt.body))
			require.NoError(t, err)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Empty(t, mgr.recorded())

			var errResp v0.ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &errResp))
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	st := inmemory.New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, scope := range []string{"school:sch-1", "school:sch-1", "school:sch-2"} {
		mode := status.ModeIncremental
		if i == 0 {
			mode = status.ModeFull
		}
		require.NoError(t, st.InsertRun(ctx, status.RunRecord{
			ID:        uuid.New(),
			Scope:     scope,
			Mode:      mode,
			Status:    status.RunStatusSucceeded,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	router := v0.Router(&fakeManager{}, st)

	tests := []struct {
		name      string
		query     string
		wantCount int
		wantCode  int
	}{
		{name: "all runs", query: "", wantCount: 3, wantCode: http.StatusOK},
		{name: "filter by scope", query: "?scope=school:sch-1", wantCount: 2, wantCode: http.StatusOK},
		{name: "filter by mode", query: "?mode=full", wantCount: 1, wantCode: http.StatusOK},
		{name: "limit", query: "?limit=1", wantCount: 1, wantCode: http.StatusOK},
		{name: "since", query: "?since=" + base.Add(90*time.Minute).Format(time.RFC3339), wantCount: 1, wantCode: http.StatusOK},
		{name: "bad mode", query: "?mode=sideways", wantCode: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=-1", wantCode: http.StatusBadRequest},
		{name: "bad since", query: "?since=yesterday", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, err := http.NewRequest(http.MethodGet, "/runs"+tt.query, nil)
			require.NoError(t, err)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			require.Equal(t, tt.wantCode, rr.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var runs []status.RunRecord
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
			assert.Len(t, runs, tt.wantCount)
		})
	}
}

func TestListRunsEmptyIsArray(t *testing.T) {
	t.Parallel()

	router := v0.Router(&fakeManager{}, inmemory.New())
	req, err := http.NewRequest(http.MethodGet, "/runs", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestStatusEndpoints(t *testing.T) {
	t.Parallel()

	st := inmemory.New()
	ctx := context.Background()
	require.NoError(t, st.UpsertScopeState(ctx, status.ScopeState{
		Scope:       "school:sch-1",
		ParentScope: "district:d-1",
		Cursor:      "evt-42",
	}))

	router := v0.Router(&fakeManager{}, st)

	t.Run("list", func(t *testing.T) {
		t.Parallel()
		req, err := http.NewRequest(http.MethodGet, "/status", nil)
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var states []status.ScopeState
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &states))
		require.Len(t, states, 1)
		assert.Equal(t, "evt-42", states[0].Cursor)
	})

	t.Run("get known scope", func(t *testing.T) {
		t.Parallel()
		req, err := http.NewRequest(http.MethodGet, "/status/school:sch-1", nil)
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var state status.ScopeState
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &state))
		assert.Equal(t, "district:d-1", state.ParentScope)
	})

	t.Run("get unknown scope", func(t *testing.T) {
		t.Parallel()
		req, err := http.NewRequest(http.MethodGet, "/status/school:nope", nil)
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("get invalid scope", func(t *testing.T) {
		t.Parallel()
		req, err := http.NewRequest(http.MethodGet, "/status/whatever", nil)
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}
