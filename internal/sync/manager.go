package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/classcloud/roster-sync-server/internal/source"
	"github.com/classcloud/roster-sync-server/internal/status"
	"github.com/classcloud/roster-sync-server/internal/store"
	"github.com/classcloud/roster-sync-server/internal/telemetry"
)

const (
	// defaultFanOut caps how many schools sync concurrently within one run
	defaultFanOut = 5

	// defaultLockTTL bounds the blast radius of a crashed lock holder; the
	// holder heartbeats well inside it while a run is in flight
	defaultLockTTL = 60 * time.Minute
)

// Sync targets accepted by Request
const (
	TargetSchool   = "school"
	TargetDistrict = "district"
	TargetAll      = "all"
)

// Request describes one sync trigger
type Request struct {
	// Target selects what to sync: a single school, a district and all of
	// its schools, or every known district
	Target string

	// ID is the external id of the school or district; unused for TargetAll
	ID string

	// ForceFullSync makes every covered school run a full sync and
	// reconciliation regardless of its cursor state
	ForceFullSync bool

	// InitiatedBy records what triggered the run ("manual", "scheduled")
	InitiatedBy string
}

// SourceReader is the slice of the source API the engine consumes
type SourceReader interface {
	ListDistricts(ctx context.Context) ([]json.RawMessage, error)
	ListSchools(ctx context.Context, districtExternalID string) ([]json.RawMessage, error)
	ListResources(ctx context.Context, schoolExternalID, resource string) ([]json.RawMessage, error)
	ReadEventsSince(ctx context.Context, schoolExternalID, cursor string) ([]source.Event, error)
	LatestEventID(ctx context.Context, schoolExternalID string) (string, error)
}

// apiReader combines the paginated client and the feed reader into one
// SourceReader
type apiReader struct {
	*source.Client
	*source.FeedReader
}

// NewSourceReader adapts a source client and feed reader to SourceReader
func NewSourceReader(client *source.Client, feed *source.FeedReader) SourceReader {
	return &apiReader{Client: client, FeedReader: feed}
}

// Manager orchestrates sync runs across scopes
type Manager interface {
	// Sync executes one triggered run. The result is always structured:
	// top-level failures still carry partial results for every scope that
	// completed.
	Sync(ctx context.Context, req Request) *status.AggregateResult
}

// defaultManager is the production Manager
type defaultManager struct {
	st         store.Store
	src        SourceReader
	applier    *Applier
	reconciler *Reconciler
	logger     *slog.Logger
	metrics    *telemetry.SyncMetrics

	fanOut     int
	lockTTL    time.Duration
	instanceID uuid.UUID
	now        func() time.Time
}

// ManagerOption configures a Manager
type ManagerOption func(*defaultManager)

// WithFanOut sets the bounded concurrency for child scopes
func WithFanOut(n int) ManagerOption {
	return func(m *defaultManager) {
		if n > 0 {
			m.fanOut = n
		}
	}
}

// WithLockTTL sets the sync lock TTL
func WithLockTTL(ttl time.Duration) ManagerOption {
	return func(m *defaultManager) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithManagerLogger sets the manager's logger
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *defaultManager) {
		m.logger = logger
	}
}

// WithSyncMetrics sets the sync metrics recorder
func WithSyncMetrics(metrics *telemetry.SyncMetrics) ManagerOption {
	return func(m *defaultManager) {
		m.metrics = metrics
	}
}

// NewManager creates the production sync orchestrator
func NewManager(st store.Store, src SourceReader, opts ...ManagerOption) Manager {
	m := &defaultManager{
		st:         st,
		src:        src,
		logger:     slog.Default(),
		fanOut:     defaultFanOut,
		lockTTL:    defaultLockTTL,
		instanceID: uuid.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.applier = NewApplier(st, m.logger)
	m.reconciler = NewReconciler(st, src, m.logger)
	return m
}

// Sync implements Manager
func (m *defaultManager) Sync(ctx context.Context, req Request) *status.AggregateResult {
	result := &status.AggregateResult{StartedAt: m.now()}
	if req.InitiatedBy == "" {
		req.InitiatedBy = "manual"
	}

	switch req.Target {
	case TargetSchool:
		result.Scope = status.SchoolScope(req.ID)
		result.MergeChild(m.syncSchool(ctx, req.ID, "", req.ForceFullSync, req.InitiatedBy))

	case TargetDistrict:
		result.Scope = status.DistrictScope(req.ID)
		m.syncDistrict(ctx, req.ID, req, result)

	case TargetAll:
		result.Scope = TargetAll
		m.syncAll(ctx, req, result)

	default:
		result.Scope = req.Target
		result.Status = status.RunStatusFailed
		result.Error = fmt.Sprintf("unknown sync target %q", req.Target)
		result.EndedAt = m.now()
		return result
	}

	result.EndedAt = m.now()
	if result.Status == "" {
		result.Status = aggregateStatus(ctx, result)
	}
	return result
}

// aggregateStatus derives the run status from the merged child results
func aggregateStatus(ctx context.Context, result *status.AggregateResult) status.RunStatus {
	switch {
	case ctx.Err() != nil:
		return status.RunStatusCancelled
	case result.FailedChildren == 0 && result.SkippedChildren == 0:
		return status.RunStatusSucceeded
	case result.SuccessfulChildren > 0:
		return status.RunStatusPartial
	case result.FailedChildren == 0:
		return status.RunStatusSkipped
	default:
		return status.RunStatusFailed
	}
}

// syncDistrict refreshes a district's school list and fans out over its
// schools under the district's own lock.
func (m *defaultManager) syncDistrict(ctx context.Context, districtID string, req Request, result *status.AggregateResult) {
	scope := status.DistrictScope(districtID)

	release, held, holder := m.acquire(ctx, scope, req.InitiatedBy)
	if !held {
		result.Status = status.RunStatusSkipped
		result.Error = lockContentionMessage(scope, holder)
		m.recordSkippedRun(ctx, scope, req, result.Error)
		return
	}
	defer release()

	runID := uuid.New()
	m.insertRun(ctx, runID, scope, modeForRequest(req), req.InitiatedBy)

	err := m.ensureDistrict(ctx, districtID)
	var schools []string
	if err == nil {
		schools, err = m.refreshDistrict(ctx, districtID)
	}
	if err != nil {
		syncErr := classifyFetchError(scope, err)
		result.Status = status.RunStatusFailed
		result.Error = syncErr.Message
		m.completeRun(ctx, runID, scope, modeForRequest(req), result.Counts, "", status.RunStatusFailed, syncErr.Message, req.InitiatedBy)
		return
	}

	m.fanOutSchools(ctx, schools, districtID, req, result)

	final := aggregateStatus(ctx, result)
	result.Status = final
	m.completeRun(ctx, runID, scope, modeForRequest(req), result.Counts, "", final, result.Error, req.InitiatedBy)
}

// syncAll refreshes the district list and fans out over every school of
// every district. Only school locks are taken: district-level serialization
// is unnecessary when each child serializes itself.
func (m *defaultManager) syncAll(ctx context.Context, req Request, result *status.AggregateResult) {
	raw, err := m.src.ListDistricts(ctx)
	if err != nil {
		syncErr := classifyFetchError(TargetAll, err)
		result.Status = status.RunStatusFailed
		result.Error = syncErr.Message
		return
	}

	type schoolRef struct {
		id       string
		district string
	}
	var schools []schoolRef
	for _, item := range raw {
		var d struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &d); err != nil || d.ID == "" {
			m.logger.Warn("skipping malformed district payload", "error", err)
			continue
		}
		if err := m.st.UpsertDistrict(ctx, store.District{ExternalID: d.ID, Name: d.Name}); err != nil {
			m.logger.Error("failed to upsert district", "district", d.ID, "error", err)
			continue
		}
		ids, err := m.refreshDistrict(ctx, d.ID)
		if err != nil {
			m.logger.Error("failed to refresh district schools", "district", d.ID, "error", err)
			result.MergeChild(status.ScopeResult{
				Scope:  status.DistrictScope(d.ID),
				Status: status.RunStatusFailed,
				Error:  err.Error(),
			})
			continue
		}
		for _, id := range ids {
			schools = append(schools, schoolRef{id: id, district: d.ID})
		}
	}

	var mu stdsync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanOut)
	for _, ref := range schools {
		g.Go(func() error {
			child := m.syncSchool(gctx, ref.id, ref.district, req.ForceFullSync, req.InitiatedBy)
			mu.Lock()
			result.MergeChild(child)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// fanOutSchools runs the bounded concurrent sync of a district's schools
func (m *defaultManager) fanOutSchools(
	ctx context.Context, schools []string, districtID string, req Request, result *status.AggregateResult,
) {
	var mu stdsync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanOut)
	for _, schoolID := range schools {
		g.Go(func() error {
			child := m.syncSchool(gctx, schoolID, districtID, req.ForceFullSync, req.InitiatedBy)
			mu.Lock()
			result.MergeChild(child)
			mu.Unlock()
			// Continue-on-error: one school's failure never aborts siblings
			return nil
		})
	}
	_ = g.Wait()
}

// ensureDistrict guarantees the district row exists before school rows
// reference it. Districts not yet known locally are resolved against the
// source's district list.
func (m *defaultManager) ensureDistrict(ctx context.Context, districtID string) error {
	known, err := m.st.ListDistricts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list known districts: %w", err)
	}
	for _, d := range known {
		if d.ExternalID == districtID {
			return nil
		}
	}

	raw, err := m.src.ListDistricts(ctx)
	if err != nil {
		return err
	}
	for _, item := range raw {
		var d struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &d); err != nil || d.ID != districtID {
			continue
		}
		if err := m.st.UpsertDistrict(ctx, store.District{ExternalID: d.ID, Name: d.Name}); err != nil {
			return fmt.Errorf("failed to upsert district %s: %w", d.ID, err)
		}
		return nil
	}
	return fmt.Errorf("district %s not found at source", districtID)
}

// ensureSchool guarantees the school row and its district parent exist
// before roster rows reference them. A school triggered directly before any
// district sync is resolved by walking the source hierarchy.
func (m *defaultManager) ensureSchool(ctx context.Context, schoolID string) error {
	if _, err := m.st.GetSchool(ctx, schoolID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to look up school %s: %w", schoolID, err)
	}

	raw, err := m.src.ListDistricts(ctx)
	if err != nil {
		return err
	}
	for _, item := range raw {
		var d struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &d); err != nil || d.ID == "" {
			continue
		}
		schools, err := m.src.ListSchools(ctx, d.ID)
		if err != nil {
			return err
		}
		for _, sraw := range schools {
			var s struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			}
			if err := json.Unmarshal(sraw, &s); err != nil || s.ID != schoolID {
				continue
			}
			if err := m.st.UpsertDistrict(ctx, store.District{ExternalID: d.ID, Name: d.Name}); err != nil {
				return fmt.Errorf("failed to upsert district %s: %w", d.ID, err)
			}
			if err := m.st.UpsertSchool(ctx, store.School{
				ExternalID:         schoolID,
				DistrictExternalID: d.ID,
				Name:               s.Name,
			}); err != nil {
				return fmt.Errorf("failed to upsert school %s: %w", schoolID, err)
			}
			return nil
		}
	}
	return fmt.Errorf("school %s not found at source", schoolID)
}

// refreshDistrict upserts the district's school rows from the source and
// returns the school external ids.
func (m *defaultManager) refreshDistrict(ctx context.Context, districtID string) ([]string, error) {
	raw, err := m.src.ListSchools(ctx, districtID)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, item := range raw {
		var s struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			District string `json:"district"`
		}
		if err := json.Unmarshal(item, &s); err != nil || s.ID == "" {
			m.logger.Warn("skipping malformed school payload", "district", districtID, "error", err)
			continue
		}
		if err := m.st.UpsertSchool(ctx, store.School{
			ExternalID:         s.ID,
			DistrictExternalID: districtID,
			Name:               s.Name,
		}); err != nil {
			return nil, fmt.Errorf("failed to upsert school %s: %w", s.ID, err)
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// syncSchool runs one school's sync under its lock: mode selection, the full
// or incremental phase, cursor advancement, and run bookkeeping.
func (m *defaultManager) syncSchool(
	ctx context.Context, schoolID, districtID string, force bool, initiatedBy string,
) status.ScopeResult {
	scope := status.SchoolScope(schoolID)
	res := status.ScopeResult{Scope: scope}
	startedAt := m.now()

	release, held, holder := m.acquire(ctx, scope, initiatedBy)
	if !held {
		res.Status = status.RunStatusSkipped
		res.Error = lockContentionMessage(scope, holder)
		m.logger.Info("skipping locked scope", "scope", scope, "error", res.Error)
		if m.metrics != nil {
			m.metrics.RecordLockContention(ctx, scope)
		}
		m.recordSkippedRun(ctx, scope, Request{InitiatedBy: initiatedBy, ForceFullSync: force}, res.Error)
		return res
	}
	defer release()

	if err := m.ensureSchool(ctx, schoolID); err != nil {
		res.Status = status.RunStatusFailed
		res.Error = fmt.Sprintf("failed to resolve tenant rows for %s: %v", scope, err)
		return res
	}

	state, err := m.st.GetScopeState(ctx, scope)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		res.Status = status.RunStatusFailed
		res.Error = fmt.Sprintf("failed to load sync state for %s: %v", scope, err)
		return res
	}
	if state == nil {
		state = &status.ScopeState{Scope: scope}
	}

	mode := status.ModeIncremental
	if force || state.RequiresFullSync || state.Cursor == "" {
		mode = status.ModeFull
	}
	res.Mode = mode

	runID := uuid.New()
	m.insertRun(ctx, runID, scope, mode, initiatedBy)
	m.logger.Info("starting school sync",
		"scope", scope,
		"mode", mode,
		"cursor", state.Cursor,
		"initiatedBy", initiatedBy)

	var counts status.Counts
	var cursor string
	var runErr error
	if mode == status.ModeFull {
		counts, cursor, runErr = m.runFull(ctx, schoolID, scope, state)
	} else {
		counts, cursor, runErr = m.runIncremental(ctx, schoolID, scope, state.Cursor)
	}
	res.Counts = counts
	res.Cursor = cursor

	switch {
	case runErr == nil:
		res.Status = status.RunStatusSucceeded
	case ctx.Err() != nil || ReasonOf(runErr) == ReasonCancelled:
		res.Status = status.RunStatusCancelled
		res.Error = runErr.Error()
	default:
		res.Status = status.RunStatusFailed
		res.Error = runErr.Error()
	}

	m.persistScopeState(ctx, scope, districtID, res, state)
	m.completeRun(ctx, runID, scope, mode, counts, cursor, res.Status, res.Error, initiatedBy)

	duration := m.now().Sub(startedAt)
	if m.metrics != nil {
		m.metrics.RecordSyncDuration(ctx, scope, duration, res.Status == status.RunStatusSucceeded)
		m.metrics.RecordRecordsProcessed(ctx, scope, int64(counts.Processed))
	}
	m.logger.Info("school sync finished",
		"scope", scope,
		"mode", mode,
		"status", res.Status,
		"processed", counts.Processed,
		"failed", counts.Failed,
		"duration", duration)
	return res
}

// runFull executes the full-sync phase: record the feed position, fetch and
// reconcile everything, then clear the full-sync flag and seed the cursor.
// Events arriving during the fetch window replay on the next incremental
// run, which is safe because application is idempotent.
func (m *defaultManager) runFull(
	ctx context.Context, schoolID, scope string, state *status.ScopeState,
) (status.Counts, string, error) {
	// Persist the flag first so an interrupted full sync is retried in full
	if !state.RequiresFullSync {
		if err := m.st.SetRequiresFullSync(ctx, scope, true); err != nil {
			return status.Counts{}, state.Cursor, &Error{
				Err:     err,
				Message: fmt.Sprintf("failed to flag %s for full sync: %v", scope, err),
				Scope:   scope,
				Reason:  ReasonStoreFailed,
			}
		}
		state.RequiresFullSync = true
	}

	latestID, err := m.src.LatestEventID(ctx, schoolID)
	if err != nil {
		return status.Counts{}, state.Cursor, classifyFetchError(scope, err)
	}

	counts, err := m.reconciler.ReconcileSchool(ctx, schoolID)
	if err != nil {
		return counts, state.Cursor, err
	}

	if err := m.st.SetRequiresFullSync(ctx, scope, false); err != nil {
		return counts, state.Cursor, &Error{
			Err:     err,
			Message: fmt.Sprintf("failed to clear full-sync flag for %s: %v", scope, err),
			Scope:   scope,
			Reason:  ReasonStoreFailed,
		}
	}
	state.RequiresFullSync = false

	cursor := state.Cursor
	if latestID != "" {
		cursor = latestID
		if err := m.st.AdvanceCursor(ctx, scope, cursor); err != nil {
			return counts, state.Cursor, &Error{
				Err:     err,
				Message: fmt.Sprintf("failed to advance cursor for %s: %v", scope, err),
				Scope:   scope,
				Reason:  ReasonStoreFailed,
			}
		}
	}
	return counts, cursor, nil
}

// runIncremental reads the change feed from the cursor and applies it in
// order. The cursor advances only after the whole batch applied: a failure
// mid-batch leaves the persisted cursor untouched so the retried run
// reprocesses from the last confirmed position.
func (m *defaultManager) runIncremental(
	ctx context.Context, schoolID, scope, cursor string,
) (status.Counts, string, error) {
	events, err := m.src.ReadEventsSince(ctx, schoolID, cursor)
	if err != nil {
		return status.Counts{}, cursor, classifyFetchError(scope, err)
	}

	var counts status.Counts
	for _, ev := range events {
		if ctx.Err() != nil {
			return counts, cursor, &Error{
				Err:     ctx.Err(),
				Message: fmt.Sprintf("sync of %s cancelled", scope),
				Scope:   scope,
				Reason:  ReasonCancelled,
			}
		}
		delta, err := m.applier.ApplyEvent(ctx, schoolID, ev)
		counts.Add(delta)
		if err != nil {
			return counts, cursor, err
		}
	}

	if len(events) == 0 {
		return counts, cursor, nil
	}

	next := events[len(events)-1].ID
	if err := m.st.AdvanceCursor(ctx, scope, next); err != nil {
		return counts, cursor, &Error{
			Err:     err,
			Message: fmt.Sprintf("failed to advance cursor for %s: %v", scope, err),
			Scope:   scope,
			Reason:  ReasonStoreFailed,
		}
	}
	return counts, next, nil
}

// acquire claims the scope's lock and starts the heartbeat. The returned
// release stops the heartbeat and frees the lock; it is safe to call exactly
// once.
func (m *defaultManager) acquire(ctx context.Context, scope, initiatedBy string) (release func(), held bool, holder *store.LockEntry) {
	if _, err := m.st.CleanupExpired(ctx); err != nil {
		m.logger.Warn("failed to clean up expired locks", "error", err)
	}

	granted, current, err := m.st.TryAcquire(ctx, scope, m.instanceID, initiatedBy, m.lockTTL)
	if err != nil {
		m.logger.Error("lock acquisition failed", "scope", scope, "error", err)
		return nil, false, nil
	}
	if !granted {
		return nil, false, current
	}

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				renewed, err := m.st.Renew(hbCtx, scope, m.instanceID, m.lockTTL)
				if err != nil {
					m.logger.Warn("lock renewal failed", "scope", scope, "error", err)
				} else if !renewed {
					m.logger.Warn("lock no longer held, stopping heartbeat", "scope", scope)
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer releaseCancel()
		if _, err := m.st.Release(releaseCtx, scope, m.instanceID); err != nil {
			m.logger.Error("failed to release lock", "scope", scope, "error", err)
		}
	}, true, nil
}

func lockContentionMessage(scope string, holder *store.LockEntry) string {
	if holder == nil {
		return fmt.Sprintf("sync of %s already in progress", scope)
	}
	return fmt.Sprintf("sync of %s already in progress (holder %s, initiated by %s, expires %s)",
		scope, holder.HolderID, holder.InitiatedBy, holder.ExpiresAt.UTC().Format(time.RFC3339))
}

func modeForRequest(req Request) status.SyncMode {
	if req.ForceFullSync {
		return status.ModeFull
	}
	return status.ModeIncremental
}

// persistScopeState writes the scope's post-run state row. The caller holds
// the scope lock, so read-modify-write is safe.
func (m *defaultManager) persistScopeState(
	ctx context.Context, scope, districtID string, res status.ScopeResult, state *status.ScopeState,
) {
	now := m.now()
	updated := status.ScopeState{
		Scope:            scope,
		ParentScope:      state.ParentScope,
		Cursor:           state.Cursor,
		RequiresFullSync: state.RequiresFullSync,
		LastRunAt:        &now,
		LastRunStatus:    res.Status,
		UpdatedAt:        now,
	}
	if districtID != "" {
		updated.ParentScope = status.DistrictScope(districtID)
	}
	if res.Cursor != "" {
		updated.Cursor = res.Cursor
	}
	if err := m.st.UpsertScopeState(ctx, updated); err != nil {
		m.logger.Error("failed to persist sync state", "scope", scope, "error", err)
	}
}

func (m *defaultManager) insertRun(ctx context.Context, id uuid.UUID, scope string, mode status.SyncMode, initiatedBy string) {
	run := status.RunRecord{
		ID:          id,
		Scope:       scope,
		Mode:        mode,
		Status:      status.RunStatusRunning,
		StartedAt:   m.now(),
		InitiatedBy: initiatedBy,
	}
	if err := m.st.InsertRun(ctx, run); err != nil {
		m.logger.Error("failed to record run start", "scope", scope, "error", err)
	}
}

func (m *defaultManager) completeRun(
	ctx context.Context, id uuid.UUID, scope string, mode status.SyncMode,
	counts status.Counts, cursor string, final status.RunStatus, errMsg, initiatedBy string,
) {
	ended := m.now()
	run := status.RunRecord{
		ID:          id,
		Scope:       scope,
		Mode:        mode,
		Status:      final,
		EndedAt:     &ended,
		Counts:      counts,
		LastCursor:  cursor,
		Error:       errMsg,
		InitiatedBy: initiatedBy,
	}
	if err := m.st.CompleteRun(ctx, run); err != nil {
		m.logger.Error("failed to record run completion", "scope", scope, "error", err)
	}
}

// recordSkippedRun appends a terminal skipped run for a lock-contention
// skip. The recorded mode is the one the run would have executed: for a
// school scope that means consulting its persisted state, since a flagged or
// never-synced scope runs full regardless of the request.
func (m *defaultManager) recordSkippedRun(ctx context.Context, scope string, req Request, msg string) {
	mode := modeForRequest(req)
	if kind, _, err := status.ParseScope(scope); mode != status.ModeFull && err == nil && kind == status.ScopeKindSchool {
		state, err := m.st.GetScopeState(ctx, scope)
		switch {
		case err == nil && (state.RequiresFullSync || state.Cursor == ""):
			mode = status.ModeFull
		case errors.Is(err, store.ErrNotFound):
			mode = status.ModeFull
		}
	}

	now := m.now()
	run := status.RunRecord{
		ID:          uuid.New(),
		Scope:       scope,
		Mode:        mode,
		Status:      status.RunStatusSkipped,
		StartedAt:   now,
		EndedAt:     &now,
		Error:       msg,
		InitiatedBy: req.InitiatedBy,
	}
	if err := m.st.InsertRun(ctx, run); err != nil {
		m.logger.Error("failed to record skipped run", "scope", scope, "error", err)
	}
}
