// Package inmemory provides an in-memory implementation of store.Store.
// It backs unit tests and the single-node development mode; production
// deployments use the postgres implementation.
package inmemory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classcloud/roster-sync-server/internal/status"
	"github.com/classcloud/roster-sync-server/internal/store"
)

// Store is a mutex-protected, map-backed store.Store implementation
type Store struct {
	mu sync.Mutex

	records     map[recordKey]*store.StoredRecord
	memberships map[membershipKey]store.Membership
	districts   map[string]store.District
	schools     map[string]store.School
	states      map[string]status.ScopeState
	runs        []status.RunRecord
	locks       map[string]store.LockEntry
	schedules   map[string]store.Schedule

	now func() time.Time
}

type recordKey struct {
	school string
	rt     store.RecordType
	ext    string
}

type membershipKey struct {
	school  string
	section string
	person  string
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		records:     make(map[recordKey]*store.StoredRecord),
		memberships: make(map[membershipKey]store.Membership),
		districts:   make(map[string]store.District),
		schools:     make(map[string]store.School),
		states:      make(map[string]status.ScopeState),
		locks:       make(map[string]store.LockEntry),
		schedules:   make(map[string]store.Schedule),
		now:         time.Now,
	}
}

// WithClock overrides the store's time source. Tests use this to control
// lock expiry without sleeping.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Ping always succeeds for the in-memory store
func (*Store) Ping(_ context.Context) error { return nil }

// UpsertRecord implements store.RosterStore
func (s *Store) UpsertRecord(_ context.Context, rec store.Record) (store.ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{school: rec.SchoolExternalID, rt: rec.Type, ext: rec.ExternalID}
	now := s.now()

	if existing, ok := s.records[key]; ok {
		existing.DisplayName = rec.DisplayName
		existing.Attributes = cloneAttrs(rec.Attributes)
		existing.IsActive = true
		existing.DeactivatedAt = nil
		existing.UpdatedAt = now
		return store.ApplyUpdated, nil
	}

	s.records[key] = &store.StoredRecord{
		Record: store.Record{
			SchoolExternalID: rec.SchoolExternalID,
			Type:             rec.Type,
			ExternalID:       rec.ExternalID,
			DisplayName:      rec.DisplayName,
			Attributes:       cloneAttrs(rec.Attributes),
		},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return store.ApplyCreated, nil
}

// SoftDeleteRecord implements store.RosterStore
func (s *Store) SoftDeleteRecord(
	_ context.Context, schoolExternalID string, rt store.RecordType, externalID string, at time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{school: schoolExternalID, rt: rt, ext: externalID}
	existing, ok := s.records[key]
	if !ok {
		return false, nil
	}
	existing.IsActive = false
	existing.DeactivatedAt = &at
	existing.UpdatedAt = s.now()
	return true, nil
}

// GetRecord implements store.RosterStore
func (s *Store) GetRecord(
	_ context.Context, schoolExternalID string, rt store.RecordType, externalID string,
) (*store.StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{school: schoolExternalID, rt: rt, ext: externalID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	cp.Attributes = cloneAttrs(rec.Attributes)
	return &cp, nil
}

// ListRecords implements store.RosterStore
func (s *Store) ListRecords(
	_ context.Context, schoolExternalID string, rt store.RecordType,
) ([]store.StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.StoredRecord
	for key, rec := range s.records {
		if key.school == schoolExternalID && key.rt == rt {
			cp := *rec
			cp.Attributes = cloneAttrs(rec.Attributes)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

// UpsertMembership implements store.RosterStore
func (s *Store) UpsertMembership(_ context.Context, m store.Membership) (store.ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := membershipKey{school: m.SchoolExternalID, section: m.SectionExternalID, person: m.PersonExternalID}
	if _, ok := s.memberships[key]; ok {
		s.memberships[key] = m
		return store.ApplyUpdated, nil
	}
	s.memberships[key] = m
	return store.ApplyCreated, nil
}

// DeleteMembership implements store.RosterStore
func (s *Store) DeleteMembership(
	_ context.Context, schoolExternalID, sectionExternalID, personExternalID string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := membershipKey{school: schoolExternalID, section: sectionExternalID, person: personExternalID}
	if _, ok := s.memberships[key]; !ok {
		return false, nil
	}
	delete(s.memberships, key)
	return true, nil
}

// Memberships returns all join rows for a school, sorted for stable
// assertions in tests
func (s *Store) Memberships(schoolExternalID string) []store.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Membership
	for key, m := range s.memberships {
		if key.school == schoolExternalID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SectionExternalID != out[j].SectionExternalID {
			return out[i].SectionExternalID < out[j].SectionExternalID
		}
		return out[i].PersonExternalID < out[j].PersonExternalID
	})
	return out
}

// Reconcile implements store.RosterStore. The in-memory store holds its
// mutex for the whole pass, giving the same all-or-nothing visibility as
// the postgres transaction.
func (s *Store) Reconcile(
	_ context.Context, schoolExternalID string, fullSet []store.Record,
) (store.ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var result store.ReconcileResult

	// Phase 1: mark every existing record provisionally inactive
	for key, rec := range s.records {
		if key.school != schoolExternalID {
			continue
		}
		rec.IsActive = false
		if rec.DeactivatedAt == nil {
			rec.DeactivatedAt = &now
		}
	}

	// Phase 2: reactivate (upserting) everything confirmed by the full fetch
	for _, rec := range fullSet {
		if rec.SchoolExternalID != schoolExternalID {
			return store.ReconcileResult{}, fmt.Errorf(
				"record %s/%s belongs to school %s, not %s",
				rec.Type, rec.ExternalID, rec.SchoolExternalID, schoolExternalID)
		}
		key := recordKey{school: rec.SchoolExternalID, rt: rec.Type, ext: rec.ExternalID}
		if existing, ok := s.records[key]; ok {
			existing.DisplayName = rec.DisplayName
			existing.Attributes = cloneAttrs(rec.Attributes)
			existing.IsActive = true
			existing.DeactivatedAt = nil
			existing.UpdatedAt = now
		} else {
			s.records[key] = &store.StoredRecord{
				Record: store.Record{
					SchoolExternalID: rec.SchoolExternalID,
					Type:             rec.Type,
					ExternalID:       rec.ExternalID,
					DisplayName:      rec.DisplayName,
					Attributes:       cloneAttrs(rec.Attributes),
				},
				IsActive:  true,
				CreatedAt: now,
				UpdatedAt: now,
			}
		}
		result.Reactivated++
	}

	// Phase 3: hard-delete records still inactive, plus their join rows
	for key, rec := range s.records {
		if key.school != schoolExternalID || rec.IsActive {
			continue
		}
		delete(s.records, key)
		result.Deleted++
		for mkey := range s.memberships {
			if mkey.school != schoolExternalID {
				continue
			}
			if (key.rt == store.RecordTypeSection && mkey.section == key.ext) ||
				((key.rt == store.RecordTypeStudent || key.rt == store.RecordTypeTeacher) && mkey.person == key.ext) {
				delete(s.memberships, mkey)
			}
		}
	}

	return result, nil
}

// UpsertDistrict implements store.TenantStore
func (s *Store) UpsertDistrict(_ context.Context, d store.District) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.districts[d.ExternalID] = d
	return nil
}

// UpsertSchool implements store.TenantStore
func (s *Store) UpsertSchool(_ context.Context, sc store.School) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schools[sc.ExternalID] = sc
	return nil
}

// ListDistricts implements store.TenantStore
func (s *Store) ListDistricts(_ context.Context) ([]store.District, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.District, 0, len(s.districts))
	for _, d := range s.districts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

// ListSchools implements store.TenantStore
func (s *Store) ListSchools(_ context.Context, districtExternalID string) ([]store.School, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.School
	for _, sc := range s.schools {
		if districtExternalID == "" || sc.DistrictExternalID == districtExternalID {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

// GetSchool implements store.TenantStore
func (s *Store) GetSchool(_ context.Context, externalID string) (*store.School, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schools[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sc, nil
}

// GetScopeState implements store.StateStore
func (s *Store) GetScopeState(_ context.Context, scope string) (*status.ScopeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[scope]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

// UpsertScopeState implements store.StateStore
func (s *Store) UpsertScopeState(_ context.Context, st status.ScopeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.UpdatedAt = s.now()
	s.states[st.Scope] = st
	return nil
}

// AdvanceCursor implements store.StateStore
func (s *Store) AdvanceCursor(_ context.Context, scope, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[scope]
	st.Scope = scope
	st.Cursor = cursor
	st.UpdatedAt = s.now()
	s.states[scope] = st
	return nil
}

// SetRequiresFullSync implements store.StateStore
func (s *Store) SetRequiresFullSync(_ context.Context, scope string, required bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[scope]
	st.Scope = scope
	st.RequiresFullSync = required
	st.UpdatedAt = s.now()
	s.states[scope] = st
	return nil
}

// ListScopeStates implements store.StateStore
func (s *Store) ListScopeStates(_ context.Context) ([]status.ScopeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]status.ScopeState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

// InsertRun implements store.RunStore
func (s *Store) InsertRun(_ context.Context, run status.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.runs {
		if existing.ID == run.ID {
			return fmt.Errorf("run %s already exists", run.ID)
		}
	}
	s.runs = append(s.runs, run)
	return nil
}

// CompleteRun implements store.RunStore
func (s *Store) CompleteRun(_ context.Context, run status.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.runs {
		if existing.ID != run.ID {
			continue
		}
		if existing.Status.Terminal() {
			return fmt.Errorf("run %s is already terminal", run.ID)
		}
		if run.StartedAt.IsZero() {
			run.StartedAt = existing.StartedAt
		}
		s.runs[i] = run
		return nil
	}
	return store.ErrNotFound
}

// ListRuns implements store.RunStore
func (s *Store) ListRuns(_ context.Context, filter store.RunFilter) ([]status.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []status.RunRecord
	for _, run := range s.runs {
		if filter.Scope != "" && run.Scope != filter.Scope {
			continue
		}
		if filter.Mode != "" && run.Mode != filter.Mode {
			continue
		}
		if !filter.Since.IsZero() && run.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TryAcquire implements store.LockStore
func (s *Store) TryAcquire(
	_ context.Context, scope string, holder uuid.UUID, initiatedBy string, ttl time.Duration,
) (bool, *store.LockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.locks[scope]; ok && existing.ExpiresAt.After(now) {
		cp := existing
		return false, &cp, nil
	}

	entry := store.LockEntry{
		Scope:       scope,
		HolderID:    holder,
		InitiatedBy: initiatedBy,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	s.locks[scope] = entry
	return true, nil, nil
}

// Renew implements store.LockStore
func (s *Store) Renew(_ context.Context, scope string, holder uuid.UUID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[scope]
	if !ok || existing.HolderID != holder {
		return false, nil
	}
	existing.ExpiresAt = s.now().Add(ttl)
	s.locks[scope] = existing
	return true, nil
}

// Release implements store.LockStore
func (s *Store) Release(_ context.Context, scope string, holder uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[scope]
	if !ok || existing.HolderID != holder {
		return false, nil
	}
	delete(s.locks, scope)
	return true, nil
}

// CleanupExpired implements store.LockStore
func (s *Store) CleanupExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for scope, entry := range s.locks {
		if !entry.ExpiresAt.After(now) {
			delete(s.locks, scope)
			count++
		}
	}
	return count, nil
}

// DueSchedules implements store.ScheduleStore
func (s *Store) DueSchedules(_ context.Context, now time.Time) ([]store.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && !sched.NextRunAt.After(now) {
			out = append(out, sched)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out, nil
}

// MarkScheduled implements store.ScheduleStore
func (s *Store) MarkScheduled(_ context.Context, scope string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[scope]
	if !ok {
		return store.ErrNotFound
	}
	sched.NextRunAt = next
	s.schedules[scope] = sched
	return nil
}

// UpsertSchedule implements store.ScheduleStore
func (s *Store) UpsertSchedule(_ context.Context, sched store.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.Scope] = sched
	return nil
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	return maps.Clone(attrs)
}

var _ store.Store = (*Store)(nil)
