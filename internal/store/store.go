// Package store defines the persistence interfaces consumed by the sync
// engine, together with the domain record types they operate on.
//
// Two implementations exist: postgres (production) and inmemory (tests and
// single-node development). All mutation of roster rows, run history, and
// scope state is performed by the single holder of the scope's sync lock;
// the lock table itself is the only resource written concurrently by
// multiple orchestrator instances.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/classcloud/roster-sync-server/internal/status"
)

// Sentinel errors shared by all implementations
var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
)

// RecordType identifies which roster entity a record belongs to
type RecordType string

// Roster record types replicated from the source of record
const (
	RecordTypeStudent RecordType = "student"
	RecordTypeTeacher RecordType = "teacher"
	RecordTypeCourse  RecordType = "course"
	RecordTypeSection RecordType = "section"
)

// KnownRecordTypes lists every record type the store accepts
func KnownRecordTypes() []RecordType {
	return []RecordType{RecordTypeStudent, RecordTypeTeacher, RecordTypeCourse, RecordTypeSection}
}

// Record is a roster entity as applied to the target store. ExternalID is
// the sole correlation key between source and target; it never changes once
// the record is created.
type Record struct {
	SchoolExternalID string
	Type             RecordType
	ExternalID       string
	DisplayName      string
	Attributes       map[string]any
}

// StoredRecord is a Record as it exists in the target store, including the
// soft-delete bookkeeping owned by the upserter and reconciler.
type StoredRecord struct {
	Record
	IsActive      bool
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ApplyOutcome classifies the effect of an upsert
type ApplyOutcome string

// Upsert outcomes
const (
	ApplyCreated ApplyOutcome = "created"
	ApplyUpdated ApplyOutcome = "updated"
	ApplySkipped ApplyOutcome = "skipped"
)

// Membership is a section-enrollment join row dependent on both the section
// and person records. Membership rows are removed when either side is hard
// deleted during reconciliation, never during incremental sync.
type Membership struct {
	SchoolExternalID  string
	SectionExternalID string
	PersonExternalID  string
	Role              string
}

// ReconcileResult reports the effect of a reconciliation pass
type ReconcileResult struct {
	Reactivated int
	Deleted     int
}

// District is a tenant group (the parent scope of its schools)
type District struct {
	ExternalID string
	Name       string
}

// School is a single tenant within a district
type School struct {
	ExternalID         string
	DistrictExternalID string
	Name               string
}

// RosterStore persists roster records for each school
type RosterStore interface {
	// UpsertRecord idempotently creates or updates a record keyed by
	// (school, type, externalID) and marks it active
	UpsertRecord(ctx context.Context, rec Record) (ApplyOutcome, error)

	// SoftDeleteRecord flags a record inactive without removing the row.
	// Returns false if no such record exists.
	SoftDeleteRecord(ctx context.Context, schoolExternalID string, rt RecordType, externalID string, at time.Time) (bool, error)

	// GetRecord fetches a single record, or ErrNotFound
	GetRecord(ctx context.Context, schoolExternalID string, rt RecordType, externalID string) (*StoredRecord, error)

	// ListRecords returns all records of a type for a school, active or not
	ListRecords(ctx context.Context, schoolExternalID string, rt RecordType) ([]StoredRecord, error)

	// UpsertMembership creates or updates a section-enrollment join row
	UpsertMembership(ctx context.Context, m Membership) (ApplyOutcome, error)

	// DeleteMembership removes a join row. Returns false if absent.
	DeleteMembership(ctx context.Context, schoolExternalID, sectionExternalID, personExternalID string) (bool, error)

	// Reconcile runs the three-phase reconciliation for one school inside a
	// single transaction: mark every record provisionally inactive,
	// reactivate (upserting) every record in fullSet, then permanently
	// delete records still inactive along with their membership rows.
	Reconcile(ctx context.Context, schoolExternalID string, fullSet []Record) (ReconcileResult, error)
}

// TenantStore persists the district/school hierarchy
type TenantStore interface {
	UpsertDistrict(ctx context.Context, d District) error
	UpsertSchool(ctx context.Context, s School) error
	ListDistricts(ctx context.Context) ([]District, error)
	ListSchools(ctx context.Context, districtExternalID string) ([]School, error)
	GetSchool(ctx context.Context, externalID string) (*School, error)
}

// StateStore persists per-scope sync state: the incremental cursor and the
// requiresFullSync flag
type StateStore interface {
	// GetScopeState returns the state for a scope, or ErrNotFound if the
	// scope has never been synced
	GetScopeState(ctx context.Context, scope string) (*status.ScopeState, error)

	// UpsertScopeState writes the full state row for a scope
	UpsertScopeState(ctx context.Context, st status.ScopeState) error

	// AdvanceCursor persists a new cursor for a scope. The cursor is only
	// ever moved forward by the orchestrator after confirmed application.
	AdvanceCursor(ctx context.Context, scope, cursor string) error

	// SetRequiresFullSync sets or clears the full-sync flag for a scope
	SetRequiresFullSync(ctx context.Context, scope string, required bool) error

	// ListScopeStates returns all known scope states
	ListScopeStates(ctx context.Context) ([]status.ScopeState, error)
}

// RunStore persists the append-only sync run history
type RunStore interface {
	// InsertRun records a newly started run
	InsertRun(ctx context.Context, run status.RunRecord) error

	// CompleteRun updates a run with its terminal status and counts.
	// Implementations must reject updates to runs already terminal.
	CompleteRun(ctx context.Context, run status.RunRecord) error

	// ListRuns returns run history, newest first
	ListRuns(ctx context.Context, filter RunFilter) ([]status.RunRecord, error)
}

// RunFilter narrows a run history query
type RunFilter struct {
	Scope string
	Mode  status.SyncMode
	Since time.Time
	Limit int
}

// LockEntry is the fencing record for one in-flight sync scope
type LockEntry struct {
	Scope       string
	HolderID    uuid.UUID
	InitiatedBy string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// LockStore is the database-backed mutual exclusion primitive serializing
// sync executions per scope
type LockStore interface {
	// TryAcquire attempts an atomic conditional claim of the scope. Exactly
	// one of two racing callers is granted the lock; the loser receives the
	// current holder's entry for observability and must skip the scope.
	TryAcquire(ctx context.Context, scope string, holder uuid.UUID, initiatedBy string, ttl time.Duration) (granted bool, current *LockEntry, err error)

	// Renew extends the TTL of a held lock. Returns false if the lock is no
	// longer held by holder.
	Renew(ctx context.Context, scope string, holder uuid.UUID, ttl time.Duration) (bool, error)

	// Release deletes the lock entry if held by holder
	Release(ctx context.Context, scope string, holder uuid.UUID) (bool, error)

	// CleanupExpired removes expired entries left by crashed holders and
	// returns how many were reclaimed
	CleanupExpired(ctx context.Context) (int, error)
}

// Schedule is one row of the scheduled-trigger store
type Schedule struct {
	Scope     string
	Interval  time.Duration
	NextRunAt time.Time
	Enabled   bool
}

// ScheduleStore is the schedule collaborator queried by the coordinator
type ScheduleStore interface {
	// DueSchedules returns enabled schedules whose NextRunAt is at or
	// before now
	DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)

	// MarkScheduled advances a schedule's next run time
	MarkScheduled(ctx context.Context, scope string, next time.Time) error

	// UpsertSchedule creates or replaces a schedule
	UpsertSchedule(ctx context.Context, s Schedule) error
}

// Store aggregates every persistence concern of the sync engine
type Store interface {
	RosterStore
	TenantStore
	StateStore
	RunStore
	LockStore
	ScheduleStore

	// Ping verifies the backing store is reachable
	Ping(ctx context.Context) error
}
