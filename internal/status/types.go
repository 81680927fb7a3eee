// Package status defines the shared types describing synchronization runs,
// their outcomes, and the persisted per-scope sync state.
package status

import (
	"time"

	"github.com/google/uuid"
)

// SyncMode represents the kind of synchronization performed for a scope
type SyncMode string

const (
	// ModeFull re-fetches every record in scope and upserts each one
	ModeFull SyncMode = "full"

	// ModeIncremental applies only the change-feed events since the last cursor
	ModeIncremental SyncMode = "incremental"

	// ModeReconciliation is the mark-inactive/reactivate/delete pass that
	// permanently removes records absent from a full fetch
	ModeReconciliation SyncMode = "reconciliation"
)

// RunStatus represents the terminal (or in-flight) state of a sync run
type RunStatus string

const (
	// RunStatusRunning means the run is currently in progress
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded means the run completed without scope failures
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial means some child scopes failed but others completed
	RunStatusPartial RunStatus = "partially_succeeded"

	// RunStatusFailed means the run failed
	RunStatusFailed RunStatus = "failed"

	// RunStatusSkipped means the run was skipped (e.g. lock contention)
	RunStatusSkipped RunStatus = "skipped"

	// RunStatusCancelled means the run was cancelled before completion
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
// A run with a terminal status is never mutated again.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// Counts aggregates per-record outcomes of a sync run
type Counts struct {
	Processed   int `json:"processed"`
	Failed      int `json:"failed"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deleted     int `json:"deleted"`
	Skipped     int `json:"skipped"`
	Reactivated int `json:"reactivated,omitempty"`
}

// Add merges other into c
func (c *Counts) Add(other Counts) {
	c.Processed += other.Processed
	c.Failed += other.Failed
	c.Created += other.Created
	c.Updated += other.Updated
	c.Deleted += other.Deleted
	c.Skipped += other.Skipped
	c.Reactivated += other.Reactivated
}

// ScopeResult is the outcome of syncing a single scope (one school, or a
// district's own record set)
type ScopeResult struct {
	Scope  string    `json:"scope"`
	Mode   SyncMode  `json:"mode"`
	Status RunStatus `json:"status"`
	Counts Counts    `json:"counts"`

	// Cursor is the last successfully applied change-feed position. After a
	// full sync it holds the feed position recorded before the fetch.
	Cursor string `json:"cursor,omitempty"`

	// Error holds the failure message when Status is failed or skipped
	Error string `json:"error,omitempty"`
}

// AggregateResult is the merged outcome of a triggered run, covering the
// requested scope and all of its children
type AggregateResult struct {
	Scope     string    `json:"scope"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Status    RunStatus `json:"status"`
	Counts    Counts    `json:"counts"`

	SuccessfulChildren int `json:"successfulChildren"`
	FailedChildren     int `json:"failedChildren"`
	SkippedChildren    int `json:"skippedChildren"`

	Children []ScopeResult `json:"children,omitempty"`

	// Error is set for top-level failures (authentication, lock contention).
	// Partial results for scopes that completed are still populated.
	Error string `json:"error,omitempty"`
}

// Success reports whether the run completed without any failure
func (r *AggregateResult) Success() bool {
	return r.Status == RunStatusSucceeded
}

// MergeChild folds a child scope result into the aggregate
func (r *AggregateResult) MergeChild(child ScopeResult) {
	r.Children = append(r.Children, child)
	r.Counts.Add(child.Counts)
	switch child.Status {
	case RunStatusSucceeded:
		r.SuccessfulChildren++
	case RunStatusSkipped:
		r.SkippedChildren++
	default:
		r.FailedChildren++
	}
}

// RunRecord is one row of the append-only sync run history
type RunRecord struct {
	ID          uuid.UUID  `json:"id"`
	Scope       string     `json:"scope"`
	Mode        SyncMode   `json:"mode"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Counts      Counts     `json:"counts"`
	LastCursor  string     `json:"lastCursor,omitempty"`
	Error       string     `json:"error,omitempty"`
	InitiatedBy string     `json:"initiatedBy,omitempty"`
}

// ScopeState is the persisted sync state for one scope: the incremental
// cursor and the flag forcing the next run to be a full sync
type ScopeState struct {
	Scope            string     `json:"scope"`
	ParentScope      string     `json:"parentScope,omitempty"`
	Cursor           string     `json:"cursor,omitempty"`
	RequiresFullSync bool       `json:"requiresFullSync"`
	LastRunAt        *time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus    RunStatus  `json:"lastRunStatus,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}
