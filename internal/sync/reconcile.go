package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/classcloud/roster-sync-server/internal/source"
	"github.com/classcloud/roster-sync-server/internal/status"
	"github.com/classcloud/roster-sync-server/internal/store"
)

// Reconciler performs the full-sync path for one school: fetch the
// authoritative record set from the source and run the three-phase
// reconciliation against the store.
type Reconciler struct {
	records store.RosterStore
	src     SourceReader
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler reading from src and writing to records
func NewReconciler(records store.RosterStore, src SourceReader, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{records: records, src: src, logger: logger}
}

// ReconcileSchool fetches every resource collection for the school and
// reconciles the store against it: records absent from the fetched set are
// hard-deleted together with their membership rows, everything present is
// upserted active. The store runs all three phases in one transaction, so a
// failure leaves the previous state intact and the school safe to retry in
// full.
//
// Records failing validation are counted and excluded from the authoritative
// set: a record the source can no longer describe validly is not retained.
func (r *Reconciler) ReconcileSchool(ctx context.Context, schoolExternalID string) (status.Counts, error) {
	scope := status.SchoolScope(schoolExternalID)
	var counts status.Counts
	var fullSet []store.Record

	for _, objectType := range []string{
		source.ResourceStudents,
		source.ResourceTeachers,
		source.ResourceCourses,
		source.ResourceSections,
	} {
		raw, err := r.src.ListResources(ctx, schoolExternalID, objectType)
		if err != nil {
			return counts, classifyFetchError(scope, err)
		}

		rt := recordTypeByObject[objectType]
		for _, item := range raw {
			counts.Processed++
			rec, err := decodeRecord(schoolExternalID, rt, objectType, item)
			if err != nil {
				r.logger.Warn("record failed validation during full fetch",
					"school", schoolExternalID,
					"objectType", objectType,
					"error", err)
				counts.Failed++
				continue
			}
			fullSet = append(fullSet, rec)
		}
	}

	result, err := r.records.Reconcile(ctx, schoolExternalID, fullSet)
	if err != nil {
		return counts, &Error{
			Err:     err,
			Message: fmt.Sprintf("reconciliation of %s did not complete: %v", scope, err),
			Scope:   scope,
			Reason:  ReasonReconciliationIncomplete,
		}
	}

	counts.Reactivated = result.Reactivated
	counts.Deleted = result.Deleted
	r.logger.Info("reconciliation completed",
		"school", schoolExternalID,
		"records", len(fullSet),
		"reactivated", result.Reactivated,
		"deleted", result.Deleted)
	return counts, nil
}

// classifyFetchError wraps a source API failure with its engine reason
func classifyFetchError(scope string, err error) *Error {
	reason := ReasonTransientFetchFailed
	var authErr *source.AuthenticationError
	switch {
	case errors.As(err, &authErr):
		reason = ReasonAuthenticationFailed
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		reason = ReasonCancelled
	}
	return &Error{
		Err:     err,
		Message: fmt.Sprintf("fetch for %s failed: %v", scope, err),
		Scope:   scope,
		Reason:  reason,
	}
}
