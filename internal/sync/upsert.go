// Package sync implements the synchronization engine: applying change-feed
// events and full fetches to the roster store, reconciling deletions, and
// orchestrating runs across scopes.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/classcloud/roster-sync-server/internal/source"
	"github.com/classcloud/roster-sync-server/internal/status"
	"github.com/classcloud/roster-sync-server/internal/store"
)

// objectTypeEnrollments is the change-feed object type maintaining section
// membership rows rather than roster records
const objectTypeEnrollments = "enrollments"

// recordTypeByObject maps change-feed object types to roster record types.
// The map doubles as the decode-and-apply registry: an object type absent
// here is skipped, never guessed at.
var recordTypeByObject = map[string]store.RecordType{
	source.ResourceStudents: store.RecordTypeStudent,
	source.ResourceTeachers: store.RecordTypeTeacher,
	source.ResourceCourses:  store.RecordTypeCourse,
	source.ResourceSections: store.RecordTypeSection,
}

// Feed actions
const (
	actionCreated = "created"
	actionUpdated = "updated"
	actionDeleted = "deleted"
)

// ValidationError marks a record that fails required-field checks. It is
// recovered locally: the record is counted as failed and the run continues.
type ValidationError struct {
	ObjectType string
	ExternalID string
	Field      string
}

func (e *ValidationError) Error() string {
	if e.ExternalID == "" {
		return fmt.Sprintf("%s record missing required field %q", e.ObjectType, e.Field)
	}
	return fmt.Sprintf("%s record %s missing required field %q", e.ObjectType, e.ExternalID, e.Field)
}

// decodeRecord turns a raw source API resource into a store.Record, checking
// the mandatory identifying fields. Fields beyond id, name and school are
// preserved verbatim as attributes.
func decodeRecord(schoolExternalID string, rt store.RecordType, objectType string, raw json.RawMessage) (store.Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return store.Record{}, fmt.Errorf("failed to decode %s payload: %w", objectType, err)
	}

	externalID, _ := fields["id"].(string)
	name, _ := fields["name"].(string)
	school, _ := fields["school"].(string)

	if externalID == "" {
		return store.Record{}, &ValidationError{ObjectType: objectType, Field: "id"}
	}
	if name == "" {
		return store.Record{}, &ValidationError{ObjectType: objectType, ExternalID: externalID, Field: "name"}
	}
	if school == "" {
		return store.Record{}, &ValidationError{ObjectType: objectType, ExternalID: externalID, Field: "school"}
	}
	if school != schoolExternalID {
		return store.Record{}, &ValidationError{ObjectType: objectType, ExternalID: externalID, Field: "school"}
	}

	delete(fields, "id")
	delete(fields, "name")
	delete(fields, "school")

	return store.Record{
		SchoolExternalID: schoolExternalID,
		Type:             rt,
		ExternalID:       externalID,
		DisplayName:      name,
		Attributes:       fields,
	}, nil
}

// Applier applies individual change-feed events to the roster store.
type Applier struct {
	records store.RosterStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewApplier creates an Applier writing to records
func NewApplier(records store.RosterStore, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{records: records, logger: logger, now: time.Now}
}

// ApplyEvent applies one change-feed event and reports its effect as a
// counts delta. Record-level problems (unknown types, validation failures,
// deletes of absent records) are absorbed into the counts; only store
// failures return an error, because they make the batch non-resumable.
func (a *Applier) ApplyEvent(ctx context.Context, schoolExternalID string, ev source.Event) (status.Counts, error) {
	counts := status.Counts{Processed: 1}

	objectType, action, ok := ev.Split()
	if !ok {
		a.logger.Warn("skipping event with malformed type",
			"event", ev.ID,
			"type", ev.Type)
		counts.Skipped++
		return counts, nil
	}

	if objectType == objectTypeEnrollments {
		return a.applyEnrollment(ctx, schoolExternalID, ev, action, counts)
	}

	rt, known := recordTypeByObject[objectType]
	if !known {
		a.logger.Warn("skipping event with unknown object type",
			"event", ev.ID,
			"objectType", objectType)
		counts.Skipped++
		return counts, nil
	}

	switch action {
	case actionCreated, actionUpdated:
		rec, err := decodeRecord(schoolExternalID, rt, objectType, ev.Data)
		if err != nil {
			a.logger.Warn("record failed validation",
				"event", ev.ID,
				"objectType", objectType,
				"error", err)
			counts.Failed++
			return counts, nil
		}
		outcome, err := a.records.UpsertRecord(ctx, rec)
		if err != nil {
			return counts, &Error{
				Err:     err,
				Message: fmt.Sprintf("failed to apply event %s: %v", ev.ID, err),
				Scope:   status.SchoolScope(schoolExternalID),
				Reason:  ReasonStoreFailed,
			}
		}
		switch outcome {
		case store.ApplyCreated:
			counts.Created++
		case store.ApplyUpdated:
			counts.Updated++
		case store.ApplySkipped:
			counts.Skipped++
		}

	case actionDeleted:
		externalID, err := payloadID(ev.Data)
		if err != nil {
			a.logger.Warn("skipping delete event without id",
				"event", ev.ID,
				"objectType", objectType)
			counts.Failed++
			return counts, nil
		}
		deleted, err := a.records.SoftDeleteRecord(ctx, schoolExternalID, rt, externalID, a.now())
		if err != nil {
			return counts, &Error{
				Err:     err,
				Message: fmt.Sprintf("failed to apply event %s: %v", ev.ID, err),
				Scope:   status.SchoolScope(schoolExternalID),
				Reason:  ReasonStoreFailed,
			}
		}
		if !deleted {
			// The record was never synced or is already gone
			counts.Skipped++
			return counts, nil
		}
		counts.Deleted++

	default:
		a.logger.Warn("skipping event with unknown action",
			"event", ev.ID,
			"action", action)
		counts.Skipped++
	}

	return counts, nil
}

// enrollmentPayload is the wire shape of enrollment events
type enrollmentPayload struct {
	Section string `json:"section"`
	Person  string `json:"person"`
	Role    string `json:"role"`
}

func (a *Applier) applyEnrollment(
	ctx context.Context, schoolExternalID string, ev source.Event, action string, counts status.Counts,
) (status.Counts, error) {
	var payload enrollmentPayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		a.logger.Warn("skipping malformed enrollment event", "event", ev.ID, "error", err)
		counts.Failed++
		return counts, nil
	}
	if payload.Section == "" || payload.Person == "" {
		a.logger.Warn("enrollment event failed validation",
			"event", ev.ID,
			"section", payload.Section,
			"person", payload.Person)
		counts.Failed++
		return counts, nil
	}

	switch action {
	case actionCreated, actionUpdated:
		outcome, err := a.records.UpsertMembership(ctx, store.Membership{
			SchoolExternalID:  schoolExternalID,
			SectionExternalID: payload.Section,
			PersonExternalID:  payload.Person,
			Role:              payload.Role,
		})
		if err != nil {
			return counts, &Error{
				Err:     err,
				Message: fmt.Sprintf("failed to apply event %s: %v", ev.ID, err),
				Scope:   status.SchoolScope(schoolExternalID),
				Reason:  ReasonStoreFailed,
			}
		}
		if outcome == store.ApplyCreated {
			counts.Created++
		} else {
			counts.Updated++
		}

	case actionDeleted:
		deleted, err := a.records.DeleteMembership(ctx, schoolExternalID, payload.Section, payload.Person)
		if err != nil {
			return counts, &Error{
				Err:     err,
				Message: fmt.Sprintf("failed to apply event %s: %v", ev.ID, err),
				Scope:   status.SchoolScope(schoolExternalID),
				Reason:  ReasonStoreFailed,
			}
		}
		if !deleted {
			counts.Skipped++
			return counts, nil
		}
		counts.Deleted++

	default:
		a.logger.Warn("skipping enrollment event with unknown action",
			"event", ev.ID,
			"action", action)
		counts.Skipped++
	}

	return counts, nil
}

// payloadID extracts the external id from an event payload
func payloadID(raw json.RawMessage) (string, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	if payload.ID == "" {
		return "", fmt.Errorf("payload missing id")
	}
	return payload.ID, nil
}
