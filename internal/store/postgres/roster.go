package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/classcloud/roster-sync-server/internal/store"
)

const upsertRecordSQL = `
INSERT INTO roster_records (school_external_id, record_type, external_id, display_name, attributes, is_active, deactivated_at, updated_at)
VALUES ($1, $2, $3, $4, $5, TRUE, NULL, now())
ON CONFLICT (school_external_id, record_type, external_id) DO UPDATE
SET display_name = EXCLUDED.display_name,
    attributes = EXCLUDED.attributes,
    is_active = TRUE,
    deactivated_at = NULL,
    updated_at = now()
RETURNING (xmax = 0) AS inserted`

// reconcileUpsertSQL is the batch variant of upsertRecordSQL without the
// RETURNING clause; reconciliation does not need per-row outcomes.
const reconcileUpsertSQL = `
INSERT INTO roster_records (school_external_id, record_type, external_id, display_name, attributes, is_active, deactivated_at, updated_at)
VALUES ($1, $2, $3, $4, $5, TRUE, NULL, now())
ON CONFLICT (school_external_id, record_type, external_id) DO UPDATE
SET display_name = EXCLUDED.display_name,
    attributes = EXCLUDED.attributes,
    is_active = TRUE,
    deactivated_at = NULL,
    updated_at = now()`

// UpsertRecord implements store.RosterStore
func (s *Store) UpsertRecord(ctx context.Context, rec store.Record) (store.ApplyOutcome, error) {
	attrs, err := marshalAttrs(rec.Attributes)
	if err != nil {
		return "", err
	}

	var inserted bool
	err = s.pool.QueryRow(ctx, upsertRecordSQL,
		rec.SchoolExternalID, string(rec.Type), rec.ExternalID, rec.DisplayName, attrs,
	).Scan(&inserted)
	if err != nil {
		return "", fmt.Errorf("failed to upsert %s %s: %w", rec.Type, rec.ExternalID, err)
	}
	if inserted {
		return store.ApplyCreated, nil
	}
	return store.ApplyUpdated, nil
}

// SoftDeleteRecord implements store.RosterStore
func (s *Store) SoftDeleteRecord(
	ctx context.Context, schoolExternalID string, rt store.RecordType, externalID string, at time.Time,
) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE roster_records
		SET is_active = FALSE, deactivated_at = $4, updated_at = now()
		WHERE school_external_id = $1 AND record_type = $2 AND external_id = $3`,
		schoolExternalID, string(rt), externalID, at)
	if err != nil {
		return false, fmt.Errorf("failed to soft delete %s %s: %w", rt, externalID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetRecord implements store.RosterStore
func (s *Store) GetRecord(
	ctx context.Context, schoolExternalID string, rt store.RecordType, externalID string,
) (*store.StoredRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT display_name, attributes, is_active, deactivated_at, created_at, updated_at
		FROM roster_records
		WHERE school_external_id = $1 AND record_type = $2 AND external_id = $3`,
		schoolExternalID, string(rt), externalID)

	rec := store.StoredRecord{
		Record: store.Record{SchoolExternalID: schoolExternalID, Type: rt, ExternalID: externalID},
	}
	var attrs []byte
	err := row.Scan(&rec.DisplayName, &attrs, &rec.IsActive, &rec.DeactivatedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", rt, externalID, err)
	}
	if rec.Attributes, err = unmarshalAttrs(attrs); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords implements store.RosterStore
func (s *Store) ListRecords(
	ctx context.Context, schoolExternalID string, rt store.RecordType,
) ([]store.StoredRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT external_id, display_name, attributes, is_active, deactivated_at, created_at, updated_at
		FROM roster_records
		WHERE school_external_id = $1 AND record_type = $2
		ORDER BY external_id`,
		schoolExternalID, string(rt))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", rt, err)
	}
	defer rows.Close()

	var out []store.StoredRecord
	for rows.Next() {
		rec := store.StoredRecord{
			Record: store.Record{SchoolExternalID: schoolExternalID, Type: rt},
		}
		var attrs []byte
		if err := rows.Scan(&rec.ExternalID, &rec.DisplayName, &attrs,
			&rec.IsActive, &rec.DeactivatedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if rec.Attributes, err = unmarshalAttrs(attrs); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertMembership implements store.RosterStore
func (s *Store) UpsertMembership(ctx context.Context, m store.Membership) (store.ApplyOutcome, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO section_memberships (school_external_id, section_external_id, person_external_id, role, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (school_external_id, section_external_id, person_external_id) DO UPDATE
		SET role = EXCLUDED.role, updated_at = now()
		RETURNING (xmax = 0) AS inserted`,
		m.SchoolExternalID, m.SectionExternalID, m.PersonExternalID, m.Role,
	).Scan(&inserted)
	if err != nil {
		return "", fmt.Errorf("failed to upsert membership %s/%s: %w", m.SectionExternalID, m.PersonExternalID, err)
	}
	if inserted {
		return store.ApplyCreated, nil
	}
	return store.ApplyUpdated, nil
}

// DeleteMembership implements store.RosterStore
func (s *Store) DeleteMembership(
	ctx context.Context, schoolExternalID, sectionExternalID, personExternalID string,
) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM section_memberships
		WHERE school_external_id = $1 AND section_external_id = $2 AND person_external_id = $3`,
		schoolExternalID, sectionExternalID, personExternalID)
	if err != nil {
		return false, fmt.Errorf("failed to delete membership %s/%s: %w", sectionExternalID, personExternalID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Reconcile implements store.RosterStore. The three phases run inside a
// single serializable transaction so a partial pass is never visible:
// either every record ends reactivated or hard-deleted, or the whole pass
// rolls back and the scope's requiresFullSync flag keeps it retryable.
func (s *Store) Reconcile(
	ctx context.Context, schoolExternalID string, fullSet []store.Record,
) (store.ReconcileResult, error) {
	var result store.ReconcileResult

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return result, fmt.Errorf("failed to begin reconciliation transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			_ = rollbackErr
		}
	}()

	// Phase 1: mark every record in scope provisionally inactive
	_, err = tx.Exec(ctx, `
		UPDATE roster_records
		SET is_active = FALSE, deactivated_at = COALESCE(deactivated_at, now())
		WHERE school_external_id = $1`,
		schoolExternalID)
	if err != nil {
		return result, fmt.Errorf("failed to mark records inactive: %w", err)
	}

	// Phase 2: reactivate everything confirmed by the authoritative fetch
	batch := &pgx.Batch{}
	for _, rec := range fullSet {
		if rec.SchoolExternalID != schoolExternalID {
			return result, fmt.Errorf("record %s/%s belongs to school %s, not %s",
				rec.Type, rec.ExternalID, rec.SchoolExternalID, schoolExternalID)
		}
		attrs, err := marshalAttrs(rec.Attributes)
		if err != nil {
			return result, err
		}
		batch.Queue(reconcileUpsertSQL,
			rec.SchoolExternalID, string(rec.Type), rec.ExternalID, rec.DisplayName, attrs)
	}
	br := tx.SendBatch(ctx, batch)
	for range fullSet {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return result, fmt.Errorf("failed to reactivate record: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return result, fmt.Errorf("failed to flush reactivation batch: %w", err)
	}
	result.Reactivated = len(fullSet)

	// Phase 3: hard-delete records still inactive, join rows first
	_, err = tx.Exec(ctx, `
		DELETE FROM section_memberships m
		USING roster_records r
		WHERE r.school_external_id = $1
		  AND r.is_active = FALSE
		  AND m.school_external_id = r.school_external_id
		  AND ((r.record_type = 'section' AND m.section_external_id = r.external_id)
		    OR (r.record_type IN ('student', 'teacher') AND m.person_external_id = r.external_id))`,
		schoolExternalID)
	if err != nil {
		return result, fmt.Errorf("failed to delete dependent memberships: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM roster_records
		WHERE school_external_id = $1 AND is_active = FALSE`,
		schoolExternalID)
	if err != nil {
		return result, fmt.Errorf("failed to hard delete records: %w", err)
	}
	result.Deleted = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return store.ReconcileResult{}, fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return result, nil
}

func marshalAttrs(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize attributes: %w", err)
	}
	return data, nil
}

func unmarshalAttrs(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to deserialize attributes: %w", err)
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}
