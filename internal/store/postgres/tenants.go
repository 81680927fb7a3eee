package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/classcloud/roster-sync-server/internal/store"
)

// UpsertDistrict implements store.TenantStore
func (s *Store) UpsertDistrict(ctx context.Context, d store.District) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO districts (external_id, name, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (external_id) DO UPDATE
		SET name = EXCLUDED.name, updated_at = now()`,
		d.ExternalID, d.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert district %s: %w", d.ExternalID, err)
	}
	return nil
}

// UpsertSchool implements store.TenantStore
func (s *Store) UpsertSchool(ctx context.Context, sc store.School) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schools (external_id, district_external_id, name, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (external_id) DO UPDATE
		SET district_external_id = EXCLUDED.district_external_id,
		    name = EXCLUDED.name,
		    updated_at = now()`,
		sc.ExternalID, sc.DistrictExternalID, sc.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert school %s: %w", sc.ExternalID, err)
	}
	return nil
}

// ListDistricts implements store.TenantStore
func (s *Store) ListDistricts(ctx context.Context) ([]store.District, error) {
	rows, err := s.pool.Query(ctx, `SELECT external_id, name FROM districts ORDER BY external_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list districts: %w", err)
	}
	defer rows.Close()

	var out []store.District
	for rows.Next() {
		var d store.District
		if err := rows.Scan(&d.ExternalID, &d.Name); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListSchools implements store.TenantStore
func (s *Store) ListSchools(ctx context.Context, districtExternalID string) ([]store.School, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT external_id, district_external_id, name
		FROM schools
		WHERE $1 = '' OR district_external_id = $1
		ORDER BY external_id`,
		districtExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schools: %w", err)
	}
	defer rows.Close()

	var out []store.School
	for rows.Next() {
		var sc store.School
		if err := rows.Scan(&sc.ExternalID, &sc.DistrictExternalID, &sc.Name); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// GetSchool implements store.TenantStore
func (s *Store) GetSchool(ctx context.Context, externalID string) (*store.School, error) {
	var sc store.School
	err := s.pool.QueryRow(ctx, `
		SELECT external_id, district_external_id, name FROM schools WHERE external_id = $1`,
		externalID,
	).Scan(&sc.ExternalID, &sc.DistrictExternalID, &sc.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get school %s: %w", externalID, err)
	}
	return &sc, nil
}
