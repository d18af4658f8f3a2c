package store

import (
	"context"
	"time"

	"github.com/corebit/corebit/internal/models"
)

func (s *Store) ListScanProfiles(ctx context.Context) ([]models.ScanProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, ip_range, credential_profile_ids, probe_types, created_at
		FROM scan_profiles ORDER BY name`)
	if err != nil {
		return nil, repoErr("list_scan_profiles", err)
	}
	defer rows.Close()

	var profiles []models.ScanProfile
	for rows.Next() {
		var p models.ScanProfile
		var credIDs, probeTypes string
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.Name, &p.IPRange, &credIDs, &probeTypes, &createdAt); err != nil {
			return nil, repoErr("scan_scan_profile", err)
		}
		if err := unmarshalJSON(credIDs, &p.CredentialProfileIDs); err != nil {
			return nil, repoErr("scan_scan_profile", err)
		}
		if err := unmarshalJSON(probeTypes, &p.ProbeTypes); err != nil {
			return nil, repoErr("scan_scan_profile", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		profiles = append(profiles, p)
	}
	return profiles, repoErr("iterate_scan_profiles", rows.Err())
}

func (s *Store) GetScanProfile(ctx context.Context, id string) (*models.ScanProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, ip_range, credential_profile_ids, probe_types, created_at
		FROM scan_profiles WHERE id = ?`, id)

	var p models.ScanProfile
	var credIDs, probeTypes string
	var createdAt int64
	if err := row.Scan(&p.ID, &p.Name, &p.IPRange, &credIDs, &probeTypes, &createdAt); err != nil {
		return nil, repoErr("get_scan_profile", err)
	}
	if err := unmarshalJSON(credIDs, &p.CredentialProfileIDs); err != nil {
		return nil, repoErr("get_scan_profile", err)
	}
	if err := unmarshalJSON(probeTypes, &p.ProbeTypes); err != nil {
		return nil, repoErr("get_scan_profile", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

func (s *Store) CreateScanProfile(ctx context.Context, p *models.ScanProfile) error {
	credIDs, err := marshalJSON(p.CredentialProfileIDs)
	if err != nil {
		return repoErr("create_scan_profile", err)
	}
	probeTypes, err := marshalJSON(p.ProbeTypes)
	if err != nil {
		return repoErr("create_scan_profile", err)
	}
	p.CreatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_profiles (id, name, ip_range, credential_profile_ids, probe_types, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.IPRange, credIDs, probeTypes, p.CreatedAt.Unix())
	return repoErr("create_scan_profile", err)
}

func (s *Store) UpdateScanProfile(ctx context.Context, p *models.ScanProfile) error {
	credIDs, err := marshalJSON(p.CredentialProfileIDs)
	if err != nil {
		return repoErr("update_scan_profile", err)
	}
	probeTypes, err := marshalJSON(p.ProbeTypes)
	if err != nil {
		return repoErr("update_scan_profile", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_profiles SET name = ?, ip_range = ?, credential_profile_ids = ?, probe_types = ?
		WHERE id = ?`,
		p.Name, p.IPRange, credIDs, probeTypes, p.ID)
	if err != nil {
		return repoErr("update_scan_profile", err)
	}
	return requireRowChanged(res, "update_scan_profile")
}

func (s *Store) DeleteScanProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scan_profiles WHERE id = ?`, id)
	if err != nil {
		return repoErr("delete_scan_profile", err)
	}
	return requireRowChanged(res, "delete_scan_profile")
}
