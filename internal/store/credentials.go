package store

import (
	"context"
	"time"

	"github.com/corebit/corebit/internal/models"
)

// ListCredentialProfiles returns all profiles
func (s *Store) ListCredentialProfiles(ctx context.Context) ([]models.CredentialProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, credentials, created_at, updated_at
		FROM credential_profiles ORDER BY name`)
	if err != nil {
		return nil, repoErr("list_credential_profiles", err)
	}
	defer rows.Close()

	var profiles []models.CredentialProfile
	for rows.Next() {
		var p models.CredentialProfile
		var credsJSON string
		var createdAt, updatedAt int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &credsJSON, &createdAt, &updatedAt); err != nil {
			return nil, repoErr("scan_credential_profile", err)
		}
		if err := unmarshalJSON(credsJSON, &p.Credentials); err != nil {
			return nil, repoErr("scan_credential_profile", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		profiles = append(profiles, p)
	}
	return profiles, repoErr("iterate_credential_profiles", rows.Err())
}

// GetCredentialProfile returns one profile by id
func (s *Store) GetCredentialProfile(ctx context.Context, id string) (*models.CredentialProfile, error) {
	var p models.CredentialProfile
	var credsJSON string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, credentials, created_at, updated_at
		FROM credential_profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Type, &credsJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, repoErr("get_credential_profile", err)
	}
	if err := unmarshalJSON(credsJSON, &p.Credentials); err != nil {
		return nil, repoErr("get_credential_profile", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

// CreateCredentialProfile inserts a profile
func (s *Store) CreateCredentialProfile(ctx context.Context, p *models.CredentialProfile) error {
	credsJSON, err := marshalJSON(p.Credentials)
	if err != nil {
		return repoErr("create_credential_profile", err)
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credential_profiles (id, name, type, credentials, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Type, credsJSON, p.CreatedAt.Unix(), p.UpdatedAt.Unix())
	return repoErr("create_credential_profile", err)
}

// UpdateCredentialProfile rewrites a profile
func (s *Store) UpdateCredentialProfile(ctx context.Context, p *models.CredentialProfile) error {
	credsJSON, err := marshalJSON(p.Credentials)
	if err != nil {
		return repoErr("update_credential_profile", err)
	}
	p.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE credential_profiles SET name = ?, type = ?, credentials = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Type, credsJSON, p.UpdatedAt.Unix(), p.ID)
	if err != nil {
		return repoErr("update_credential_profile", err)
	}
	return requireRowChanged(res, "update_credential_profile")
}

// DeleteCredentialProfile removes a profile. Devices bound to it fall back
// to their inline credentials.
func (s *Store) DeleteCredentialProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credential_profiles WHERE id = ?`, id)
	if err != nil {
		return repoErr("delete_credential_profile", err)
	}
	return requireRowChanged(res, "delete_credential_profile")
}
