package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// GetSetting returns the stored value for key, or fallback when unset.
func (s *Store) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, repoErr("get_setting", err)
	}
	return value, nil
}

// GetSettingInt parses the stored value as an integer. Unparseable stored
// values fall back rather than error so a bad write cannot wedge callers.
func (s *Store) GetSettingInt(ctx context.Context, key string, fallback int) (int, error) {
	raw, err := s.GetSetting(ctx, key, "")
	if err != nil {
		return fallback, err
	}
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, nil
	}
	return n, nil
}

func (s *Store) GetSettingBool(ctx context.Context, key string, fallback bool) (bool, error) {
	raw, err := s.GetSetting(ctx, key, "")
	if err != nil {
		return fallback, err
	}
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, nil
	}
	return b, nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return repoErr("put_setting", err)
}

// ListSettings returns all stored settings as a map. Callers exposing the
// map must filter secret keys such as the admin password hash.
func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, repoErr("list_settings", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, repoErr("scan_setting", err)
		}
		out[key] = value
	}
	return out, repoErr("iterate_settings", rows.Err())
}
