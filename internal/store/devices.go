package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/corebit/corebit/internal/models"
)

const deviceColumns = `id, name, kind, address, status, last_probed_at,
	consecutive_failures, use_on_duty, credential_profile_id,
	custom_credentials, device_data, created_at, updated_at`

func scanDevice(row interface{ Scan(...any) error }) (*models.Device, error) {
	var d models.Device
	var lastProbed sql.NullInt64
	var profileID sql.NullString
	var credsJSON, dataJSON sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&d.ID, &d.Name, &d.Kind, &d.Address, &d.Status, &lastProbed,
		&d.ConsecutiveFailures, &d.UseOnDuty, &profileID,
		&credsJSON, &dataJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.LastProbedAt = unixToTime(lastProbed)
	d.CredentialProfileID = profileID.String
	if credsJSON.Valid {
		if err := unmarshalJSON(credsJSON.String, &d.CustomCredentials); err != nil {
			return nil, err
		}
	}
	if dataJSON.Valid && dataJSON.String != "" {
		d.Data = &models.DeviceData{}
		if err := unmarshalJSON(dataJSON.String, d.Data); err != nil {
			return nil, err
		}
	}
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &d, nil
}

// ListDevices returns all devices, placeholders included. The scheduler
// filters placeholders itself.
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY name`)
	if err != nil {
		return nil, repoErr("list_devices", err)
	}
	defer rows.Close()

	return collectDevices(rows)
}

// ListDevicesByMap returns devices placed on the given map
func (s *Store) ListDevicesByMap(ctx context.Context, mapID string) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE id IN (SELECT device_id FROM device_placements WHERE map_id = ?)
		ORDER BY name`, mapID)
	if err != nil {
		return nil, repoErr("list_devices_by_map", err)
	}
	defer rows.Close()

	return collectDevices(rows)
}

func collectDevices(rows *sql.Rows) ([]models.Device, error) {
	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, repoErr("scan_device", err)
		}
		devices = append(devices, *d)
	}
	return devices, repoErr("iterate_devices", rows.Err())
}

// GetDevice returns one device by id
func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		return nil, repoErr("get_device", err)
	}
	return d, nil
}

// CreateDevice inserts a new device
func (s *Store) CreateDevice(ctx context.Context, d *models.Device) error {
	credsJSON, err := marshalJSON(d.CustomCredentials)
	if err != nil {
		return repoErr("create_device", err)
	}
	dataJSON, err := marshalJSON(d.Data)
	if err != nil {
		return repoErr("create_device", err)
	}

	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = models.StatusUnknown
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, kind, address, status, last_probed_at,
			consecutive_failures, use_on_duty, credential_profile_id,
			custom_credentials, device_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Kind, d.Address, d.Status, timeToUnix(d.LastProbedAt),
		d.ConsecutiveFailures, d.UseOnDuty, nullable(d.CredentialProfileID),
		credsJSON, dataJSON, d.CreatedAt.Unix(), d.UpdatedAt.Unix())
	return repoErr("create_device", err)
}

// UpdateDevice rewrites a device's mutable fields
func (s *Store) UpdateDevice(ctx context.Context, d *models.Device) error {
	credsJSON, err := marshalJSON(d.CustomCredentials)
	if err != nil {
		return repoErr("update_device", err)
	}
	dataJSON, err := marshalJSON(d.Data)
	if err != nil {
		return repoErr("update_device", err)
	}

	d.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET name = ?, kind = ?, address = ?, status = ?,
			use_on_duty = ?, credential_profile_id = ?, custom_credentials = ?,
			device_data = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.Kind, d.Address, d.Status, d.UseOnDuty,
		nullable(d.CredentialProfileID), credsJSON, dataJSON,
		d.UpdatedAt.Unix(), d.ID)
	if err != nil {
		return repoErr("update_device", err)
	}
	return requireRowChanged(res, "update_device")
}

// DeleteDevice removes a device; placements and connections cascade
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return repoErr("delete_device", err)
	}
	return requireRowChanged(res, "delete_device")
}

// CountDevices counts licensable devices (placeholders excluded)
func (s *Store) CountDevices(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE kind != ?`, models.KindPlaceholder).Scan(&count)
	if err != nil {
		return 0, repoErr("count_devices", err)
	}
	return count, nil
}

// UpdateProbeState persists the scheduler-owned probe fields without
// touching operator-owned ones
func (s *Store) UpdateProbeState(ctx context.Context, id string, status models.DeviceStatus, failures int, probedAt time.Time, data *models.DeviceData) error {
	dataJSON, err := marshalJSON(data)
	if err != nil {
		return repoErr("update_probe_state", err)
	}

	if data != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE devices SET status = ?, consecutive_failures = ?,
				last_probed_at = ?, device_data = ?, updated_at = ?
			WHERE id = ?`,
			status, failures, probedAt.Unix(), dataJSON, time.Now().Unix(), id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE devices SET status = ?, consecutive_failures = ?,
				last_probed_at = ?, updated_at = ?
			WHERE id = ?`,
			status, failures, probedAt.Unix(), time.Now().Unix(), id)
	}
	return repoErr("update_probe_state", err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRowChanged(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return repoErr(op, err)
	}
	if n == 0 {
		return repoErr(op, sql.ErrNoRows)
	}
	return nil
}
