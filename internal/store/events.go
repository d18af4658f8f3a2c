package store

import (
	"context"
	"time"

	"github.com/corebit/corebit/internal/models"
)

// RecordStatusEvent appends one transition to the status event log
func (s *Store) RecordStatusEvent(ctx context.Context, e *models.DeviceStatusEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_status_events (id, device_id, previous_status, new_status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.PreviousStatus, e.NewStatus, e.Message, e.CreatedAt.Unix())
	return repoErr("record_status_event", err)
}

// ListStatusEvents returns a device's events since the given time, oldest
// first. With includeWarnings false, warning transitions are filtered out
// but the surrounding chain is preserved for segment folding by keeping
// events whose previous status is warning.
func (s *Store) ListStatusEvents(ctx context.Context, deviceID string, since time.Time, includeWarnings bool) ([]models.DeviceStatusEvent, error) {
	query := `
		SELECT id, device_id, previous_status, new_status, message, created_at
		FROM device_status_events
		WHERE device_id = ? AND created_at >= ?`
	if !includeWarnings {
		query += ` AND new_status != 'warning'`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, deviceID, since.Unix())
	if err != nil {
		return nil, repoErr("list_status_events", err)
	}
	defer rows.Close()

	var events []models.DeviceStatusEvent
	for rows.Next() {
		var e models.DeviceStatusEvent
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.PreviousStatus, &e.NewStatus, &e.Message, &createdAt); err != nil {
			return nil, repoErr("scan_status_event", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, e)
	}
	return events, repoErr("iterate_status_events", rows.Err())
}

// LatestStatusEvent returns a device's most recent event, or ErrNotFound
func (s *Store) LatestStatusEvent(ctx context.Context, deviceID string) (*models.DeviceStatusEvent, error) {
	var e models.DeviceStatusEvent
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, previous_status, new_status, message, created_at
		FROM device_status_events
		WHERE device_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, deviceID).
		Scan(&e.ID, &e.DeviceID, &e.PreviousStatus, &e.NewStatus, &e.Message, &createdAt)
	if err != nil {
		return nil, repoErr("latest_status_event", err)
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &e, nil
}
