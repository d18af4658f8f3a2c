package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/corebit/corebit/internal/models"
)

const notificationColumns = `id, name, url, method, message_template, enabled, owner_user_id, created_at, updated_at`

func scanNotification(row interface{ Scan(...any) error }) (*models.Notification, error) {
	var n models.Notification
	var createdAt, updatedAt int64
	err := row.Scan(&n.ID, &n.Name, &n.URL, &n.Method, &n.MessageTemplate,
		&n.Enabled, &n.OwnerUserID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	n.CreatedAt = time.Unix(createdAt, 0).UTC()
	n.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &n, nil
}

func collectNotifications(rows *sql.Rows) ([]models.Notification, error) {
	var notifications []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, repoErr("scan_notification", err)
		}
		notifications = append(notifications, *n)
	}
	return notifications, repoErr("iterate_notifications", rows.Err())
}

// ListNotifications returns all notification targets
func (s *Store) ListNotifications(ctx context.Context) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications ORDER BY name`)
	if err != nil {
		return nil, repoErr("list_notifications", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// GetNotification returns one target by id
func (s *Store) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if err != nil {
		return nil, repoErr("get_notification", err)
	}
	return n, nil
}

// CreateNotification inserts a target
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	now := time.Now()
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.Method == "" {
		n.Method = models.MethodPOST
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, name, url, method, message_template, enabled, owner_user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Name, n.URL, n.Method, n.MessageTemplate, n.Enabled,
		n.OwnerUserID, n.CreatedAt.Unix(), n.UpdatedAt.Unix())
	return repoErr("create_notification", err)
}

// UpdateNotification rewrites a target
func (s *Store) UpdateNotification(ctx context.Context, n *models.Notification) error {
	n.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET name = ?, url = ?, method = ?, message_template = ?,
			enabled = ?, owner_user_id = ?, updated_at = ?
		WHERE id = ?`,
		n.Name, n.URL, n.Method, n.MessageTemplate, n.Enabled,
		n.OwnerUserID, n.UpdatedAt.Unix(), n.ID)
	if err != nil {
		return repoErr("update_notification", err)
	}
	return requireRowChanged(res, "update_notification")
}

// DeleteNotification removes a target; device links cascade
func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return repoErr("delete_notification", err)
	}
	return requireRowChanged(res, "delete_notification")
}

// ListDeviceNotifications returns the enabled targets a device subscribes to
func (s *Store) ListDeviceNotifications(ctx context.Context, deviceID string) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE enabled = 1 AND id IN
			(SELECT notification_id FROM device_notifications WHERE device_id = ?)`, deviceID)
	if err != nil {
		return nil, repoErr("list_device_notifications", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// LinkDeviceNotification subscribes a device to a target
func (s *Store) LinkDeviceNotification(ctx context.Context, deviceID, notificationID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO device_notifications (device_id, notification_id) VALUES (?, ?)`,
		deviceID, notificationID)
	return repoErr("link_device_notification", err)
}

// UnlinkDeviceNotification removes a subscription
func (s *Store) UnlinkDeviceNotification(ctx context.Context, deviceID, notificationID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM device_notifications WHERE device_id = ? AND notification_id = ?`,
		deviceID, notificationID)
	return repoErr("unlink_device_notification", err)
}

// ListNotificationsByOwners returns enabled targets owned by any of the users
func (s *Store) ListNotificationsByOwners(ctx context.Context, userIDs []string) ([]models.Notification, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(userIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE enabled = 1 AND owner_user_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, repoErr("list_notifications_by_owners", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// RecordNotificationHistory inserts one settled delivery outcome
func (s *Store) RecordNotificationHistory(ctx context.Context, h *models.NotificationHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_history
			(id, notification_id, device_id, event_id, message, success, status_code, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.NotificationID, h.DeviceID, h.EventID, h.Message,
		h.Success, h.StatusCode, h.Attempts, h.Error, h.CreatedAt.Unix())
	return repoErr("record_notification_history", err)
}

// ListNotificationHistory returns recent deliveries, newest first
func (s *Store) ListNotificationHistory(ctx context.Context, limit int) ([]models.NotificationHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notification_id, device_id, event_id, message, success, status_code, attempts, error, created_at
		FROM notification_history ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, repoErr("list_notification_history", err)
	}
	defer rows.Close()

	var history []models.NotificationHistory
	for rows.Next() {
		var h models.NotificationHistory
		var createdAt int64
		if err := rows.Scan(&h.ID, &h.NotificationID, &h.DeviceID, &h.EventID,
			&h.Message, &h.Success, &h.StatusCode, &h.Attempts, &h.Error, &createdAt); err != nil {
			return nil, repoErr("scan_notification_history", err)
		}
		h.CreatedAt = time.Unix(createdAt, 0).UTC()
		history = append(history, h)
	}
	return history, repoErr("iterate_notification_history", rows.Err())
}

// GetOnDutyShift returns the shift configuration, or ErrNotFound when unset
func (s *Store) GetOnDutyShift(ctx context.Context) (*models.OnDutyShift, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, start_time, end_time, timezone, user_ids FROM on_duty_shifts`)
	if err != nil {
		return nil, repoErr("get_on_duty_shift", err)
	}
	defer rows.Close()

	var shift models.OnDutyShift
	found := false
	for rows.Next() {
		var w models.ShiftWindow
		var userIDs string
		if err := rows.Scan(&w.Name, &w.StartTime, &w.EndTime, &w.Timezone, &userIDs); err != nil {
			return nil, repoErr("scan_on_duty_shift", err)
		}
		if err := unmarshalJSON(userIDs, &w.UserIDs); err != nil {
			return nil, repoErr("scan_on_duty_shift", err)
		}
		switch w.Name {
		case models.ShiftDay:
			shift.Day = w
			found = true
		case models.ShiftNight:
			shift.Night = w
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("iterate_on_duty_shift", err)
	}
	if !found {
		return nil, repoErr("get_on_duty_shift", sql.ErrNoRows)
	}
	return &shift, nil
}

// PutOnDutyShift replaces the shift configuration
func (s *Store) PutOnDutyShift(ctx context.Context, shift *models.OnDutyShift) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return repoErr("put_on_duty_shift", err)
	}
	defer tx.Rollback()

	for _, w := range []models.ShiftWindow{shift.Day, shift.Night} {
		userIDs, err := marshalJSON(w.UserIDs)
		if err != nil {
			return repoErr("put_on_duty_shift", err)
		}
		if userIDs == "" {
			userIDs = "[]"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO on_duty_shifts (name, start_time, end_time, timezone, user_ids)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				timezone = excluded.timezone,
				user_ids = excluded.user_ids`,
			w.Name, w.StartTime, w.EndTime, w.Timezone, userIDs); err != nil {
			return repoErr("put_on_duty_shift", err)
		}
	}
	return repoErr("put_on_duty_shift", tx.Commit())
}

// ListAlarmMutes returns mutes still in force at now
func (s *Store) ListAlarmMutes(ctx context.Context, now time.Time) ([]models.AlarmMute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, muted_by, mute_until, reason, created_at
		FROM alarm_mutes
		WHERE mute_until IS NULL OR mute_until > ?
		ORDER BY created_at DESC`, now.Unix())
	if err != nil {
		return nil, repoErr("list_alarm_mutes", err)
	}
	defer rows.Close()

	var mutes []models.AlarmMute
	for rows.Next() {
		var m models.AlarmMute
		var muteUntil sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.MutedBy, &muteUntil, &m.Reason, &createdAt); err != nil {
			return nil, repoErr("scan_alarm_mute", err)
		}
		m.MuteUntil = unixToTime(muteUntil)
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		mutes = append(mutes, m)
	}
	return mutes, repoErr("iterate_alarm_mutes", rows.Err())
}

// CreateAlarmMute inserts a mute
func (s *Store) CreateAlarmMute(ctx context.Context, m *models.AlarmMute) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alarm_mutes (id, user_id, muted_by, mute_until, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.MutedBy, timeToUnix(m.MuteUntil), m.Reason, m.CreatedAt.Unix())
	return repoErr("create_alarm_mute", err)
}

// DeleteAlarmMute removes a mute
func (s *Store) DeleteAlarmMute(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alarm_mutes WHERE id = ?`, id)
	if err != nil {
		return repoErr("delete_alarm_mute", err)
	}
	return requireRowChanged(res, "delete_alarm_mute")
}

// ReapExpiredMutes deletes mutes whose window has passed
func (s *Store) ReapExpiredMutes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alarm_mutes WHERE mute_until IS NOT NULL AND mute_until <= ?`, now.Unix())
	if err != nil {
		return 0, repoErr("reap_expired_mutes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
