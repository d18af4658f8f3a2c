package models

import "time"

// NotificationMethod is the HTTP verb used for delivery
type NotificationMethod string

const (
	MethodGET  NotificationMethod = "GET"
	MethodPOST NotificationMethod = "POST"
)

// Notification is a configured webhook target
type Notification struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	URL             string             `json:"url"`
	Method          NotificationMethod `json:"method"`
	MessageTemplate string             `json:"messageTemplate"`
	Enabled         bool               `json:"enabled"`
	OwnerUserID     string             `json:"ownerUserId,omitempty"` // for on-duty resolution
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// DeviceNotification subscribes a device to a notification target
type DeviceNotification struct {
	DeviceID       string `json:"deviceId"`
	NotificationID string `json:"notificationId"`
}

// NotificationHistory records the settled outcome of one delivery
type NotificationHistory struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notificationId"`
	DeviceID       string    `json:"deviceId"`
	EventID        string    `json:"eventId,omitempty"`
	Message        string    `json:"message"`
	Success        bool      `json:"success"`
	StatusCode     int       `json:"statusCode,omitempty"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ShiftName distinguishes the two recurring on-duty windows
type ShiftName string

const (
	ShiftDay   ShiftName = "day"
	ShiftNight ShiftName = "night"
)

// ShiftWindow is one recurring shift definition. Windows that straddle
// midnight are closed-start, open-end.
type ShiftWindow struct {
	Name      ShiftName `json:"name"`
	StartTime string    `json:"startTime"` // "HH:MM"
	EndTime   string    `json:"endTime"`   // "HH:MM"
	Timezone  string    `json:"timezone"`  // IANA name
	UserIDs   []string  `json:"userIds"`
}

// OnDutyShift is the full day/night configuration
type OnDutyShift struct {
	Day   ShiftWindow `json:"day"`
	Night ShiftWindow `json:"night"`
}

// AlarmMute silences notifications globally (UserID empty) or for one user
type AlarmMute struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId,omitempty"` // empty means global
	MutedBy   string     `json:"mutedBy"`
	MuteUntil *time.Time `json:"muteUntil,omitempty"` // nil means indefinite
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Active reports whether the mute is in force at the given time
func (m *AlarmMute) Active(now time.Time) bool {
	return m.MuteUntil == nil || m.MuteUntil.After(now)
}
