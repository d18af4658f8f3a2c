package store

import (
	"context"
	"time"

	"github.com/corebit/corebit/internal/models"
)

// The repository contracts consumed by the scheduler, probers, status
// engine, dispatcher, scanner, resolver and API. *Store satisfies all of
// them; consumers hold only the slice they need.

// DeviceRepo provides device persistence
type DeviceRepo interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	ListDevicesByMap(ctx context.Context, mapID string) ([]models.Device, error)
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	CreateDevice(ctx context.Context, d *models.Device) error
	UpdateDevice(ctx context.Context, d *models.Device) error
	DeleteDevice(ctx context.Context, id string) error
	CountDevices(ctx context.Context) (int, error) // excludes placeholders
	UpdateProbeState(ctx context.Context, id string, status models.DeviceStatus, failures int, probedAt time.Time, data *models.DeviceData) error
}

// MapRepo provides map and placement persistence
type MapRepo interface {
	ListMaps(ctx context.Context) ([]models.NetworkMap, error)
	GetMap(ctx context.Context, id string) (*models.NetworkMap, error)
	CreateMap(ctx context.Context, m *models.NetworkMap) error
	UpdateMap(ctx context.Context, m *models.NetworkMap) error
	DeleteMap(ctx context.Context, id string) error
	ListPlacements(ctx context.Context, mapID string) ([]models.DevicePlacement, error)
	ListPlacementsByDevice(ctx context.Context, deviceID string) ([]models.DevicePlacement, error)
	UpsertPlacement(ctx context.Context, p *models.DevicePlacement) error
	DeletePlacement(ctx context.Context, mapID, deviceID string) error
}

// ConnectionRepo provides connection persistence
type ConnectionRepo interface {
	ListConnections(ctx context.Context, mapID string) ([]models.Connection, error)
	ListMonitoredConnections(ctx context.Context) ([]models.Connection, error)
	ListDynamicConnections(ctx context.Context) ([]models.Connection, error)
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	CreateConnection(ctx context.Context, c *models.Connection) error
	UpdateConnection(ctx context.Context, c *models.Connection) error
	DeleteConnection(ctx context.Context, id string) error
	UpdateLinkStats(ctx context.Context, id string, stats *models.LinkStats) error
}

// CredentialRepo provides credential profile persistence
type CredentialRepo interface {
	ListCredentialProfiles(ctx context.Context) ([]models.CredentialProfile, error)
	GetCredentialProfile(ctx context.Context, id string) (*models.CredentialProfile, error)
	CreateCredentialProfile(ctx context.Context, p *models.CredentialProfile) error
	UpdateCredentialProfile(ctx context.Context, p *models.CredentialProfile) error
	DeleteCredentialProfile(ctx context.Context, id string) error
}

// EventRepo provides the append-only status event log
type EventRepo interface {
	RecordStatusEvent(ctx context.Context, e *models.DeviceStatusEvent) error
	ListStatusEvents(ctx context.Context, deviceID string, since time.Time, includeWarnings bool) ([]models.DeviceStatusEvent, error)
	LatestStatusEvent(ctx context.Context, deviceID string) (*models.DeviceStatusEvent, error)
}

// MetricsRepo provides time-series persistence with aggregation on read
type MetricsRepo interface {
	AppendMetricsSample(ctx context.Context, s *models.DeviceMetricsSample) error
	AppendPrometheusSample(ctx context.Context, s *models.PrometheusMetricSample) error
	AppendBandwidthSample(ctx context.Context, s *models.BandwidthSample) error
	AggregatedMetrics(ctx context.Context, deviceID string, since time.Time, maxPoints int) ([]models.AggregatedPoint, error)
	AggregatedBandwidth(ctx context.Context, connectionID string, since time.Time, maxPoints int) ([]models.AggregatedBandwidthPoint, error)
	PrometheusHistory(ctx context.Context, deviceID, metricID string, since time.Time) ([]models.PrometheusMetricSample, error)
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error)
	Flush() error
}

// NotificationRepo provides notification targets, subscriptions, history,
// shifts and mutes
type NotificationRepo interface {
	ListNotifications(ctx context.Context) ([]models.Notification, error)
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	CreateNotification(ctx context.Context, n *models.Notification) error
	UpdateNotification(ctx context.Context, n *models.Notification) error
	DeleteNotification(ctx context.Context, id string) error
	ListDeviceNotifications(ctx context.Context, deviceID string) ([]models.Notification, error)
	LinkDeviceNotification(ctx context.Context, deviceID, notificationID string) error
	UnlinkDeviceNotification(ctx context.Context, deviceID, notificationID string) error
	ListNotificationsByOwners(ctx context.Context, userIDs []string) ([]models.Notification, error)
	RecordNotificationHistory(ctx context.Context, h *models.NotificationHistory) error
	ListNotificationHistory(ctx context.Context, limit int) ([]models.NotificationHistory, error)
	GetOnDutyShift(ctx context.Context) (*models.OnDutyShift, error)
	PutOnDutyShift(ctx context.Context, s *models.OnDutyShift) error
	ListAlarmMutes(ctx context.Context, now time.Time) ([]models.AlarmMute, error)
	CreateAlarmMute(ctx context.Context, m *models.AlarmMute) error
	DeleteAlarmMute(ctx context.Context, id string) error
	ReapExpiredMutes(ctx context.Context, now time.Time) (int64, error)
}

// ProxmoxRepo persists discovered cluster topology and the migration log
type ProxmoxRepo interface {
	UpsertProxmoxNode(ctx context.Context, n *models.ProxmoxNode) error
	ListProxmoxNodes(ctx context.Context) ([]models.ProxmoxNode, error)
	UpsertProxmoxVM(ctx context.Context, vm *models.ProxmoxVM) error
	ListProxmoxVMsByHost(ctx context.Context, hostDeviceID string) ([]models.ProxmoxVM, error)
	GetProxmoxVMByDevice(ctx context.Context, vmDeviceID string) (*models.ProxmoxVM, error)
	PruneProxmoxVMs(ctx context.Context, hostDeviceID string, seenVMIDs []int) error
	RecordVMMigration(ctx context.Context, m *models.VMMigration) error
	ListVMMigrations(ctx context.Context, limit int) ([]models.VMMigration, error)
}

// ScanProfileRepo persists saved scanner configurations
type ScanProfileRepo interface {
	ListScanProfiles(ctx context.Context) ([]models.ScanProfile, error)
	GetScanProfile(ctx context.Context, id string) (*models.ScanProfile, error)
	CreateScanProfile(ctx context.Context, p *models.ScanProfile) error
	UpdateScanProfile(ctx context.Context, p *models.ScanProfile) error
	DeleteScanProfile(ctx context.Context, id string) error
}

// SettingsRepo is the runtime-tunable settings key/value store
type SettingsRepo interface {
	GetSetting(ctx context.Context, key, fallback string) (string, error)
	GetSettingInt(ctx context.Context, key string, fallback int) (int, error)
	GetSettingBool(ctx context.Context, key string, fallback bool) (bool, error)
	PutSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
}
