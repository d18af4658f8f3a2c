package models

import "time"

// NetworkMap is a named topology canvas
type NetworkMap struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsDefault bool      `json:"isDefault"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DevicePlacement pins a device to a position on one map. A device may be
// placed on multiple maps; (deviceId, mapId) is unique.
type DevicePlacement struct {
	DeviceID string  `json:"deviceId"`
	MapID    string  `json:"mapId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// LinkSpeed is the nominal speed of a connection
type LinkSpeed string

const (
	Speed1G   LinkSpeed = "1G"
	Speed10G  LinkSpeed = "10G"
	Speed25G  LinkSpeed = "25G"
	Speed40G  LinkSpeed = "40G"
	Speed100G LinkSpeed = "100G"
)

// BitsPerSec returns the link speed in bits per second, 0 for unknown speeds
func (s LinkSpeed) BitsPerSec() int64 {
	switch s {
	case Speed1G:
		return 1_000_000_000
	case Speed10G:
		return 10_000_000_000
	case Speed25G:
		return 25_000_000_000
	case Speed40G:
		return 40_000_000_000
	case Speed100G:
		return 100_000_000_000
	}
	return 0
}

// MonitorEnd selects which endpoint of a connection owns the counters
type MonitorEnd string

const (
	MonitorSource MonitorEnd = "source"
	MonitorTarget MonitorEnd = "target"
)

// DynamicConnectionType tags connections whose endpoint is resolved at runtime
const DynamicProxmoxVMHost = "proxmox_vm_host"

// DynamicMetadata carries resolver state for dynamic connections
type DynamicMetadata struct {
	VMDeviceID               string `json:"vmDeviceId"`
	MonitoredEnd             string `json:"monitoredEnd"` // which endpoint is the VM
	LastResolvedHostDeviceID string `json:"lastResolvedHostDeviceId,omitempty"`
}

// LinkStats is the rolling traffic snapshot persisted on a connection.
// Raw counter baselines ride along so rate state survives restarts.
type LinkStats struct {
	InBitsPerSec  float64   `json:"inBitsPerSec"`
	OutBitsPerSec float64   `json:"outBitsPerSec"`
	Utilisation   float64   `json:"utilisation"` // percent, clamped to [0,100]
	SampledAt     time.Time `json:"sampledAt"`
	LastInOctets  uint64    `json:"lastInOctets,omitempty"`
	LastOutOctets uint64    `json:"lastOutOctets,omitempty"`
	CounterBits   int       `json:"counterBits,omitempty"` // 32 or 64
}

// Connection is an edge between two placed devices on a map
type Connection struct {
	ID               string           `json:"id"`
	MapID            string           `json:"mapId"`
	SourceDeviceID   string           `json:"sourceDeviceId"`
	TargetDeviceID   string           `json:"targetDeviceId"`
	SourcePort       string           `json:"sourcePort,omitempty"`
	TargetPort       string           `json:"targetPort,omitempty"`
	LinkSpeed        LinkSpeed        `json:"linkSpeed"`
	MonitorInterface MonitorEnd       `json:"monitorInterface,omitempty"`
	MonitorSNMPIndex int              `json:"monitorSnmpIndex,omitempty"`
	LinkStats        *LinkStats       `json:"linkStats,omitempty"`
	IsDynamic        bool             `json:"isDynamic"`
	DynamicType      string           `json:"dynamicType,omitempty"`
	DynamicMetadata  *DynamicMetadata `json:"dynamicMetadata,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// MonitoredDeviceID returns the device whose counters feed this connection's
// stats, per MonitorInterface. Empty when monitoring is not configured.
func (c *Connection) MonitoredDeviceID() string {
	switch c.MonitorInterface {
	case MonitorSource:
		return c.SourceDeviceID
	case MonitorTarget:
		return c.TargetDeviceID
	}
	return ""
}
