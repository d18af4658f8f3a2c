package models

import "time"

// DeviceKind identifies which prober handles a device
type DeviceKind string

const (
	KindMikrotikRouter    DeviceKind = "mikrotik_router"
	KindMikrotikSwitch    DeviceKind = "mikrotik_switch"
	KindGenericSNMP       DeviceKind = "generic_snmp"
	KindGenericPrometheus DeviceKind = "generic_prometheus"
	KindGenericPing       DeviceKind = "generic_ping"
	KindServer            DeviceKind = "server"
	KindProxmox           DeviceKind = "proxmox"
	KindAccessPoint       DeviceKind = "access_point"
	KindPlaceholder       DeviceKind = "placeholder"
)

// Valid reports whether k is a recognized device kind
func (k DeviceKind) Valid() bool {
	switch k {
	case KindMikrotikRouter, KindMikrotikSwitch, KindGenericSNMP,
		KindGenericPrometheus, KindGenericPing, KindServer,
		KindProxmox, KindAccessPoint, KindPlaceholder:
		return true
	}
	return false
}

// DeviceStatus is the debounced reachability state of a device
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusWarning DeviceStatus = "warning"
	StatusStale   DeviceStatus = "stale"
	StatusOffline DeviceStatus = "offline"
	StatusUnknown DeviceStatus = "unknown"
)

// Device is a monitored network element placed on one or more maps
type Device struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Kind                DeviceKind   `json:"kind"`
	Address             string       `json:"address,omitempty"` // IPv4
	Status              DeviceStatus `json:"status"`
	LastProbedAt        *time.Time   `json:"lastProbedAt,omitempty"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	UseOnDuty           bool         `json:"useOnDuty"`
	CredentialProfileID string       `json:"credentialProfileId,omitempty"`
	CustomCredentials   Credentials  `json:"customCredentials,omitempty"`
	Data                *DeviceData  `json:"deviceData,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// DeviceData is the protocol-specific snapshot from the last good probe
type DeviceData struct {
	Identity      string  `json:"identity,omitempty"` // RouterOS identity / SNMP sysName
	Model         string  `json:"model,omitempty"`
	Version       string  `json:"version,omitempty"`
	UptimeSeconds int64   `json:"uptimeSeconds,omitempty"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
	PingRTTMillis float64 `json:"pingRttMs,omitempty"`
	Ports         []Port  `json:"ports,omitempty"`
}

// Port is one interface of a device as reported by its prober
type Port struct {
	Name        string `json:"name"`
	DefaultName string `json:"defaultName,omitempty"`
	Status      string `json:"status"` // up | down
	Speed       string `json:"speed,omitempty"`
	MAC         string `json:"mac,omitempty"`
	Description string `json:"description,omitempty"`
	SNMPIndex   int    `json:"snmpIndex,omitempty"`
}
