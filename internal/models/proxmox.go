package models

import "time"

// ProxmoxNode maps a cluster node name to the CoreBit device representing it
type ProxmoxNode struct {
	ClusterName  string    `json:"clusterName"`
	NodeName     string    `json:"nodeName"`
	HostDeviceID string    `json:"hostDeviceId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ProxmoxVMStatus mirrors the PVE guest status values CoreBit tracks
type ProxmoxVMStatus string

const (
	VMRunning ProxmoxVMStatus = "running"
	VMStopped ProxmoxVMStatus = "stopped"
	VMPaused  ProxmoxVMStatus = "paused"
	VMUnknown ProxmoxVMStatus = "unknown"
)

// ProxmoxVM is one guest observed on a monitored Proxmox host
type ProxmoxVM struct {
	ID            string          `json:"id"`
	HostDeviceID  string          `json:"hostDeviceId"`
	VMID          int             `json:"vmid"`
	Name          string          `json:"name"`
	Type          string          `json:"type"` // qemu | lxc
	Status        ProxmoxVMStatus `json:"status"`
	CPUPercent    float64         `json:"cpuPercent"`
	MemoryPercent float64         `json:"memoryPercent"`
	DiskPercent   float64         `json:"diskPercent"`
	IPs           []string        `json:"ips,omitempty"`
	MACs          []string        `json:"macs,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// VMMigration is one logged host move of a guest, written when the
// dynamic connection resolver repoints a connection.
type VMMigration struct {
	ID           string    `json:"id"`
	VMDeviceID   string    `json:"vmDeviceId"`
	VMID         int       `json:"vmid"`
	VMName       string    `json:"vmName"`
	FromDeviceID string    `json:"fromDeviceId"`
	FromNodeName string    `json:"fromNodeName"`
	ToDeviceID   string    `json:"toDeviceId"`
	ToNodeName   string    `json:"toNodeName"`
	ConnectionID string    `json:"connectionId"`
	CreatedAt    time.Time `json:"createdAt"`
}
