package models

import "time"

// DeviceStatusEvent records one status transition. Append-only; within a
// device, PreviousStatus always equals the prior event's NewStatus.
type DeviceStatusEvent struct {
	ID             string       `json:"id"`
	DeviceID       string       `json:"deviceId"`
	PreviousStatus DeviceStatus `json:"previousStatus"`
	NewStatus      DeviceStatus `json:"newStatus"`
	Message        string       `json:"message,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// DeviceStatusSegment is a contiguous interval of a single status, derived
// on read from the event log
type DeviceStatusSegment struct {
	Status DeviceStatus `json:"status"`
	Start  time.Time    `json:"start"`
	End    time.Time    `json:"end"`
}

// DeviceMetricsSample is one resource reading from a successful probe
type DeviceMetricsSample struct {
	DeviceID      string    `json:"deviceId"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	DiskPercent   float64   `json:"diskPercent"`
	PingRTTMillis float64   `json:"pingRttMs"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// AggregatedPoint is one time bucket of down-sampled history
type AggregatedPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	DiskPercent   float64   `json:"diskPercent"`
	PingRTTMillis float64   `json:"pingRttMs"`
	MinCPU        float64   `json:"minCpu,omitempty"`
	MaxCPU        float64   `json:"maxCpu,omitempty"`
}

// PrometheusMetricSample is one reading of a user-declared custom metric
type PrometheusMetricSample struct {
	DeviceID  string    `json:"deviceId"`
	MetricID  string    `json:"metricId"`
	Value     float64   `json:"value"`    // after transform (e.g. rate)
	RawValue  float64   `json:"rawValue"` // as scraped
	Timestamp time.Time `json:"timestamp"`
}

// BandwidthSample is one differencer emission for a monitored connection
type BandwidthSample struct {
	ConnectionID  string    `json:"connectionId"`
	InBitsPerSec  float64   `json:"inBitsPerSec"`
	OutBitsPerSec float64   `json:"outBitsPerSec"`
	Utilisation   float64   `json:"utilisation"`
	Timestamp     time.Time `json:"timestamp"`
}

// AggregatedBandwidthPoint is one time bucket of down-sampled bandwidth history
type AggregatedBandwidthPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	InBitsPerSec  float64   `json:"inBitsPerSec"`
	OutBitsPerSec float64   `json:"outBitsPerSec"`
	Utilisation   float64   `json:"utilisation"`
	MaxIn         float64   `json:"maxIn,omitempty"`
	MaxOut        float64   `json:"maxOut,omitempty"`
}
