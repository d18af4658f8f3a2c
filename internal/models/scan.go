package models

import "time"

// ScanProfile is a saved scanner configuration
type ScanProfile struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	IPRange              string    `json:"ipRange"`
	CredentialProfileIDs []string  `json:"credentialProfileIds,omitempty"`
	ProbeTypes           []string  `json:"probeTypes,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// PrometheusMetricConfig declares one user-defined series to scrape
type PrometheusMetricConfig struct {
	ID          string `json:"id"`
	MetricName  string `json:"metricName"`
	DisplayName string `json:"displayName,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Transform   string `json:"transform,omitempty"` // "" or "rate"
}
