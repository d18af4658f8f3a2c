package models

import (
	"strconv"
	"strings"
	"time"
)

// CredentialType matches profiles to device protocols
type CredentialType string

const (
	CredentialMikrotik   CredentialType = "mikrotik"
	CredentialSNMP       CredentialType = "snmp"
	CredentialPrometheus CredentialType = "prometheus"
	CredentialProxmox    CredentialType = "proxmox"
)

// Credentials is an opaque key/value bag. Recognized keys depend on the
// credential type: mikrotik {username, password, apiPort, useTLS}, snmp
// {snmpVersion, snmpCommunity, snmpUsername, snmpAuthProtocol, snmpAuthKey,
// snmpPrivProtocol, snmpPrivKey, timeoutMs, retries}, prometheus {port,
// scheme, customMetrics}, proxmox {port, apiTokenId, apiTokenSecret,
// username, password, realm, verifySsl, overrideNodeName}.
type Credentials map[string]string

// CredentialProfile is a named, reusable credential set
type CredentialProfile struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        CredentialType `json:"type"`
	Credentials Credentials    `json:"credentials"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// MergeCredentials overlays custom device credentials on a profile's set.
// Custom values win key by key; empty custom values do not erase profile ones.
func MergeCredentials(profile, custom Credentials) Credentials {
	merged := make(Credentials, len(profile)+len(custom))
	for k, v := range profile {
		merged[k] = v
	}
	for k, v := range custom {
		if strings.TrimSpace(v) == "" {
			continue
		}
		merged[k] = v
	}
	return merged
}

// Get returns the value for key, or fallback when absent or blank
func (c Credentials) Get(key, fallback string) string {
	if v, ok := c[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

// GetInt returns the integer value for key, or fallback when absent or invalid
func (c Credentials) GetInt(key string, fallback int) int {
	v, ok := c[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// GetBool returns the boolean value for key, or fallback when absent or invalid
func (c Credentials) GetBool(key string, fallback bool) bool {
	v, ok := c[key]
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}
