package license

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/store"
)

// Manager owns the installed licenses and gates device creation against the
// effective limit. It is safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	path        string
	fingerprint string
	buildDate   time.Time
	licenses    []License
	devices     store.DeviceRepo
}

// NewManager builds a manager over the license file at path. buildDate is
// the binary's release date, used for update entitlement checks.
func NewManager(path string, devices store.DeviceRepo, buildDate time.Time) *Manager {
	return &Manager{
		path:        path,
		fingerprint: Fingerprint(),
		buildDate:   buildDate,
		devices:     devices,
	}
}

// ServerFingerprint returns this host's identity, shown during activation
func (m *Manager) ServerFingerprint() string {
	return m.fingerprint
}

// Load reads license.json. Both the current {licenses:[...]} wrapper and the
// legacy single-object form are accepted; invalid entries are dropped with a
// warning. A missing file simply means the free tier.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.mu.Lock()
		m.licenses = nil
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read license file: %w", err)
	}

	var loaded []License
	var wrapper struct {
		Licenses []License `json:"licenses"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Licenses != nil {
		loaded = wrapper.Licenses
	} else {
		var single License
		if err := json.Unmarshal(data, &single); err != nil || single.LicenseKey == "" {
			return fmt.Errorf("license file %s: unrecognized format", m.path)
		}
		loaded = []License{single}
	}

	kept := loaded[:0]
	for i := range loaded {
		l := loaded[i]
		if err := Verify(&l); err != nil {
			log.Warn().Err(err).Str("key", maskKey(l.LicenseKey)).Msg("Ignoring invalid license")
			continue
		}
		kept = append(kept, l)
	}

	m.mu.Lock()
	m.licenses = append([]License(nil), kept...)
	m.mu.Unlock()

	log.Info().Int("licenses", len(kept)).Str("fingerprint", m.fingerprint).Msg("License file loaded")
	return nil
}

// save writes the wrapper form atomically
func (m *Manager) save(licenses []License) error {
	data, err := json.MarshalIndent(struct {
		Licenses []License `json:"licenses"`
	}{Licenses: licenses}, "", "  ")
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Install verifies a license and persists it. A license for another server
// is rejected; reinstalling a known key replaces it.
func (m *Manager) Install(l License) error {
	if err := Verify(&l); err != nil {
		return errors.NewClientInputError("install_license", err)
	}
	if !l.MatchesFingerprint(m.fingerprint) {
		return errors.NewClientInputError("install_license",
			fmt.Errorf("license is bound to fingerprint %s, this server is %s", maskKey(l.ServerFingerprint), maskKey(m.fingerprint)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]License, 0, len(m.licenses)+1)
	for _, existing := range m.licenses {
		if existing.LicenseKey != l.LicenseKey {
			next = append(next, existing)
		}
	}
	next = append(next, l)

	if err := m.save(next); err != nil {
		return fmt.Errorf("persist license: %w", err)
	}
	m.licenses = next
	log.Info().Str("tier", string(l.Tier)).Str("key", maskKey(l.LicenseKey)).Msg("License installed")
	return nil
}

// Remove deletes a license by key
func (m *Manager) Remove(licenseKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make([]License, 0, len(m.licenses))
	removed := false
	for _, existing := range m.licenses {
		if existing.LicenseKey == licenseKey {
			removed = true
			continue
		}
		next = append(next, existing)
	}
	if !removed {
		return errors.ErrNotFound
	}
	if err := m.save(next); err != nil {
		return fmt.Errorf("persist license: %w", err)
	}
	m.licenses = next
	log.Info().Str("key", maskKey(licenseKey)).Msg("License removed")
	return nil
}

// Licenses returns a copy of the installed grants
func (m *Manager) Licenses() []License {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]License(nil), m.licenses...)
}

// EffectiveLimit computes the device ceiling for this server: a matching
// Pro license lifts it entirely; otherwise device packs add onto the free
// allowance. Licenses bound to other fingerprints contribute nothing.
func (m *Manager) EffectiveLimit() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := FreeDeviceLimit
	for i := range m.licenses {
		l := &m.licenses[i]
		if !l.MatchesFingerprint(m.fingerprint) {
			continue
		}
		switch l.Tier {
		case TierPro:
			return Unlimited
		case TierDevicePack:
			limit += l.DeviceLimit
		}
	}
	return limit
}

// CheckDeviceLimit fails when adding delta devices would exceed the
// effective limit. Placeholders never count.
func (m *Manager) CheckDeviceLimit(ctx context.Context, delta int) error {
	limit := m.EffectiveLimit()
	if limit == Unlimited {
		return nil
	}

	count, err := m.devices.CountDevices(ctx)
	if err != nil {
		return err
	}
	if count+delta > limit {
		return errors.NewLicenseLimitError(fmt.Sprintf(
			"device limit reached: %d of %d devices in use, adding %d would exceed the licensed maximum",
			count, limit, delta))
	}
	return nil
}

// IsUpdateEntitled reports whether any installed license covers this build
func (m *Manager) IsUpdateEntitled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.licenses {
		l := &m.licenses[i]
		if l.MatchesFingerprint(m.fingerprint) && l.IsUpdateEntitled(m.buildDate) {
			return true
		}
	}
	return false
}

// Status summarises the gate for the API
type Status struct {
	Tier           Tier      `json:"tier"`
	DeviceLimit    int       `json:"deviceLimit"` // -1 means unlimited
	DeviceCount    int       `json:"deviceCount"`
	Fingerprint    string    `json:"fingerprint"`
	UpdateEntitled bool      `json:"updateEntitled"`
	Licenses       []License `json:"licenses"`
}

// Status reports the current gate state including the live device count
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	count, err := m.devices.CountDevices(ctx)
	if err != nil {
		return nil, err
	}

	tier := TierFree
	limit := m.EffectiveLimit()
	if limit == Unlimited {
		tier = TierPro
	} else if limit > FreeDeviceLimit {
		tier = TierDevicePack
	}

	return &Status{
		Tier:           tier,
		DeviceLimit:    limit,
		DeviceCount:    count,
		Fingerprint:    m.fingerprint,
		UpdateEntitled: m.IsUpdateEntitled(),
		Licenses:       m.Licenses(),
	}, nil
}

// maskKey keeps logs and errors from leaking whole keys
func maskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
