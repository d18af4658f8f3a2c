// Package probe schedules and executes the per-protocol device probers
// and routes their samples to the status engine and the link differencer.
package probe

import (
	"context"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/store"
)

// Prober collects one sample from a device. Implementations honour the
// context deadline and classify their failures as ProbeErrors.
type Prober interface {
	Probe(ctx context.Context, device *models.Device, creds models.Credentials) (*Sample, error)
}

// Registry maps device kinds to their probers. Access points and
// MikroTik switches share the RouterOS prober; servers are scraped like
// any other Prometheus exporter.
type Registry struct {
	probers map[models.DeviceKind]Prober
}

func NewRegistry() *Registry {
	routeros := NewRouterOSProber()
	snmp := NewSNMPProber()
	prometheus := NewPrometheusProber()
	proxmox := NewProxmoxProber()
	ping := NewPingProber()

	return &Registry{probers: map[models.DeviceKind]Prober{
		models.KindMikrotikRouter:    routeros,
		models.KindMikrotikSwitch:    routeros,
		models.KindAccessPoint:       routeros,
		models.KindGenericSNMP:       snmp,
		models.KindGenericPrometheus: prometheus,
		models.KindServer:            prometheus,
		models.KindProxmox:           proxmox,
		models.KindGenericPing:       ping,
	}}
}

// For returns the prober responsible for a device kind. Placeholders have
// no prober.
func (r *Registry) For(kind models.DeviceKind) (Prober, bool) {
	p, ok := r.probers[kind]
	return p, ok
}

// Register installs or replaces the prober for a kind.
func (r *Registry) Register(kind models.DeviceKind, p Prober) {
	r.probers[kind] = p
}

// Forget drops any per-device prober state for a deleted device.
func (r *Registry) Forget(deviceID string) {
	for _, p := range r.probers {
		if f, ok := p.(interface{ Forget(string) }); ok {
			f.Forget(deviceID)
		}
	}
}

// ResolveCredentials merges a device's bound profile with its inline
// overrides. A dangling profile reference is an error; a device with
// neither yields an empty bag.
func ResolveCredentials(ctx context.Context, repo store.CredentialRepo, device *models.Device) (models.Credentials, error) {
	var profileCreds models.Credentials
	if device.CredentialProfileID != "" {
		profile, err := repo.GetCredentialProfile(ctx, device.CredentialProfileID)
		if err != nil {
			return nil, errors.New(errors.ErrorTypeRepository, "resolve_credentials", device.Name, err)
		}
		profileCreds = profile.Credentials
	}
	return models.MergeCredentials(profileCreds, device.CustomCredentials), nil
}
