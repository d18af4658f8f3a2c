// Package resolver keeps dynamic connections pointing at the right
// endpoint. It consumes the guest inventory each Proxmox probe reports,
// persists it, and repoints VM-to-host connections when a guest has
// migrated to another cluster node.
package resolver

import (
	"context"
	stderrors "errors"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/store"
	"github.com/corebit/corebit/internal/telemetry"
)

// Publisher broadcasts topology changes to realtime subscribers. A nil
// publisher disables broadcasting, which tests rely on.
type Publisher interface {
	PublishMapChange(mapID, changeType, action, userID string)
}

// Resolver ingests Proxmox guest inventories and maintains dynamic
// connections. It is the scheduler's VM sink.
type Resolver struct {
	devices     store.DeviceRepo
	connections store.ConnectionRepo
	proxmox     store.ProxmoxRepo
	publisher   Publisher
}

// New wires the resolver to its repositories. publisher may be nil.
func New(devices store.DeviceRepo, connections store.ConnectionRepo, proxmox store.ProxmoxRepo, publisher Publisher) *Resolver {
	return &Resolver{
		devices:     devices,
		connections: connections,
		proxmox:     proxmox,
		publisher:   publisher,
	}
}

// ApplyVMInventory persists the guests one Proxmox host reported, prunes
// guests that host no longer runs, and sweeps dynamic connections for
// migrations. Guests that moved to another host keep their rows; the
// upsert moves them and the losing host's prune does not touch them.
func (r *Resolver) ApplyVMInventory(ctx context.Context, hostDeviceID string, vms []models.ProxmoxVM) {
	r.recordNodeMapping(ctx, hostDeviceID)

	seen := make([]int, 0, len(vms))
	for i := range vms {
		vm := &vms[i]
		vm.HostDeviceID = hostDeviceID
		if vm.ID == "" {
			vm.ID = ulid.Make().String()
		}
		if err := r.proxmox.UpsertProxmoxVM(ctx, vm); err != nil {
			log.Error().Err(err).
				Str("host", hostDeviceID).
				Int("vmid", vm.VMID).
				Msg("Could not persist guest inventory row")
			continue
		}
		seen = append(seen, vm.VMID)
	}

	if err := r.proxmox.PruneProxmoxVMs(ctx, hostDeviceID, seen); err != nil {
		log.Error().Err(err).Str("host", hostDeviceID).Msg("Could not prune departed guests")
	}

	r.resolveDynamicConnections(ctx)
}

// recordNodeMapping refreshes the node-name to device mapping from the
// identity the probe stored on the device.
func (r *Resolver) recordNodeMapping(ctx context.Context, hostDeviceID string) {
	device, err := r.devices.GetDevice(ctx, hostDeviceID)
	if err != nil || device.Data == nil || device.Data.Identity == "" {
		return
	}
	node := &models.ProxmoxNode{
		NodeName:     device.Data.Identity,
		HostDeviceID: hostDeviceID,
	}
	if err := r.proxmox.UpsertProxmoxNode(ctx, node); err != nil {
		log.Warn().Err(err).Str("node", node.NodeName).Msg("Could not record node mapping")
	}
}

// resolveDynamicConnections repoints every proxmox_vm_host connection
// whose guest now lives on a different host than last resolved.
func (r *Resolver) resolveDynamicConnections(ctx context.Context) {
	conns, err := r.connections.ListDynamicConnections(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not list dynamic connections")
		return
	}

	for i := range conns {
		conn := &conns[i]
		if conn.DynamicType != models.DynamicProxmoxVMHost || conn.DynamicMetadata == nil {
			continue
		}
		if err := r.resolveOne(ctx, conn); err != nil {
			log.Error().Err(err).Str("connection", conn.ID).Msg("Dynamic connection resolution failed")
		}
	}
}

func (r *Resolver) resolveOne(ctx context.Context, conn *models.Connection) error {
	meta := conn.DynamicMetadata

	vm, err := r.proxmox.GetProxmoxVMByDevice(ctx, meta.VMDeviceID)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			// Between migration and the next probe of the gaining host
			// the guest may be in no inventory at all.
			log.Debug().
				Str("connection", conn.ID).
				Str("vmDevice", meta.VMDeviceID).
				Msg("Dynamic connection guest not in any inventory")
			return nil
		}
		return err
	}

	newHost := vm.HostDeviceID
	if newHost == "" || newHost == meta.LastResolvedHostDeviceID {
		return nil
	}

	oldHost := meta.LastResolvedHostDeviceID
	// monitoredEnd pins which endpoint is the guest; the other endpoint
	// follows the host.
	if meta.MonitoredEnd == string(models.MonitorTarget) {
		conn.SourceDeviceID = newHost
	} else {
		conn.TargetDeviceID = newHost
	}
	meta.LastResolvedHostDeviceID = newHost

	if err := r.connections.UpdateConnection(ctx, conn); err != nil {
		return err
	}

	toName := r.deviceName(ctx, newHost)

	if oldHost == "" {
		// First resolution of a fresh dynamic connection, not a move.
		log.Info().
			Str("vm", vm.Name).
			Str("host", toName).
			Str("connection", conn.ID).
			Msg("Dynamic connection resolved")
	} else {
		fromName := r.deviceName(ctx, oldHost)
		migration := &models.VMMigration{
			ID:           ulid.Make().String(),
			VMDeviceID:   meta.VMDeviceID,
			VMID:         vm.VMID,
			VMName:       vm.Name,
			FromDeviceID: oldHost,
			FromNodeName: fromName,
			ToDeviceID:   newHost,
			ToNodeName:   toName,
			ConnectionID: conn.ID,
		}
		if err := r.proxmox.RecordVMMigration(ctx, migration); err != nil {
			log.Warn().Err(err).Str("connection", conn.ID).Msg("Could not write migration log row")
		}

		telemetry.Get().RecordVMMigration()
		log.Info().
			Str("vm", vm.Name).
			Int("vmid", vm.VMID).
			Str("from", fromName).
			Str("to", toName).
			Str("connection", conn.ID).
			Msg("Guest migrated, connection repointed")
	}

	if r.publisher != nil {
		r.publisher.PublishMapChange(conn.MapID, "connection", "update", "")
	}
	return nil
}

func (r *Resolver) deviceName(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	device, err := r.devices.GetDevice(ctx, id)
	if err != nil {
		return id
	}
	if device.Data != nil && device.Data.Identity != "" {
		return device.Data.Identity
	}
	return device.Name
}
