package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/corebit/corebit/internal/models"
)

// UpsertProxmoxNode records or refreshes a cluster node to device mapping
func (s *Store) UpsertProxmoxNode(ctx context.Context, n *models.ProxmoxNode) error {
	n.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxmox_nodes (cluster_name, node_name, host_device_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cluster_name, node_name) DO UPDATE SET
			host_device_id = excluded.host_device_id,
			updated_at = excluded.updated_at`,
		n.ClusterName, n.NodeName, n.HostDeviceID, n.UpdatedAt.Unix())
	return repoErr("upsert_proxmox_node", err)
}

// UpsertProxmoxVM records or refreshes one observed guest. VMID is unique
// per guest type; a VM reappearing under a new host moves with this call.
func (s *Store) UpsertProxmoxVM(ctx context.Context, vm *models.ProxmoxVM) error {
	ips, err := marshalJSON(vm.IPs)
	if err != nil {
		return repoErr("upsert_proxmox_vm", err)
	}
	macs, err := marshalJSON(vm.MACs)
	if err != nil {
		return repoErr("upsert_proxmox_vm", err)
	}
	vm.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proxmox_vms (id, host_device_id, vmid, name, type, status,
			cpu_percent, memory_percent, disk_percent, ips, macs, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vmid, type) DO UPDATE SET
			host_device_id = excluded.host_device_id,
			name = excluded.name,
			status = excluded.status,
			cpu_percent = excluded.cpu_percent,
			memory_percent = excluded.memory_percent,
			disk_percent = excluded.disk_percent,
			ips = excluded.ips,
			macs = excluded.macs,
			updated_at = excluded.updated_at`,
		vm.ID, vm.HostDeviceID, vm.VMID, vm.Name, vm.Type, vm.Status,
		vm.CPUPercent, vm.MemoryPercent, vm.DiskPercent, ips, macs, vm.UpdatedAt.Unix())
	return repoErr("upsert_proxmox_vm", err)
}

func scanProxmoxVM(row interface{ Scan(...any) error }) (*models.ProxmoxVM, error) {
	var vm models.ProxmoxVM
	var ips, macs sql.NullString
	var updatedAt int64
	err := row.Scan(&vm.ID, &vm.HostDeviceID, &vm.VMID, &vm.Name, &vm.Type, &vm.Status,
		&vm.CPUPercent, &vm.MemoryPercent, &vm.DiskPercent, &ips, &macs, &updatedAt)
	if err != nil {
		return nil, err
	}
	if ips.Valid {
		if err := unmarshalJSON(ips.String, &vm.IPs); err != nil {
			return nil, err
		}
	}
	if macs.Valid {
		if err := unmarshalJSON(macs.String, &vm.MACs); err != nil {
			return nil, err
		}
	}
	vm.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &vm, nil
}

// ListProxmoxVMsByHost returns the guests currently mapped to a host device
func (s *Store) ListProxmoxVMsByHost(ctx context.Context, hostDeviceID string) ([]models.ProxmoxVM, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host_device_id, vmid, name, type, status, cpu_percent,
			memory_percent, disk_percent, ips, macs, updated_at
		FROM proxmox_vms WHERE host_device_id = ? ORDER BY vmid`, hostDeviceID)
	if err != nil {
		return nil, repoErr("list_proxmox_vms", err)
	}
	defer rows.Close()

	var vms []models.ProxmoxVM
	for rows.Next() {
		vm, err := scanProxmoxVM(rows)
		if err != nil {
			return nil, repoErr("scan_proxmox_vm", err)
		}
		vms = append(vms, *vm)
	}
	return vms, repoErr("iterate_proxmox_vms", rows.Err())
}

// GetProxmoxVMByDevice resolves the VM a CoreBit device represents. The
// match is by the device's address appearing in the VM's reported IPs, or
// by exact name as a fallback; used by the dynamic connection resolver.
func (s *Store) GetProxmoxVMByDevice(ctx context.Context, vmDeviceID string) (*models.ProxmoxVM, error) {
	device, err := s.GetDevice(ctx, vmDeviceID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host_device_id, vmid, name, type, status, cpu_percent,
			memory_percent, disk_percent, ips, macs, updated_at
		FROM proxmox_vms`)
	if err != nil {
		return nil, repoErr("get_proxmox_vm_by_device", err)
	}
	defer rows.Close()

	var byName *models.ProxmoxVM
	for rows.Next() {
		vm, err := scanProxmoxVM(rows)
		if err != nil {
			return nil, repoErr("scan_proxmox_vm", err)
		}
		if device.Address != "" {
			for _, ip := range vm.IPs {
				if ip == device.Address {
					return vm, nil
				}
			}
		}
		if byName == nil && vm.Name != "" && strings.EqualFold(vm.Name, device.Name) {
			byName = vm
		}
	}
	if err := rows.Err(); err != nil {
		return nil, repoErr("iterate_proxmox_vms", err)
	}
	if byName != nil {
		return byName, nil
	}
	return nil, repoErr("get_proxmox_vm_by_device", sql.ErrNoRows)
}

// ListProxmoxNodes returns every known cluster node to device mapping
func (s *Store) ListProxmoxNodes(ctx context.Context) ([]models.ProxmoxNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cluster_name, node_name, host_device_id, updated_at
		FROM proxmox_nodes ORDER BY cluster_name, node_name`)
	if err != nil {
		return nil, repoErr("list_proxmox_nodes", err)
	}
	defer rows.Close()

	var nodes []models.ProxmoxNode
	for rows.Next() {
		var n models.ProxmoxNode
		var updatedAt int64
		if err := rows.Scan(&n.ClusterName, &n.NodeName, &n.HostDeviceID, &updatedAt); err != nil {
			return nil, repoErr("scan_proxmox_node", err)
		}
		n.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		nodes = append(nodes, n)
	}
	return nodes, repoErr("iterate_proxmox_nodes", rows.Err())
}

// RecordVMMigration appends one host move to the migration log
func (s *Store) RecordVMMigration(ctx context.Context, m *models.VMMigration) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vm_migrations (id, vm_device_id, vmid, vm_name,
			from_device_id, from_node_name, to_device_id, to_node_name,
			connection_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.VMDeviceID, m.VMID, m.VMName,
		m.FromDeviceID, m.FromNodeName, m.ToDeviceID, m.ToNodeName,
		m.ConnectionID, m.CreatedAt.Unix())
	return repoErr("record_vm_migration", err)
}

// ListVMMigrations returns the most recent migrations, newest first
func (s *Store) ListVMMigrations(ctx context.Context, limit int) ([]models.VMMigration, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vm_device_id, vmid, vm_name, from_device_id, from_node_name,
			to_device_id, to_node_name, connection_id, created_at
		FROM vm_migrations ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, repoErr("list_vm_migrations", err)
	}
	defer rows.Close()

	var migrations []models.VMMigration
	for rows.Next() {
		var m models.VMMigration
		var createdAt int64
		err := rows.Scan(&m.ID, &m.VMDeviceID, &m.VMID, &m.VMName,
			&m.FromDeviceID, &m.FromNodeName, &m.ToDeviceID, &m.ToNodeName,
			&m.ConnectionID, &createdAt)
		if err != nil {
			return nil, repoErr("scan_vm_migration", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		migrations = append(migrations, m)
	}
	return migrations, repoErr("iterate_vm_migrations", rows.Err())
}

// PruneProxmoxVMs removes guests no longer reported by a host. VMs seen on
// another host keep their rows there via upsert.
func (s *Store) PruneProxmoxVMs(ctx context.Context, hostDeviceID string, seenVMIDs []int) error {
	if len(seenVMIDs) == 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM proxmox_vms WHERE host_device_id = ?`, hostDeviceID)
		return repoErr("prune_proxmox_vms", err)
	}

	placeholders := strings.Repeat("?,", len(seenVMIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(seenVMIDs)+1)
	args = append(args, hostDeviceID)
	for _, id := range seenVMIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM proxmox_vms WHERE host_device_id = ? AND vmid NOT IN (`+placeholders+`)`,
		args...)
	return repoErr("prune_proxmox_vms", err)
}
