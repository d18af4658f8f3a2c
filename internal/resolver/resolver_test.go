package resolver

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/store"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []string
}

func (p *recordingPublisher) PublishMapChange(mapID, changeType, action, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, mapID+"/"+changeType+"/"+action)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.changes)
}

func newFixture(t *testing.T) (*Resolver, *store.Store, *recordingPublisher) {
	t.Helper()
	s, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "corebit.db")})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	pub := &recordingPublisher{}
	return New(s, s, s, pub), s, pub
}

func seedDevice(t *testing.T, s *store.Store, id, name string, kind models.DeviceKind, address string) {
	t.Helper()
	d := &models.Device{ID: id, Name: name, Kind: kind, Address: address}
	if err := s.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice(%s) returned error: %v", id, err)
	}
}

// seedTopology creates two Proxmox hosts, the device representing the
// guest, and a map to hang connections on.
func seedTopology(t *testing.T, s *store.Store) {
	t.Helper()
	seedDevice(t, s, "pve-1", "pve-1", models.KindProxmox, "10.0.0.11")
	seedDevice(t, s, "pve-2", "pve-2", models.KindProxmox, "10.0.0.12")
	seedDevice(t, s, "vm-web", "web-01", models.KindServer, "10.0.0.50")
	if err := s.CreateMap(context.Background(), &models.NetworkMap{ID: "map-1", Name: "dc"}); err != nil {
		t.Fatalf("CreateMap returned error: %v", err)
	}
}

func seedDynamicConnection(t *testing.T, s *store.Store, c *models.Connection) {
	t.Helper()
	c.MapID = "map-1"
	c.LinkSpeed = models.Speed1G
	c.IsDynamic = true
	c.DynamicType = models.DynamicProxmoxVMHost
	if err := s.CreateConnection(context.Background(), c); err != nil {
		t.Fatalf("CreateConnection(%s) returned error: %v", c.ID, err)
	}
}

// webGuest returns a fresh inventory row for the guest backing vm-web.
// ApplyVMInventory mutates its argument, so every call needs its own copy.
func webGuest() models.ProxmoxVM {
	return models.ProxmoxVM{
		VMID:   101,
		Name:   "web-01",
		Type:   "qemu",
		Status: models.VMRunning,
		IPs:    []string{"10.0.0.50"},
	}
}

func TestMigrationRepointsConnection(t *testing.T) {
	r, s, pub := newFixture(t)
	ctx := context.Background()
	seedTopology(t, s)
	seedDynamicConnection(t, s, &models.Connection{
		ID:             "conn-web",
		SourceDeviceID: "vm-web",
		TargetDeviceID: "pve-1",
		DynamicMetadata: &models.DynamicMetadata{
			VMDeviceID:               "vm-web",
			MonitoredEnd:             "source",
			LastResolvedHostDeviceID: "pve-1",
		},
	})

	// Guest on its resolved host: nothing to do.
	r.ApplyVMInventory(ctx, "pve-1", []models.ProxmoxVM{webGuest()})
	if got := pub.count(); got != 0 {
		t.Fatalf("publisher received %d changes before any migration", got)
	}

	// The losing host no longer reports the guest. The connection keeps
	// pointing at the stale host until the gaining host reports in.
	r.ApplyVMInventory(ctx, "pve-1", []models.ProxmoxVM{})
	conn, err := s.GetConnection(ctx, "conn-web")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	if conn.TargetDeviceID != "pve-1" {
		t.Fatalf("target repointed before the new host reported: %s", conn.TargetDeviceID)
	}

	// The gaining host reports the guest: repoint.
	r.ApplyVMInventory(ctx, "pve-2", []models.ProxmoxVM{webGuest()})

	conn, err = s.GetConnection(ctx, "conn-web")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	if conn.TargetDeviceID != "pve-2" {
		t.Errorf("TargetDeviceID = %s, want pve-2", conn.TargetDeviceID)
	}
	if conn.SourceDeviceID != "vm-web" {
		t.Errorf("SourceDeviceID = %s, want vm-web", conn.SourceDeviceID)
	}
	if got := conn.DynamicMetadata.LastResolvedHostDeviceID; got != "pve-2" {
		t.Errorf("LastResolvedHostDeviceID = %s, want pve-2", got)
	}

	migrations, err := s.ListVMMigrations(ctx, 10)
	if err != nil {
		t.Fatalf("ListVMMigrations returned error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("got %d migration rows, want 1", len(migrations))
	}
	m := migrations[0]
	if m.FromDeviceID != "pve-1" || m.ToDeviceID != "pve-2" {
		t.Errorf("migration %s -> %s, want pve-1 -> pve-2", m.FromDeviceID, m.ToDeviceID)
	}
	if m.VMID != 101 || m.ConnectionID != "conn-web" {
		t.Errorf("migration row = %+v, want vmid 101 on conn-web", m)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.changes) != 1 || pub.changes[0] != "map-1/connection/update" {
		t.Errorf("publisher changes = %v, want [map-1/connection/update]", pub.changes)
	}
}

func TestMigrationRewritesSourceWhenGuestIsTarget(t *testing.T) {
	r, s, _ := newFixture(t)
	ctx := context.Background()
	seedTopology(t, s)
	seedDynamicConnection(t, s, &models.Connection{
		ID:             "conn-rev",
		SourceDeviceID: "pve-1",
		TargetDeviceID: "vm-web",
		DynamicMetadata: &models.DynamicMetadata{
			VMDeviceID:               "vm-web",
			MonitoredEnd:             "target",
			LastResolvedHostDeviceID: "pve-1",
		},
	})

	r.ApplyVMInventory(ctx, "pve-2", []models.ProxmoxVM{webGuest()})

	conn, err := s.GetConnection(ctx, "conn-rev")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	if conn.SourceDeviceID != "pve-2" {
		t.Errorf("SourceDeviceID = %s, want pve-2", conn.SourceDeviceID)
	}
	if conn.TargetDeviceID != "vm-web" {
		t.Errorf("TargetDeviceID = %s, want vm-web", conn.TargetDeviceID)
	}
}

func TestUpsertMovesGuestBetweenHosts(t *testing.T) {
	r, s, _ := newFixture(t)
	ctx := context.Background()
	seedTopology(t, s)

	r.ApplyVMInventory(ctx, "pve-1", []models.ProxmoxVM{webGuest()})
	// The gaining host reports before the losing host has pruned.
	r.ApplyVMInventory(ctx, "pve-2", []models.ProxmoxVM{webGuest()})

	onOld, err := s.ListProxmoxVMsByHost(ctx, "pve-1")
	if err != nil {
		t.Fatalf("ListProxmoxVMsByHost(pve-1) returned error: %v", err)
	}
	if len(onOld) != 0 {
		t.Errorf("pve-1 still holds %d guests after the move", len(onOld))
	}
	onNew, err := s.ListProxmoxVMsByHost(ctx, "pve-2")
	if err != nil {
		t.Fatalf("ListProxmoxVMsByHost(pve-2) returned error: %v", err)
	}
	if len(onNew) != 1 || onNew[0].VMID != 101 {
		t.Errorf("pve-2 guests = %+v, want the single moved guest", onNew)
	}
}

func TestInventoryPrunesDepartedGuests(t *testing.T) {
	r, s, _ := newFixture(t)
	ctx := context.Background()
	seedTopology(t, s)

	second := models.ProxmoxVM{VMID: 102, Name: "db-01", Type: "lxc", Status: models.VMRunning}
	r.ApplyVMInventory(ctx, "pve-1", []models.ProxmoxVM{webGuest(), second})
	r.ApplyVMInventory(ctx, "pve-1", []models.ProxmoxVM{webGuest()})

	vms, err := s.ListProxmoxVMsByHost(ctx, "pve-1")
	if err != nil {
		t.Fatalf("ListProxmoxVMsByHost returned error: %v", err)
	}
	if len(vms) != 1 || vms[0].VMID != 101 {
		t.Errorf("guests after prune = %+v, want only vmid 101", vms)
	}
}

func TestFirstResolutionSkipsMigrationLog(t *testing.T) {
	r, s, pub := newFixture(t)
	ctx := context.Background()
	seedTopology(t, s)
	seedDynamicConnection(t, s, &models.Connection{
		ID:             "conn-fresh",
		SourceDeviceID: "vm-web",
		TargetDeviceID: "pve-2", // a guess; the resolver corrects it
		DynamicMetadata: &models.DynamicMetadata{
			VMDeviceID:   "vm-web",
			MonitoredEnd: "source",
		},
	})

	r.ApplyVMInventory(ctx, "pve-1", []models.ProxmoxVM{webGuest()})

	conn, err := s.GetConnection(ctx, "conn-fresh")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	if conn.TargetDeviceID != "pve-1" {
		t.Errorf("TargetDeviceID = %s, want pve-1", conn.TargetDeviceID)
	}
	if got := conn.DynamicMetadata.LastResolvedHostDeviceID; got != "pve-1" {
		t.Errorf("LastResolvedHostDeviceID = %s, want pve-1", got)
	}

	migrations, err := s.ListVMMigrations(ctx, 10)
	if err != nil {
		t.Fatalf("ListVMMigrations returned error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("first resolution wrote %d migration rows, want 0", len(migrations))
	}
	if got := pub.count(); got != 1 {
		t.Errorf("publisher received %d changes, want 1", got)
	}
}

func TestGuestMatchedByNameWhenNoAddress(t *testing.T) {
	r, s, _ := newFixture(t)
	ctx := context.Background()
	seedTopology(t, s)
	// A guest device without an address resolves by name instead.
	seedDevice(t, s, "vm-cache", "cache-01", models.KindServer, "")
	seedDynamicConnection(t, s, &models.Connection{
		ID:             "conn-cache",
		SourceDeviceID: "vm-cache",
		TargetDeviceID: "pve-1",
		DynamicMetadata: &models.DynamicMetadata{
			VMDeviceID:               "vm-cache",
			MonitoredEnd:             "source",
			LastResolvedHostDeviceID: "pve-1",
		},
	})

	guest := models.ProxmoxVM{VMID: 103, Name: "cache-01", Type: "lxc", Status: models.VMRunning}
	r.ApplyVMInventory(ctx, "pve-2", []models.ProxmoxVM{guest})

	conn, err := s.GetConnection(ctx, "conn-cache")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	if conn.TargetDeviceID != "pve-2" {
		t.Errorf("TargetDeviceID = %s, want pve-2", conn.TargetDeviceID)
	}
}

func TestNodeMappingRecordedFromDeviceIdentity(t *testing.T) {
	r, s, _ := newFixture(t)
	ctx := context.Background()
	seedTopology(t, s)

	d, err := s.GetDevice(ctx, "pve-1")
	if err != nil {
		t.Fatalf("GetDevice returned error: %v", err)
	}
	d.Data = &models.DeviceData{Identity: "pve-node-a"}
	if err := s.UpdateDevice(ctx, d); err != nil {
		t.Fatalf("UpdateDevice returned error: %v", err)
	}

	r.ApplyVMInventory(ctx, "pve-1", []models.ProxmoxVM{webGuest()})

	nodes, err := s.ListProxmoxNodes(ctx)
	if err != nil {
		t.Fatalf("ListProxmoxNodes returned error: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("got %d node mappings, want 1", len(nodes))
	}
	if nodes[0].NodeName != "pve-node-a" || nodes[0].HostDeviceID != "pve-1" {
		t.Errorf("node mapping = %+v, want pve-node-a -> pve-1", nodes[0])
	}
}
