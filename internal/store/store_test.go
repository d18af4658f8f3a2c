package store

import (
	"context"
	stdErrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{
		DBPath:          filepath.Join(t.TempDir(), "corebit.db"),
		WriteBufferSize: 4,
		FlushInterval:   50 * time.Millisecond,
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close returned error: %v", err)
		}
	})
	return s
}

func seedDevice(t *testing.T, s *Store, id, name string, kind models.DeviceKind) *models.Device {
	t.Helper()
	d := &models.Device{ID: id, Name: name, Kind: kind, Address: "192.0.2.1"}
	if err := s.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice(%s) returned error: %v", id, err)
	}
	return d
}

func seedMap(t *testing.T, s *Store, id, name string) *models.NetworkMap {
	t.Helper()
	m := &models.NetworkMap{ID: id, Name: name}
	if err := s.CreateMap(context.Background(), m); err != nil {
		t.Fatalf("CreateMap(%s) returned error: %v", id, err)
	}
	return m
}

func TestDeviceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	probed := time.Now().Add(-time.Minute).Truncate(time.Second)
	want := &models.Device{
		ID:           "dev-1",
		Name:         "core-sw",
		Kind:         models.KindMikrotikRouter,
		Address:      "10.0.0.1",
		Status:       models.StatusOnline,
		LastProbedAt: &probed,
		UseOnDuty:    true,
		CustomCredentials: models.Credentials{
			"username": "admin",
			"password": "secret",
		},
		Data: &models.DeviceData{
			Identity:   "core-sw-1",
			CPUPercent: 12.5,
			Ports: []models.Port{
				{Name: "uplink", DefaultName: "ether1", Status: "up", Speed: "1Gbps", SNMPIndex: 1},
			},
		},
	}
	if err := s.CreateDevice(ctx, want); err != nil {
		t.Fatalf("CreateDevice returned error: %v", err)
	}

	got, err := s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice returned error: %v", err)
	}
	if got.Name != want.Name || got.Kind != want.Kind || got.Address != want.Address {
		t.Errorf("got device %+v, want %+v", got, want)
	}
	if got.Status != models.StatusOnline {
		t.Errorf("status = %q, want %q", got.Status, models.StatusOnline)
	}
	if got.LastProbedAt == nil || !got.LastProbedAt.Equal(probed) {
		t.Errorf("lastProbedAt = %v, want %v", got.LastProbedAt, probed)
	}
	if got.CustomCredentials["username"] != "admin" {
		t.Errorf("custom credentials missing username, got %v", got.CustomCredentials)
	}
	if got.Data == nil || got.Data.Identity != "core-sw-1" {
		t.Errorf("device data identity missing, got %+v", got.Data)
	}
	if len(got.Data.Ports) != 1 || got.Data.Ports[0].DefaultName != "ether1" {
		t.Errorf("ports = %+v, want one ether1 port", got.Data.Ports)
	}
}

func TestDeviceStatusDefaultsToUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateDevice(ctx, &models.Device{ID: "dev-1", Name: "n", Kind: models.KindServer}); err != nil {
		t.Fatalf("CreateDevice returned error: %v", err)
	}
	got, err := s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice returned error: %v", err)
	}
	if got.Status != models.StatusUnknown {
		t.Errorf("status = %q, want %q", got.Status, models.StatusUnknown)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice(context.Background(), "missing")
	if !stdErrors.Is(err, errors.ErrNotFound) {
		t.Fatalf("GetDevice error = %v, want ErrNotFound", err)
	}
}

func TestUpdateProbeStatePreservesOperatorFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "dev-1", "edge", models.KindGenericSNMP)

	probedAt := time.Now().Truncate(time.Second)
	data := &models.DeviceData{CPUPercent: 55, MemoryPercent: 40}
	if err := s.UpdateProbeState(ctx, "dev-1", models.StatusWarning, 1, probedAt, data); err != nil {
		t.Fatalf("UpdateProbeState returned error: %v", err)
	}

	got, err := s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice returned error: %v", err)
	}
	if got.Status != models.StatusWarning {
		t.Errorf("status = %q, want %q", got.Status, models.StatusWarning)
	}
	if got.ConsecutiveFailures != 1 {
		t.Errorf("consecutiveFailures = %d, want 1", got.ConsecutiveFailures)
	}
	if got.Name != "edge" || got.Address != "192.0.2.1" {
		t.Errorf("operator fields changed: name=%q address=%q", got.Name, got.Address)
	}
	if got.Data == nil || got.Data.CPUPercent != 55 {
		t.Errorf("device data not updated: %+v", got.Data)
	}

	// A failed probe passes nil data; the last good reading must survive.
	if err := s.UpdateProbeState(ctx, "dev-1", models.StatusOffline, 3, probedAt, nil); err != nil {
		t.Fatalf("UpdateProbeState(nil data) returned error: %v", err)
	}
	got, err = s.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice returned error: %v", err)
	}
	if got.Data == nil || got.Data.CPUPercent != 55 {
		t.Errorf("device data lost on failed probe: %+v", got.Data)
	}
}

func TestCountDevicesExcludesPlaceholders(t *testing.T) {
	s := newTestStore(t)
	seedDevice(t, s, "dev-1", "real-1", models.KindMikrotikRouter)
	seedDevice(t, s, "dev-2", "real-2", models.KindGenericPing)
	seedDevice(t, s, "dev-3", "cloud", models.KindPlaceholder)

	count, err := s.CountDevices(context.Background())
	if err != nil {
		t.Fatalf("CountDevices returned error: %v", err)
	}
	if count != 2 {
		t.Errorf("CountDevices = %d, want 2", count)
	}
}

func TestDeleteDeviceCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMap(t, s, "map-1", "main")
	seedDevice(t, s, "dev-1", "a", models.KindServer)
	seedDevice(t, s, "dev-2", "b", models.KindServer)

	if err := s.UpsertPlacement(ctx, &models.DevicePlacement{DeviceID: "dev-1", MapID: "map-1", X: 10, Y: 20}); err != nil {
		t.Fatalf("UpsertPlacement returned error: %v", err)
	}
	conn := &models.Connection{
		ID: "conn-1", MapID: "map-1",
		SourceDeviceID: "dev-1", TargetDeviceID: "dev-2",
		LinkSpeed: models.Speed1G,
	}
	if err := s.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("CreateConnection returned error: %v", err)
	}
	if err := s.RecordStatusEvent(ctx, &models.DeviceStatusEvent{
		ID: "evt-1", DeviceID: "dev-1",
		PreviousStatus: models.StatusUnknown, NewStatus: models.StatusOnline,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("RecordStatusEvent returned error: %v", err)
	}

	if err := s.DeleteDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("DeleteDevice returned error: %v", err)
	}

	placements, err := s.ListPlacements(ctx, "map-1")
	if err != nil {
		t.Fatalf("ListPlacements returned error: %v", err)
	}
	if len(placements) != 0 {
		t.Errorf("placements remain after device delete: %+v", placements)
	}
	conns, err := s.ListConnections(ctx, "map-1")
	if err != nil {
		t.Fatalf("ListConnections returned error: %v", err)
	}
	if len(conns) != 0 {
		t.Errorf("connections remain after device delete: %+v", conns)
	}
	events, err := s.ListStatusEvents(ctx, "dev-1", time.Time{}, true)
	if err != nil {
		t.Fatalf("ListStatusEvents returned error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events remain after device delete: %+v", events)
	}
}

func TestCreateConnectionRejectsDuplicateEndpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMap(t, s, "map-1", "main")
	seedDevice(t, s, "dev-1", "a", models.KindServer)
	seedDevice(t, s, "dev-2", "b", models.KindServer)

	first := &models.Connection{
		ID: "conn-1", MapID: "map-1",
		SourceDeviceID: "dev-1", TargetDeviceID: "dev-2",
		SourcePort: "ether1", TargetPort: "ether2",
		LinkSpeed: models.Speed10G,
	}
	if err := s.CreateConnection(ctx, first); err != nil {
		t.Fatalf("CreateConnection returned error: %v", err)
	}

	// Same endpoints in reverse order must be rejected too.
	reversed := &models.Connection{
		ID: "conn-2", MapID: "map-1",
		SourceDeviceID: "dev-2", TargetDeviceID: "dev-1",
		SourcePort: "ether2", TargetPort: "ether1",
		LinkSpeed: models.Speed10G,
	}
	err := s.CreateConnection(ctx, reversed)
	if err == nil {
		t.Fatal("expected duplicate connection error, got nil")
	}
	if errors.TypeOf(err) != errors.ErrorTypeClientInput {
		t.Errorf("error type = %v, want client input", errors.TypeOf(err))
	}

	// Different ports between the same devices are a distinct link.
	parallel := &models.Connection{
		ID: "conn-3", MapID: "map-1",
		SourceDeviceID: "dev-1", TargetDeviceID: "dev-2",
		SourcePort: "ether3", TargetPort: "ether4",
		LinkSpeed: models.Speed1G,
	}
	if err := s.CreateConnection(ctx, parallel); err != nil {
		t.Errorf("parallel link rejected: %v", err)
	}
}

func TestConnectionLinkStatsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMap(t, s, "map-1", "main")
	seedDevice(t, s, "dev-1", "a", models.KindGenericSNMP)
	seedDevice(t, s, "dev-2", "b", models.KindServer)
	conn := &models.Connection{
		ID: "conn-1", MapID: "map-1",
		SourceDeviceID: "dev-1", TargetDeviceID: "dev-2",
		LinkSpeed:        models.Speed1G,
		MonitorInterface: models.MonitorSource,
		MonitorSNMPIndex: 3,
	}
	if err := s.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("CreateConnection returned error: %v", err)
	}

	stats := &models.LinkStats{
		InBitsPerSec:  123_456_789,
		OutBitsPerSec: 98_765_432,
		Utilisation:   12.3,
		SampledAt:     time.Now().Truncate(time.Second),
	}
	if err := s.UpdateLinkStats(ctx, "conn-1", stats); err != nil {
		t.Fatalf("UpdateLinkStats returned error: %v", err)
	}

	got, err := s.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatalf("GetConnection returned error: %v", err)
	}
	if got.LinkStats == nil {
		t.Fatal("link stats not persisted")
	}
	if got.LinkStats.InBitsPerSec != stats.InBitsPerSec || got.LinkStats.Utilisation != stats.Utilisation {
		t.Errorf("link stats = %+v, want %+v", got.LinkStats, stats)
	}
	if got.MonitoredDeviceID() != "dev-1" {
		t.Errorf("MonitoredDeviceID = %q, want dev-1", got.MonitoredDeviceID())
	}

	monitored, err := s.ListMonitoredConnections(ctx)
	if err != nil {
		t.Fatalf("ListMonitoredConnections returned error: %v", err)
	}
	if len(monitored) != 1 || monitored[0].ID != "conn-1" {
		t.Errorf("monitored connections = %+v, want conn-1 only", monitored)
	}
}

func TestMapDefaultIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateMap(ctx, &models.NetworkMap{ID: "map-1", Name: "first", IsDefault: true}); err != nil {
		t.Fatalf("CreateMap returned error: %v", err)
	}
	if err := s.CreateMap(ctx, &models.NetworkMap{ID: "map-2", Name: "second", IsDefault: true}); err != nil {
		t.Fatalf("CreateMap returned error: %v", err)
	}

	maps, err := s.ListMaps(ctx)
	if err != nil {
		t.Fatalf("ListMaps returned error: %v", err)
	}
	defaults := 0
	for _, m := range maps {
		if m.IsDefault {
			defaults++
			if m.ID != "map-2" {
				t.Errorf("default map = %s, want map-2", m.ID)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("default map count = %d, want 1", defaults)
	}
}

func TestStatusEventsFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "dev-1", "a", models.KindGenericPing)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	transitions := []struct {
		id   string
		prev models.DeviceStatus
		next models.DeviceStatus
	}{
		{"evt-1", models.StatusUnknown, models.StatusOnline},
		{"evt-2", models.StatusOnline, models.StatusWarning},
		{"evt-3", models.StatusWarning, models.StatusOnline},
		{"evt-4", models.StatusOnline, models.StatusOffline},
	}
	for i, tr := range transitions {
		if err := s.RecordStatusEvent(ctx, &models.DeviceStatusEvent{
			ID: tr.id, DeviceID: "dev-1",
			PreviousStatus: tr.prev, NewStatus: tr.next,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("RecordStatusEvent(%s) returned error: %v", tr.id, err)
		}
	}

	all, err := s.ListStatusEvents(ctx, "dev-1", time.Time{}, true)
	if err != nil {
		t.Fatalf("ListStatusEvents returned error: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("event count = %d, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Errorf("events out of order at %d: %v before %v", i, all[i].CreatedAt, all[i-1].CreatedAt)
		}
	}

	noWarnings, err := s.ListStatusEvents(ctx, "dev-1", time.Time{}, false)
	if err != nil {
		t.Fatalf("ListStatusEvents returned error: %v", err)
	}
	for _, e := range noWarnings {
		if e.NewStatus == models.StatusWarning {
			t.Errorf("warning event %s returned with includeWarnings=false", e.ID)
		}
	}
	if len(noWarnings) != 3 {
		t.Errorf("filtered event count = %d, want 3", len(noWarnings))
	}

	latest, err := s.LatestStatusEvent(ctx, "dev-1")
	if err != nil {
		t.Fatalf("LatestStatusEvent returned error: %v", err)
	}
	if latest.ID != "evt-4" {
		t.Errorf("latest event = %s, want evt-4", latest.ID)
	}
}

func TestSettingsFallbacks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetSetting(ctx, "missing", "fallback")
	if err != nil {
		t.Fatalf("GetSetting returned error: %v", err)
	}
	if got != "fallback" {
		t.Errorf("GetSetting = %q, want fallback", got)
	}

	if err := s.PutSetting(ctx, "polling_interval_seconds", "60"); err != nil {
		t.Fatalf("PutSetting returned error: %v", err)
	}
	n, err := s.GetSettingInt(ctx, "polling_interval_seconds", 30)
	if err != nil {
		t.Fatalf("GetSettingInt returned error: %v", err)
	}
	if n != 60 {
		t.Errorf("GetSettingInt = %d, want 60", n)
	}

	// Unparseable stored values fall back instead of erroring.
	if err := s.PutSetting(ctx, "polling_interval_seconds", "not-a-number"); err != nil {
		t.Fatalf("PutSetting returned error: %v", err)
	}
	n, err = s.GetSettingInt(ctx, "polling_interval_seconds", 30)
	if err != nil {
		t.Fatalf("GetSettingInt returned error: %v", err)
	}
	if n != 30 {
		t.Errorf("GetSettingInt with bad value = %d, want fallback 30", n)
	}

	if err := s.PutSetting(ctx, "notify_on_warning", "true"); err != nil {
		t.Fatalf("PutSetting returned error: %v", err)
	}
	b, err := s.GetSettingBool(ctx, "notify_on_warning", false)
	if err != nil {
		t.Fatalf("GetSettingBool returned error: %v", err)
	}
	if !b {
		t.Error("GetSettingBool = false, want true")
	}

	// Upsert overwrites.
	if err := s.PutSetting(ctx, "notify_on_warning", "false"); err != nil {
		t.Fatalf("PutSetting returned error: %v", err)
	}
	b, _ = s.GetSettingBool(ctx, "notify_on_warning", true)
	if b {
		t.Error("GetSettingBool after overwrite = true, want false")
	}
}

func TestScanProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.ScanProfile{
		ID:                   "sp-1",
		Name:                 "office",
		IPRange:              "192.168.1.0/24",
		CredentialProfileIDs: []string{"cred-1", "cred-2"},
		ProbeTypes:           []string{"mikrotik", "snmp"},
	}
	if err := s.CreateScanProfile(ctx, p); err != nil {
		t.Fatalf("CreateScanProfile returned error: %v", err)
	}

	got, err := s.GetScanProfile(ctx, "sp-1")
	if err != nil {
		t.Fatalf("GetScanProfile returned error: %v", err)
	}
	if got.IPRange != p.IPRange || len(got.CredentialProfileIDs) != 2 || len(got.ProbeTypes) != 2 {
		t.Errorf("got %+v, want %+v", got, p)
	}

	if err := s.DeleteScanProfile(ctx, "sp-1"); err != nil {
		t.Fatalf("DeleteScanProfile returned error: %v", err)
	}
	if _, err := s.GetScanProfile(ctx, "sp-1"); !stdErrors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetScanProfile after delete error = %v, want ErrNotFound", err)
	}
}

func TestProxmoxVMUpsertMovesHost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedDevice(t, s, "pve-1", "pve1", models.KindProxmox)
	seedDevice(t, s, "pve-2", "pve2", models.KindProxmox)

	vm := &models.ProxmoxVM{
		ID: "vm-1", HostDeviceID: "pve-1", VMID: 100, Name: "web",
		Type: "qemu", Status: models.VMRunning,
		IPs: []string{"10.0.0.50"}, MACs: []string{"aa:bb:cc:dd:ee:ff"},
	}
	if err := s.UpsertProxmoxVM(ctx, vm); err != nil {
		t.Fatalf("UpsertProxmoxVM returned error: %v", err)
	}

	// Same VMID reported by another host: migration moves the row.
	moved := *vm
	moved.HostDeviceID = "pve-2"
	if err := s.UpsertProxmoxVM(ctx, &moved); err != nil {
		t.Fatalf("UpsertProxmoxVM(moved) returned error: %v", err)
	}

	onOld, err := s.ListProxmoxVMsByHost(ctx, "pve-1")
	if err != nil {
		t.Fatalf("ListProxmoxVMsByHost returned error: %v", err)
	}
	if len(onOld) != 0 {
		t.Errorf("VM still on old host: %+v", onOld)
	}
	onNew, err := s.ListProxmoxVMsByHost(ctx, "pve-2")
	if err != nil {
		t.Fatalf("ListProxmoxVMsByHost returned error: %v", err)
	}
	if len(onNew) != 1 || onNew[0].VMID != 100 {
		t.Errorf("VMs on new host = %+v, want vmid 100", onNew)
	}
}

func TestPruneProxmoxVMs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedDevice(t, s, "pve-1", "pve1", models.KindProxmox)
	for i, vmid := range []int{100, 101, 102} {
		vm := &models.ProxmoxVM{
			ID: "vm-" + string(rune('a'+i)), HostDeviceID: "pve-1",
			VMID: vmid, Name: "guest", Type: "qemu", Status: models.VMRunning,
		}
		if err := s.UpsertProxmoxVM(ctx, vm); err != nil {
			t.Fatalf("UpsertProxmoxVM returned error: %v", err)
		}
	}

	if err := s.PruneProxmoxVMs(ctx, "pve-1", []int{100, 102}); err != nil {
		t.Fatalf("PruneProxmoxVMs returned error: %v", err)
	}
	remaining, err := s.ListProxmoxVMsByHost(ctx, "pve-1")
	if err != nil {
		t.Fatalf("ListProxmoxVMsByHost returned error: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("remaining VM count = %d, want 2", len(remaining))
	}
	for _, vm := range remaining {
		if vm.VMID == 101 {
			t.Errorf("pruned VM 101 still present")
		}
	}
}

func TestGetProxmoxVMByDeviceMatchesAddress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedDevice(t, s, "pve-1", "pve1", models.KindProxmox)
	vmDevice := &models.Device{ID: "dev-vm", Name: "web", Kind: models.KindGenericPing, Address: "10.0.0.50"}
	if err := s.CreateDevice(ctx, vmDevice); err != nil {
		t.Fatalf("CreateDevice returned error: %v", err)
	}

	vm := &models.ProxmoxVM{
		ID: "vm-1", HostDeviceID: "pve-1", VMID: 100, Name: "web-vm",
		Type: "qemu", Status: models.VMRunning, IPs: []string{"10.0.0.50"},
	}
	if err := s.UpsertProxmoxVM(ctx, vm); err != nil {
		t.Fatalf("UpsertProxmoxVM returned error: %v", err)
	}

	got, err := s.GetProxmoxVMByDevice(ctx, "dev-vm")
	if err != nil {
		t.Fatalf("GetProxmoxVMByDevice returned error: %v", err)
	}
	if got.VMID != 100 {
		t.Errorf("resolved VMID = %d, want 100", got.VMID)
	}
}
