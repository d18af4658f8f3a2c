package scanner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/store"
)

func newScannerFixture(t *testing.T) (*Scanner, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "corebit.db")})
	if err != nil {
		t.Fatalf("store.Open returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sc := New(s, s)
	return sc, s
}

// stubSweep answers ping only for the given addresses and skips real
// fingerprinting entirely
func stubSweep(sc *Scanner, up map[string]time.Duration) {
	sc.ping = func(_ context.Context, ip string) (time.Duration, bool) {
		rtt, ok := up[ip]
		return rtt, ok
	}
	sc.fingerprint = func(_ context.Context, ip string, _ []models.CredentialProfile, _ map[string]bool) FingerprintResult {
		return FingerprintResult{
			IP:          ip,
			DeviceType:  models.KindGenericPing,
			Fingerprint: Confidence{Confidence: 0.25, DetectedVia: "ping_only"},
		}
	}
}

func collectEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("scan did not finish; events so far: %d", len(out))
		}
	}
}

func eventsNamed(events []Event, name string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func indexOf(events []Event, name string) int {
	for i, ev := range events {
		if ev.Name == name {
			return i
		}
	}
	return -1
}

func TestScanSlash30SingleResponder(t *testing.T) {
	sc, _ := newScannerFixture(t)
	stubSweep(sc, map[string]time.Duration{"10.0.0.2": 5 * time.Millisecond})

	events, err := sc.Run(context.Background(), Request{IPRange: "10.0.0.0/30"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	all := collectEvents(t, events)

	if len(all) == 0 || all[0].Name != "start" {
		t.Fatalf("first event = %v, want start", all)
	}
	start := all[0].Data.(startPayload)
	if start.TotalIPs != 4 {
		t.Fatalf("start.totalIps = %d, want 4", start.TotalIPs)
	}
	if start.SessionID == "" {
		t.Fatal("start.sessionId is empty")
	}

	found := eventsNamed(all, "ping_found")
	if len(found) != 1 {
		t.Fatalf("ping_found events = %d, want 1", len(found))
	}
	pf := found[0].Data.(pingFoundPayload)
	if pf.IP != "10.0.0.2" || pf.AlreadyExists {
		t.Fatalf("ping_found = %+v, want ip 10.0.0.2 and alreadyExists false", pf)
	}
	if pf.RTT <= 0 {
		t.Fatalf("ping_found rtt = %v, want > 0", pf.RTT)
	}

	phases := eventsNamed(all, "phase_complete")
	if len(phases) != 1 {
		t.Fatalf("phase_complete events = %d, want 1", len(phases))
	}
	pc := phases[0].Data.(phaseCompletePayload)
	if pc.Phase != "ping_sweep" || pc.Found != 1 {
		t.Fatalf("phase_complete = %+v, want ping_sweep with found 1", pc)
	}

	fps := eventsNamed(all, "fingerprint_result")
	if len(fps) != 1 {
		t.Fatalf("fingerprint_result events = %d, want 1", len(fps))
	}
	fr := fps[0].Data.(FingerprintResult)
	if fr.IP != "10.0.0.2" {
		t.Fatalf("fingerprint ip = %s, want 10.0.0.2", fr.IP)
	}

	last := all[len(all)-1]
	if last.Name != "complete" {
		t.Fatalf("last event = %s, want complete", last.Name)
	}
	if done := last.Data.(completePayload); done.Discovered != 1 {
		t.Fatalf("complete.discovered = %d, want 1", done.Discovered)
	}

	// phases in order: found before sweep completes, sweep before fingerprint
	if !(indexOf(all, "ping_found") < indexOf(all, "phase_complete") &&
		indexOf(all, "phase_complete") < indexOf(all, "fingerprint_result")) {
		t.Fatal("event phases out of order")
	}
}

func TestScanMarksKnownDevices(t *testing.T) {
	sc, s := newScannerFixture(t)
	stubSweep(sc, map[string]time.Duration{"10.0.0.2": time.Millisecond})

	d := &models.Device{ID: uuid.New().String(), Name: "existing", Kind: models.KindGenericPing, Address: "10.0.0.2", Status: models.StatusOnline}
	if err := s.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice returned error: %v", err)
	}

	events, err := sc.Run(context.Background(), Request{IPRange: "10.0.0.0/30"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	all := collectEvents(t, events)

	found := eventsNamed(all, "ping_found")
	if len(found) != 1 {
		t.Fatalf("ping_found events = %d, want 1", len(found))
	}
	if pf := found[0].Data.(pingFoundPayload); !pf.AlreadyExists {
		t.Fatalf("ping_found = %+v, want alreadyExists true", pf)
	}
}

func TestScanEmitsProgress(t *testing.T) {
	sc, _ := newScannerFixture(t)
	stubSweep(sc, nil) // nothing answers

	events, err := sc.Run(context.Background(), Request{IPRange: "10.0.1.0/26"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	all := collectEvents(t, events)

	progress := eventsNamed(all, "progress")
	if len(progress) < 6 {
		t.Fatalf("progress events = %d, want at least 6 for 64 hosts", len(progress))
	}
	for _, ev := range progress {
		p := ev.Data.(progressPayload)
		if p.Phase != "ping_sweep" || p.Total != 64 {
			t.Fatalf("progress = %+v, want ping_sweep with total 64", p)
		}
	}

	if done := all[len(all)-1].Data.(completePayload); done.Discovered != 0 {
		t.Fatalf("complete.discovered = %d, want 0", done.Discovered)
	}
}

func TestScanRejectsOversizedRange(t *testing.T) {
	sc, _ := newScannerFixture(t)
	if _, err := sc.Run(context.Background(), Request{IPRange: "10.0.0.0/8"}); err == nil {
		t.Fatal("Run accepted a /8 sweep")
	}
}

func TestRunCollectSummarises(t *testing.T) {
	sc, _ := newScannerFixture(t)
	stubSweep(sc, map[string]time.Duration{
		"10.0.0.1": time.Millisecond,
		"10.0.0.2": time.Millisecond,
	})

	res, err := sc.RunCollect(context.Background(), Request{IPRange: "10.0.0.0/29"})
	if err != nil {
		t.Fatalf("RunCollect returned error: %v", err)
	}
	if res.TotalIPs != 8 || res.Discovered != 2 || len(res.Results) != 2 {
		t.Fatalf("RunCollect = totalIps %d discovered %d results %d, want 8/2/2", res.TotalIPs, res.Discovered, len(res.Results))
	}
	// responders are sorted before fingerprinting, results may arrive in
	// any order with concurrency 8, so just check membership
	seen := map[string]bool{}
	for _, r := range res.Results {
		seen[r.IP] = true
	}
	if !seen["10.0.0.1"] || !seen["10.0.0.2"] {
		t.Fatalf("results missing responders: %v", seen)
	}
}

func TestTypeSetAndWantType(t *testing.T) {
	types := typeSet([]string{"Mikrotik", " snmp ", ""})
	if !types["mikrotik"] || !types["snmp"] || len(types) != 2 {
		t.Fatalf("typeSet = %v, want mikrotik+snmp", types)
	}
	if wantType(types, "server") {
		t.Fatal("wantType(server) = true for mikrotik+snmp set")
	}
	if !wantType(typeSet([]string{"find_all"}), "server") {
		t.Fatal("find_all should enable every probe family")
	}
	if !wantType(typeSet(nil), "snmp") {
		t.Fatal("empty set should enable every probe family")
	}
}
