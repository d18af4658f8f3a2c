package probe

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corebit/corebit/internal/bandwidth"
	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/status"
	"github.com/corebit/corebit/internal/store"
)

type recordingSink struct {
	mu      sync.Mutex
	samples []status.Sample
}

func (r *recordingSink) Ingest(_ context.Context, _ *models.Device, sample status.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// blockingProber parks until released so tests can hold a probe in flight.
type blockingProber struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (p *blockingProber) Probe(ctx context.Context, _ *models.Device, _ models.Credentials) (*Sample, error) {
	p.calls.Add(1)
	p.entered <- struct{}{}
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return &Sample{Success: true, Data: &models.DeviceData{}, At: time.Now()}, nil
}

func newSchedulerFixture(t *testing.T, prober Prober) (*Scheduler, *store.Store, *recordingSink) {
	t.Helper()
	s, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "corebit.db")})
	if err != nil {
		t.Fatalf("store.Open returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	registry := NewRegistry()
	registry.Register(models.KindGenericPing, prober)
	sink := &recordingSink{}

	sched := NewScheduler(Config{MaxConcurrency: 4, ShutdownGrace: time.Second}, Deps{
		Devices:     s,
		Connections: s,
		Credentials: s,
		Settings:    s,
		Metrics:     s,
		Registry:    registry,
		Sink:        sink,
		Rates:       bandwidth.New(nil),
	})
	return sched, s, sink
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTriggerOnceSkipsInflightDevice(t *testing.T) {
	prober := &blockingProber{entered: make(chan struct{}, 4), release: make(chan struct{})}
	sched, s, sink := newSchedulerFixture(t, prober)
	ctx := context.Background()

	device := &models.Device{ID: "dev-ping", Name: "dev-ping", Kind: models.KindGenericPing, Address: "192.0.2.9"}
	if err := s.CreateDevice(ctx, device); err != nil {
		t.Fatalf("CreateDevice returned error: %v", err)
	}

	if err := sched.TriggerOnce(ctx, device.ID); err != nil {
		t.Fatalf("first trigger returned error: %v", err)
	}
	<-prober.entered

	// The device is mid-probe; a second trigger must not stack another.
	if err := sched.TriggerOnce(ctx, device.ID); err != nil {
		t.Fatalf("second trigger returned error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := prober.calls.Load(); got != 1 {
		t.Fatalf("prober called %d times while in flight, want 1", got)
	}

	close(prober.release)
	waitFor(t, "first sample", func() bool { return sink.count() == 1 })

	// Once the slot frees, the device probes again.
	if err := sched.TriggerOnce(ctx, device.ID); err != nil {
		t.Fatalf("third trigger returned error: %v", err)
	}
	waitFor(t, "second sample", func() bool { return sink.count() == 2 })
	if got := prober.calls.Load(); got != 2 {
		t.Errorf("prober called %d times, want 2", got)
	}
}

func TestTriggerOncePlaceholderRejected(t *testing.T) {
	prober := &blockingProber{entered: make(chan struct{}, 1), release: make(chan struct{})}
	sched, s, _ := newSchedulerFixture(t, prober)
	ctx := context.Background()

	device := &models.Device{ID: "dev-ph", Name: "planned rack switch", Kind: models.KindPlaceholder}
	if err := s.CreateDevice(ctx, device); err != nil {
		t.Fatalf("CreateDevice returned error: %v", err)
	}

	err := sched.TriggerOnce(ctx, device.ID)
	if err == nil {
		t.Fatal("expected error for placeholder device")
	}
	if errors.TypeOf(err) != errors.ErrorTypeClientInput {
		t.Errorf("error type = %v, want client_input", errors.TypeOf(err))
	}
	if got := prober.calls.Load(); got != 0 {
		t.Errorf("prober called %d times for placeholder, want 0", got)
	}
}

func TestTriggerOnceUnknownDevice(t *testing.T) {
	sched, _, _ := newSchedulerFixture(t, &blockingProber{entered: make(chan struct{}, 1), release: make(chan struct{})})
	if err := sched.TriggerOnce(context.Background(), "no-such-device"); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestSchedulerCycleProbesAndStops(t *testing.T) {
	prober := &blockingProber{entered: make(chan struct{}, 4), release: make(chan struct{})}
	close(prober.release)
	sched, s, sink := newSchedulerFixture(t, prober)
	ctx := context.Background()

	for _, id := range []string{"dev-a", "dev-b"} {
		d := &models.Device{ID: id, Name: id, Kind: models.KindGenericPing, Address: "192.0.2.9"}
		if err := s.CreateDevice(ctx, d); err != nil {
			t.Fatalf("CreateDevice returned error: %v", err)
		}
	}
	// Placeholders never probe.
	if err := s.CreateDevice(ctx, &models.Device{ID: "dev-ph", Name: "dev-ph", Kind: models.KindPlaceholder}); err != nil {
		t.Fatalf("CreateDevice returned error: %v", err)
	}

	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, "both devices sampled", func() bool { return sink.count() >= 2 })
	if got := prober.calls.Load(); got != 2 {
		t.Errorf("prober called %d times in first cycle, want 2", got)
	}
}

func TestResolveCredentialsMergesProfileAndOverrides(t *testing.T) {
	s, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "corebit.db")})
	if err != nil {
		t.Fatalf("store.Open returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	profile := &models.CredentialProfile{
		ID:   "prof-lab",
		Name: "lab routers",
		Type: models.CredentialMikrotik,
		Credentials: models.Credentials{
			"username": "admin",
			"password": "profile-secret",
			"apiPort":  "8728",
		},
	}
	if err := s.CreateCredentialProfile(ctx, profile); err != nil {
		t.Fatalf("CreateCredentialProfile returned error: %v", err)
	}

	device := &models.Device{
		ID:                  "dev-r1",
		Name:                "r1",
		Kind:                models.KindMikrotikRouter,
		CredentialProfileID: "prof-lab",
		CustomCredentials:   models.Credentials{"password": "device-secret"},
	}

	creds, err := ResolveCredentials(ctx, s, device)
	if err != nil {
		t.Fatalf("ResolveCredentials returned error: %v", err)
	}
	if got := creds.Get("username", ""); got != "admin" {
		t.Errorf("username = %q, want admin", got)
	}
	if got := creds.Get("password", ""); got != "device-secret" {
		t.Errorf("password = %q, want the device override", got)
	}
	if got := creds.Get("apiPort", ""); got != "8728" {
		t.Errorf("apiPort = %q, want 8728", got)
	}
}

func TestResolveCredentialsDanglingProfile(t *testing.T) {
	s, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "corebit.db")})
	if err != nil {
		t.Fatalf("store.Open returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	device := &models.Device{ID: "dev-x", Name: "x", Kind: models.KindGenericSNMP, CredentialProfileID: "ghost"}
	_, err = ResolveCredentials(context.Background(), s, device)
	if err == nil {
		t.Fatal("expected error for dangling profile reference")
	}
	if errors.TypeOf(err) != errors.ErrorTypeRepository {
		t.Errorf("error type = %v, want repository_error", errors.TypeOf(err))
	}
}
