package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/store"
)

func newDispatcherFixture(t *testing.T) (*Dispatcher, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "corebit.db")})
	if err != nil {
		t.Fatalf("store.Open returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	d := NewDispatcher(Config{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		HTTPTimeout:    2 * time.Second,
	}, s)
	d.Start(context.Background())
	t.Cleanup(func() { d.Stop(2 * time.Second) })
	return d, s
}

func seedTarget(t *testing.T, s *store.Store, device *models.Device, method models.NotificationMethod, url, template string) *models.Notification {
	t.Helper()
	n := &models.Notification{
		ID:              uuid.New().String(),
		Name:            "target-" + uuid.New().String()[:8],
		URL:             url,
		Method:          method,
		MessageTemplate: template,
		Enabled:         true,
	}
	if err := s.CreateNotification(context.Background(), n); err != nil {
		t.Fatalf("CreateNotification returned error: %v", err)
	}
	if device != nil {
		if err := s.LinkDeviceNotification(context.Background(), device.ID, n.ID); err != nil {
			t.Fatalf("LinkDeviceNotification returned error: %v", err)
		}
	}
	return n
}

func seedNotifyDevice(t *testing.T, s *store.Store, name string) *models.Device {
	t.Helper()
	d := &models.Device{
		ID:      uuid.New().String(),
		Name:    name,
		Kind:    models.KindGenericPing,
		Address: "192.0.2.10",
		Status:  models.StatusOnline,
	}
	if err := s.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice returned error: %v", err)
	}
	return d
}

func offlineEvent(deviceID string) models.DeviceStatusEvent {
	return models.DeviceStatusEvent{
		ID:             uuid.New().String(),
		DeviceID:       deviceID,
		PreviousStatus: models.StatusOnline,
		NewStatus:      models.StatusOffline,
		Message:        "probe failed",
		CreatedAt:      time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type requestLog struct {
	mu      sync.Mutex
	bodies  []string
	queries []string
	methods []string
}

// handler records each request and answers with nextStatus(callIndex)
func (l *requestLog) handler(nextStatus func(call int) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		l.mu.Lock()
		call := len(l.bodies)
		l.bodies = append(l.bodies, string(body))
		l.queries = append(l.queries, r.URL.RawQuery)
		l.methods = append(l.methods, r.Method)
		l.mu.Unlock()
		w.WriteHeader(nextStatus(call))
	}
}

func (l *requestLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bodies)
}

func (l *requestLog) body(i int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bodies[i]
}

func lastHistory(t *testing.T, s *store.Store) models.NotificationHistory {
	t.Helper()
	hist, err := s.ListNotificationHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListNotificationHistory returned error: %v", err)
	}
	if len(hist) == 0 {
		t.Fatal("no notification history recorded")
	}
	return hist[0]
}

func TestPostDeliveryBodyAndHistory(t *testing.T) {
	d, s := newDispatcherFixture(t)
	device := seedNotifyDevice(t, s, "edge-router")

	rl := &requestLog{}
	srv := httptest.NewServer(rl.handler(func(int) int { return http.StatusOK }))
	defer srv.Close()

	seedTarget(t, s, device, models.MethodPOST, srv.URL, "[Device.Name] is [Status.New]")
	d.EnqueueStatusChange(*device, offlineEvent(device.ID))

	waitFor(t, 3*time.Second, "delivery", func() bool { return rl.count() >= 1 })

	if got, want := rl.body(0), "edge-router is offline"; got != want {
		t.Fatalf("delivered body = %q, want %q", got, want)
	}
	rl.mu.Lock()
	method := rl.methods[0]
	rl.mu.Unlock()
	if method != http.MethodPost {
		t.Fatalf("delivery method = %s, want POST", method)
	}

	waitFor(t, 3*time.Second, "history row", func() bool {
		hist, err := s.ListNotificationHistory(context.Background(), 1)
		return err == nil && len(hist) == 1
	})
	h := lastHistory(t, s)
	if !h.Success || h.Attempts != 1 || h.StatusCode != http.StatusOK {
		t.Fatalf("history = success=%v attempts=%d status=%d, want success 1 attempt 200", h.Success, h.Attempts, h.StatusCode)
	}
	if h.DeviceID != device.ID {
		t.Fatalf("history device = %s, want %s", h.DeviceID, device.ID)
	}
}

func TestGetDeliveryAppendsEncodedMessage(t *testing.T) {
	d, s := newDispatcherFixture(t)
	device := seedNotifyDevice(t, s, "core switch")

	rl := &requestLog{}
	srv := httptest.NewServer(rl.handler(func(int) int { return http.StatusOK }))
	defer srv.Close()

	seedTarget(t, s, device, models.MethodGET, srv.URL+"/notify?msg=", "[Device.Name] down")
	d.EnqueueStatusChange(*device, offlineEvent(device.ID))

	waitFor(t, 3*time.Second, "delivery", func() bool { return rl.count() >= 1 })

	rl.mu.Lock()
	query := rl.queries[0]
	method := rl.methods[0]
	rl.mu.Unlock()
	if method != http.MethodGet {
		t.Fatalf("delivery method = %s, want GET", method)
	}
	if want := "msg=core+switch+down"; query != want {
		t.Fatalf("query = %q, want %q", query, want)
	}
}

func TestRetryOnServerErrorThenSuccess(t *testing.T) {
	d, s := newDispatcherFixture(t)
	device := seedNotifyDevice(t, s, "fw-1")

	rl := &requestLog{}
	srv := httptest.NewServer(rl.handler(func(call int) int {
		if call == 0 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}))
	defer srv.Close()

	seedTarget(t, s, device, models.MethodPOST, srv.URL, "[Status.New]")
	d.EnqueueStatusChange(*device, offlineEvent(device.ID))

	waitFor(t, 3*time.Second, "retry", func() bool { return rl.count() >= 2 })
	waitFor(t, 3*time.Second, "history row", func() bool {
		hist, err := s.ListNotificationHistory(context.Background(), 1)
		return err == nil && len(hist) == 1
	})

	h := lastHistory(t, s)
	if !h.Success || h.Attempts != 2 {
		t.Fatalf("history = success=%v attempts=%d, want success after 2 attempts", h.Success, h.Attempts)
	}
}

func TestClientErrorSettlesWithoutRetry(t *testing.T) {
	d, s := newDispatcherFixture(t)
	device := seedNotifyDevice(t, s, "fw-2")

	rl := &requestLog{}
	srv := httptest.NewServer(rl.handler(func(int) int { return http.StatusNotFound }))
	defer srv.Close()

	seedTarget(t, s, device, models.MethodPOST, srv.URL, "[Status.New]")
	d.EnqueueStatusChange(*device, offlineEvent(device.ID))

	waitFor(t, 3*time.Second, "history row", func() bool {
		hist, err := s.ListNotificationHistory(context.Background(), 1)
		return err == nil && len(hist) == 1
	})

	h := lastHistory(t, s)
	if h.Success {
		t.Fatal("delivery succeeded, want permanent failure")
	}
	if h.Attempts != 1 || h.StatusCode != http.StatusNotFound {
		t.Fatalf("history = attempts=%d status=%d, want 1 attempt with 404", h.Attempts, h.StatusCode)
	}
	if rl.count() != 1 {
		t.Fatalf("target hit %d times, want exactly 1", rl.count())
	}
}

func TestExhaustedRetriesRecordFailure(t *testing.T) {
	d, s := newDispatcherFixture(t)
	device := seedNotifyDevice(t, s, "fw-3")

	rl := &requestLog{}
	srv := httptest.NewServer(rl.handler(func(int) int { return http.StatusBadGateway }))
	defer srv.Close()

	seedTarget(t, s, device, models.MethodPOST, srv.URL, "[Status.New]")
	d.EnqueueStatusChange(*device, offlineEvent(device.ID))

	waitFor(t, 5*time.Second, "history row", func() bool {
		hist, err := s.ListNotificationHistory(context.Background(), 1)
		return err == nil && len(hist) == 1
	})

	h := lastHistory(t, s)
	if h.Success {
		t.Fatal("delivery succeeded, want failure after exhausting retries")
	}
	if h.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", h.Attempts)
	}
	if rl.count() != 3 {
		t.Fatalf("target hit %d times, want 3", rl.count())
	}
}

func TestGlobalMuteSuppressesDelivery(t *testing.T) {
	d, s := newDispatcherFixture(t)
	device := seedNotifyDevice(t, s, "pi-hole")

	rl := &requestLog{}
	srv := httptest.NewServer(rl.handler(func(int) int { return http.StatusOK }))
	defer srv.Close()

	seedTarget(t, s, device, models.MethodPOST, srv.URL, "[Status.New]")

	until := time.Now().Add(time.Hour)
	mute := &models.AlarmMute{ID: uuid.New().String(), MutedBy: "admin", MuteUntil: &until}
	if err := s.CreateAlarmMute(context.Background(), mute); err != nil {
		t.Fatalf("CreateAlarmMute returned error: %v", err)
	}

	d.EnqueueStatusChange(*device, offlineEvent(device.ID))

	// give the drain goroutine time to process, then confirm silence
	time.Sleep(300 * time.Millisecond)
	if rl.count() != 0 {
		t.Fatalf("target hit %d times during mute, want 0", rl.count())
	}
	hist, err := s.ListNotificationHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListNotificationHistory returned error: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("history rows = %d during mute, want 0", len(hist))
	}
}

func TestUserMuteOnlySilencesOwner(t *testing.T) {
	d, s := newDispatcherFixture(t)
	device := seedNotifyDevice(t, s, "nas")

	rl := &requestLog{}
	srv := httptest.NewServer(rl.handler(func(int) int { return http.StatusOK }))
	defer srv.Close()

	muted := seedTarget(t, s, device, models.MethodPOST, srv.URL, "muted [Status.New]")
	muted.OwnerUserID = "alice"
	if err := s.UpdateNotification(context.Background(), muted); err != nil {
		t.Fatalf("UpdateNotification returned error: %v", err)
	}
	seedTarget(t, s, device, models.MethodPOST, srv.URL, "open [Status.New]")

	mute := &models.AlarmMute{ID: uuid.New().String(), UserID: "alice", MutedBy: "alice"}
	if err := s.CreateAlarmMute(context.Background(), mute); err != nil {
		t.Fatalf("CreateAlarmMute returned error: %v", err)
	}

	d.EnqueueStatusChange(*device, offlineEvent(device.ID))

	waitFor(t, 3*time.Second, "unmuted delivery", func() bool { return rl.count() >= 1 })
	time.Sleep(200 * time.Millisecond)
	if rl.count() != 1 {
		t.Fatalf("target hit %d times, want 1 (alice muted)", rl.count())
	}
	if got, want := rl.body(0), "open offline"; got != want {
		t.Fatalf("delivered body = %q, want %q", got, want)
	}
}

func TestOnDutyRoutingFollowsShift(t *testing.T) {
	d, s := newDispatcherFixture(t)
	device := seedNotifyDevice(t, s, "router")
	device.UseOnDuty = true
	if err := s.UpdateDevice(context.Background(), device); err != nil {
		t.Fatalf("UpdateDevice returned error: %v", err)
	}

	rl := &requestLog{}
	srv := httptest.NewServer(rl.handler(func(int) int { return http.StatusOK }))
	defer srv.Close()

	dayTarget := seedTarget(t, s, nil, models.MethodPOST, srv.URL, "day [Status.New]")
	dayTarget.OwnerUserID = "alice"
	if err := s.UpdateNotification(context.Background(), dayTarget); err != nil {
		t.Fatalf("UpdateNotification returned error: %v", err)
	}
	nightTarget := seedTarget(t, s, nil, models.MethodPOST, srv.URL, "night [Status.New]")
	nightTarget.OwnerUserID = "bob"
	if err := s.UpdateNotification(context.Background(), nightTarget); err != nil {
		t.Fatalf("UpdateNotification returned error: %v", err)
	}

	shift := &models.OnDutyShift{
		Day:   models.ShiftWindow{Name: models.ShiftDay, StartTime: "08:00", EndTime: "20:00", Timezone: "UTC", UserIDs: []string{"alice"}},
		Night: models.ShiftWindow{Name: models.ShiftNight, StartTime: "20:00", EndTime: "08:00", Timezone: "UTC", UserIDs: []string{"bob"}},
	}
	if err := s.PutOnDutyShift(context.Background(), shift); err != nil {
		t.Fatalf("PutOnDutyShift returned error: %v", err)
	}

	// pin the clock inside the day window
	d.now = func() time.Time {
		return time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	}

	d.EnqueueStatusChange(*device, offlineEvent(device.ID))

	waitFor(t, 3*time.Second, "on-duty delivery", func() bool { return rl.count() >= 1 })
	time.Sleep(200 * time.Millisecond)
	if rl.count() != 1 {
		t.Fatalf("target hit %d times, want 1 (only day shift on duty)", rl.count())
	}
	if got, want := rl.body(0), "day offline"; got != want {
		t.Fatalf("delivered body = %q, want %q", got, want)
	}
}

func TestPerDeviceOrderingPreserved(t *testing.T) {
	d, s := newDispatcherFixture(t)
	device := seedNotifyDevice(t, s, "ap-1")

	rl := &requestLog{}
	srv := httptest.NewServer(rl.handler(func(int) int { return http.StatusOK }))
	defer srv.Close()

	seedTarget(t, s, device, models.MethodPOST, srv.URL, "[Status.Old]->[Status.New]")

	transitions := []struct{ from, to models.DeviceStatus }{
		{models.StatusOnline, models.StatusWarning},
		{models.StatusWarning, models.StatusOffline},
		{models.StatusOffline, models.StatusOnline},
	}
	for _, tr := range transitions {
		d.EnqueueStatusChange(*device, models.DeviceStatusEvent{
			ID:             uuid.New().String(),
			DeviceID:       device.ID,
			PreviousStatus: tr.from,
			NewStatus:      tr.to,
			CreatedAt:      time.Now(),
		})
	}

	waitFor(t, 5*time.Second, "all deliveries", func() bool { return rl.count() >= 3 })

	want := []string{"online->warning", "warning->offline", "offline->online"}
	for i, w := range want {
		if got := rl.body(i); got != w {
			t.Fatalf("delivery %d = %q, want %q", i, got, w)
		}
	}
}

func TestTestDeliveryBypassesSubscriptions(t *testing.T) {
	d, s := newDispatcherFixture(t)

	rl := &requestLog{}
	srv := httptest.NewServer(rl.handler(func(int) int { return http.StatusOK }))
	defer srv.Close()

	n := seedTarget(t, s, nil, models.MethodPOST, srv.URL, "[Device.Name]: [Status.Old] -> [Status.New]")
	hist := d.TestDelivery(context.Background(), *n)

	if !hist.Success {
		t.Fatalf("test delivery failed: %s", hist.Error)
	}
	if rl.count() != 1 {
		t.Fatalf("target hit %d times, want 1", rl.count())
	}
	if got, want := rl.body(0), "Test Device: offline -> online"; got != want {
		t.Fatalf("test body = %q, want %q", got, want)
	}
}
