package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/store"
	"github.com/corebit/corebit/internal/telemetry"
)

// Config tunes delivery behaviour
type Config struct {
	// MaxAttempts bounds tries per target, the first included
	MaxAttempts int
	// InitialBackoff is the wait before the first retry; it doubles each retry
	InitialBackoff time.Duration
	// HTTPTimeout bounds a single delivery attempt
	HTTPTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
}

// job is one status transition waiting for delivery
type job struct {
	device models.Device
	event  models.DeviceStatusEvent
}

// Dispatcher resolves which webhook targets care about a status transition
// and delivers to them. Transitions for the same device are delivered in the
// order they were enqueued; different devices proceed independently.
type Dispatcher struct {
	cfg    Config
	repo   store.NotificationRepo
	client *http.Client

	mu        sync.Mutex
	mailboxes map[string][]job
	stopped   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	now func() time.Time
}

// NewDispatcher builds a dispatcher over the notification repository. Call
// Start before enqueuing.
func NewDispatcher(cfg Config, repo store.NotificationRepo) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		cfg:       cfg,
		repo:      repo,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		mailboxes: make(map[string][]job),
		now:       time.Now,
	}
}

// Start arms the dispatcher. Deliveries inherit from ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Stop drains pending deliveries for up to grace, then cancels whatever is
// still in flight.
func (d *Dispatcher) Stop(grace time.Duration) {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("Notification drain timed out")
	}
	if d.cancel != nil {
		d.cancel()
	}
}

// EnqueueStatusChange queues a transition for delivery. Per-device ordering
// is preserved: a device's transitions are drained by a single goroutine.
func (d *Dispatcher) EnqueueStatusChange(device models.Device, event models.DeviceStatusEvent) {
	d.mu.Lock()
	if d.stopped || d.ctx == nil {
		d.mu.Unlock()
		return
	}
	pending, active := d.mailboxes[device.ID]
	d.mailboxes[device.ID] = append(pending, job{device: device, event: event})
	if !active {
		d.wg.Add(1)
		go d.drain(device.ID)
	}
	d.mu.Unlock()
}

// drain processes one device's mailbox until it is empty, then exits
func (d *Dispatcher) drain(deviceID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		pending := d.mailboxes[deviceID]
		if len(pending) == 0 {
			delete(d.mailboxes, deviceID)
			d.mu.Unlock()
			return
		}
		next := pending[0]
		d.mailboxes[deviceID] = pending[1:]
		d.mu.Unlock()

		d.deliver(d.ctx, next.device, next.event)
	}
}

// deliver fans a single transition out to every resolved target
func (d *Dispatcher) deliver(ctx context.Context, device models.Device, event models.DeviceStatusEvent) {
	targets, err := d.resolveTargets(ctx, device)
	if err != nil {
		log.Error().Err(err).Str("device", device.Name).Msg("Failed to resolve notification targets")
		return
	}
	if len(targets) == 0 {
		return
	}

	now := d.now()
	if _, err := d.repo.ReapExpiredMutes(ctx, now); err != nil {
		log.Debug().Err(err).Msg("Failed to reap expired alarm mutes")
	}
	mutes, err := d.repo.ListAlarmMutes(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load alarm mutes")
		mutes = nil
	}

	for _, target := range targets {
		if mutedFor(mutes, target, now) {
			telemetry.Get().RecordDelivery("muted")
			log.Debug().
				Str("notification", target.Name).
				Str("device", device.Name).
				Msg("Notification muted")
			continue
		}
		d.deliverOne(ctx, target, device, event)
	}
}

// resolveTargets returns the enabled targets for a device: its linked
// notifications plus, when the device opts into on-duty routing, the
// notifications owned by whoever is on shift right now.
func (d *Dispatcher) resolveTargets(ctx context.Context, device models.Device) ([]models.Notification, error) {
	linked, err := d.repo.ListDeviceNotifications(ctx, device.ID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(linked))
	targets := make([]models.Notification, 0, len(linked))
	for _, n := range linked {
		if n.Enabled && !seen[n.ID] {
			seen[n.ID] = true
			targets = append(targets, n)
		}
	}

	if device.UseOnDuty {
		shift, err := d.repo.GetOnDutyShift(ctx)
		if err != nil {
			return targets, err
		}
		users := OnDutyUserIDs(shift, d.now())
		if len(users) > 0 {
			owned, err := d.repo.ListNotificationsByOwners(ctx, users)
			if err != nil {
				return targets, err
			}
			for _, n := range owned {
				if n.Enabled && !seen[n.ID] {
					seen[n.ID] = true
					targets = append(targets, n)
				}
			}
		}
	}
	return targets, nil
}

// mutedFor reports whether any active mute silences the target. A mute with
// an empty user id is global; otherwise it matches the target's owner.
func mutedFor(mutes []models.AlarmMute, target models.Notification, now time.Time) bool {
	for i := range mutes {
		m := &mutes[i]
		if !m.Active(now) {
			continue
		}
		if m.UserID == "" || m.UserID == target.OwnerUserID {
			return true
		}
	}
	return false
}

// deliverOne renders the message, attempts delivery with retries and records
// the settled outcome.
func (d *Dispatcher) deliverOne(ctx context.Context, target models.Notification, device models.Device, event models.DeviceStatusEvent) {
	template := target.MessageTemplate
	if template == "" {
		template = DefaultTemplate
	}
	message := Render(template, device, event)

	success, statusCode, attempts, err := d.send(ctx, target, message)

	hist := &models.NotificationHistory{
		ID:             uuid.New().String(),
		NotificationID: target.ID,
		DeviceID:       device.ID,
		EventID:        event.ID,
		Message:        message,
		Success:        success,
		StatusCode:     statusCode,
		Attempts:       attempts,
		CreatedAt:      d.now(),
	}
	if err != nil {
		hist.Error = err.Error()
	}
	if herr := d.repo.RecordNotificationHistory(ctx, hist); herr != nil {
		log.Error().Err(herr).Str("notification", target.Name).Msg("Failed to record notification history")
	}

	if success {
		telemetry.Get().RecordDelivery("delivered")
		log.Info().
			Str("notification", target.Name).
			Str("device", device.Name).
			Str("status", string(event.NewStatus)).
			Int("attempts", attempts).
			Msg("Notification delivered")
		return
	}
	telemetry.Get().RecordDelivery("failed")
	log.Warn().
		Err(err).
		Str("notification", target.Name).
		Str("device", device.Name).
		Int("statusCode", statusCode).
		Int("attempts", attempts).
		Msg("Notification delivery failed")
}

// send tries the target up to MaxAttempts times. 5xx responses and transport
// errors are retried with doubling backoff; any 4xx settles immediately.
func (d *Dispatcher) send(ctx context.Context, target models.Notification, message string) (bool, int, int, error) {
	backoff := d.cfg.InitialBackoff
	var lastStatus int
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			telemetry.Get().RecordDeliveryRetry()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false, lastStatus, attempt - 1, ctx.Err()
			}
			backoff *= 2
		}

		status, err := d.sendOnce(ctx, target, message)
		lastStatus = status
		lastErr = err
		if err == nil && status < 300 {
			return true, status, attempt, nil
		}
		if err == nil && status >= 400 && status < 500 {
			return false, status, attempt, fmt.Errorf("target returned %d", status)
		}
		if err == nil {
			lastErr = fmt.Errorf("target returned %d", status)
		}
		if ctx.Err() != nil {
			return false, lastStatus, attempt, ctx.Err()
		}
	}
	return false, lastStatus, d.cfg.MaxAttempts, lastErr
}

// sendOnce performs a single HTTP delivery. GET targets receive the message
// url-encoded and appended to the configured URL; POST targets receive it as
// a text/plain body.
func (d *Dispatcher) sendOnce(ctx context.Context, target models.Notification, message string) (int, error) {
	var req *http.Request
	var err error

	switch target.Method {
	case models.MethodPOST:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target.URL, strings.NewReader(message))
		if err == nil {
			req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		}
	default:
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target.URL+url.QueryEscape(message), nil)
	}
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "CoreBit-Notify/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// TestDelivery sends a synthetic transition to a single target, bypassing
// subscriptions and mutes. Used by the API's test endpoint.
func (d *Dispatcher) TestDelivery(ctx context.Context, target models.Notification) *models.NotificationHistory {
	device := models.Device{
		Name:    "Test Device",
		Kind:    models.KindServer,
		Address: "192.0.2.1",
		Data:    &models.DeviceData{Identity: "corebit-test"},
	}
	event := models.DeviceStatusEvent{
		PreviousStatus: models.StatusOffline,
		NewStatus:      models.StatusOnline,
		CreatedAt:      d.now(),
	}

	template := target.MessageTemplate
	if template == "" {
		template = DefaultTemplate
	}
	message := Render(template, device, event)

	success, statusCode, attempts, err := d.send(ctx, target, message)
	hist := &models.NotificationHistory{
		ID:             uuid.New().String(),
		NotificationID: target.ID,
		Message:        message,
		Success:        success,
		StatusCode:     statusCode,
		Attempts:       attempts,
		CreatedAt:      d.now(),
	}
	if err != nil {
		hist.Error = err.Error()
	}
	if herr := d.repo.RecordNotificationHistory(ctx, hist); herr != nil {
		log.Error().Err(herr).Str("notification", target.Name).Msg("Failed to record notification history")
	}
	return hist
}
