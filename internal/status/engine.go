// Package status maintains the debounced reachability state machine for
// every device, emits transition events, and derives uptime segments.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/store"
)

// SettingNotifyOnWarning opts warning transitions into notification
// dispatch. Offline-edge transitions always dispatch.
const SettingNotifyOnWarning = "notify_on_warning"

// SettingOfflineThreshold overrides the configured consecutive-failure
// count at runtime; picked up on restart.
const SettingOfflineThreshold = "offline_threshold"

// Sample is the engine-facing result of one probe
type Sample struct {
	Success bool
	Err     error
	Data    *models.DeviceData
	At      time.Time
}

// Publisher pushes engine emissions to realtime subscribers
type Publisher interface {
	PublishDeviceStatus(device *models.Device, event models.DeviceStatusEvent)
}

// Dispatcher receives transitions that may produce notifications
type Dispatcher interface {
	EnqueueStatusChange(device models.Device, event models.DeviceStatusEvent)
}

// Config holds the engine thresholds
type Config struct {
	OfflineThreshold int
	// Interval returns the current polling interval; the stale window is
	// three times its value.
	Interval func() time.Duration
}

type deviceState struct {
	mu                   sync.Mutex
	status               models.DeviceStatus
	consecutiveFailures  int
	consecutiveSuccesses int
	lastSampleAt         time.Time
	lastGoodSampleAt     time.Time
}

// Engine applies the transition rules to probe samples. Per-device state
// is guarded by a per-device lock so a stale sweep cannot interleave with
// an ingest for the same device.
type Engine struct {
	cfg        Config
	devices    store.DeviceRepo
	events     store.EventRepo
	metrics    store.MetricsRepo
	settings   store.SettingsRepo
	publisher  Publisher
	dispatcher Dispatcher

	mu     sync.RWMutex
	states map[string]*deviceState

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine wires the engine to its repositories and sinks. publisher and
// dispatcher may be nil in tests.
func NewEngine(cfg Config, devices store.DeviceRepo, events store.EventRepo, metrics store.MetricsRepo, settings store.SettingsRepo, publisher Publisher, dispatcher Dispatcher) *Engine {
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = 3
	}
	if cfg.Interval == nil {
		cfg.Interval = func() time.Duration { return 30 * time.Second }
	}
	return &Engine{
		cfg:        cfg,
		devices:    devices,
		events:     events,
		metrics:    metrics,
		settings:   settings,
		publisher:  publisher,
		dispatcher: dispatcher,
		states:     make(map[string]*deviceState),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start seeds engine state from persisted devices and launches the stale
// sweep loop.
func (e *Engine) Start(ctx context.Context) {
	if err := e.restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not restore device states, starting empty")
	}

	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(e.cfg.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.sweepStale(ctx)
			}
		}
	}()
}

// Stop halts the stale sweep
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		<-e.doneCh
	})
}

// restore seeds per-device state from the repository so a restart does not
// reset debounce counters or forget device status.
func (e *Engine) restore(ctx context.Context) error {
	devices, err := e.devices.ListDevices(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range devices {
		d := &devices[i]
		if d.Kind == models.KindPlaceholder {
			continue
		}
		st := &deviceState{
			status:              d.Status,
			consecutiveFailures: d.ConsecutiveFailures,
		}
		if st.status == "" {
			st.status = models.StatusUnknown
		}
		if d.LastProbedAt != nil {
			st.lastSampleAt = *d.LastProbedAt
		}
		e.states[d.ID] = st
	}
	return nil
}

func (e *Engine) stateFor(device *models.Device) *deviceState {
	e.mu.RLock()
	st, ok := e.states[device.ID]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.states[device.ID]; ok {
		return st
	}
	st = &deviceState{
		status:              device.Status,
		consecutiveFailures: device.ConsecutiveFailures,
	}
	if st.status == "" {
		st.status = models.StatusUnknown
	}
	if device.LastProbedAt != nil {
		st.lastSampleAt = *device.LastProbedAt
	}
	e.states[device.ID] = st
	return st
}

// Ingest applies one probe result. Device rows, events, history and the
// downstream sinks are all updated under the device's lock so transitions
// stay ordered per device.
func (e *Engine) Ingest(ctx context.Context, device *models.Device, sample Sample) {
	if sample.At.IsZero() {
		sample.At = time.Now()
	}
	st := e.stateFor(device)

	st.mu.Lock()
	defer st.mu.Unlock()

	previous := st.status
	st.lastSampleAt = sample.At

	if sample.Success {
		st.consecutiveSuccesses++
		st.consecutiveFailures = 0
		st.lastGoodSampleAt = sample.At
		st.status = models.StatusOnline
	} else {
		st.consecutiveFailures++
		st.consecutiveSuccesses = 0
		if st.consecutiveFailures >= e.cfg.OfflineThreshold {
			st.status = models.StatusOffline
		} else {
			st.status = models.StatusWarning
		}
	}

	if err := e.devices.UpdateProbeState(ctx, device.ID, st.status, st.consecutiveFailures, sample.At, sample.Data); err != nil {
		log.Error().Err(err).Str("device", device.Name).Msg("Failed to persist probe state")
	}

	if sample.Success && sample.Data != nil {
		e.appendMetrics(ctx, device.ID, sample)
	}

	if st.status != previous {
		e.transition(ctx, device, previous, st.status, transitionMessage(previous, st.status, sample))
	}
}

// sweepStale flips devices whose samples dried up. Never-probed devices
// stay unknown.
func (e *Engine) sweepStale(ctx context.Context) {
	staleAge := 3 * e.cfg.Interval()
	now := time.Now()

	e.mu.RLock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		e.mu.RLock()
		st := e.states[id]
		e.mu.RUnlock()
		if st == nil {
			continue
		}

		st.mu.Lock()
		if st.lastSampleAt.IsZero() || st.status == models.StatusStale ||
			now.Sub(st.lastSampleAt) <= staleAge {
			st.mu.Unlock()
			continue
		}
		previous := st.status
		st.status = models.StatusStale

		device, err := e.devices.GetDevice(ctx, id)
		if err != nil {
			// Deleted device; drop its state.
			st.mu.Unlock()
			e.Forget(id)
			continue
		}
		if err := e.devices.UpdateProbeState(ctx, id, models.StatusStale, st.consecutiveFailures, st.lastSampleAt, nil); err != nil {
			log.Error().Err(err).Str("device", device.Name).Msg("Failed to persist stale status")
		}
		age := now.Sub(st.lastSampleAt).Round(time.Second)
		e.transition(ctx, device, previous, models.StatusStale,
			fmt.Sprintf("no samples for %s", age))
		st.mu.Unlock()
	}
}

// transition appends the event and fans it out. Callers hold the device
// lock.
func (e *Engine) transition(ctx context.Context, device *models.Device, from, to models.DeviceStatus, message string) {
	event := models.DeviceStatusEvent{
		ID:             ulid.Make().String(),
		DeviceID:       device.ID,
		PreviousStatus: from,
		NewStatus:      to,
		Message:        message,
		CreatedAt:      time.Now(),
	}
	if err := e.events.RecordStatusEvent(ctx, &event); err != nil {
		log.Error().Err(err).Str("device", device.Name).Msg("Failed to record status event")
	}

	log.Info().
		Str("device", device.Name).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Device status changed")

	snapshot := *device
	snapshot.Status = to
	if e.publisher != nil {
		e.publisher.PublishDeviceStatus(&snapshot, event)
	}
	if e.dispatcher != nil && e.shouldNotify(ctx, from, to) {
		e.dispatcher.EnqueueStatusChange(snapshot, event)
	}
}

// shouldNotify implements the dispatch policy: offline edges always, the
// warning edge only when opted in.
func (e *Engine) shouldNotify(ctx context.Context, from, to models.DeviceStatus) bool {
	if to == models.StatusOffline || from == models.StatusOffline {
		return true
	}
	if to == models.StatusWarning {
		on, err := e.settings.GetSettingBool(ctx, SettingNotifyOnWarning, false)
		if err != nil {
			return false
		}
		return on
	}
	return false
}

func (e *Engine) appendMetrics(ctx context.Context, deviceID string, sample Sample) {
	err := e.metrics.AppendMetricsSample(ctx, &models.DeviceMetricsSample{
		DeviceID:      deviceID,
		CPUPercent:    sample.Data.CPUPercent,
		MemoryPercent: sample.Data.MemoryPercent,
		DiskPercent:   sample.Data.DiskPercent,
		PingRTTMillis: sample.Data.PingRTTMillis,
		UptimeSeconds: sample.Data.UptimeSeconds,
		Timestamp:     sample.At,
	})
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("Failed to append metrics history")
	}
}

// Forget drops in-memory state for a deleted device
func (e *Engine) Forget(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, deviceID)
}

// Status returns the engine's current view of a device, with ok=false for
// untracked devices
func (e *Engine) Status(deviceID string) (models.DeviceStatus, bool) {
	e.mu.RLock()
	st, ok := e.states[deviceID]
	e.mu.RUnlock()
	if !ok {
		return models.StatusUnknown, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, true
}

func transitionMessage(from, to models.DeviceStatus, sample Sample) string {
	switch {
	case sample.Success:
		return "probe succeeded"
	case sample.Err != nil:
		return fmt.Sprintf("probe failed: %v", sample.Err)
	default:
		return fmt.Sprintf("status changed from %s to %s", from, to)
	}
}
