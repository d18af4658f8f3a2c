package probe

import (
	"context"
	stdErrors "errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/bandwidth"
	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/status"
	"github.com/corebit/corebit/internal/store"
	"github.com/corebit/corebit/internal/telemetry"
)

// SettingPollingInterval holds the probe cycle length in seconds,
// clamped to 5-300.
const SettingPollingInterval = "polling_interval"

const (
	defaultIntervalSecs = 30
	minIntervalSecs     = 5
	maxIntervalSecs     = 300
)

var errNilSample = stdErrors.New("prober returned no sample")

// SampleSink consumes probe results; the status engine implements it.
type SampleSink interface {
	Ingest(ctx context.Context, device *models.Device, sample status.Sample)
}

// VMSink receives the guest inventory a Proxmox probe observed; the
// dynamic-connection resolver implements it.
type VMSink interface {
	ApplyVMInventory(ctx context.Context, hostDeviceID string, vms []models.ProxmoxVM)
}

// StatsPublisher pushes fresh link stats to realtime subscribers.
type StatsPublisher interface {
	PublishConnectionStats(connection *models.Connection, stats *models.LinkStats)
}

// Config holds the scheduler's pool limits.
type Config struct {
	MaxConcurrency int           // default 80
	ProbeTimeout   time.Duration // default 10s, per-kind overrides apply
	ShutdownGrace  time.Duration // default 5s
}

// Deps wires the scheduler to its collaborators. VMs and Publisher may
// be nil.
type Deps struct {
	Devices     store.DeviceRepo
	Connections store.ConnectionRepo
	Credentials store.CredentialRepo
	Settings    store.SettingsRepo
	Metrics     store.MetricsRepo
	Registry    *Registry
	Sink        SampleSink
	Rates       *bandwidth.Differencer
	VMs         VMSink
	Publisher   StatsPublisher
}

// Scheduler drives the probe cycle: a ticker dispatches every
// non-placeholder device to a bounded worker pool, at most one probe per
// device at a time. Ticks fire on the wall clock; a slow cycle never
// delays the next one.
type Scheduler struct {
	cfg  Config
	deps Deps

	sem chan struct{}

	mu        sync.Mutex
	inflight  map[string]struct{}
	authLogAt map[string]time.Time

	wg       sync.WaitGroup
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewScheduler(cfg Config, deps Deps) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 80
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return &Scheduler{
		cfg:       cfg,
		deps:      deps,
		sem:       make(chan struct{}, cfg.MaxConcurrency),
		inflight:  make(map[string]struct{}),
		authLogAt: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the probe loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	interval := s.interval(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Int("maxConcurrency", s.cfg.MaxConcurrency).Msg("Probe scheduler started")
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
			if next := s.interval(ctx); next != interval {
				interval = next
				ticker.Reset(next)
				log.Info().Dur("interval", next).Msg("Polling interval changed")
			}
		}
	}
}

// Stop halts the loop and waits for in-flight probes up to the shutdown
// grace.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh

		drained := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(s.cfg.ShutdownGrace):
			log.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("Probe workers still running at shutdown")
		}
	})
}

// TriggerOnce probes a single device outside the regular cycle.
func (s *Scheduler) TriggerOnce(ctx context.Context, deviceID string) error {
	device, err := s.deps.Devices.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.Kind == models.KindPlaceholder {
		return errors.NewClientInputError("trigger_probe", stdErrors.New("placeholder devices cannot be probed"))
	}
	if !s.dispatch(ctx, *device) {
		log.Debug().Str("device", device.Name).Msg("Probe already in flight")
	}
	return nil
}

// Interval reports the current polling interval; the status engine
// shares it for its stale window.
func (s *Scheduler) Interval(ctx context.Context) time.Duration {
	return s.interval(ctx)
}

func (s *Scheduler) interval(ctx context.Context) time.Duration {
	secs, err := s.deps.Settings.GetSettingInt(ctx, SettingPollingInterval, defaultIntervalSecs)
	if err != nil {
		return defaultIntervalSecs * time.Second
	}
	if secs < minIntervalSecs {
		secs = minIntervalSecs
	}
	if secs > maxIntervalSecs {
		secs = maxIntervalSecs
	}
	return time.Duration(secs) * time.Second
}

func (s *Scheduler) tick(ctx context.Context) {
	devices, err := s.deps.Devices.ListDevices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list devices for probe cycle")
		return
	}

	dispatched := 0
	for i := range devices {
		if devices[i].Kind == models.KindPlaceholder {
			continue
		}
		if s.dispatch(ctx, devices[i]) {
			dispatched++
		}
	}
	log.Debug().Int("dispatched", dispatched).Int("devices", len(devices)).Msg("Probe cycle dispatched")
}

// dispatch hands one device to the pool. Returns false when the device
// is still being probed from an earlier cycle.
func (s *Scheduler) dispatch(ctx context.Context, device models.Device) bool {
	s.mu.Lock()
	if _, busy := s.inflight[device.ID]; busy {
		s.mu.Unlock()
		telemetry.Get().RecordProbeSkip()
		log.Debug().Str("device", device.Name).Msg("Probe still in flight, skipping")
		return false
	}
	s.inflight[device.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, device.ID)
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				telemetry.Get().RecordProbePanic()
				log.Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Str("device", device.Name).
					Msg("Panic recovered in probe worker")
			}
		}()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}

		telemetry.Get().ProbeStarted()
		defer telemetry.Get().ProbeFinished()
		s.probeOne(ctx, &device)
	}()
	return true
}

func (s *Scheduler) probeOne(ctx context.Context, device *models.Device) {
	prober, ok := s.deps.Registry.For(device.Kind)
	if !ok {
		log.Warn().Str("device", device.Name).Str("kind", string(device.Kind)).Msg("No prober for device kind")
		return
	}

	start := time.Now()
	sample := s.collect(ctx, prober, device)
	telemetry.Get().RecordProbe(string(device.Kind), sample.Success, sample.Err, time.Since(start))

	if sample.Err != nil && errors.IsAuthFailure(sample.Err) {
		s.logAuthFailure(device, sample.Err)
	}

	s.deps.Sink.Ingest(ctx, device, status.Sample{
		Success: sample.Success,
		Err:     sample.Err,
		Data:    sample.Data,
		At:      sample.At,
	})

	if !sample.Success {
		return
	}
	if len(sample.Counters) > 0 {
		s.feedCounters(ctx, device, sample)
	}
	if len(sample.Custom) > 0 {
		s.appendCustomMetrics(ctx, device.ID, sample)
	}
	if device.Kind == models.KindProxmox && s.deps.VMs != nil && sample.VMs != nil {
		s.deps.VMs.ApplyVMInventory(ctx, device.ID, sample.VMs)
	}
}

func (s *Scheduler) collect(ctx context.Context, prober Prober, device *models.Device) *Sample {
	creds, err := ResolveCredentials(ctx, s.deps.Credentials, device)
	if err != nil {
		return failedSample(err)
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeoutFor(device.Kind))
	defer cancel()

	sample, err := prober.Probe(pctx, device, creds)
	if err != nil {
		return failedSample(errors.Classify("probe", device.Name, err))
	}
	if sample == nil {
		return failedSample(errors.NewProtocolError("probe", device.Name, errNilSample))
	}
	if sample.At.IsZero() {
		sample.At = time.Now()
	}
	return sample
}

// feedCounters routes interface counters to the differencer for every
// connection monitoring this device, persisting baselines so rate state
// survives restarts.
func (s *Scheduler) feedCounters(ctx context.Context, device *models.Device, sample *Sample) {
	conns, err := s.deps.Connections.ListMonitoredConnections(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list monitored connections")
		return
	}

	for i := range conns {
		conn := &conns[i]
		if conn.MonitoredDeviceID() != device.ID {
			continue
		}

		portName := conn.SourcePort
		if conn.MonitorInterface == models.MonitorTarget {
			portName = conn.TargetPort
		}
		counter, ok := sample.CounterFor(conn.MonitorSNMPIndex, portName)
		if !ok {
			log.Debug().
				Str("connection", conn.ID).
				Str("device", device.Name).
				Msg("Monitored interface absent from sample")
			continue
		}

		rate, emitted := s.deps.Rates.Observe(conn.ID, conn.LinkSpeed, bandwidth.CounterSample{
			InOctets:  counter.InOctets,
			OutOctets: counter.OutOctets,
			Bits:      counter.Bits,
			At:        sample.At,
		})

		stats := &models.LinkStats{
			SampledAt:     sample.At,
			LastInOctets:  counter.InOctets,
			LastOutOctets: counter.OutOctets,
			CounterBits:   counter.Bits,
		}
		switch {
		case emitted:
			stats.InBitsPerSec = rate.InBitsPerSec
			stats.OutBitsPerSec = rate.OutBitsPerSec
			stats.Utilisation = rate.Utilisation
		case conn.LinkStats != nil:
			// Priming or re-baseline: keep the last shown rates.
			stats.InBitsPerSec = conn.LinkStats.InBitsPerSec
			stats.OutBitsPerSec = conn.LinkStats.OutBitsPerSec
			stats.Utilisation = conn.LinkStats.Utilisation
		}

		if err := s.deps.Connections.UpdateLinkStats(ctx, conn.ID, stats); err != nil {
			log.Error().Err(err).Str("connection", conn.ID).Msg("Failed to persist link stats")
		}

		if !emitted {
			telemetry.Get().RecordRateEmission("rebaselined")
			continue
		}
		if rate.IsStale {
			telemetry.Get().RecordRateEmission("stale")
		} else {
			telemetry.Get().RecordRateEmission("emitted")
			if err := s.deps.Metrics.AppendBandwidthSample(ctx, &models.BandwidthSample{
				ConnectionID:  conn.ID,
				InBitsPerSec:  rate.InBitsPerSec,
				OutBitsPerSec: rate.OutBitsPerSec,
				Utilisation:   rate.Utilisation,
				Timestamp:     sample.At,
			}); err != nil {
				log.Error().Err(err).Str("connection", conn.ID).Msg("Failed to append bandwidth history")
			}
		}
		if s.deps.Publisher != nil {
			s.deps.Publisher.PublishConnectionStats(conn, stats)
		}
	}
}

func (s *Scheduler) appendCustomMetrics(ctx context.Context, deviceID string, sample *Sample) {
	for _, m := range sample.Custom {
		err := s.deps.Metrics.AppendPrometheusSample(ctx, &models.PrometheusMetricSample{
			DeviceID:  deviceID,
			MetricID:  m.Config.ID,
			Value:     m.Value,
			RawValue:  m.RawValue,
			Timestamp: sample.At,
		})
		if err != nil {
			log.Error().Err(err).Str("deviceId", deviceID).Str("metric", m.Config.MetricName).Msg("Failed to append custom metric")
		}
	}
}

// logAuthFailure logs a device's auth errors at most once an hour; they
// repeat every cycle until the operator fixes the credentials.
func (s *Scheduler) logAuthFailure(device *models.Device, err error) {
	s.mu.Lock()
	last, seen := s.authLogAt[device.ID]
	throttled := seen && time.Since(last) < time.Hour
	if !throttled {
		s.authLogAt[device.ID] = time.Now()
	}
	s.mu.Unlock()

	if throttled {
		return
	}
	log.Warn().Err(err).Str("device", device.Name).Msg("Device authentication failing; suppressing repeats for an hour")
}

func (s *Scheduler) timeoutFor(kind models.DeviceKind) time.Duration {
	switch kind {
	case models.KindMikrotikRouter, models.KindMikrotikSwitch, models.KindAccessPoint:
		// Detailed cycles add per-interface monitor calls.
		return 15 * time.Second
	case models.KindGenericPrometheus, models.KindServer:
		return 5 * time.Second
	case models.KindGenericPing:
		return 3 * time.Second
	}
	return s.cfg.ProbeTimeout
}
