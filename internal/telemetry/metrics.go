// Package telemetry exposes CoreBit's own operational metrics. This is
// the server instrumenting itself, unrelated to the Prometheus prober
// that scrapes monitored devices.
package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corebit/corebit/internal/errors"
)

// Metrics manages Prometheus instrumentation for the probe pipeline,
// notification dispatch and realtime fan-out.
type Metrics struct {
	probeDuration  *prometheus.HistogramVec
	probeResults   *prometheus.CounterVec
	probeErrors    *prometheus.CounterVec
	probePanics    prometheus.Counter
	probeSkips     prometheus.Counter
	probeInflight  prometheus.Gauge
	deviceCount    *prometheus.GaugeVec
	rateEmissions  *prometheus.CounterVec
	vmMigrations   prometheus.Counter
	notifyResults  *prometheus.CounterVec
	notifyRetries  prometheus.Counter
	wsClients      prometheus.Gauge
	sseClients     prometheus.Gauge
	scanDuration   prometheus.Histogram
	scanResponders prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Get returns the process-wide metrics set, registering the collectors
// on first use.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	m := &Metrics{
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "corebit",
				Subsystem: "probe",
				Name:      "duration_seconds",
				Help:      "Duration of device probes per kind.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 20},
			},
			[]string{"kind"},
		),
		probeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebit",
				Subsystem: "probe",
				Name:      "total",
				Help:      "Total probe attempts partitioned by result.",
			},
			[]string{"kind", "result"},
		),
		probeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebit",
				Subsystem: "probe",
				Name:      "errors_total",
				Help:      "Probe failures grouped by error type.",
			},
			[]string{"kind", "error_type"},
		),
		probePanics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebit",
				Subsystem: "probe",
				Name:      "panics_total",
				Help:      "Panics recovered inside probe workers.",
			},
		),
		probeSkips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebit",
				Subsystem: "probe",
				Name:      "skips_total",
				Help:      "Dispatches skipped because the device was still being probed.",
			},
		),
		probeInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "corebit",
				Subsystem: "probe",
				Name:      "inflight",
				Help:      "Probe operations currently executing.",
			},
		),
		deviceCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "corebit",
				Subsystem: "inventory",
				Name:      "devices",
				Help:      "Managed devices partitioned by status.",
			},
			[]string{"status"},
		),
		rateEmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebit",
				Subsystem: "bandwidth",
				Name:      "emissions_total",
				Help:      "Differencer rate emissions partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		vmMigrations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebit",
				Subsystem: "resolver",
				Name:      "vm_migrations_total",
				Help:      "Guest host moves detected and repointed.",
			},
		),
		notifyResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebit",
				Subsystem: "notify",
				Name:      "deliveries_total",
				Help:      "Webhook delivery attempts partitioned by result.",
			},
			[]string{"result"},
		),
		notifyRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebit",
				Subsystem: "notify",
				Name:      "retries_total",
				Help:      "Webhook delivery retries.",
			},
		),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "corebit",
				Subsystem: "realtime",
				Name:      "ws_clients",
				Help:      "Connected WebSocket clients.",
			},
		),
		sseClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "corebit",
				Subsystem: "realtime",
				Name:      "sse_clients",
				Help:      "Open SSE scan streams.",
			},
		),
		scanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "corebit",
				Subsystem: "scanner",
				Name:      "duration_seconds",
				Help:      "Duration of network scans.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		scanResponders: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebit",
				Subsystem: "scanner",
				Name:      "responders_total",
				Help:      "Hosts that answered during scan discovery.",
			},
		),
	}

	prometheus.MustRegister(
		m.probeDuration,
		m.probeResults,
		m.probeErrors,
		m.probePanics,
		m.probeSkips,
		m.probeInflight,
		m.deviceCount,
		m.rateEmissions,
		m.vmMigrations,
		m.notifyResults,
		m.notifyRetries,
		m.wsClients,
		m.sseClients,
		m.scanDuration,
		m.scanResponders,
	)

	return m
}

// RecordProbe records one completed probe.
func (m *Metrics) RecordProbe(kind string, success bool, err error, duration time.Duration) {
	if m == nil {
		return
	}

	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}

	secs := duration.Seconds()
	if secs < 0 {
		secs = 0
	}
	m.probeDuration.WithLabelValues(kind).Observe(secs)

	result := "success"
	if !success {
		result = "error"
	}
	m.probeResults.WithLabelValues(kind, result).Inc()

	if !success {
		m.probeErrors.WithLabelValues(kind, string(errors.TypeOf(err))).Inc()
	}
}

func (m *Metrics) RecordProbePanic() {
	if m == nil {
		return
	}
	m.probePanics.Inc()
}

func (m *Metrics) RecordProbeSkip() {
	if m == nil {
		return
	}
	m.probeSkips.Inc()
}

func (m *Metrics) ProbeStarted() {
	if m == nil {
		return
	}
	m.probeInflight.Inc()
}

func (m *Metrics) ProbeFinished() {
	if m == nil {
		return
	}
	m.probeInflight.Dec()
}

// SetDeviceCount publishes the inventory size for one status value.
func (m *Metrics) SetDeviceCount(status string, n int) {
	if m == nil {
		return
	}
	m.deviceCount.WithLabelValues(status).Set(float64(n))
}

// RecordRateEmission counts a differencer outcome: emitted, stale or
// rebaselined.
func (m *Metrics) RecordRateEmission(outcome string) {
	if m == nil {
		return
	}
	m.rateEmissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordVMMigration() {
	if m == nil {
		return
	}
	m.vmMigrations.Inc()
}

// RecordDelivery counts one webhook delivery attempt result: delivered,
// retrying, failed or muted.
func (m *Metrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.notifyResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDeliveryRetry() {
	if m == nil {
		return
	}
	m.notifyRetries.Inc()
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Metrics) AddSSEClient(delta int) {
	if m == nil {
		return
	}
	m.sseClients.Add(float64(delta))
}

// RecordScan records one finished scan sweep.
func (m *Metrics) RecordScan(duration time.Duration, responders int) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(duration.Seconds())
	m.scanResponders.Add(float64(responders))
}
