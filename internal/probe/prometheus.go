package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/bandwidth"
	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/pkg/tlsutil"
)

const (
	seriesCPUSeconds    = "node_cpu_seconds_total"
	seriesMemAvailable  = "node_memory_MemAvailable_bytes"
	seriesMemTotal      = "node_memory_MemTotal_bytes"
	seriesFSSize        = "node_filesystem_size_bytes"
	seriesFSAvail       = "node_filesystem_avail_bytes"
	seriesBootTime      = "node_boot_time_seconds"
	seriesNetReceive    = "node_network_receive_bytes_total"
	seriesNetTransmit   = "node_network_transmit_bytes_total"
	seriesNetUp         = "node_network_up"
	seriesUname         = "node_uname_info"
	prometheusDefPort   = 9100
	prometheusDefScheme = "http"
)

// PrometheusProber scrapes a node_exporter style endpoint and reduces the
// exposition to the device snapshot. Cumulative series (CPU seconds, user
// counters) go through a scalar tracker so the snapshot carries rates.
type PrometheusProber struct {
	client *http.Client
	rates  *bandwidth.ScalarTracker
}

func NewPrometheusProber() *PrometheusProber {
	return &PrometheusProber{
		client: tlsutil.CreateHTTPClient(false, ""),
		rates:  bandwidth.NewScalarTracker(),
	}
}

// Forget drops rate baselines for a deleted device.
func (p *PrometheusProber) Forget(deviceID string) {
	p.rates.ForgetPrefix(deviceID + "/")
}

func (p *PrometheusProber) Probe(ctx context.Context, device *models.Device, creds models.Credentials) (*Sample, error) {
	scheme := creds.Get("scheme", prometheusDefScheme)
	port := creds.GetInt("port", prometheusDefPort)
	url := fmt.Sprintf("%s://%s:%d/metrics", scheme, device.Address, port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewClientInputError("prometheus_request", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Classify("prometheus_scrape", device.Name, err)
	}
	defer resp.Body.Close()
	rtt := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Classify("prometheus_scrape", device.Name,
			fmt.Errorf("metrics endpoint returned %d", resp.StatusCode))
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, errors.NewProtocolError("prometheus_parse", device.Name, err)
	}

	at := time.Now()
	data := p.nodeData(device.ID, families, at)
	counters := nicCounters(families)
	custom := p.customMetrics(device, creds, families, at)

	return &Sample{Success: true, RTT: rtt, Data: data, Counters: counters, Custom: custom, At: at}, nil
}

// nodeData reduces the standard node_exporter series to the snapshot.
// Absent series leave their fields zero; agents other than node_exporter
// still probe fine as long as the endpoint speaks the exposition format.
func (p *PrometheusProber) nodeData(deviceID string, families map[string]*dto.MetricFamily, at time.Time) *models.DeviceData {
	data := &models.DeviceData{}

	if mf, ok := families[seriesUname]; ok && len(mf.GetMetric()) > 0 {
		m := mf.GetMetric()[0]
		data.Identity = labelValue(m, "nodename")
		data.Version = labelValue(m, "release")
	}

	if mf, ok := families[seriesCPUSeconds]; ok {
		var idle, total float64
		for _, m := range mf.GetMetric() {
			v := metricValue(m)
			total += v
			if labelValue(m, "mode") == "idle" {
				idle += v
			}
		}
		idleRate, okIdle := p.rates.Rate(deviceID+"/cpu_idle", idle, at)
		totalRate, okTotal := p.rates.Rate(deviceID+"/cpu_total", total, at)
		if okIdle && okTotal && totalRate > 0 {
			data.CPUPercent = clampPercent(100 * (1 - idleRate/totalRate))
		}
	}

	total := gaugeValue(families, seriesMemTotal)
	avail := gaugeValue(families, seriesMemAvailable)
	if total > 0 {
		data.MemoryPercent = clampPercent(100 * (1 - avail/total))
	}

	if sizes, ok := families[seriesFSSize]; ok {
		fsSize := filesystemTotal(sizes)
		fsAvail := 0.0
		if avails, ok := families[seriesFSAvail]; ok {
			fsAvail = filesystemTotal(avails)
		}
		if fsSize > 0 {
			data.DiskPercent = clampPercent(100 * (1 - fsAvail/fsSize))
		}
	}

	if boot := gaugeValue(families, seriesBootTime); boot > 0 {
		data.UptimeSeconds = int64(at.Sub(time.Unix(int64(boot), 0)) / time.Second)
	}

	data.Ports = nicPorts(families)
	return data
}

// filesystemTotal sums a filesystem series across real mounts, skipping
// the pseudo filesystems that would double-count root.
func filesystemTotal(mf *dto.MetricFamily) float64 {
	seen := make(map[string]bool)
	sum := 0.0
	for _, m := range mf.GetMetric() {
		fstype := labelValue(m, "fstype")
		if fstype == "tmpfs" || fstype == "overlay" {
			continue
		}
		mount := labelValue(m, "mountpoint")
		if seen[mount] {
			continue
		}
		seen[mount] = true
		sum += metricValue(m)
	}
	return sum
}

func nicPorts(families map[string]*dto.MetricFamily) []models.Port {
	up := make(map[string]bool)
	if mf, ok := families[seriesNetUp]; ok {
		for _, m := range mf.GetMetric() {
			up[labelValue(m, "device")] = metricValue(m) == 1
		}
	}

	mf, ok := families[seriesNetReceive]
	if !ok {
		return nil
	}
	var ports []models.Port
	for _, m := range mf.GetMetric() {
		name := labelValue(m, "device")
		if name == "" || name == "lo" {
			continue
		}
		status := "down"
		if operUp, tracked := up[name]; !tracked || operUp {
			status = "up"
		}
		ports = append(ports, models.Port{Name: name, Status: status})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports
}

func nicCounters(families map[string]*dto.MetricFamily) []InterfaceCounters {
	rx, hasRx := families[seriesNetReceive]
	tx, hasTx := families[seriesNetTransmit]
	if !hasRx || !hasTx {
		return nil
	}

	byName := make(map[string]*InterfaceCounters)
	for _, m := range rx.GetMetric() {
		name := labelValue(m, "device")
		if name == "" || name == "lo" {
			continue
		}
		byName[name] = &InterfaceCounters{Name: name, InOctets: uint64(metricValue(m)), Bits: 64}
	}
	for _, m := range tx.GetMetric() {
		if c, ok := byName[labelValue(m, "device")]; ok {
			c.OutOctets = uint64(metricValue(m))
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	counters := make([]InterfaceCounters, 0, len(names))
	for _, name := range names {
		counters = append(counters, *byName[name])
	}
	return counters
}

// customMetrics evaluates the user-declared series from the credential
// bag. A declared series missing from the exposition is skipped, not an
// error; exporters add and drop series across upgrades.
func (p *PrometheusProber) customMetrics(device *models.Device, creds models.Credentials, families map[string]*dto.MetricFamily, at time.Time) []CustomMetricSample {
	raw := creds.Get("customMetrics", "")
	if raw == "" {
		return nil
	}

	var configs []models.PrometheusMetricConfig
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		log.Warn().Err(err).Str("device", device.Name).Msg("Invalid customMetrics credential, skipping")
		return nil
	}

	var samples []CustomMetricSample
	for _, cfg := range configs {
		mf, ok := families[cfg.MetricName]
		if !ok || len(mf.GetMetric()) == 0 {
			continue
		}
		rawValue := metricValue(mf.GetMetric()[0])

		sample := CustomMetricSample{Config: cfg, Value: rawValue, RawValue: rawValue}
		if cfg.Transform == "rate" {
			rate, ok := p.rates.Rate(device.ID+"/custom/"+cfg.ID, rawValue, at)
			if !ok {
				continue
			}
			sample.Value = rate
		}
		samples = append(samples, sample)
	}
	return samples
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	default:
		return 0
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// gaugeValue reads the first metric of a single-series family.
func gaugeValue(families map[string]*dto.MetricFamily, name string) float64 {
	mf, ok := families[name]
	if !ok || len(mf.GetMetric()) == 0 {
		return 0
	}
	return metricValue(mf.GetMetric()[0])
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
