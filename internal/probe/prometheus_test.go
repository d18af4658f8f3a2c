package probe

import (
	"context"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
)

const expositionFirst = `# TYPE node_cpu_seconds_total counter
node_cpu_seconds_total{cpu="0",mode="idle"} 100
node_cpu_seconds_total{cpu="0",mode="user"} 100
# TYPE node_memory_MemTotal_bytes gauge
node_memory_MemTotal_bytes 8000000000
# TYPE node_memory_MemAvailable_bytes gauge
node_memory_MemAvailable_bytes 2000000000
# TYPE node_filesystem_size_bytes gauge
node_filesystem_size_bytes{device="/dev/sda1",fstype="ext4",mountpoint="/"} 100000000000
node_filesystem_size_bytes{device="tmpfs",fstype="tmpfs",mountpoint="/run"} 4000000000
# TYPE node_filesystem_avail_bytes gauge
node_filesystem_avail_bytes{device="/dev/sda1",fstype="ext4",mountpoint="/"} 40000000000
node_filesystem_avail_bytes{device="tmpfs",fstype="tmpfs",mountpoint="/run"} 4000000000
# TYPE node_boot_time_seconds gauge
node_boot_time_seconds 1700000000
# TYPE node_network_receive_bytes_total counter
node_network_receive_bytes_total{device="eth0"} 5000000
node_network_receive_bytes_total{device="lo"} 12345
# TYPE node_network_transmit_bytes_total counter
node_network_transmit_bytes_total{device="eth0"} 7000000
node_network_transmit_bytes_total{device="lo"} 12345
# TYPE node_network_up gauge
node_network_up{device="eth0"} 1
# TYPE node_uname_info gauge
node_uname_info{machine="x86_64",nodename="web-01",release="6.8.0-45-generic"} 1
# TYPE my_gauge gauge
my_gauge 42
# TYPE my_requests_total counter
my_requests_total 1000
`

const expositionSecond = `# TYPE node_cpu_seconds_total counter
node_cpu_seconds_total{cpu="0",mode="idle"} 104
node_cpu_seconds_total{cpu="0",mode="user"} 116
# TYPE node_memory_MemTotal_bytes gauge
node_memory_MemTotal_bytes 8000000000
# TYPE node_memory_MemAvailable_bytes gauge
node_memory_MemAvailable_bytes 2000000000
# TYPE my_gauge gauge
my_gauge 43
# TYPE my_requests_total counter
my_requests_total 1600
`

// exporterDevice points a device and credential bag at a test server.
func exporterDevice(t *testing.T, serverURL string) (*models.Device, models.Credentials) {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	device := &models.Device{ID: "dev-prom", Name: "web-01", Kind: models.KindGenericPrometheus, Address: host}
	creds := models.Credentials{
		"scheme": u.Scheme,
		"port":   port,
		"customMetrics": `[{"id":"m1","metricName":"my_gauge","displayName":"Gauge"},` +
			`{"id":"m2","metricName":"my_requests_total","transform":"rate"}]`,
	}
	return device, creds
}

func customByID(samples []CustomMetricSample, id string) (CustomMetricSample, bool) {
	for _, s := range samples {
		if s.Config.ID == id {
			return s, true
		}
	}
	return CustomMetricSample{}, false
}

func TestPrometheusProbeParsesNodeExporter(t *testing.T) {
	var scrapes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			http.NotFound(w, r)
			return
		}
		if scrapes.Add(1) == 1 {
			w.Write([]byte(expositionFirst))
			return
		}
		w.Write([]byte(expositionSecond))
	}))
	defer server.Close()

	device, creds := exporterDevice(t, server.URL)
	prober := NewPrometheusProber()
	ctx := context.Background()

	sample, err := prober.Probe(ctx, device, creds)
	if err != nil {
		t.Fatalf("first probe returned error: %v", err)
	}
	if !sample.Success || sample.Data == nil {
		t.Fatalf("first probe sample = %+v", sample)
	}

	data := sample.Data
	if data.Identity != "web-01" {
		t.Errorf("Identity = %q, want web-01", data.Identity)
	}
	if data.Version != "6.8.0-45-generic" {
		t.Errorf("Version = %q", data.Version)
	}
	if data.CPUPercent != 0 {
		t.Errorf("first scrape CPUPercent = %v, want 0 (rate needs two samples)", data.CPUPercent)
	}
	if data.MemoryPercent != 75 {
		t.Errorf("MemoryPercent = %v, want 75", data.MemoryPercent)
	}
	if data.DiskPercent != 60 {
		t.Errorf("DiskPercent = %v, want 60 (tmpfs excluded)", data.DiskPercent)
	}
	if data.UptimeSeconds <= 0 {
		t.Errorf("UptimeSeconds = %d, want positive", data.UptimeSeconds)
	}

	if len(sample.Counters) != 1 {
		t.Fatalf("got %d counters, want 1 (lo skipped)", len(sample.Counters))
	}
	c := sample.Counters[0]
	if c.Name != "eth0" || c.InOctets != 5000000 || c.OutOctets != 7000000 || c.Bits != 64 {
		t.Errorf("counters = %+v", c)
	}
	if len(data.Ports) != 1 || data.Ports[0].Name != "eth0" || data.Ports[0].Status != "up" {
		t.Errorf("ports = %+v", data.Ports)
	}

	if got, ok := customByID(sample.Custom, "m1"); !ok || got.Value != 42 {
		t.Errorf("m1 = %+v (ok=%v), want gauge 42", got, ok)
	}
	if _, ok := customByID(sample.Custom, "m2"); ok {
		t.Error("m2 emitted on first scrape; rate transform needs a baseline")
	}

	// Let the wall clock advance so the second scrape yields rates.
	time.Sleep(20 * time.Millisecond)

	sample, err = prober.Probe(ctx, device, creds)
	if err != nil {
		t.Fatalf("second probe returned error: %v", err)
	}
	// Idle advanced 4 of 20 total CPU seconds, so 80% busy.
	if math.Abs(sample.Data.CPUPercent-80) > 0.5 {
		t.Errorf("second scrape CPUPercent = %v, want ~80", sample.Data.CPUPercent)
	}
	m2, ok := customByID(sample.Custom, "m2")
	if !ok {
		t.Fatal("m2 missing on second scrape")
	}
	if m2.RawValue != 1600 {
		t.Errorf("m2 RawValue = %v, want 1600", m2.RawValue)
	}
	if m2.Value <= 0 {
		t.Errorf("m2 rate = %v, want positive", m2.Value)
	}
}

func TestPrometheusProbeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "exporter exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	device, creds := exporterDevice(t, server.URL)
	_, err := NewPrometheusProber().Probe(context.Background(), device, creds)
	if err == nil {
		t.Fatal("expected error from failing exporter")
	}
	if errors.TypeOf(err) != errors.ErrorTypeProtocol {
		t.Errorf("error type = %v, want protocol", errors.TypeOf(err))
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %v, want status code mention", err)
	}
}

func TestPrometheusProbeConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	device, creds := exporterDevice(t, server.URL)
	server.Close()

	_, err := NewPrometheusProber().Probe(context.Background(), device, creds)
	if err == nil {
		t.Fatal("expected error for closed endpoint")
	}
	if errors.TypeOf(err) != errors.ErrorTypeTransientNetwork {
		t.Errorf("error type = %v, want transient_network", errors.TypeOf(err))
	}
}
