package probe

import (
	"time"

	"github.com/corebit/corebit/internal/models"
)

// InterfaceCounters is one interface's raw octet counters as read by a
// prober. Bits records the counter width so the differencer can apply the
// right wrap arithmetic.
type InterfaceCounters struct {
	Name      string
	SNMPIndex int
	InOctets  uint64
	OutOctets uint64
	Bits      int // 32 or 64
}

// CustomMetricSample is one user-declared Prometheus series reading.
// Value carries the transformed reading (rate for counters); RawValue is
// the scraped gauge value.
type CustomMetricSample struct {
	Config   models.PrometheusMetricConfig
	Value    float64
	RawValue float64
}

// Sample is the complete result of probing one device once. Data is nil
// on failure; Counters, VMs and Custom are filled only by the probers
// that produce them.
type Sample struct {
	Success  bool
	RTT      time.Duration
	Data     *models.DeviceData
	Counters []InterfaceCounters
	VMs      []models.ProxmoxVM
	Custom   []CustomMetricSample
	Err      error
	At       time.Time
}

func failedSample(err error) *Sample {
	return &Sample{Success: false, Err: err, At: time.Now()}
}

// CounterFor picks the counter reading a connection monitor refers to:
// by SNMP index when configured, by port name otherwise.
func (s *Sample) CounterFor(snmpIndex int, portName string) (InterfaceCounters, bool) {
	if snmpIndex > 0 {
		for _, c := range s.Counters {
			if c.SNMPIndex == snmpIndex {
				return c, true
			}
		}
	}
	if portName != "" {
		for _, c := range s.Counters {
			if c.Name == portName {
				return c, true
			}
		}
	}
	return InterfaceCounters{}, false
}
