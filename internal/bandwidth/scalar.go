package bandwidth

import (
	"strings"
	"sync"
	"time"
)

type scalarSample struct {
	value float64
	at    time.Time
}

// ScalarTracker derives per-second rates from single monotonic counters,
// the one-value sibling of Differencer. The Prometheus prober feeds it
// cumulative CPU seconds and user-declared counter series, keyed by
// device id plus series name.
type ScalarTracker struct {
	mu   sync.Mutex
	prev map[string]scalarSample
}

func NewScalarTracker() *ScalarTracker {
	return &ScalarTracker{prev: make(map[string]scalarSample)}
}

// Rate returns the per-second rate of key since its previous observation.
// The first observation primes the baseline and reports not-ok, as does a
// value moving backwards (exporter restart) or time not advancing.
func (t *ScalarTracker) Rate(key string, value float64, at time.Time) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, exists := t.prev[key]
	t.prev[key] = scalarSample{value: value, at: at}
	if !exists {
		return 0, false
	}

	elapsed := at.Sub(prev.at).Seconds()
	if elapsed <= 0 || value < prev.value {
		return 0, false
	}
	return (value - prev.value) / elapsed, true
}

// ForgetPrefix drops every baseline whose key starts with prefix, all of
// one device's series when the device is deleted.
func (t *ScalarTracker) ForgetPrefix(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.prev {
		if strings.HasPrefix(key, prefix) {
			delete(t.prev, key)
		}
	}
}

// Cleanup removes baselines not refreshed since the cutoff.
func (t *ScalarTracker) Cleanup(cutoff time.Time) (removed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, s := range t.prev {
		if s.at.Before(cutoff) {
			delete(t.prev, key)
			removed++
		}
	}
	return removed
}
