// Package bandwidth derives link rates from monotonically increasing
// interface counters sampled by the probers.
package bandwidth

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/models"
)

// CounterSample is one raw octet-counter reading for a monitored connection
type CounterSample struct {
	InOctets  uint64
	OutOctets uint64
	Bits      int // counter width, 32 or 64
	At        time.Time
}

// Rate is a derived emission. IsStale marks a sample that followed a gap
// longer than the stale window; its rates are zero and must not be charted.
type Rate struct {
	InBitsPerSec  float64
	OutBitsPerSec float64
	Utilisation   float64 // percent, clamped to [0,100]
	IsStale       bool
	At            time.Time
}

// Differencer holds per-connection counter baselines and turns successive
// samples into bits/sec. Wrap handling distinguishes a true counter wrap
// from a device reboot by bounding the wrapped delta against ten times the
// link capacity over the elapsed window; implausible deltas replace the
// baseline without emitting.
type Differencer struct {
	mu       sync.Mutex
	interval func() time.Duration
	previous map[string]CounterSample
}

// New creates a Differencer. interval provides the current polling
// interval; the stale window is three times its value.
func New(interval func() time.Duration) *Differencer {
	if interval == nil {
		interval = func() time.Duration { return 30 * time.Second }
	}
	return &Differencer{
		interval: interval,
		previous: make(map[string]CounterSample),
	}
}

// Prime seeds a connection's baseline from a persisted snapshot so rates
// resume after a restart without waiting out a full priming cycle.
func (d *Differencer) Prime(connectionID string, stats *models.LinkStats) {
	if stats == nil || stats.SampledAt.IsZero() || stats.CounterBits == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.previous[connectionID]; exists {
		return
	}
	d.previous[connectionID] = CounterSample{
		InOctets:  stats.LastInOctets,
		OutOctets: stats.LastOutOctets,
		Bits:      stats.CounterBits,
		At:        stats.SampledAt,
	}
}

// Observe ingests one counter sample. The second return is false when
// nothing should be emitted: first sample for the connection, time not
// advancing, or a suspected reboot.
func (d *Differencer) Observe(connectionID string, speed models.LinkSpeed, sample CounterSample) (Rate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, exists := d.previous[connectionID]
	if !exists {
		d.previous[connectionID] = sample
		return Rate{}, false
	}

	elapsed := sample.At.Sub(prev.At)
	if elapsed <= 0 {
		return Rate{}, false
	}

	staleGap := 3 * d.interval()
	if elapsed > staleGap {
		d.previous[connectionID] = sample
		return Rate{IsStale: true, At: sample.At}, true
	}

	// A width change means the source switched counter families; deltas
	// across the switch are meaningless.
	if sample.Bits != prev.Bits {
		d.previous[connectionID] = sample
		return Rate{}, false
	}

	speedBits := float64(speed.BitsPerSec())
	elapsedSec := elapsed.Seconds()

	inDelta, inOK := counterDelta(prev.InOctets, sample.InOctets, prev.Bits, speedBits, elapsedSec)
	outDelta, outOK := counterDelta(prev.OutOctets, sample.OutOctets, prev.Bits, speedBits, elapsedSec)
	if !inOK || !outOK {
		// Reboot reset the counters; re-baseline silently.
		log.Debug().
			Str("connectionId", connectionID).
			Uint64("prevIn", prev.InOctets).
			Uint64("currentIn", sample.InOctets).
			Msg("Counter reset detected, re-baselining connection")
		d.previous[connectionID] = sample
		return Rate{}, false
	}

	d.previous[connectionID] = sample

	rate := Rate{
		InBitsPerSec:  float64(inDelta) * 8 / elapsedSec,
		OutBitsPerSec: float64(outDelta) * 8 / elapsedSec,
		At:            sample.At,
	}
	rate.Utilisation = utilisation(rate.InBitsPerSec, rate.OutBitsPerSec, speedBits, connectionID)
	return rate, true
}

// counterDelta computes the octet delta between two readings, handling a
// wrap at the counter width. A wrapped delta exceeding ten times the link
// capacity over the window is treated as a reboot and reported not-ok.
func counterDelta(prev, cur uint64, bits int, speedBits, elapsedSec float64) (uint64, bool) {
	if cur >= prev {
		return cur - prev, true
	}

	var delta uint64
	if bits == 32 {
		delta = (1<<32 - prev) + cur
	} else {
		// Unsigned subtraction wraps modulo 2^64.
		delta = cur - prev
	}

	if speedBits <= 0 {
		return 0, false
	}
	if float64(delta)*8 >= 10*speedBits*elapsedSec {
		return 0, false
	}
	return delta, true
}

func utilisation(inBps, outBps, speedBits float64, connectionID string) float64 {
	if speedBits <= 0 {
		return 0
	}
	peak := inBps
	if outBps > peak {
		peak = outBps
	}
	util := 100 * peak / speedBits
	if util < 0 {
		return 0
	}
	if util > 100 {
		log.Warn().
			Str("connectionId", connectionID).
			Float64("utilisation", util).
			Msg("Utilisation above 100%, clamping; link speed may be misconfigured")
		return 100
	}
	return util
}

// Forget drops the baseline for a removed or reconfigured connection
func (d *Differencer) Forget(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.previous, connectionID)
}

// Cleanup removes baselines not refreshed since the cutoff, bounding memory
// when connections are deleted
func (d *Differencer) Cleanup(cutoff time.Time) (removed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, sample := range d.previous {
		if sample.At.Before(cutoff) {
			delete(d.previous, id)
			removed++
		}
	}
	return removed
}
