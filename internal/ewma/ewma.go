// Package ewma implements an exponentially weighted moving average of a
// 0.0/1.0 sample stream, used by the index's router (spec §4.5.4) to
// track delta-hit-rate and drive the hysteresis-guarded delta_first flip.
//
// This is the same EWMA shape as wyf-ACCEPT-eth2030's pkg/metrics/ewma.go
// but samples immediately into the running rate (Update(sample)) rather
// than accumulating an uncounted throughput count for periodic Tick()
// calls: the router's signal is "was this get a delta hit", sampled once
// per get, not an event count ticked on a timer.
package ewma

import "sync"

// EWMA is safe for concurrent use.
type EWMA struct {
	alpha float64

	mu   sync.Mutex
	rate float64
	init bool
}

// New creates an EWMA with smoothing factor alpha in (0, 1]. Larger alpha
// weights recent samples more heavily.
func New(alpha float64) *EWMA {
	if alpha <= 0 {
		alpha = 0.2
	}
	if alpha > 1 {
		alpha = 1
	}
	return &EWMA{alpha: alpha}
}

// Update blends sample (expected to be 0.0 or 1.0, a hit/miss indicator)
// into the running rate: v <- alpha*sample + (1-alpha)*v. The first
// sample seeds the rate directly, matching the teacher's own
// first-tick-seeds-the-rate convention.
func (e *EWMA) Update(sample float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.init {
		e.rate += e.alpha * (sample - e.rate)
	} else {
		e.rate = sample
		e.init = true
	}
}

// Rate returns the current smoothed rate.
func (e *EWMA) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}
