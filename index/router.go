package index

import (
	"sync/atomic"

	"github.com/eth2030/docidx/internal/ewma"
)

// router tracks delta-hit-rate via an EWMA and exposes a hysteresis-guarded
// delta_first mode flag (spec §4.5.4). Every get samples it with 1.0 on a
// delta hit and 0.0 otherwise; deltaFirst flips true above ewma_hi and
// false below ewma_lo, with hi > lo preventing flapping near one
// threshold.
//
// get's actual probe order does not depend on deltaFirst: per spec
// §4.5.2, both the delta-first and base-first branches reduce to the same
// control flow ("if bloom.might_contain, probe delta; on hit return, on
// miss fall through to base") once Bloom is consulted in either mode --
// the mode only changes which path is the *expected* hot one, which this
// package exposes via Stats for observability rather than branching get
// itself on it.
type router struct {
	deltaFirst atomic.Bool
	hitRate    *ewma.EWMA
	hi, lo     float64
}

func newRouter(alpha, hi, lo float64) *router {
	return &router{hitRate: ewma.New(alpha), hi: hi, lo: lo}
}

// sample records a 0.0/1.0 delta-hit indicator and re-evaluates the
// hysteresis flip.
func (r *router) sample(v float64) {
	r.hitRate.Update(v)
	rate := r.hitRate.Rate()
	if !r.deltaFirst.Load() && rate > r.hi {
		r.deltaFirst.Store(true)
	} else if r.deltaFirst.Load() && rate < r.lo {
		r.deltaFirst.Store(false)
	}
}

func (r *router) isDeltaFirst() bool { return r.deltaFirst.Load() }

func (r *router) rate() float64 { return r.hitRate.Rate() }
