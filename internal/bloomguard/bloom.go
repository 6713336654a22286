// Package bloomguard wraps a blocked Bloom filter as the delta-membership
// hint described in spec §4.4 ("Bloom filter") and §4.5.2: the index's
// single per-operation hash feeds straight into the filter with no
// re-hashing, and membership checks are always consulted regardless of
// the router's current mode. A mutex arbitrates insert against query
// since the underlying filter's own atomic insert path is documented
// unsafe to race against a plain read.
package bloomguard

import (
	"math"
	"sync"

	"github.com/greatroar/blobloom"
)

// Guard sizes and owns a Bloom filter tuned for an expected cardinality
// and target false-positive rate.
//
// blobloom's AddAtomic documents that no other method on the same Filter
// may run concurrently with it; Has does a plain, non-atomic bit read and
// is not safe to race against AddAtomic's CAS. mu enforces that: inserts
// take it exclusively, queries take it shared, so concurrent queries
// never block each other but never overlap an insert either.
type Guard struct {
	mu     sync.RWMutex
	filter *blobloom.Filter
}

// New sizes a filter for expectedCardinality keys at targetFPR false
// positives, following the standard optimal-m/k formulas; blobloom itself
// rounds the bit count up to a whole number of its internal cache-line
// blocks and the hash count up to at least 2.
func New(expectedCardinality int, targetFPR float64) *Guard {
	if expectedCardinality < 1 {
		expectedCardinality = 1
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}
	n := float64(expectedCardinality)
	m := math.Ceil(-n * math.Log(targetFPR) / (math.Ln2 * math.Ln2))
	k := int(math.Round(m / n * math.Ln2))
	return &Guard{filter: blobloom.New(uint64(m), k)}
}

// InsertPrehashed marks h as a delta member. Safe for concurrent writers
// and safe to call alongside concurrent MightContainPrehashed readers.
func (g *Guard) InsertPrehashed(h uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filter.AddAtomic(h)
}

// MightContainPrehashed reports whether h might be a delta member. False
// negatives are impossible: if InsertPrehashed(h) happens-before this
// call, it is guaranteed to return true. False positives are bounded by
// the filter's sizing.
func (g *Guard) MightContainPrehashed(h uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.filter.Has(h)
}

// Reset clears the filter, used after consolidation prunes the delta
// down to its residual contents (spec §4.5.5 step 6). The caller is
// responsible for re-inserting whatever residual delta keys remain, if it
// chooses the "rebuild from scratch" policy rather than leaving stale
// bits set (stale set bits only ever cost an extra false positive, never
// a false negative, so a full rebuild is optional, not required).
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.filter.Clear()
}

// FPREstimate reports the filter's best estimate of its own current
// false-positive-rate pressure, derived from its measured bit
// cardinality, for the stats() bloom_fpr_estimate field.
func (g *Guard) FPREstimate() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ones := g.filter.Cardinality()
	bits := float64(g.filter.NumBits())
	if bits == 0 {
		return 0
	}
	fillRatio := ones / bits
	// Approximate k from how the filter was constructed is not exposed,
	// so this estimate uses the fill ratio alone as a coarse signal
	// (fillRatio^k would be exact with k in hand); callers that need the
	// precise FPR should track it from Guard's own New() parameters.
	return fillRatio
}
