// Package index implements the optimised index facade (spec §4.5): the
// component external callers actually use, composing the radix delta
// overlay, the MPH base snapshot, the Bloom membership guard, and the
// EWMA-driven router into one authoritative mapping with delta-wins
// semantics between consolidations.
package index

import (
	"github.com/eth2030/docidx/internal/obslog"
)

// Config configures an Index's fixed capacity and tuning knobs (spec
// §4.5.1). The zero value is not directly usable for every field --
// construct with DefaultConfig and override only what the caller cares
// about, matching the teacher's DefaultSharedMempoolConfig /
// DefaultPipelineConfig / DefaultJrnlConfig convention throughout
// pkg/txpool, pkg/das, pkg/rpc.
type Config struct {
	// BucketBits sizes the delta's bucket directory to 2^BucketBits.
	BucketBits uint
	// BucketSlots is S, slots per delta bucket (power of two, <= 64).
	BucketSlots uint64

	// BloomExpectedCardinality sizes the Bloom filter for roughly this
	// many live delta keys.
	BloomExpectedCardinality int
	// BloomFPR is the Bloom filter's target false-positive rate.
	BloomFPR float64

	// EWMAAlpha is the router's smoothing factor.
	EWMAAlpha float64
	// EWMAHi is the hysteresis threshold above which the router flips to
	// delta-first.
	EWMAHi float64
	// EWMALo is the hysteresis threshold below which the router flips
	// back to base-first. Must be < EWMAHi or the mode will flap.
	EWMALo float64

	// ConsolidateTriggerPercent is len(delta)/len(base)*100 at which
	// MaybeConsolidate admits a consolidation run.
	ConsolidateTriggerPercent float64

	// ResetBloomOnConsolidate, if true, clears and rebuilds the Bloom
	// filter from the residual delta after every consolidation (spec
	// §4.5.5 step 6, "optionally"). Default false: a reset-then-rebuild
	// window is not atomic with respect to concurrent writers, so a key
	// upserted between Reset() and the rebuild loop completing would be
	// invisible to the Bloom filter until its insert call lands --
	// transiently violating the zero-false-negatives guarantee. Leaving
	// stale bits set costs only an extra false positive, never a false
	// negative (see bloomguard.Guard.Reset), so the default favours
	// correctness over Bloom-filter tightness.
	ResetBloomOnConsolidate bool

	// MPHGamma is passed through to the default BBHash-backed builder;
	// zero picks BBHash's own recommended default.
	MPHGamma float64

	// Logger receives consolidation-path log entries (never the hot
	// path). Defaults to obslog.Default()'s "index" subsystem logger.
	Logger *obslog.Logger
}

// DefaultConfig returns production-sensible defaults.
func DefaultConfig() Config {
	return Config{
		BucketBits:                16,
		BucketSlots:               8,
		BloomExpectedCardinality:  1 << 20,
		BloomFPR:                  0.01,
		EWMAAlpha:                 0.2,
		EWMAHi:                    0.2,
		EWMALo:                    0.1,
		ConsolidateTriggerPercent: 20,
		ResetBloomOnConsolidate:   false,
	}
}

// withDefaults fills each zero-valued Bloom, EWMA and trigger tunable with
// DefaultConfig's value (and a nil Logger with the default one), so
// callers can construct a Config{BucketBits: 3, BucketSlots: 8} literal
// (as spec §8's scenarios do) without having to restate every field.
// BucketBits, BucketSlots and MPHGamma are passed through as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BloomExpectedCardinality == 0 {
		c.BloomExpectedCardinality = d.BloomExpectedCardinality
	}
	if c.BloomFPR == 0 {
		c.BloomFPR = d.BloomFPR
	}
	if c.EWMAAlpha == 0 {
		c.EWMAAlpha = d.EWMAAlpha
	}
	if c.EWMAHi == 0 {
		c.EWMAHi = d.EWMAHi
	}
	if c.EWMALo == 0 {
		c.EWMALo = d.EWMALo
	}
	if c.ConsolidateTriggerPercent == 0 {
		c.ConsolidateTriggerPercent = d.ConsolidateTriggerPercent
	}
	if c.Logger == nil {
		c.Logger = obslog.Default().Subsystem("index")
	}
	return c
}
