package index

import "github.com/eth2030/docidx/internal/obsmetrics"

// Stats is the informational snapshot from spec §6 "stats() -> {
// version, len_base, len_delta, mode_delta_first, bloom_fpr_estimate,
// bucket_fullness_histogram }". Never errors. Its component reads are
// not taken atomically together, so under concurrent writes the fields
// need not describe one single instant (stats is advisory, not a
// consistency boundary).
type Stats struct {
	Version            uint64
	LenBase            int
	LenDelta           int
	ModeDeltaFirst     bool
	DeltaHitRate       float64
	BloomFPREstimate   float64
	BucketFullnessMean float64
	BucketFullnessMax  float64
	ConsolidationRuns  uint64
	ConsolidationSkips uint64
	ConsolidationFails uint64
}

// Stats gathers the current informational snapshot.
func (ix *Index[V]) Stats() Stats {
	base := ix.base.Load()
	runs, skips, failed := ix.runner.Stats()

	hist := obsmetrics.NewHistogram("bucket_fullness")
	for _, f := range ix.delta.BucketFullness() {
		hist.Observe(f)
	}

	return Stats{
		Version:            base.Version,
		LenBase:            base.Len(),
		LenDelta:           ix.delta.Len(),
		ModeDeltaFirst:     ix.router.isDeltaFirst(),
		DeltaHitRate:       ix.router.rate(),
		BloomFPREstimate:   ix.bloom.FPREstimate(),
		BucketFullnessMean: hist.Mean(),
		BucketFullnessMax:  hist.Max(),
		ConsolidationRuns:  runs,
		ConsolidationSkips: skips,
		ConsolidationFails: failed,
	}
}

// MetricsRegistry exposes the index's obsmetrics.Registry so callers can
// wire it to a PrometheusExporter alongside whatever else they meter.
func (ix *Index[V]) MetricsRegistry() *obsmetrics.Registry {
	ix.metrics.Gauge("docidx_base_len").Set(int64(ix.base.Load().Len()))
	ix.metrics.Gauge("docidx_delta_len").Set(int64(ix.delta.Len()))
	return ix.metrics
}
