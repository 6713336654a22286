package index

import (
	"sync/atomic"

	"github.com/eth2030/docidx/internal/bloomguard"
	"github.com/eth2030/docidx/internal/delta"
	"github.com/eth2030/docidx/internal/keyhash"
	"github.com/eth2030/docidx/internal/mph"
	"github.com/eth2030/docidx/internal/obslog"
	"github.com/eth2030/docidx/internal/obsmetrics"
	"github.com/eth2030/docidx/internal/segstream"
	"github.com/eth2030/docidx/internal/worker"
)

// consolidateCheckMask bounds how often Upsert/Delete probe
// MaybeConsolidate: spec §4.5.3 step 4 says "occasionally", not "every
// write" -- ShouldConsolidate's Len() scan is O(num_buckets) and has no
// business running on every hot-path call.
const consolidateCheckMask = uint64(63)

// auditLogPageSize is the segstream page size backing Index.Audit(): small
// enough that a short-lived test doesn't allocate a second page, large
// enough that steady-state append doesn't rotate pages constantly.
const auditLogPageSize = 256

// KV is a key/value pair yielded by IterWithKeys.
type KV[V any] struct {
	Key   keyhash.Key
	Value V
}

// AuditEntry is one committed mutation as seen by the audit feed (spec §6
// "provided contracts": the stream presents an append-only feed whose
// cursors are stable across concurrent appends). Every Upsert/Delete
// appends exactly one entry carrying its Seq. The entry is appended after
// the delta write, so under concurrent writers the feed order can differ
// from Seq order.
type AuditEntry[V any] struct {
	Key       keyhash.Key
	Value     V
	Tombstone bool
	Seq       uint64
}

// Index is the optimised index facade (spec §4.5): delta overlay + MPH
// base snapshot + Bloom guard + EWMA router, composed behind a typed,
// in-process API.
type Index[V any] struct {
	cfg Config

	delta   *delta.Delta[V]
	bloom   *bloomguard.Guard
	base    atomic.Pointer[mph.Snapshot[V]]
	seq     atomic.Uint64
	router  *router
	builder mph.Builder[V]
	runner  worker.Runner

	log     *obslog.Logger
	metrics *obsmetrics.Registry
	audit   *segstream.Stream[AuditEntry[V]]
}

// New constructs an Index over an initial base snapshot (nil means an
// empty base) per spec §6 "new(cfg, initial_snapshot) -> Index".
func New[V any](cfg Config, initialSnapshot *mph.Snapshot[V]) (*Index[V], error) {
	cfg = cfg.withDefaults()

	d, err := delta.New[V](delta.Config{BucketBits: cfg.BucketBits, BucketSlots: cfg.BucketSlots})
	if err != nil {
		return nil, err
	}
	if initialSnapshot == nil {
		initialSnapshot = mph.Empty[V]()
	}

	ix := &Index[V]{
		cfg:     cfg,
		delta:   d,
		bloom:   bloomguard.New(cfg.BloomExpectedCardinality, cfg.BloomFPR),
		router:  newRouter(cfg.EWMAAlpha, cfg.EWMAHi, cfg.EWMALo),
		builder: mph.BBHashBuilder[V]{Gamma: cfg.MPHGamma},
		log:     cfg.Logger,
		metrics: obsmetrics.NewRegistry(),
		audit:   segstream.New[AuditEntry[V]](auditLogPageSize),
	}
	ix.base.Store(initialSnapshot)
	return ix, nil
}

// Get is the read path (spec §4.5.2): one shared hash feeds Bloom, delta,
// and base-tier fp16 verification.
func (ix *Index[V]) Get(key keyhash.Key) (V, bool) {
	var zero V
	h := keyhash.Hash64(key)

	if ix.bloom.MightContainPrehashed(h) {
		if v, ok := ix.delta.GetHashed(key, h); ok {
			ix.router.sample(1.0)
			return v, true
		}
	}

	snap := ix.base.Load()
	v, ok := snap.Lookup(h)
	ix.router.sample(0.0)
	if !ok {
		return zero, false
	}
	return v, true
}

// Upsert installs value for key (spec §4.5.3).
func (ix *Index[V]) Upsert(key keyhash.Key, value V) error {
	s := ix.seq.Add(1)
	h := keyhash.Hash64(key)

	if err := ix.delta.UpsertHashed(key, h, value, s); err != nil {
		return err
	}
	ix.bloom.InsertPrehashed(h)
	ix.audit.Append(AuditEntry[V]{Key: key, Value: value, Seq: s})

	if s&consolidateCheckMask == 0 {
		ix.MaybeConsolidate()
	}
	return nil
}

// Delete tombstones key (spec §4.5.3). Per spec §8's round-trip property
// this is a no-op as observed by Get -- a subsequent Get(key) always
// misses, whether or not key was ever present -- even though internally
// (see internal/delta) it always leaves a durable tombstone marker to
// shadow a base-only key.
func (ix *Index[V]) Delete(key keyhash.Key) error {
	s := ix.seq.Add(1)
	h := keyhash.Hash64(key)

	if err := ix.delta.DeleteHashed(key, h, s); err != nil {
		return err
	}
	ix.audit.Append(AuditEntry[V]{Key: key, Tombstone: true, Seq: s})

	if s&consolidateCheckMask == 0 {
		ix.MaybeConsolidate()
	}
	return nil
}

// Iter returns every live value with snapshot-at-start semantics (spec
// §6, §8 scenario 4). See IterWithKeys for the merge rule.
func (ix *Index[V]) Iter() []V {
	kvs := ix.IterWithKeys()
	out := make([]V, len(kvs))
	for i, kv := range kvs {
		out[i] = kv.Value
	}
	return out
}

// IterWithKeys merges the base snapshot (hoisted once) with the delta's
// live overlay (hoisted once, snapshot-at-start per delta.Iter): delta
// entries win over base entries for the same key, live delta entries are
// included, tombstoned ones are excluded (by either tier).
func (ix *Index[V]) IterWithKeys() []KV[V] {
	snap := ix.base.Load()
	baseKeys := snap.Keys()
	baseValues := snap.Values()

	out := make(map[keyhash.Key]V, snap.Len())
	if baseKeys != nil {
		for i, k := range baseKeys {
			out[k] = baseValues[i]
		}
	}

	for _, entry := range ix.delta.SnapshotEntries() {
		if entry.Tombstone {
			delete(out, entry.Key)
			continue
		}
		out[entry.Key] = entry.Value
	}

	result := make([]KV[V], 0, len(out))
	for k, v := range out {
		result = append(result, KV[V]{Key: k, Value: v})
	}
	return result
}

// Audit returns a new cursor over the append-only audit feed, positioned
// at the start of the stream. Multiple independent cursors may read
// concurrently; see internal/segstream.
func (ix *Index[V]) Audit() *segstream.Cursor[AuditEntry[V]] {
	return ix.audit.Cursor()
}

// MaybeConsolidate is the non-blocking consolidation hint (spec §6
// "maybe_consolidate()"): if len(delta) has grown large enough relative to
// len(base) and no consolidation is already running, it launches one in
// the background and returns true immediately; otherwise it returns false
// without blocking the caller.
func (ix *Index[V]) MaybeConsolidate() bool {
	base := ix.base.Load()
	if !worker.ShouldConsolidate(ix.delta.Len(), base.Len(), ix.cfg.ConsolidateTriggerPercent) {
		return false
	}
	return ix.runner.TryRun(ix.consolidate)
}

// WaitForConsolidation blocks until any in-flight consolidation finishes.
// Intended for tests; never call this from a read or write hot path.
func (ix *Index[V]) WaitForConsolidation() {
	ix.runner.Wait()
}
