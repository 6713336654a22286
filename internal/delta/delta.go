// Package delta implements the radix delta overlay: a fixed-capacity,
// lock-free, mask-driven open-addressed hash table that absorbs every
// mutation (insert, update, delete-as-tombstone) with a single atomic
// publication per change. It is the mutable tier of docidx; the MPH base
// snapshot is the immutable tier.
package delta

import (
	"errors"
	"sync/atomic"

	"github.com/eth2030/docidx/internal/keyhash"
)

// Delta errors.
var (
	// ErrBucketFull is returned when a bucket's S slots are already all
	// live and an insert cannot find room. Per spec §4.4.4 this is a
	// hard, non-recoverable condition at this layer: there is no rebuild
	// path here. Provision bucket_bits/bucket_slots conservatively
	// relative to expected cardinality and hash dispersion.
	ErrBucketFull = errors.New("delta: bucket is full")
)

const (
	kindLive      uint8 = 0
	kindTombstone uint8 = 1
)

// record occupies a fixed slot within a bucket. It is written in its
// entirety (kind, key, value) before its slot bit is published in the
// bucket's mask.
type record[V any] struct {
	kind  uint8
	key   keyhash.Key
	value V
	// seq is the sequence number the owning Index assigned to the write
	// that produced this slot's current contents; consolidation uses it
	// to decide which live/tombstone slots are eligible for a given cut.
	seq uint64
}

// bucket is a fixed-capacity open-addressed cell with S slots.
//
// mask is the sole publication point: bit i set means slot i holds a
// fully-written, live record. claimed is an internal reservation bitmap
// not described directly in the bucket layout a reader ever inspects; it
// exists purely to give two concurrent inserts that land on the same
// preferred slot mutual exclusion over *which* empty slot each writes
// into, without ever publishing a slot as live before its record is
// fully written. Readers never load claimed.
type bucket[V any] struct {
	mask    atomic.Uint64
	claimed atomic.Uint64
	tags    []uint8
	records []record[V]
}

func newBucket[V any](slots uint64) *bucket[V] {
	return &bucket[V]{
		tags:    make([]uint8, slots),
		records: make([]record[V], slots),
	}
}

// Delta is the bucket directory together with the hash-bit configuration
// used to route keys to buckets/tags/slots.
type Delta[V any] struct {
	layout  keyhash.Layout
	slots   uint64
	buckets []*bucket[V]
}

// Config configures a Delta's fixed capacity.
type Config struct {
	// BucketBits sizes the bucket directory to 2^BucketBits buckets.
	BucketBits uint
	// BucketSlots is S, the number of record slots per bucket. Must be a
	// power of two, S <= 64.
	BucketSlots uint64
}

// New allocates a Delta's bucket directory. The directory is allocated
// once here and freed only when the Delta is garbage collected; there is
// no growth path.
func New[V any](cfg Config) (*Delta[V], error) {
	layout := keyhash.Layout{BucketBits: cfg.BucketBits, SlotBits: slotBitsFor(cfg.BucketSlots)}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.BucketSlots == 0 || cfg.BucketSlots > 64 || cfg.BucketSlots&(cfg.BucketSlots-1) != 0 {
		return nil, errors.New("delta: bucket_slots must be a power of two and <= 64")
	}

	n := layout.NumBuckets()
	buckets := make([]*bucket[V], n)
	for i := range buckets {
		buckets[i] = newBucket[V](cfg.BucketSlots)
	}
	return &Delta[V]{layout: layout, slots: cfg.BucketSlots, buckets: buckets}, nil
}

func slotBitsFor(slots uint64) uint {
	var b uint
	for (uint64(1) << b) < slots {
		b++
	}
	return b
}

// Layout exposes the hash-bit configuration in use, so callers (notably
// the index facade) can derive bucket/tag/slot once per hashed key and
// share it across Bloom/delta/fp16 lookups.
func (d *Delta[V]) Layout() keyhash.Layout { return d.layout }

// BucketSlots returns S.
func (d *Delta[V]) BucketSlots() uint64 { return d.slots }

// Get is the read path (spec §4.4.2). It performs exactly one atomic load
// on the miss-empty path and exactly one on the match path.
func (d *Delta[V]) Get(key keyhash.Key) (V, bool) {
	h := keyhash.Hash64(key)
	return d.GetHashed(key, h)
}

// GetHashed is Get with a precomputed hash, letting the index facade
// share one hash(key) across Bloom, delta, and fp16 verification.
func (d *Delta[V]) GetHashed(key keyhash.Key, h uint64) (V, bool) {
	var zero V
	sp := keyhash.SplitHash(h, d.layout, d.slots)
	b := d.buckets[sp.Bucket]

	slot, found := d.findLiveSlot(b, sp, key)
	if !found {
		return zero, false
	}
	return b.records[slot].value, true
}

// Upsert inserts key -> value if key is not already present, or installs
// value as key's new live value if it is (spec §4.4.2). seq tags this
// mutation for consolidation's cut decision.
func (d *Delta[V]) Upsert(key keyhash.Key, value V, seq uint64) error {
	h := keyhash.Hash64(key)
	return d.UpsertHashed(key, h, value, seq)
}

// UpsertHashed is Upsert with a precomputed hash.
func (d *Delta[V]) UpsertHashed(key keyhash.Key, h uint64, value V, seq uint64) error {
	sp := keyhash.SplitHash(h, d.layout, d.slots)
	b := d.buckets[sp.Bucket]

	if oldSlot, found := d.findAnySlot(b, sp, key); found {
		return d.updateSwap(b, sp, key, kindLive, value, seq, oldSlot)
	}
	return d.insertNew(b, sp, key, kindLive, value, seq)
}

// findLiveSlot scans b for key, returning its slot if it holds a live
// (non-tombstone) record matching key exactly. Used by Get, where a
// tombstone must NOT count as a match: a tombstoned key reads as a miss,
// exactly like an absent one.
func (d *Delta[V]) findLiveSlot(b *bucket[V], sp keyhash.Split, key keyhash.Key) (uint64, bool) {
	return d.findSlot(b, sp, key, true)
}

// findAnySlot scans b for key regardless of kind. Both Upsert and Delete
// use this: each key has at most one published slot at a time, live or
// tombstoned, and every write swaps that single slot rather than leaving
// a stale tombstone (or stale live record) behind to race with the new
// one during probing.
func (d *Delta[V]) findAnySlot(b *bucket[V], sp keyhash.Split, key keyhash.Key) (uint64, bool) {
	return d.findSlot(b, sp, key, false)
}

func (d *Delta[V]) findSlot(b *bucket[V], sp keyhash.Split, key keyhash.Key, liveOnly bool) (uint64, bool) {
	m := b.mask.Load() // acquire
	if m == 0 {
		return 0, false
	}
	for off := uint64(0); off < d.slots; off++ {
		slot := (sp.Slot + off) & (d.slots - 1)
		if m&(1<<slot) == 0 {
			continue
		}
		if b.tags[slot] != sp.Tag {
			continue
		}
		rec := b.records[slot]
		if rec.key != key {
			continue
		}
		if liveOnly && rec.kind != kindLive {
			continue
		}
		return slot, true
	}
	return 0, false
}

// claimEmptySlot reserves an empty slot starting from the preferred slot,
// excluding any slot bits set in skip. It retries against concurrent
// claims by other writers racing for the same candidate slot, bounded by
// S attempts, matching the bounded-CAS-retry progress guarantee spec'd
// for update-swap (§4.4.4) extended here to insert-side contention.
func (d *Delta[V]) claimEmptySlot(b *bucket[V], sp keyhash.Split, skip uint64) (uint64, error) {
	for attempt := uint64(0); attempt < d.slots; attempt++ {
		m := b.mask.Load()
		c := b.claimed.Load()
		occupied := m | c | skip

		slot, ok := firstClear(occupied, sp.Slot, d.slots)
		if !ok {
			return 0, ErrBucketFull
		}
		if b.claimed.CompareAndSwap(c, c|(1<<slot)) {
			return slot, nil
		}
		// Lost the race for this candidate; retry with fresh state.
	}
	return 0, ErrBucketFull
}

func firstClear(occupied uint64, start, slots uint64) (uint64, bool) {
	for off := uint64(0); off < slots; off++ {
		slot := (start + off) & (slots - 1)
		if occupied&(1<<slot) == 0 {
			return slot, true
		}
	}
	return 0, false
}

func (d *Delta[V]) insertNew(b *bucket[V], sp keyhash.Split, key keyhash.Key, kind uint8, value V, seq uint64) error {
	slot, err := d.claimEmptySlot(b, sp, 0)
	if err != nil {
		return err
	}
	b.records[slot] = record[V]{kind: kind, key: key, value: value, seq: seq}
	b.tags[slot] = sp.Tag
	b.mask.Or(1 << slot) // release: publish
	b.claimed.And(^(uint64(1) << slot))
	return nil
}

func (d *Delta[V]) updateSwap(b *bucket[V], sp keyhash.Split, key keyhash.Key, kind uint8, value V, seq uint64, oldSlot uint64) error {
	newSlot, err := d.claimEmptySlot(b, sp, 1<<oldSlot)
	if err != nil {
		return err
	}
	b.records[newSlot] = record[V]{kind: kind, key: key, value: value, seq: seq}
	b.tags[newSlot] = sp.Tag

	// CAS-loop the live set across to newSlot, never overwriting oldSlot
	// in place: a reader holding an older mask snapshot must still see
	// either the old value, the new value, or neither -- never a mix.
	for {
		old := b.mask.Load()
		next := (old | (1 << newSlot)) &^ (1 << oldSlot)
		if b.mask.CompareAndSwap(old, next) {
			break
		}
	}
	b.claimed.And(^(uint64(1) << newSlot))
	return nil
}

// Delete tombstones key (spec §4.4.2), tagged with seq for consolidation's
// cut decision. Two cases, mirroring Upsert:
//
//   - key already has a published delta slot (live or tombstone): swap it
//     to a new slot carrying a tombstone record, by the same
//     never-overwrite-in-place CAS used by update (readers see the old
//     value, the tombstone, or neither).
//   - key has no published delta slot: insert a brand-new tombstone record.
//     This is the published/mask-set case the facade relies on to shadow
//     a key that only exists in the current MPH base snapshot -- without
//     it, deleting a key absorbed by a prior consolidation would be
//     invisible to the delta and Get would fall through to the (stale)
//     base value. The tombstone is pruned like any other slot once
//     consolidation's cut passes its seq.
//
// Unlike the literal single-case read-path deletion, this never no-ops:
// every Delete call leaves a durable marker in the delta, because the
// delta alone cannot tell whether an unknown key is genuinely absent or
// merely consolidated into the base.
func (d *Delta[V]) Delete(key keyhash.Key, seq uint64) error {
	h := keyhash.Hash64(key)
	return d.DeleteHashed(key, h, seq)
}

// DeleteHashed is Delete with a precomputed hash.
func (d *Delta[V]) DeleteHashed(key keyhash.Key, h uint64, seq uint64) error {
	var zero V
	sp := keyhash.SplitHash(h, d.layout, d.slots)
	b := d.buckets[sp.Bucket]

	if oldSlot, found := d.findAnySlot(b, sp, key); found {
		return d.updateSwap(b, sp, key, kindTombstone, zero, seq, oldSlot)
	}
	return d.insertNew(b, sp, key, kindTombstone, zero, seq)
}

// Iter returns every live value, with snapshot-at-start semantics: every
// bucket's mask is hoisted with one acquire load up front, then the scan
// proceeds with zero further atomics. Concurrent mutations during the
// scan may or may not be reflected; no torn reads ever occur because each
// hoisted bit refers to a fully-written record at hoist time.
func (d *Delta[V]) Iter() []V {
	masks := d.hoistMasks()
	out := make([]V, 0, len(d.buckets))
	for bi, m := range masks {
		if m == 0 {
			continue
		}
		b := d.buckets[bi]
		for slot := uint64(0); slot < d.slots; slot++ {
			if m&(1<<slot) == 0 {
				continue
			}
			if b.records[slot].kind == kindTombstone {
				continue
			}
			out = append(out, b.records[slot].value)
		}
	}
	return out
}

// IterWithKeys mirrors Iter, yielding key/value pairs.
func (d *Delta[V]) IterWithKeys() []KV[V] {
	masks := d.hoistMasks()
	out := make([]KV[V], 0, len(d.buckets))
	for bi, m := range masks {
		if m == 0 {
			continue
		}
		b := d.buckets[bi]
		for slot := uint64(0); slot < d.slots; slot++ {
			if m&(1<<slot) == 0 {
				continue
			}
			if b.records[slot].kind == kindTombstone {
				continue
			}
			out = append(out, KV[V]{Key: b.records[slot].key, Value: b.records[slot].value})
		}
	}
	return out
}

// SnapshotEntries hoists every published slot, live or tombstoned, with
// snapshot-at-start semantics like Iter. Consolidation (spec §4.5.5) needs
// this over Iter/IterWithKeys because it must apply tombstones with
// seq <= cut as key removals from the base, not skip them.
func (d *Delta[V]) SnapshotEntries() []Entry[V] {
	masks := d.hoistMasks()
	out := make([]Entry[V], 0, len(d.buckets))
	for bi, m := range masks {
		if m == 0 {
			continue
		}
		b := d.buckets[bi]
		for slot := uint64(0); slot < d.slots; slot++ {
			if m&(1<<slot) == 0 {
				continue
			}
			rec := b.records[slot]
			out = append(out, Entry[V]{
				Key:       rec.key,
				Value:     rec.value,
				Tombstone: rec.kind == kindTombstone,
				Seq:       rec.seq,
			})
		}
	}
	return out
}

// Entry is one published delta slot as seen by consolidation: either a
// live upsert or a tombstoned delete, each tagged with the seq of the
// write that produced it.
type Entry[V any] struct {
	Key       keyhash.Key
	Value     V
	Tombstone bool
	Seq       uint64
}

// KV is a key/value pair yielded by IterWithKeys.
type KV[V any] struct {
	Key   keyhash.Key
	Value V
}

func (d *Delta[V]) hoistMasks() []uint64 {
	masks := make([]uint64, len(d.buckets))
	for i, b := range d.buckets {
		masks[i] = b.mask.Load() // acquire
	}
	return masks
}

// ClearAll stores zero into every bucket's mask, logically clearing the
// delta. Previously live records remain physically in place and are
// reused by subsequent inserts into the same slots.
func (d *Delta[V]) ClearAll() {
	for _, b := range d.buckets {
		b.mask.Store(0)
		b.claimed.Store(0)
	}
}

// Len returns the number of published slots across all buckets, live
// values and tombstones alike. It is an O(num_buckets) popcount scan,
// intended for stats/consolidation trigger checks rather than the hot path.
func (d *Delta[V]) Len() int {
	n := 0
	for _, b := range d.buckets {
		n += popcount(b.mask.Load())
	}
	return n
}

// BucketFullness returns, per bucket, the fraction of slots currently
// published, live or tombstone (0.0 to 1.0), for the stats()
// bucket-fullness histogram.
func (d *Delta[V]) BucketFullness() []float64 {
	out := make([]float64, len(d.buckets))
	for i, b := range d.buckets {
		out[i] = float64(popcount(b.mask.Load())) / float64(d.slots)
	}
	return out
}

func popcount(x uint64) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

// PruneUpTo clears the mask bit of every live or tombstoned slot whose
// seq is <= cut, per consolidation's step 5 (spec §4.5.5): those entries
// have just been absorbed into the new base snapshot and must be removed
// from the delta so future reads route to the base instead. Slots with
// seq > cut (written after the cut was taken) are left untouched.
func (d *Delta[V]) PruneUpTo(cut uint64) {
	for _, b := range d.buckets {
		m := b.mask.Load()
		if m == 0 {
			continue
		}
		var clear uint64
		for slot := uint64(0); slot < d.slots; slot++ {
			if m&(1<<slot) == 0 {
				continue
			}
			if b.records[slot].seq <= cut {
				clear |= 1 << slot
			}
		}
		if clear == 0 {
			continue
		}
		for {
			old := b.mask.Load()
			next := old &^ clear
			if b.mask.CompareAndSwap(old, next) {
				break
			}
		}
		b.claimed.And(^clear)
	}
}
