package index

import (
	"runtime"

	"github.com/eth2030/docidx/internal/keyhash"
	"github.com/eth2030/docidx/internal/mph"
	"github.com/eth2030/docidx/internal/spscring"
)

// mergeEntry is one item staged through the consolidation pipeline's ring
// buffer: a base-tier entry or an eligible delta entry (live or
// tombstone), tagged with enough to update the running merge.
type mergeEntry[V any] struct {
	key   keyhash.Key
	hash  uint64
	value V
	tomb  bool
}

// mergeRingCapacity is the staging ring's size between the enumeration
// producer and this goroutine's consumer; a few pages' worth keeps the
// producer from blocking on a full ring under normal consolidation sizes
// without holding an unbounded amount of staged entries in flight.
const mergeRingCapacity = 4096
const mergeRingBatch = 64

// consolidate is the background consolidation pipeline (spec §4.5.5),
// invoked by worker.Runner's single-flight guard. Its error return is
// only used to drive Runner's failure counter; consolidation failures are
// logged here and never surfaced to readers or writers (spec §7: "MPH
// build failure -> abort consolidation, keep old snapshot").
func (ix *Index[V]) consolidate() error {
	cut := ix.seq.Load()
	oldBase := ix.base.Load()

	keys, hashes, values := ix.enumerateMergedKeySet(cut, oldBase)

	var newBase *mph.Snapshot[V]
	if len(hashes) == 0 {
		newBase = mph.EmptyAt[V](oldBase.Version + 1)
	} else {
		var err error
		newBase, err = ix.builder.Build(oldBase.Version+1, keys, hashes, values)
		if err != nil {
			ix.log.Error("consolidation: mph build failed, keeping old snapshot",
				"version", oldBase.Version, "cut", cut, "err", err)
			return err
		}
	}

	ix.base.Store(newBase)
	ix.delta.PruneUpTo(cut)

	if ix.cfg.ResetBloomOnConsolidate {
		ix.rebuildBloomFromResidualDelta()
	}

	ix.log.Info("consolidation complete",
		"old_version", oldBase.Version, "new_version", newBase.Version,
		"cut", cut, "base_len", newBase.Len())
	return nil
}

// enumerateMergedKeySet applies the delta's effects with seq <= cut onto
// the base snapshot's entries (spec §4.5.5 step 2), staging both sides
// through an SPSC ring between an enumeration goroutine (the producer)
// and this goroutine (the consumer building the merged key set) -- the
// same claim/commit-free handoff shape the consolidation pipeline was
// designed around, just with the index's own enumeration step instead of
// a generic worker-pool stage.
func (ix *Index[V]) enumerateMergedKeySet(cut uint64, oldBase *mph.Snapshot[V]) ([]keyhash.Key, []uint64, []V) {
	ring := spscring.New[mergeEntry[V]](mergeRingCapacity)
	done := make(chan struct{})

	go func() {
		defer close(done)
		p := ring.Producer(mergeRingBatch)
		defer p.Close()

		oldKeys := oldBase.Keys()
		oldHashes := oldBase.Hashes()
		oldValues := oldBase.Values()
		for i, h := range oldHashes {
			var k keyhash.Key
			if oldKeys != nil {
				k = oldKeys[i]
			}
			pushBlocking(p, mergeEntry[V]{key: k, hash: h, value: oldValues[i]})
		}

		for _, e := range ix.delta.SnapshotEntries() {
			if e.Seq > cut {
				continue
			}
			pushBlocking(p, mergeEntry[V]{
				key:   e.Key,
				hash:  keyhash.Hash64(e.Key),
				value: e.Value,
				tomb:  e.Tombstone,
			})
		}
	}()

	merged := make(map[uint64]mergeEntry[V], oldBase.Len())
	c := ring.Consumer(mergeRingBatch)
	for {
		item, ok := c.Pop()
		if ok {
			applyMergeEntry(merged, item)
			continue
		}
		select {
		case <-done:
			drainRemaining(c, merged)
			goto finalize
		default:
			runtime.Gosched()
		}
	}

finalize:
	keys := make([]keyhash.Key, 0, len(merged))
	hashes := make([]uint64, 0, len(merged))
	values := make([]V, 0, len(merged))
	for _, e := range merged {
		keys = append(keys, e.key)
		hashes = append(hashes, e.hash)
		values = append(values, e.value)
	}
	return keys, hashes, values
}

func applyMergeEntry[V any](merged map[uint64]mergeEntry[V], item mergeEntry[V]) {
	if item.tomb {
		delete(merged, item.hash)
		return
	}
	merged[item.hash] = item
}

func drainRemaining[V any](c *spscring.ConsumerHandle[mergeEntry[V]], merged map[uint64]mergeEntry[V]) {
	for {
		item, ok := c.Pop()
		if !ok {
			return
		}
		applyMergeEntry(merged, item)
	}
}

// pushBlocking spins until the ring has room -- the producer goroutine
// has nothing better to do than wait for the consumer to catch up, since
// it is itself the only thing feeding that consumer.
func pushBlocking[V any](p *spscring.ProducerHandle[mergeEntry[V]], item mergeEntry[V]) {
	for !p.Push(item) {
		p.Flush()
		runtime.Gosched()
	}
}

// rebuildBloomFromResidualDelta resets the Bloom filter and reinserts the
// hashes of every entry remaining in the delta after PruneUpTo. See
// Config.ResetBloomOnConsolidate's doc comment for why this is opt-in.
func (ix *Index[V]) rebuildBloomFromResidualDelta() {
	ix.bloom.Reset()
	for _, e := range ix.delta.SnapshotEntries() {
		ix.bloom.InsertPrehashed(keyhash.Hash64(e.Key))
	}
}
