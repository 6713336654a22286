package index

import (
	"sync"
	"testing"
	"time"

	"github.com/eth2030/docidx/internal/keyhash"
)

func keyOf(n uint64) keyhash.Key {
	var k keyhash.Key
	k[8] = byte(n)
	k[9] = byte(n >> 8)
	k[10] = byte(n >> 16)
	k[11] = byte(n >> 24)
	k[12] = byte(n >> 32)
	k[13] = byte(n >> 40)
	k[14] = byte(n >> 48)
	k[15] = byte(n >> 56)
	return k
}

func smallConfig() Config {
	return Config{BucketBits: 3, BucketSlots: 8, BloomFPR: 0.01}
}

// TestInsertAndRead is spec §8 scenario 1.
func TestInsertAndRead(t *testing.T) {
	ix, err := New[int](smallConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	k := keyOf(1)
	if err := ix.Upsert(k, 1); err != nil {
		t.Fatal(err)
	}
	if v, ok := ix.Get(k); !ok || v != 1 {
		t.Fatalf("Get(same key) = (%d, %v), want (1, true)", v, ok)
	}
	if _, ok := ix.Get(keyOf(2)); ok {
		t.Fatal("Get(any other key) should miss")
	}
}

// TestUpdateAtomicity is spec §8 scenario 2.
func TestUpdateAtomicity(t *testing.T) {
	ix, _ := New[int](Config{BucketBits: 3, BucketSlots: 8}, nil)
	k := keyOf(7)
	if err := ix.Upsert(k, 100); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	const itersPerWriter = 1000
	valid := map[int]bool{100: true}
	var validMu sync.Mutex

	stop := make(chan struct{})
	var writerWg, readerWg sync.WaitGroup

	writerWg.Add(writers)
	for w := 0; w < writers; w++ {
		w := w
		go func() {
			defer writerWg.Done()
			for i := 0; i < itersPerWriter; i++ {
				val := w*itersPerWriter + i + 1
				if err := ix.Upsert(k, val); err != nil {
					t.Errorf("writer %d: Upsert failed: %v", w, err)
					return
				}
				validMu.Lock()
				valid[val] = true
				validMu.Unlock()
			}
		}()
	}

	const readers = 8
	readerWg.Add(readers)
	for r := 0; r < readers; r++ {
		go func() {
			defer readerWg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, ok := ix.Get(k)
				if !ok {
					t.Error("reader observed a missing key mid-update")
					return
				}
				validMu.Lock()
				isValid := valid[v]
				validMu.Unlock()
				if !isValid {
					t.Errorf("reader observed impossible value %d", v)
					return
				}
			}
		}()
	}

	writerWg.Wait()
	close(stop)
	readerWg.Wait()
}

// TestDeleteVisibility is spec §8 scenario 3.
func TestDeleteVisibility(t *testing.T) {
	ix, _ := New[int](smallConfig(), nil)
	k := keyOf(42)
	if err := ix.Upsert(k, 42); err != nil {
		t.Fatal(err)
	}
	if v, ok := ix.Get(k); !ok || v != 42 {
		t.Fatalf("Get() after upsert = (%d, %v)", v, ok)
	}
	if err := ix.Delete(k); err != nil {
		t.Fatal(err)
	}
	if _, ok := ix.Get(k); ok {
		t.Fatal("Get() after delete should miss")
	}
	if err := ix.Upsert(k, 43); err != nil {
		t.Fatal(err)
	}
	if v, ok := ix.Get(k); !ok || v != 43 {
		t.Fatalf("Get() after reinsert = (%d, %v)", v, ok)
	}
}

// TestDeleteOnAbsentKeyIsObservablyNoop matches the round-trip property
// from spec §8: "delete(k) on absent k is a no-op" -- as observed through
// Get, which is all this property constrains (internally a tombstone is
// still recorded; see internal/delta's Delete for why).
func TestDeleteOnAbsentKeyIsObservablyNoop(t *testing.T) {
	ix, _ := New[int](smallConfig(), nil)
	k := keyOf(999)
	if _, ok := ix.Get(k); ok {
		t.Fatal("Get() on never-inserted key should miss before delete")
	}
	if err := ix.Delete(k); err != nil {
		t.Fatal(err)
	}
	if _, ok := ix.Get(k); ok {
		t.Fatal("Get() on never-inserted key should still miss after delete")
	}
}

// TestIterationSnapshot is spec §8 scenario 4.
func TestIterationSnapshot(t *testing.T) {
	ix, _ := New[int](Config{BucketBits: 8, BucketSlots: 16}, nil)
	for i := uint64(1); i <= 1000; i++ {
		if err := ix.Upsert(keyOf(i), int(i)); err != nil {
			t.Fatalf("Upsert(%d): %v", i, err)
		}
	}

	got := ix.Iter()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 500; i++ {
			_ = ix.Delete(keyOf(i))
		}
	}()
	wg.Wait()

	seen := make(map[int]bool, len(got))
	for _, v := range got {
		if v < 1 || v > 1000 {
			t.Fatalf("iter yielded out-of-range value %d", v)
		}
		if seen[v] {
			t.Fatalf("iter yielded duplicate value %d", v)
		}
		seen[v] = true
	}
}

// TestConsolidationCorrectness is spec §8 scenario 5.
func TestConsolidationCorrectness(t *testing.T) {
	ix, err := New[uint64](Config{BucketBits: 14, BucketSlots: 16, ConsolidateTriggerPercent: 0.01}, nil)
	if err != nil {
		t.Fatal(err)
	}

	for k := uint64(1); k <= 10000; k++ {
		if err := ix.Upsert(keyOf(k), k); err != nil {
			t.Fatalf("Upsert(%d): %v", k, err)
		}
		if v, ok := ix.Get(keyOf(k)); !ok || v != k {
			t.Fatalf("Get(%d) before consolidation = (%d, %v)", k, v, ok)
		}
	}

	if !ix.MaybeConsolidate() {
		t.Fatal("MaybeConsolidate() did not trigger with a full delta and empty base")
	}
	ix.WaitForConsolidation()

	for k := uint64(1); k <= 10000; k++ {
		if v, ok := ix.Get(keyOf(k)); !ok || v != k {
			t.Fatalf("Get(%d) after consolidation = (%d, %v)", k, v, ok)
		}
	}

	if err := ix.Delete(keyOf(5000)); err != nil {
		t.Fatal(err)
	}
	if _, ok := ix.Get(keyOf(5000)); ok {
		t.Fatal("Get(5000) after delete should miss")
	}

	if !ix.MaybeConsolidate() {
		t.Fatal("MaybeConsolidate() did not trigger for the second consolidation")
	}
	ix.WaitForConsolidation()

	if _, ok := ix.Get(keyOf(5000)); ok {
		t.Fatal("Get(5000) after second consolidation should still miss")
	}
	for _, k := range []uint64{1, 4999, 5001, 10000} {
		if v, ok := ix.Get(keyOf(k)); !ok || v != k {
			t.Fatalf("Get(%d) after second consolidation = (%d, %v)", k, v, ok)
		}
	}

	stats := ix.Stats()
	if stats.LenBase != 9999 {
		t.Fatalf("Stats().LenBase = %d, want 9999", stats.LenBase)
	}
}

// TestRoutingFlip is spec §8 scenario 6 with an empty base and 10 delta
// keys, to keep the test fast; the hysteresis mechanics under test do not
// depend on the absolute base/delta sizes, only on the sampled hit rate.
func TestRoutingFlip(t *testing.T) {
	ix, _ := New[int](Config{
		BucketBits:  10,
		BucketSlots: 8,
		EWMAAlpha:   0.2,
		EWMAHi:      0.2,
		EWMALo:      0.1,
	}, nil)

	const deltaKeys = 10
	for i := uint64(1); i <= deltaKeys; i++ {
		if err := ix.Upsert(keyOf(i), int(i)); err != nil {
			t.Fatal(err)
		}
	}
	missKey := keyOf(999999)

	// 90% delta hits: repeatedly sample until the EWMA has converged
	// above ewma_hi.
	for i := 0; i < 200; i++ {
		if i%10 == 0 {
			ix.Get(missKey)
		} else {
			ix.Get(keyOf(uint64(i%deltaKeys) + 1))
		}
		if ix.Stats().ModeDeltaFirst {
			break
		}
	}
	if !ix.Stats().ModeDeltaFirst {
		t.Fatal("ModeDeltaFirst did not flip true under a 90%-delta-hit workload")
	}

	// 99% delta misses: drive the rate back down below ewma_lo.
	for i := 0; i < 400; i++ {
		if i%100 == 0 {
			ix.Get(keyOf(1))
		} else {
			ix.Get(missKey)
		}
		if !ix.Stats().ModeDeltaFirst {
			break
		}
	}
	if ix.Stats().ModeDeltaFirst {
		t.Fatal("ModeDeltaFirst did not flip back to false under a 99%-delta-miss workload")
	}
}

func TestAuditFeedRecordsMutationsInOrder(t *testing.T) {
	ix, _ := New[int](smallConfig(), nil)
	k1, k2 := keyOf(1), keyOf(2)
	_ = ix.Upsert(k1, 10)
	_ = ix.Upsert(k2, 20)
	_ = ix.Delete(k1)

	cur := ix.Audit()
	var entries []AuditEntry[int]
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Key != k1 || entries[0].Value != 10 || entries[0].Tombstone {
		t.Fatalf("entries[0] = %+v, want live upsert of k1=10", entries[0])
	}
	if entries[1].Key != k2 || entries[1].Value != 20 || entries[1].Tombstone {
		t.Fatalf("entries[1] = %+v, want live upsert of k2=20", entries[1])
	}
	if entries[2].Key != k1 || !entries[2].Tombstone {
		t.Fatalf("entries[2] = %+v, want tombstone for k1", entries[2])
	}
}

func TestIterWithKeysMergesBaseAndDelta(t *testing.T) {
	ix, _ := New[int](Config{BucketBits: 6, BucketSlots: 8}, nil)
	for k := uint64(1); k <= 100; k++ {
		_ = ix.Upsert(keyOf(k), int(k))
	}
	if !ix.MaybeConsolidate() {
		t.Fatal("expected consolidation to trigger")
	}
	ix.WaitForConsolidation()

	// Now the base holds 1..100; add delta-only entries and a delete of
	// a base-only key, and confirm the merge reflects both tiers.
	_ = ix.Upsert(keyOf(101), 101)
	_ = ix.Delete(keyOf(50))

	got := ix.IterWithKeys()
	seen := make(map[uint64]int, len(got))
	for _, kv := range got {
		var n uint64
		for i := 8; i < 16; i++ {
			n |= uint64(kv.Key[i]) << uint((i-8)*8)
		}
		seen[n] = kv.Value
	}
	if len(seen) != 100 {
		t.Fatalf("len(seen) = %d, want 100 (100 base keys - 1 deleted + 1 delta-only)", len(seen))
	}
	if _, ok := seen[50]; ok {
		t.Fatal("deleted key 50 should not appear in IterWithKeys()")
	}
	if v, ok := seen[101]; !ok || v != 101 {
		t.Fatalf("delta-only key 101 = (%d, %v), want (101, true)", v, ok)
	}
	if v, ok := seen[1]; !ok || v != 1 {
		t.Fatalf("base key 1 = (%d, %v), want (1, true)", v, ok)
	}
}

func TestMaybeConsolidateSkipsWhileAlreadyRunning(t *testing.T) {
	ix, _ := New[int](Config{BucketBits: 8, BucketSlots: 16, ConsolidateTriggerPercent: 1}, nil)
	for k := uint64(1); k <= 200; k++ {
		_ = ix.Upsert(keyOf(k), int(k))
	}
	if !ix.MaybeConsolidate() {
		t.Fatal("first MaybeConsolidate() should trigger")
	}
	// A second call racing the first in-flight run should be a no-op
	// rather than starting a concurrent rebuild; this is a timing-
	// dependent best-effort check, not a strict guarantee, so only assert
	// that the call does not panic or deadlock.
	ix.MaybeConsolidate()
	ix.WaitForConsolidation()

	deadline := time.After(time.Second)
	for {
		stats := ix.Stats()
		if stats.Version >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("consolidation never published a new version")
		default:
		}
	}
}
