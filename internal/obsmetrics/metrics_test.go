package obsmetrics

import "testing"

func TestCounter_IncAndAdd(t *testing.T) {
	c := NewCounter("delta.upserts")
	if c.Value() != 0 {
		t.Fatalf("initial value = %d, want 0", c.Value())
	}
	c.Inc()
	c.Add(9)
	if c.Value() != 10 {
		t.Fatalf("value = %d, want 10", c.Value())
	}
	// Negative adds must be ignored (counters are monotonic).
	c.Add(-5)
	if c.Value() != 10 {
		t.Fatalf("value after Add(-5) = %d, want 10 (negatives ignored)", c.Value())
	}
	if c.Name() != "delta.upserts" {
		t.Fatalf("name = %q, want %q", c.Name(), "delta.upserts")
	}
}

func TestGauge_SetIncDec(t *testing.T) {
	g := NewGauge("delta.len")
	g.Set(42)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 41 {
		t.Fatalf("value = %d, want 41", g.Value())
	}
}

func TestHistogram_Observe(t *testing.T) {
	h := NewHistogram("bucket.fullness")
	if h.Count() != 0 || h.Min() != 0 || h.Max() != 0 || h.Mean() != 0 {
		t.Fatal("empty histogram should report all zeros")
	}
	h.Observe(0.1)
	h.Observe(0.5)
	h.Observe(0.9)
	if h.Count() != 3 {
		t.Fatalf("count = %d, want 3", h.Count())
	}
	if h.Min() != 0.1 {
		t.Fatalf("min = %v, want 0.1", h.Min())
	}
	if h.Max() != 0.9 {
		t.Fatalf("max = %v, want 0.9", h.Max())
	}
	if mean := h.Mean(); mean < 0.49 || mean > 0.51 {
		t.Fatalf("mean = %v, want ~0.5", mean)
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry()
	c1 := r.Counter("consolidations.total")
	c2 := r.Counter("consolidations.total")
	if c1 != c2 {
		t.Fatal("Counter() should return the same instance for the same name")
	}
	g1 := r.Gauge("version")
	g1.Set(7)
	if r.Gauge("version").Value() != 7 {
		t.Fatal("Gauge() should return the same instance for the same name")
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Counter("consolidations.total").Add(3)
	r.Gauge("len_base").Set(100)
	r.Histogram("bucket.fullness").Observe(0.25)

	snap := r.Snapshot()
	if snap["consolidations.total"] != int64(3) {
		t.Fatalf("consolidations.total = %v, want 3", snap["consolidations.total"])
	}
	if snap["len_base"] != int64(100) {
		t.Fatalf("len_base = %v, want 100", snap["len_base"])
	}
	hist, ok := snap["bucket.fullness"].(map[string]interface{})
	if !ok {
		t.Fatal("bucket.fullness snapshot should be a map")
	}
	if hist["count"] != int64(1) {
		t.Fatalf("bucket.fullness count = %v, want 1", hist["count"])
	}
}
