package obsmetrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExporter_WriteTo(t *testing.T) {
	r := NewRegistry()
	r.Counter("consolidations.total").Add(2)
	r.Gauge("len_delta").Set(5)
	r.Histogram("bucket.fullness").Observe(0.3)

	exp := NewPrometheusExporter(r, PrometheusConfig{Namespace: "docidx"})
	var b strings.Builder
	exp.WriteTo(&b)
	out := b.String()

	for _, want := range []string{
		"docidx_consolidations_total 2",
		"docidx_len_delta 5",
		"docidx_bucket_fullness_count 1",
		"# TYPE docidx_consolidations_total counter",
		"# TYPE docidx_len_delta gauge",
		"# TYPE docidx_bucket_fullness summary",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition output missing %q:\n%s", want, out)
		}
	}
}

func TestExporter_Handler(t *testing.T) {
	r := NewRegistry()
	r.Gauge("version").Set(1)
	exp := NewPrometheusExporter(r, DefaultPrometheusConfig())

	srv := httptest.NewServer(exp.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp2, err := http.Post(srv.URL+"/metrics", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /metrics: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d, want 405", resp2.StatusCode)
	}
}
