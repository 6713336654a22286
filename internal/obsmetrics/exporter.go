package obsmetrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
)

// PrometheusConfig configures the Prometheus exporter.
type PrometheusConfig struct {
	// Namespace is an optional prefix prepended to all metric names
	// (e.g. "docidx" produces "docidx_delta_len").
	Namespace string
	// Path is the HTTP path to serve metrics on (default "/metrics").
	Path string
}

// DefaultPrometheusConfig returns a config with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{Namespace: "docidx", Path: "/metrics"}
}

// PrometheusExporter formats and serves a Registry's metrics in Prometheus
// text exposition format. Trimmed from the teacher's exporter: no runtime
// (goroutine/memstats) section and no custom collector registry, since the
// index has nothing analogous to the chain client's pluggable subsystems --
// every metric it exposes already lives in one Registry.
type PrometheusExporter struct {
	config   PrometheusConfig
	registry *Registry
}

// NewPrometheusExporter creates an exporter that reads from registry.
func NewPrometheusExporter(registry *Registry, config PrometheusConfig) *PrometheusExporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	return &PrometheusExporter{config: config, registry: registry}
}

// Handler returns an http.Handler that serves the metrics endpoint.
func (pe *PrometheusExporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pe.config.Path, pe.handleMetrics)
	return mux
}

// WriteTo renders the current registry snapshot in Prometheus text format.
func (pe *PrometheusExporter) WriteTo(b *strings.Builder) {
	pe.registry.mu.RLock()
	defer pe.registry.mu.RUnlock()

	for _, name := range sortedKeys(pe.registry.counters) {
		c := pe.registry.counters[name]
		promName := pe.promName(name)
		writeHelp(b, promName, name)
		writeType(b, promName, "counter")
		fmt.Fprintf(b, "%s %d\n", promName, c.Value())
	}

	for _, name := range sortedKeys(pe.registry.gauges) {
		g := pe.registry.gauges[name]
		promName := pe.promName(name)
		writeHelp(b, promName, name)
		writeType(b, promName, "gauge")
		fmt.Fprintf(b, "%s %d\n", promName, g.Value())
	}

	for _, name := range sortedKeys(pe.registry.histograms) {
		h := pe.registry.histograms[name]
		promName := pe.promName(name)
		writeHelp(b, promName, name)
		writeType(b, promName, "summary")
		fmt.Fprintf(b, "%s_count %d\n", promName, h.Count())
		fmt.Fprintf(b, "%s_sum %s\n", promName, formatFloat(h.Sum()))
		if h.Count() > 0 {
			fmt.Fprintf(b, "%s_min %s\n", promName, formatFloat(h.Min()))
			fmt.Fprintf(b, "%s_max %s\n", promName, formatFloat(h.Max()))
			fmt.Fprintf(b, "%s_mean %s\n", promName, formatFloat(h.Mean()))
		}
	}
}

func (pe *PrometheusExporter) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	var b strings.Builder
	pe.WriteTo(&b)
	w.Write([]byte(b.String()))
}

// promName converts a dot-separated metric name to Prometheus format: dots
// become underscores, and the namespace prefix is prepended.
func (pe *PrometheusExporter) promName(name string) string {
	sanitized := strings.ReplaceAll(name, ".", "_")
	sanitized = strings.ReplaceAll(sanitized, "-", "_")
	if pe.config.Namespace != "" {
		return pe.config.Namespace + "_" + sanitized
	}
	return sanitized
}

func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%g", v)
}

func writeHelp(b *strings.Builder, name, description string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, description)
}

func writeType(b *strings.Builder, name, metricType string) {
	fmt.Fprintf(b, "# TYPE %s %s\n", name, metricType)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
