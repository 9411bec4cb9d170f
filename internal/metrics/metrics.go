// Package metrics exposes the pipeline's prometheus collectors, grounded on
// the teacher's pkg/metrics.Metrics: a dedicated Registry and namespaced
// vectors rather than the global default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "contributor_pipeline"

// Metrics bundles every collector the orchestrator registers. One instance
// is constructed per process and threaded through the stages and scheduler
// that report against it.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal           *prometheus.CounterVec
	RunDuration         *prometheus.HistogramVec
	ItemsProcessedTotal *prometheus.CounterVec
	EnrichmentAttempts  *prometheus.CounterVec
	ProviderRequests    *prometheus.CounterVec
	RateLimitRemaining  prometheus.Gauge
	HTTPInFlight        prometheus.Gauge
}

// New constructs and registers every collector against a fresh Registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total", Help: "Pipeline runs by type and outcome.",
		}, []string{"pipeline_type", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds", Help: "Pipeline run duration by type.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"pipeline_type"}),
		ItemsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_processed_total", Help: "Items processed by pipeline type.",
		}, []string{"pipeline_type"}),
		EnrichmentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "enrichment_attempts_total", Help: "Enrichment attempts by entity table and outcome.",
		}, []string{"table", "outcome"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_requests_total", Help: "Provider API calls by endpoint and status class.",
		}, []string{"endpoint", "status_class"}),
		RateLimitRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "provider_rate_limit_remaining", Help: "Last observed remaining provider quota.",
		}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "http_inflight_requests", Help: "In-flight control-plane HTTP requests.",
		}),
	}

	reg.MustRegister(m.RunsTotal, m.RunDuration, m.ItemsProcessedTotal, m.EnrichmentAttempts,
		m.ProviderRequests, m.RateLimitRemaining, m.HTTPInFlight)
	return m
}
