// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal counts finished sync jobs by vendor and final status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorsync",
		Name:      "jobs_total",
		Help:      "Finished sync jobs by vendor and status",
	}, []string{"vendor", "status"})

	// JobDuration observes wall-clock job execution time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vendorsync",
		Name:      "job_duration_seconds",
		Help:      "Sync job execution time",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"vendor"})

	// RecordsSynced counts records written to the canonical store.
	RecordsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorsync",
		Name:      "records_synced_total",
		Help:      "Records synced by vendor and entity type",
	}, []string{"vendor", "entity_type"})

	// RecordsFailed counts records that could not be mapped or stored.
	RecordsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorsync",
		Name:      "records_failed_total",
		Help:      "Records that failed to sync by vendor and entity type",
	}, []string{"vendor", "entity_type"})

	// ConflictsResolved counts reconciliation conflicts by resolution outcome.
	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorsync",
		Name:      "conflicts_total",
		Help:      "Reconciliation conflicts by entity type and resolution",
	}, []string{"vendor", "entity_type", "resolution"})

	// VendorAPIRequests counts outbound vendor API calls.
	VendorAPIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorsync",
		Name:      "vendor_api_requests_total",
		Help:      "Vendor API requests by vendor, operation, and outcome",
	}, []string{"vendor", "operation", "outcome"})

	// RateLimitDelays counts calls delayed by the per-vendor rate limiter.
	RateLimitDelays = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorsync",
		Name:      "rate_limit_delays_total",
		Help:      "Vendor API calls delayed by rate limiting",
	}, []string{"vendor"})

	// CircuitBreakerOpens counts breaker transitions into the open state.
	CircuitBreakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vendorsync",
		Name:      "circuit_breaker_opens_total",
		Help:      "Circuit breaker open transitions by vendor",
	}, []string{"vendor"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
