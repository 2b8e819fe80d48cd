// Package metrics exposes the pool and lease Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ArtifactsGeneratedTotal counts artifacts produced per pipeline
	ArtifactsGeneratedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flagpool_artifacts_generated_total",
		Help: "Total number of artifacts generated",
	}, []string{"category", "scheme"})

	// GenerationFailuresTotal counts failed generation cycles
	GenerationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flagpool_generation_failures_total",
		Help: "Total number of failed generation attempts",
	}, []string{"category", "scheme"})

	// GenerationDuration tracks the time to encrypt and score one artifact
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flagpool_generation_duration_seconds",
		Help:    "Artifact generation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"category"})

	// ArtifactCost tracks the distribution of oracle query counts
	ArtifactCost = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flagpool_artifact_cost_queries",
		Help:    "Oracle queries needed to attack generated artifacts",
		Buckets: prometheus.ExponentialBuckets(100, 2, 14),
	}, []string{"category"})

	// PoolUnassigned tracks the unassigned backlog per pipeline
	PoolUnassigned = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flagpool_pool_unassigned",
		Help: "Current number of unassigned artifacts",
	}, []string{"category", "scheme"})

	// LeaseRotationsTotal counts new leases issued
	LeaseRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagpool_lease_rotations_total",
		Help: "Total number of leases issued to challenges",
	})

	// LeaseSelectionTotal counts which fallback tier satisfied a selection
	LeaseSelectionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flagpool_lease_selection_total",
		Help: "Lease selections by match tier",
	}, []string{"tier"}) // "exact", "category", "scheme" or "emergency"

	// PoolExhaustedTotal counts selections that found nothing, even after
	// emergency generation
	PoolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagpool_pool_exhausted_total",
		Help: "Total number of lease requests that failed on an empty pool",
	})

	// AttemptsTotal counts flag submissions by verdict
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flagpool_attempts_total",
		Help: "Total number of flag attempts",
	}, []string{"verdict"})
)

// RecordGenerated records a successfully generated artifact
func RecordGenerated(category, scheme string, cost int, seconds float64) {
	ArtifactsGeneratedTotal.WithLabelValues(category, scheme).Inc()
	ArtifactCost.WithLabelValues(category).Observe(float64(cost))
	GenerationDuration.WithLabelValues(category).Observe(seconds)
}

// RecordGenerationFailure records a failed generation attempt
func RecordGenerationFailure(category, scheme string) {
	GenerationFailuresTotal.WithLabelValues(category, scheme).Inc()
}

// RecordSelection records the tier that satisfied a lease selection
func RecordSelection(tier string) {
	LeaseSelectionTotal.WithLabelValues(tier).Inc()
	LeaseRotationsTotal.Inc()
}

// RecordAttempt records a flag attempt verdict
func RecordAttempt(verdict string) {
	AttemptsTotal.WithLabelValues(verdict).Inc()
}

// SetUnassigned records the backlog of one pipeline
func SetUnassigned(category, scheme string, n int) {
	PoolUnassigned.WithLabelValues(category, scheme).Set(float64(n))
}
