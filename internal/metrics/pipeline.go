// Package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilesTotal counts files by pipeline outcome
	// (detected, duplicate, stable, unstable, hashed, processed, succeeded, failed).
	FilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasort_files_total",
		Help: "Total number of files observed by the pipeline, by outcome.",
	}, []string{"outcome"})

	// QueueDepth tracks the current depth of each pipeline queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediasort_queue_depth",
		Help: "Current number of descriptors in each pipeline queue.",
	}, []string{"queue"})

	// PendingFiles tracks the pending registry size.
	PendingFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediasort_pending_files",
		Help: "Current number of in-flight file paths in the pending registry.",
	})

	// ProcessingSeconds observes end-to-end processing time per file.
	ProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediasort_processing_seconds",
		Help:    "End-to-end processing duration of one file.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// BreakerState reports the circuit breaker state per dependency
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediasort_breaker_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open).",
	}, []string{"dependency"})

	// BreakerTripsTotal counts breaker transitions to OPEN.
	BreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasort_breaker_trips_total",
		Help: "Total number of circuit breaker trips, by dependency and reason.",
	}, []string{"dependency", "reason"})
)

// RecordOutcome increments the file counter for the given outcome.
func RecordOutcome(outcome string) {
	FilesTotal.WithLabelValues(outcome).Inc()
}

// SetBreakerState updates the breaker state gauge.
func SetBreakerState(dependency, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	BreakerState.WithLabelValues(dependency).Set(v)
}

// RecordBreakerTrip counts a transition to OPEN.
func RecordBreakerTrip(dependency, reason string) {
	BreakerTripsTotal.WithLabelValues(dependency, reason).Inc()
}
