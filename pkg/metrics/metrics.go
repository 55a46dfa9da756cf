// Package metrics provides Prometheus metrics for the resolution service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lily"

var (
	// DecisionsTotal counts MatchDecisions by kind, action and outcome
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolution",
			Name:      "decisions_total",
			Help:      "Total number of match decisions by entity kind, action and outcome",
		},
		[]string{"kind", "action", "outcome"},
	)

	// ResolutionDuration tracks how long one observation takes to reach a terminal state
	ResolutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolution",
			Name:      "duration_seconds",
			Help:      "Duration of observation resolution in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"kind"},
	)

	// CandidatesPerObservation tracks blocking effectiveness
	CandidatesPerObservation = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolution",
			Name:      "candidates",
			Help:      "Number of candidates scored per observation",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"kind"},
	)

	// VersionConflictsTotal counts optimistic-concurrency retries
	VersionConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolution",
			Name:      "version_conflicts_total",
			Help:      "Total number of resolution attempts retried after a concurrent change",
		},
		[]string{"kind"},
	)

	// MergesTotal counts completed entity merges
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "merges_total",
			Help:      "Total number of entity merges by kind",
		},
		[]string{"kind"},
	)

	// LockTimeoutsTotal counts lock waits that exceeded the timeout
	LockTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "locking",
			Name:      "timeouts_total",
			Help:      "Total number of lock acquisitions that timed out",
		},
	)

	// ObservationsTotal counts ingested observations by source and status
	ObservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "observations_total",
			Help:      "Total number of observations by source and status",
		},
		[]string{"source", "status"},
	)

	// BatchesTotal counts ingestion batches by source and result
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "batches_total",
			Help:      "Total number of ingestion batches by source and result",
		},
		[]string{"source", "result"},
	)

	// WatermarkTimestamp is the observed_at of each source's watermark as unix seconds
	WatermarkTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "watermark_timestamp_seconds",
			Help:      "Watermark of each source as a unix timestamp",
		},
		[]string{"source"},
	)

	// PendingReviews tracks the size of the manual review queue
	PendingReviews = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "pending",
			Help:      "Number of parked decisions awaiting review, as of the last listing",
		},
	)

	// HTTPRequestDuration tracks API latency by method, route and status
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
