// Package metrics exposes Prometheus instrumentation for the sync subsystem.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Replay results.
const (
	ResultSuccess        = "success"
	ResultFailure        = "failure"
	ResultUnknownHandler = "unknown_handler"
	// ResultSuperseded is a successful replay whose operation was merged
	// while in flight and stays queued for another pass.
	ResultSuperseded = "superseded"
	ResultSkipped    = "skipped"
)

var (
	namespace = "fieldsync"

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations",
			Help:      "Pending operations currently queued, by status",
		},
		[]string{"status"},
	)

	replayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "replays_total",
			Help:      "Replay attempts of pending operations",
		},
		[]string{"entity_type", "operation", "result"},
	)

	replayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "replay_duration_seconds",
			Help:      "Time spent in a handler replaying one operation",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"entity_type"},
	)

	flushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "flush_passes_total",
			Help:      "Flush passes over a user's queue",
		},
		[]string{"result"},
	)

	pollTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deltas",
			Name:      "polls_total",
			Help:      "Remote change-count polls",
		},
		[]string{"result"},
	)

	deltaCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "deltas",
			Name:      "count",
			Help:      "Remote records changed since the last full refresh, by entity type",
		},
		[]string{"entity_type"},
	)

	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refreshes_total",
			Help:      "Full cache refreshes from the remote API",
		},
		[]string{"entity_type", "result"},
	)

	propagationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "basin",
			Name:      "propagation_duration_seconds",
			Help:      "Time spent recomputing basin propagation",
			Buckets:   prometheus.DefBuckets,
		},
	)

	propagationLocations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "basin",
			Name:      "locations",
			Help:      "Locations processed by the last propagation run",
		},
	)
)

// SetQueueDepth publishes the queue size split by status.
func SetQueueDepth(pending, failed int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// ObserveReplay records the outcome of one replay.
func ObserveReplay(entityType, operation, result string, d time.Duration) {
	replayTotal.WithLabelValues(entityType, operation, result).Inc()
	if result != ResultUnknownHandler && result != ResultSkipped {
		replayDuration.WithLabelValues(entityType).Observe(d.Seconds())
	}
}

// ObserveFlush counts a flush pass.
func ObserveFlush(result string) {
	flushTotal.WithLabelValues(result).Inc()
}

// ObservePoll counts a delta poll.
func ObservePoll(result string) {
	pollTotal.WithLabelValues(result).Inc()
}

// SetDeltaCount publishes the cached delta for entityType.
func SetDeltaCount(entityType string, n int) {
	deltaCount.WithLabelValues(entityType).Set(float64(n))
}

// ObserveRefresh counts a full cache refresh.
func ObserveRefresh(entityType, result string) {
	refreshTotal.WithLabelValues(entityType, result).Inc()
}

// ObservePropagation records one propagation run over n locations.
func ObservePropagation(n int, d time.Duration) {
	propagationDuration.Observe(d.Seconds())
	propagationLocations.Set(float64(n))
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
