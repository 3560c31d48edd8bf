// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_requests_total",
			Help: "Total fetch attempts, labeled by source.",
		},
		[]string{"source"},
	)

	harvestFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_failed_attempts_total",
			Help: "Failed fetch attempts, labeled by source and reason.",
		},
		[]string{"source", "reason"},
	)

	harvestJumpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_jumps_total",
			Help: "Boundary jumps performed after plain retries ran out.",
		},
		[]string{"source"},
	)

	harvestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Records seen per step, labeled by source and stage (extracted, accepted, inserted).",
		},
		[]string{"source", "stage"},
	)

	harvestStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_steps_total",
			Help: "Finished steps, labeled by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	harvestThroughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvest_throughput_per_hour",
			Help: "Sliding-window throughput, labeled by target and kind (extracted, accepted).",
		},
		[]string{"target", "kind"},
	)

	harvestFetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies, labeled by source.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"source"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"key"},
	)

	enrichItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrich_items_total",
			Help: "Enrichment items, labeled by kind and result (written, skipped).",
		},
		[]string{"kind", "result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_http_requests_total",
			Help: "Ops server requests, labeled by method, route and code.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_http_request_duration_seconds",
			Help:    "Ops server latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route"},
	)

	enrichChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrich_chunks_total",
			Help: "Enrichment chunks, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts one fetch attempt and its latency.
func ObserveFetch(source string, duration time.Duration) {
	harvestRequestsTotal.WithLabelValues(source).Inc()
	harvestFetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveFailedAttempt counts a failed attempt by reason.
func ObserveFailedAttempt(source, reason string) {
	harvestFailuresTotal.WithLabelValues(source, reason).Inc()
}

// ObserveJump counts a boundary jump.
func ObserveJump(source string) {
	harvestJumpsTotal.WithLabelValues(source).Inc()
}

// ObserveStep records the record tallies of a committed step.
func ObserveStep(source string, extracted, accepted, inserted int) {
	harvestRecordsTotal.WithLabelValues(source, "extracted").Add(float64(extracted))
	harvestRecordsTotal.WithLabelValues(source, "accepted").Add(float64(accepted))
	harvestRecordsTotal.WithLabelValues(source, "inserted").Add(float64(inserted))
}

// ObserveStepOutcome counts a finished step.
func ObserveStepOutcome(source, outcome string) {
	harvestStepsTotal.WithLabelValues(source, outcome).Inc()
}

// SetThroughput publishes the current window throughput for a target.
func SetThroughput(target string, extractedPerHour, acceptedPerHour float64) {
	harvestThroughput.WithLabelValues(target, "extracted").Set(extractedPerHour)
	harvestThroughput.WithLabelValues(target, "accepted").Set(acceptedPerHour)
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveEnrichChunk counts a processed chunk and its items.
func ObserveEnrichChunk(kind, status string, written, skipped int) {
	enrichChunksTotal.WithLabelValues(kind, status).Inc()
	if written > 0 {
		enrichItemsTotal.WithLabelValues(kind, "written").Add(float64(written))
	}
	if skipped > 0 {
		enrichItemsTotal.WithLabelValues(kind, "skipped").Add(float64(skipped))
	}
}

// ObserveHTTPRequest records one ops server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
