// Package metrics exposes Prometheus collectors for the extraction pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmittedTotal    *prometheus.CounterVec
	jobsFinishedTotal     *prometheus.CounterVec
	fetchAttemptsTotal    *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	cacheLookupsTotal     *prometheus.CounterVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	jobsInFlight          prometheus.Gauge
	staleJobsReclaimed    prometheus.Counter

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		jobsSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extraction_jobs_submitted_total",
				Help: "Total jobs accepted at submission, labeled by kind and dedup outcome.",
			},
			[]string{"kind", "deduplicated"},
		)

		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extraction_jobs_finished_total",
				Help: "Total jobs reaching a terminal state, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extraction_fetch_attempts_total",
				Help: "Total fetch attempts, labeled by target and outcome.",
			},
			[]string{"target", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extraction_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by target.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extraction_cache_lookups_total",
				Help: "Cache lookups before fetching, labeled by result (hit/miss).",
			},
			[]string{"result"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extraction_rate_limit_delay_seconds",
				Help:    "Time workers spent waiting on rate-limit capacity, labeled by target.",
				Buckets: []float64{.005, .05, .25, 1, 5, 15, 60},
			},
			[]string{"target"},
		)

		jobsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "extraction_jobs_in_flight",
				Help: "Jobs currently claimed by workers.",
			},
		)

		staleJobsReclaimed = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "extraction_stale_jobs_reclaimed_total",
				Help: "Processing jobs returned to pending by the janitor.",
			},
		)
	})
}

// ObserveJobSubmitted records one accepted submission.
func ObserveJobSubmitted(kind string, deduplicated bool) {
	if jobsSubmittedTotal == nil {
		return
	}
	dedup := "false"
	if deduplicated {
		dedup = "true"
	}
	jobsSubmittedTotal.WithLabelValues(kind, dedup).Inc()
}

// ObserveJobFinished records a job reaching a terminal state.
func ObserveJobFinished(kind, status string) {
	if jobsFinishedTotal == nil {
		return
	}
	jobsFinishedTotal.WithLabelValues(kind, status).Inc()
}

// ObserveFetchAttempt records one fetch attempt and its latency.
func ObserveFetchAttempt(target, outcome string, duration time.Duration) {
	if fetchAttemptsTotal == nil {
		return
	}
	fetchAttemptsTotal.WithLabelValues(target, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	if cacheLookupsTotal == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records time spent waiting for bucket capacity.
func ObserveRateLimitDelay(target string, duration time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// JobClaimed adjusts the in-flight gauge when a worker claims a job.
func JobClaimed() {
	if jobsInFlight != nil {
		jobsInFlight.Inc()
	}
}

// JobReleased adjusts the in-flight gauge when a worker finishes a job.
func JobReleased() {
	if jobsInFlight != nil {
		jobsInFlight.Dec()
	}
}

// ObserveStaleReclaimed counts jobs the janitor returned to pending.
func ObserveStaleReclaimed(n int) {
	if staleJobsReclaimed != nil && n > 0 {
		staleJobsReclaimed.Add(float64(n))
	}
}
