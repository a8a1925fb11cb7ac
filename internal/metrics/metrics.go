package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache tier metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits per tier",
		},
		[]string{"tier"}, // tier: local, shared
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses per tier",
		},
		[]string{"tier"},
	)

	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_writes_total",
			Help: "Total number of cache writes per tier",
		},
		[]string{"tier", "result"}, // result: ok, error
	)

	CachePromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_promotions_total",
			Help: "Total number of shared-tier hits promoted into the local tier",
		},
	)

	CacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Total number of explicit cache invalidations",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of local tier evictions by reason",
		},
		[]string{"reason"}, // reason: capacity, expired, invalidated
	)

	CacheSharedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_shared_errors_total",
			Help: "Total number of shared tier failures absorbed by the coordinator",
		},
		[]string{"op"}, // op: get, set, delete
	)

	CacheAdaptiveFactor = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cache_adaptive_ttl_factor",
			Help:    "Scaling factor applied by adaptive TTL computation",
			Buckets: []float64{0.5, 0.75, 1, 1.5, 2, 2.5, 3},
		},
	)

	CacheWarmRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_warm_requests_total",
			Help: "Total number of asynchronous warm requests by outcome",
		},
		[]string{"outcome"}, // outcome: present, queued, duplicate, rejected
	)

	// Cache state gauges
	CacheItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_items",
			Help: "Current number of entries per cache tier",
		},
		[]string{"tier"},
	)

	CacheHeatKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_heat_tracked_keys",
			Help: "Number of keys tracked for adaptive TTL",
		},
	)

	SharedPoolConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_shared_pool_connections",
			Help: "Shared store client connection pool counters",
		},
		[]string{"state"}, // state: total, idle, stale
	)

	// Job engine metrics
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of job submissions by outcome",
		},
		[]string{"priority", "outcome"}, // outcome: accepted, duplicate, rejected
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"status"}, // status: succeeded, failed, canceled
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of job body executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	JobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Total number of job retry re-enqueues",
		},
	)

	JobPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "job_panics_total",
			Help: "Total number of job bodies recovered from panic",
		},
	)

	JobRateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "job_rate_limit_waits_total",
			Help: "Total number of times a worker waited on the start rate limit",
		},
	)

	JobResultsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_results_written_total",
			Help: "Total number of terminal job results stored",
		},
		[]string{"status"},
	)

	JobAwaitTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "job_await_timeouts_total",
			Help: "Total number of result waits that hit their deadline",
		},
	)

	// Queue state gauges
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs currently queued",
		},
	)

	QueueRetryWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_retry_waiting",
			Help: "Number of jobs waiting out a retry backoff",
		},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently executing",
		},
	)

	QueueRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_rejections_total",
			Help: "Total number of submissions rejected by the depth bound",
		},
	)

	// Feed warming metrics
	FeedFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeds_fetch_total",
			Help: "Total number of feed fetches",
		},
		[]string{"category", "result"}, // result: success, retry, failure, skipped
	)

	FeedFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feeds_fetch_duration_seconds",
			Help:    "Duration of feed fetches in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"category"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"component"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"component"},
	)

	// Analytics refresh metrics
	AnalyticsRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_refresh_duration_seconds",
			Help:    "Duration of analytics refresh computations in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"kind"}, // kind: popular_books, activity_rollup
	)

	AnalyticsRefreshErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_refresh_errors_total",
			Help: "Total number of analytics refresh failures",
		},
		[]string{"kind"},
	)

	// Scheduler metrics
	SchedulerSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_submissions_total",
			Help: "Total number of scheduled job submissions by outcome",
		},
		[]string{"entry", "outcome"}, // outcome: accepted, duplicate, rejected, error
	)

	// Metrics collection error tracking
	MetricsCollectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_collection_errors_total",
			Help: "Total number of errors during metrics collection",
		},
		[]string{"collector"},
	)
)
