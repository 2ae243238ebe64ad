package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace defines the global prefix for all metrics (e.g., tollgate_...).
const namespace = "tollgate"

// lowLatencyBuckets resolves in-process decisions, which are usually well under 5ms.
// Range: 0.5ms to 1s.
var lowLatencyBuckets = []float64{.0005, .001, .002, .005, .010, .025, .050, .100, .250, .500, 1}

var (
	// -------------------------------------------------------------------------
	// PIPELINE
	// -------------------------------------------------------------------------

	// PipelineRequestsTotal counts finished presentation requests.
	// Metric: tollgate_pipeline_requests_total
	PipelineRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Total presentation requests by request type and final outcome",
	}, []string{"type", "outcome"})

	// PipelineResolutionDuration measures time from submission to a decision.
	// Metric: tollgate_pipeline_resolution_seconds
	PipelineResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "resolution_seconds",
		Help:      "Time taken to resolve a placement into a presentation decision",
		Buckets:   lowLatencyBuckets,
	}, []string{"type"})

	// PipelineQueuedRequests tracks requests parked until the SDK is ready.
	PipelineQueuedRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "queued_requests",
		Help:      "Current number of requests waiting for configuration or identity",
	})

	// -------------------------------------------------------------------------
	// RULE ENGINE
	// -------------------------------------------------------------------------

	// TriggerResultsTotal counts resolver outcomes.
	// Metric: tollgate_ruleengine_trigger_results_total
	TriggerResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ruleengine",
		Name:      "trigger_results_total",
		Help:      "Total trigger resolutions by result kind",
	}, []string{"kind"})

	// ExpressionFailuresTotal counts expressions that failed and were treated as no-match.
	ExpressionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ruleengine",
		Name:      "expression_failures_total",
		Help:      "Total expression evaluation failures by dialect",
	}, []string{"dialect"})

	// -------------------------------------------------------------------------
	// PAYWALL CACHE (Otter)
	// -------------------------------------------------------------------------

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total paywall cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total paywall cache misses",
	})

	// CacheLoadsTotal counts fetches issued on misses (after de-duplication).
	CacheLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "loads_total",
		Help:      "Total paywall fetches by status",
	}, []string{"status"}) // success, not_found, fail

	// CacheUsage reports the item count; otter tracks entries, not bytes.
	CacheUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "items_count",
		Help:      "Current number of paywalls in the cache",
	})

	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Total paywall cache invalidations",
	})

	// -------------------------------------------------------------------------
	// ASSIGNMENTS
	// -------------------------------------------------------------------------

	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "assignment",
		Name:      "confirmations_total",
		Help:      "Total assignment confirmations sent by status",
	}, []string{"status"}) // success, fail

	ConfirmQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "assignment",
		Name:      "confirm_queue_depth",
		Help:      "Current number of assignments waiting to be confirmed",
	})

	// -------------------------------------------------------------------------
	// CONFIG SOURCE
	// -------------------------------------------------------------------------

	ConfigRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "config",
		Name:      "refresh_total",
		Help:      "Total campaign fetches by status",
	}, []string{"status"}) // success, fetch_error, invalid, cached

	ConfigRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "config",
		Name:      "refresh_duration_seconds",
		Help:      "Time taken to fetch and apply a campaign",
		Buckets:   prometheus.DefBuckets,
	})

	// -------------------------------------------------------------------------
	// PRESENTATION
	// -------------------------------------------------------------------------

	PaywallStatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "presentation",
		Name:      "paywall_states_total",
		Help:      "Total paywall states emitted to callers",
	}, []string{"state"})

	// -------------------------------------------------------------------------
	// ANALYTICS
	// -------------------------------------------------------------------------

	AnalyticsEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analytics",
		Name:      "events_total",
		Help:      "Total analytics events accepted",
	})

	// AnalyticsEventsDropped tracks events lost because the buffer was full.
	AnalyticsEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analytics",
		Name:      "events_dropped_total",
		Help:      "Total analytics events dropped due to a full buffer",
	})

	// -------------------------------------------------------------------------
	// STORAGE
	// -------------------------------------------------------------------------

	StorageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Total storage operations by backend, operation and status",
	}, []string{"backend", "op", "status"})

	// -------------------------------------------------------------------------
	// CONTROL API (HTTP)
	// -------------------------------------------------------------------------

	// ControlAPIReqDuration measures the latency of HTTP requests.
	// Metric: tollgate_control_api_http_handling_seconds
	ControlAPIReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control_api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in the control API",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// ControlAPIReqTotal counts the total number of HTTP requests.
	// Metric: tollgate_control_api_http_requests_total
	ControlAPIReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control_api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in the control API",
	}, []string{"method", "path", "code"})
)
