package action

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level metric vars, registered once at init — the same
// promauto.NewCounterVec/NewGaugeVec/NewHistogram pattern as
// itskum47-FluxForge/control_plane/observability/metrics.go, labeled by
// action name rather than tenant/node since this library has no tenancy
// concept.
var (
	metricInvocationsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actionengine_invocations_started_total",
		Help: "Total number of invocations admitted for execution.",
	}, []string{"action"})

	metricInvocationsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actionengine_invocations_settled_total",
		Help: "Total number of invocations that reached a terminal state.",
	}, []string{"action", "outcome"})

	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actionengine_retries_total",
		Help: "Total number of retry attempts scheduled.",
	}, []string{"action"})

	metricTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actionengine_timeouts_total",
		Help: "Total number of attempts that timed out.",
	}, []string{"action"})

	metricCancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "actionengine_cancellations_total",
		Help: "Total number of invocations cancelled, by lifecycle phase.",
	}, []string{"action", "state"})

	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "actionengine_queue_depth",
		Help: "Current number of tasks waiting in an action's scheduler queue.",
	}, []string{"action"})

	metricActiveCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "actionengine_active_count",
		Help: "Current number of tasks running under an action's scheduler.",
	}, []string{"action"})

	metricInvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "actionengine_invocation_duration_seconds",
		Help:    "Duration of settled invocations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})
)
