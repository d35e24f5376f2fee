package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook intake
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_webhooks_total",
			Help: "Total number of webhook deliveries received",
		},
		[]string{"result"},
	)

	EventsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crmsync_events_enqueued_total",
			Help: "Total number of events accepted onto the work queue",
		},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_events_rejected_total",
			Help: "Total number of events that could not be queued",
		},
		[]string{"reason"},
	)

	// Queue
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crmsync_queue_depth",
			Help: "Current number of events waiting for a worker",
		},
	)

	QueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crmsync_queue_capacity",
			Help: "Maximum capacity of the in-memory work queue",
		},
	)

	// Routing
	DuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crmsync_duplicates_total",
			Help: "Total number of events dropped as duplicates",
		},
	)

	RoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_routed_total",
			Help: "Total number of events routed to each target",
		},
		[]string{"target"},
	)

	// Processing
	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crmsync_event_processing_duration_seconds",
			Help:    "Duration of end-to-end event processing in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	EventOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_event_outcomes_total",
			Help: "Total number of processed events by overall outcome",
		},
		[]string{"status"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_attempts_total",
			Help: "Total number of finished sync attempts",
		},
		[]string{"target", "status", "reason"},
	)

	// PermanentErrors is the operator-facing counter for data or config
	// problems that will not fix themselves.
	PermanentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_permanent_errors_total",
			Help: "Total number of attempts failed with a permanent upstream error",
		},
		[]string{"target"},
	)

	// External calls
	ExternalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_external_calls_total",
			Help: "Total number of calls to external dependencies",
		},
		[]string{"dependency", "result"},
	)

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_external_call_duration_seconds",
			Help:    "Duration of calls to external dependencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dependency"},
	)

	// Breakers, locks, limiter
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crmsync_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
		},
		[]string{"dependency"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"dependency", "to"},
	)

	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a rate limit token in seconds",
			Buckets: []float64{0, .01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"dependency"},
	)

	RateLimitFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_ratelimit_fallbacks_total",
			Help: "Total number of limiter calls served locally because the shared store failed",
		},
		[]string{"dependency"},
	)

	// Storage
	DegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_degraded_total",
			Help: "Total number of operations degraded by an unavailable backend",
		},
		[]string{"component"},
	)

	AuditWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crmsync_audit_write_errors_total",
			Help: "Total number of audit records that could not be written",
		},
	)

	// Reconcile
	ReconcileWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_reconcile_written_total",
			Help: "Total number of events written to the reconcile queue",
		},
		[]string{"reason"},
	)

	ReconcileReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_reconcile_replayed_total",
			Help: "Total number of reconcile entries replayed by outcome",
		},
		[]string{"status"},
	)

	// Downstream
	DownstreamDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_downstream_delivered_total",
			Help: "Total number of downstream deliveries by target and result",
		},
		[]string{"target", "result"},
	)
)
