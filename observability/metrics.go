// Package observability holds the process-wide Prometheus registry used by
// every component. Metric names are prefixed "conduit_" to match the
// storage namespace used elsewhere in the gateway, except the four per-region
// cache statistics metrics (cache_hits_total, cache_misses_total,
// cache_hit_rate, cache_response_time_milliseconds), which carry no prefix.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// --- Task Store (C1) ---

	TaskStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_task_state_transitions_total",
		Help: "Task state transitions recorded by the task store",
	}, []string{"task_type", "to_state"})

	TaskStoreWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_task_store_write_errors_total",
		Help: "Task store write failures",
	}, []string{"op"})

	TaskStoreCleanupSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conduit_task_store_cleanup_swept_total",
		Help: "Terminal task records removed by cleanup sweeps",
	})

	// --- Work Queue (C2) ---

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conduit_queue_depth",
		Help: "Current number of work items pending claim",
	}, []string{"priority"})

	QueueDequeueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_queue_dequeue_total",
		Help: "Dequeue attempts by outcome",
	}, []string{"outcome"}) // claimed, lost_race, empty

	OrphanRecoveryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conduit_orphan_recovery_total",
		Help: "Tasks recovered from an expired claim and rescheduled",
	})

	ClaimHeartbeatFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_claim_heartbeat_failures_total",
		Help: "Heartbeat renewal attempts that found the claim no longer owned",
	}, []string{"reason"})

	// --- Event Bus (C3) ---

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_events_published_total",
		Help: "Events published by topic",
	}, []string{"topic"})

	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_event_publish_failures_total",
		Help: "Failed event publish attempts (best-effort, non-blocking)",
	}, []string{"topic"})

	// --- Cost Engine (C4) ---

	CostComputations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_cost_computations_total",
		Help: "Cost computations by provider/operation and whether estimated",
	}, []string{"provider", "operation", "is_estimate"})

	RefundsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_refunds_processed_total",
		Help: "Refund computations by outcome",
	}, []string{"outcome"}) // full, partial, rejected

	// --- Statistics Collector (C5) ---

	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Cache hits recorded per region",
	}, []string{"region"})

	CacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Cache misses recorded per region",
	}, []string{"region"})

	CacheHitRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_hit_rate",
		Help: "Computed hit rate per region",
	}, []string{"region"})

	CacheResponseTimeMillis = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_response_time_milliseconds",
		Help: "Response time percentile per region",
	}, []string{"region", "quantile"})

	StatsAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_stats_alerts_total",
		Help: "Alerts fired by the statistics collector",
	}, []string{"region", "alert_type"})

	// --- Quality Tracker (C6) ---

	QualityAverageConfidence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conduit_quality_average_confidence",
		Help: "Rolling average confidence by axis value",
	}, []string{"axis", "value"})

	QualityRecommendationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_quality_recommendations_total",
		Help: "Quality recommendations emitted",
	}, []string{"axis", "reason"})

	// --- Resilience Controller (C7) ---

	ProviderHealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conduit_provider_health_score",
		Help: "Composite health score per provider (0-1)",
	}, []string{"provider"})

	ProviderState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conduit_provider_state",
		Help: "Provider state machine value (0=Healthy,1=Throttled,2=Quarantined,3=Recovering,4=PermanentlyFailed)",
	}, []string{"provider"})

	ProviderQuarantineTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_provider_quarantine_total",
		Help: "Provider quarantine transitions",
	}, []string{"provider", "reason"})

	FailoverInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_failover_initiated_total",
		Help: "Failover initiations by failed/target provider pair",
	}, []string{"failed_provider", "target_provider"})

	// --- Orchestrator (C8) ---

	TaskExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conduit_task_execution_seconds",
		Help:    "Task execution duration by task type and outcome",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~14min
	}, []string{"task_type", "outcome"})

	TaskRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_task_retries_total",
		Help: "Task retry attempts scheduled by the orchestrator",
	}, []string{"task_type", "reason"})

	TaskTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_task_terminal_total",
		Help: "Tasks reaching a terminal state",
	}, []string{"task_type", "state"})

	// --- Webhook Dispatcher (C9) ---

	WebhookDeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_webhook_delivery_attempts_total",
		Help: "Webhook delivery attempts by outcome",
	}, []string{"event_type", "outcome"}) // delivered, retry, terminal_failure

	WebhookDeliverySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conduit_webhook_delivery_seconds",
		Help:    "Webhook POST round-trip latency",
		Buckets: prometheus.DefBuckets,
	})

	// --- Progress Tracker (C10) ---

	ProgressChecksFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conduit_progress_checks_fired_total",
		Help: "Synthetic progress-check events fired for tasks without native progress reporting",
	})

	// --- Coordination ---

	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_leadership_transitions_total",
		Help: "Leadership acquisition/loss events",
	}, []string{"node_id", "event"})

	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conduit_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
)
