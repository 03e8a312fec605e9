package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Message bus metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_messages_sent_total",
			Help: "Total number of messages accepted by the bus",
		},
		[]string{"type", "priority"},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_messages_delivered_total",
			Help: "Total number of messages delivered to handlers",
		},
		[]string{"type"},
	)

	MessagesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_messages_expired_total",
			Help: "Total number of messages dropped because their TTL elapsed",
		},
	)

	MessagesDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_messages_dead_lettered_total",
			Help: "Total number of messages moved to the dead letter store",
		},
	)

	DeliveryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_delivery_errors_total",
			Help: "Total number of per-message delivery failures",
		},
		[]string{"reason"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agenthub_queue_depth",
			Help: "Current number of queued messages per priority",
		},
		[]string{"priority"},
	)

	RequestTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_request_timeouts_total",
			Help: "Total number of requests that timed out waiting for a reply",
		},
	)

	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_workflows_started_total",
			Help: "Total number of workflows admitted for orchestration",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_workflows_completed_total",
			Help: "Total number of workflows that reached a terminal state",
		},
		[]string{"status"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agenthub_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_steps_executed_total",
			Help: "Total number of workflow steps dispatched",
		},
		[]string{"agent_type", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agenthub_step_duration_ms",
			Help:    "Step execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"agent_type"},
	)

	ConflictResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_conflict_resolutions_total",
			Help: "Total number of capacity conflicts resolved, by strategy",
		},
		[]string{"strategy"},
	)

	WorkflowsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_workflows_rejected_total",
			Help: "Total number of workflows rejected at admission or validation",
		},
		[]string{"reason"},
	)

	// Context store metrics
	ContextUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_context_updates_total",
			Help: "Total number of successful context updates",
		},
	)

	ContextUpdateRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_context_updates_rejected_total",
			Help: "Total number of context updates rejected, by reason",
		},
		[]string{"reason"},
	)

	ContextRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_context_rollbacks_total",
			Help: "Total number of context rollbacks performed",
		},
	)

	ContextsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agenthub_contexts_active",
			Help: "Current number of workflow contexts held in the store",
		},
	)

	// Registry metrics
	AgentsRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agenthub_agents_registered",
			Help: "Number of registered agents per type",
		},
		[]string{"agent_type"},
	)

	AgentHeartbeatsMissed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_agent_heartbeats_missed_total",
			Help: "Total number of agents marked errored after missing heartbeats",
		},
	)

	// Audit sink metrics
	AuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_audit_writes_total",
			Help: "Total number of audit records written, by kind and status",
		},
		[]string{"kind", "status"},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agenthub_audit_queue_depth",
			Help: "Current number of audit records waiting to be flushed",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agenthub_circuit_breaker_state",
			Help: "Circuit breaker state per agent (0=closed, 1=half-open, 2=open)",
		},
		[]string{"agent_id"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions per agent",
		},
		[]string{"agent_id"},
	)
)
