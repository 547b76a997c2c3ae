package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Auth session ===

	// AuthLogins tracks login calls against the control plane by outcome.
	AuthLogins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_auth_logins_total",
		Help: "Login calls issued to the control plane",
	}, []string{"outcome"}) // success, failure

	// AuthTokenLookups tracks where a served token came from.
	AuthTokenLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_auth_token_lookups_total",
		Help: "Token lookups by source",
	}, []string{"source"}) // store, store_after_lock, login, degraded

	// AuthLoginDuration tracks login latency.
	AuthLoginDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_auth_login_duration_seconds",
		Help:    "Control plane login latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	// === Shared store ===

	// StoreLatency tracks shared store operation roundtrip latency.
	StoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_store_roundtrip_latency_seconds",
		Help:    "Shared store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// DegradedMode is 1 while a dependency is considered unreachable.
	DegradedMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_degraded_mode",
		Help: "Dependency degraded state (1 = degraded)",
	}, []string{"dependency"})

	// RateLimited tracks calls rejected by the sliding window limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_rate_limited_total",
		Help: "Outbound calls rejected by the rate limiter",
	}, []string{"scope"})

	// === Control plane API ===

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_api_requests_total",
		Help: "Control plane API requests by operation and outcome",
	}, []string{"operation", "outcome"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_api_request_duration_seconds",
		Help:    "Control plane API request latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	}, []string{"operation"})

	// APIUnauthorizedRetries tracks the single retry after an unauthorized response.
	APIUnauthorizedRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_api_unauthorized_retries_total",
		Help: "Requests retried once after an unauthorized response",
	})

	// === Keys ===

	KeyMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_key_mutations_total",
		Help: "Key lifecycle mutations by action and outcome",
	}, []string{"action", "outcome"})

	// === Discovery ===

	FleetNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_discovery_nodes",
		Help: "Accepted nodes by liveness as of the last discovery",
	}, []string{"state"}) // online, offline

	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_discovery_duration_seconds",
		Help:    "Duration of a fleet discovery pass",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// === Dispatch ===

	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_dispatch_total",
		Help: "Command dispatches by outcome",
	}, []string{"outcome"}) // success, partial, failure, timeout, error

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_dispatch_duration_seconds",
		Help:    "Command execution time",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	}, []string{"risk"})

	// === Workflow ===

	WorkflowRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_workflow_runs_total",
		Help: "Finished workflow runs by final state",
	}, []string{"state"})

	WorkflowSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_workflow_steps_total",
		Help: "Workflow step outcomes",
	}, []string{"step", "outcome"})

	ThresholdAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_threshold_alerts_total",
		Help: "Resource threshold alerts raised after a main step",
	}, []string{"resource"})

	// SnapshotOperations tracks snapshot provider calls by operation and outcome.
	SnapshotOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_snapshot_operations_total",
		Help: "Snapshot provider operations",
	}, []string{"provider", "operation", "outcome"})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_event_publish_failures_total",
		Help: "Failed event publish attempts (best-effort)",
	}, []string{"topic"})

	// StreamClients tracks connected run-stream WebSocket clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_stream_clients",
		Help: "Current number of connected run stream clients",
	})

	// === Scheduler ===

	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_scheduler_queue_depth",
		Help: "Current number of jobs in scheduler queue",
	})

	SchedulerWorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_scheduler_worker_saturation",
		Help: "Ratio of active workers to max concurrency (0.0-1.0)",
	})

	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"decision", "reason"})

	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_scheduler_rejections_total",
		Help: "Jobs rejected by scheduler admission control",
	}, []string{"reason"}) // circuit_open, queue_full, mode

	SchedulerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_scheduler_circuit_state",
		Help: "Circuit breaker state (1 = current)",
	}, []string{"state"})

	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_job_retries_total",
		Help: "Job retry attempts by error kind",
	}, []string{"kind"})

	JobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_job_outcomes_total",
		Help: "Finished jobs by outcome",
	}, []string{"outcome"})
)
