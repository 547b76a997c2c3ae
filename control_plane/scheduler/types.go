package scheduler

import (
	"context"
	"time"
)

// Job represents a unit of work for the scheduler.
type Job struct {
	ID         string
	NodeID     string // pacing key; empty means unpaced
	Kind       string // free-form label for logs, e.g. "workflow", "discovery"
	Priority   int    // 0 (Critical) to 10 (Background)
	Deadline   time.Time
	Attempt    int
	SubmitTime time.Time // For priority aging
	Run        func(ctx context.Context) error
}

// SchedulerMode defines the operating mode of the scheduler.
type SchedulerMode string

const (
	ModeNormal   SchedulerMode = "NORMAL"
	ModeDegraded SchedulerMode = "DEGRADED"  // Reject low priority, shed load
	ModeReadOnly SchedulerMode = "READ_ONLY" // Accept no new jobs, process existing
	ModeDraining SchedulerMode = "DRAINING"  // Accept no new jobs, finish existing
)

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	// MaxJobExecutionTime is the hard timeout for any single attempt.
	// After this duration, the job context is cancelled.
	MaxJobExecutionTime time.Duration // Default: 1 hour

	// MaxConcurrency is the maximum number of concurrent workers
	MaxConcurrency int // Default: 10

	// CircuitBreakerThreshold is the queue depth that triggers circuit open
	CircuitBreakerThreshold int // Default: 1000

	// FailureThreshold consecutive transient failures open the breaker.
	// Zero keeps the breaker default; negative disables it.
	FailureThreshold int

	// NodeRate and NodeBurst pace jobs per node (tokens per second).
	NodeRate  float64
	NodeBurst int

	// RetryScale multiplies the policy delays. Zero means 1.
	RetryScale float64

	// OnComplete, when set, is called once per job after its final attempt.
	OnComplete func(job *Job, err error)
}

// DefaultSchedulerConfig returns sensible production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxJobExecutionTime:     time.Hour,
		MaxConcurrency:          10,
		CircuitBreakerThreshold: 1000,
		NodeRate:                5,
		NodeBurst:               1,
		RetryScale:              1,
	}
}

// SchedulingDecision represents a structured log entry for scheduler actions.
type SchedulingDecision struct {
	Decision string // DISPATCH, RATE_LIMIT_DELAY, RETRY, GIVE_UP
	JobID    string
	NodeID   string
	Priority int
	Attempt  int
	Delay    time.Duration
	Reason   string
}

// SchedulerMetrics exposes internal state for the health endpoint.
type SchedulerMetrics struct {
	QueueDepth          int     `json:"queue_depth"`
	ActiveJobs          int     `json:"active_jobs"`
	MaxConcurrency      int     `json:"max_concurrency"`
	WorkerSaturation    float64 `json:"worker_saturation"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
	RuntimeMode         string  `json:"runtime_mode"`
}
