package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull   = errors.New("scheduler queue is full")
	ErrCircuitOpen = errors.New("scheduler circuit breaker is open")
	ErrNotAccepted = errors.New("scheduler is not accepting new jobs")
)

// Scheduler runs jobs on a bounded worker pool. Failed attempts are retried
// according to the resilience policy of the error kind they return.
type Scheduler struct {
	queue        *ThreadSafeQueue
	nodeLimiters *TokenBucketLimiter
	breaker      *CircuitBreaker
	cfg          SchedulerConfig
	slots        chan struct{}
	active       int64
	wg           sync.WaitGroup
	mode         SchedulerMode
	mu           sync.RWMutex // Protects mode changes
	log          zerolog.Logger
}

// NewScheduler creates a new Scheduler instance.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.MaxJobExecutionTime <= 0 {
		cfg.MaxJobExecutionTime = def.MaxJobExecutionTime
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = def.CircuitBreakerThreshold
	}
	if cfg.NodeRate <= 0 {
		cfg.NodeRate = def.NodeRate
	}
	if cfg.NodeBurst <= 0 {
		cfg.NodeBurst = def.NodeBurst
	}
	if cfg.RetryScale <= 0 {
		cfg.RetryScale = 1
	}

	bcfg := DefaultBreakerConfig(cfg.CircuitBreakerThreshold)
	switch {
	case cfg.FailureThreshold > 0:
		bcfg.FailureThreshold = cfg.FailureThreshold
	case cfg.FailureThreshold < 0:
		bcfg.FailureThreshold = 0
	}

	return &Scheduler{
		queue:        NewThreadSafeQueue(),
		nodeLimiters: NewTokenBucketLimiter(cfg.NodeRate, cfg.NodeBurst),
		breaker:      NewCircuitBreakerWithConfig(bcfg),
		cfg:          cfg,
		slots:        make(chan struct{}, cfg.MaxConcurrency),
		mode:         ModeNormal,
		log:          logging.WithComponent("scheduler"),
	}
}

// SetMode updates the scheduler operating mode.
func (s *Scheduler) SetMode(mode SchedulerMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.log.Info().Str("mode", string(mode)).Msg("scheduler mode changed")
}

func (s *Scheduler) saturation() float64 {
	return float64(atomic.LoadInt64(&s.active)) / float64(s.cfg.MaxConcurrency)
}

// Submit adds a job to the scheduler.
func (s *Scheduler) Submit(job *Job) error {
	s.mu.RLock()
	currentMode := s.mode
	s.mu.RUnlock()

	if currentMode == ModeReadOnly || currentMode == ModeDraining {
		observability.SchedulerRejections.WithLabelValues("mode").Inc()
		return ErrNotAccepted
	}
	if currentMode == ModeDegraded && job.Priority > 5 {
		// In degraded mode, only accept high priority (0-5)
		observability.SchedulerRejections.WithLabelValues("mode").Inc()
		return ErrNotAccepted
	}

	if !s.breaker.ShouldAdmit(s.queue.Len(), s.saturation()) {
		observability.SchedulerRejections.WithLabelValues("circuit_open").Inc()
		s.recordCircuitState()
		return ErrCircuitOpen
	}

	// Self-Protection: Reject low priority jobs if queue is full
	if s.queue.Len() > s.cfg.CircuitBreakerThreshold && job.Priority > 0 {
		observability.SchedulerRejections.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}

	if job.SubmitTime.IsZero() {
		job.SubmitTime = time.Now()
	}
	s.queue.Push(job)
	observability.SchedulerQueueDepth.Set(float64(s.queue.Len()))
	return nil
}

// Start begins the scheduling loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Wait blocks until every dispatched attempt has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for s.dispatchNext(ctx) {
			}
			observability.SchedulerQueueDepth.Set(float64(s.queue.Len()))
			observability.SchedulerWorkerSaturation.Set(s.saturation())
		}
	}
}

// dispatchNext starts at most one job and reports whether the loop should continue.
func (s *Scheduler) dispatchNext(ctx context.Context) bool {
	if s.queue.Len() == 0 || ctx.Err() != nil {
		return false
	}

	select {
	case s.slots <- struct{}{}:
	default:
		return false // all workers busy
	}

	job := s.queue.Pop()
	if job == nil {
		<-s.slots
		return false
	}

	if job.NodeID != "" {
		if ok, delay := s.nodeLimiters.Reserve(job.NodeID); !ok {
			<-s.slots
			s.logDecision(SchedulingDecision{
				Decision: "RATE_LIMIT_DELAY",
				JobID:    job.ID,
				NodeID:   job.NodeID,
				Priority: job.Priority,
				Delay:    delay,
				Reason:   "node_rate",
			})
			s.queue.PushDelayed(job, delay)
			return true
		}
	}

	s.logDecision(SchedulingDecision{
		Decision: "DISPATCH",
		JobID:    job.ID,
		NodeID:   job.NodeID,
		Priority: job.Priority,
		Attempt:  job.Attempt,
	})

	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.execute(ctx, job)
		atomic.AddInt64(&s.active, -1)
		<-s.slots
		s.finish(ctx, job, err)
	}()
	return true
}

func (s *Scheduler) execute(ctx context.Context, job *Job) (err error) {
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxJobExecutionTime)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job_id", job.ID).Interface("panic", r).Msg("job panicked")
			err = resilience.Newf(resilience.KindUnknown, "scheduler.execute", "job panicked: %v", r)
		}
	}()

	if job.Run == nil {
		return resilience.New(resilience.KindValidation, "scheduler.execute", "job has no run function")
	}
	return job.Run(jobCtx)
}

func (s *Scheduler) finish(ctx context.Context, job *Job, err error) {
	if err == nil {
		s.breaker.RecordSuccess()
		s.recordCircuitState()
		observability.JobOutcomes.WithLabelValues("success").Inc()
		s.complete(job, nil)
		return
	}

	kind := resilience.KindOf(err)
	policy := resilience.PolicyFor(kind)

	// Permanent failures say nothing about the health of the control plane.
	if policy.Retryable {
		s.breaker.RecordFailure()
	} else {
		s.breaker.RecordSuccess()
	}
	s.recordCircuitState()

	if ctx.Err() == nil && policy.Retryable && job.Attempt+1 < policy.MaxAttempts {
		job.Attempt++
		delay := time.Duration(float64(policy.Delay(job.Attempt)) * s.cfg.RetryScale)
		observability.JobRetries.WithLabelValues(kind.String()).Inc()
		s.logDecision(SchedulingDecision{
			Decision: "RETRY",
			JobID:    job.ID,
			NodeID:   job.NodeID,
			Priority: job.Priority,
			Attempt:  job.Attempt,
			Delay:    delay,
			Reason:   kind.String(),
		})
		s.queue.PushDelayed(job, delay)
		return
	}

	s.logDecision(SchedulingDecision{
		Decision: "GIVE_UP",
		JobID:    job.ID,
		NodeID:   job.NodeID,
		Priority: job.Priority,
		Attempt:  job.Attempt,
		Reason:   kind.String(),
	})
	s.log.Warn().Err(err).Str("job_id", job.ID).Str("kind", job.Kind).Msg("job failed")
	observability.JobOutcomes.WithLabelValues("failure").Inc()
	s.complete(job, err)
}

func (s *Scheduler) complete(job *Job, err error) {
	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete(job, err)
	}
}

func (s *Scheduler) recordCircuitState() {
	current := s.breaker.GetState()
	for _, st := range []CircuitState{CircuitClosed, CircuitHalfOpen, CircuitOpen} {
		v := 0.0
		if st == current {
			v = 1
		}
		observability.SchedulerCircuitState.WithLabelValues(st.String()).Set(v)
	}
}

func (s *Scheduler) logDecision(d SchedulingDecision) {
	ev := s.log.Debug()
	if d.Decision == "GIVE_UP" || d.Decision == "RETRY" {
		ev = s.log.Info()
	}
	ev.Str("decision", d.Decision).
		Str("job_id", d.JobID).
		Str("node_id", d.NodeID).
		Int("priority", d.Priority).
		Int("attempt", d.Attempt).
		Dur("delay", d.Delay).
		Str("reason", d.Reason).
		Msg("scheduling decision")

	observability.SchedulerDecisions.WithLabelValues(d.Decision, d.Reason).Inc()
}

// Metrics returns a point-in-time view of the scheduler.
func (s *Scheduler) Metrics() SchedulerMetrics {
	s.mu.RLock()
	mode := s.mode
	s.mu.RUnlock()

	return SchedulerMetrics{
		QueueDepth:          s.queue.Len(),
		ActiveJobs:          int(atomic.LoadInt64(&s.active)),
		MaxConcurrency:      s.cfg.MaxConcurrency,
		WorkerSaturation:    s.saturation(),
		CircuitBreakerState: s.breaker.GetState().String(),
		RuntimeMode:         string(mode),
	}
}
