package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(done chan<- error) SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	cfg.MaxConcurrency = 2
	cfg.NodeRate = 1000
	cfg.NodeBurst = 1000
	cfg.RetryScale = 0.0001 // policy delays shrink to well under a second
	cfg.OnComplete = func(job *Job, err error) { done <- err }
	return cfg
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
		return nil
	}
}

func TestQueueOrdering(t *testing.T) {
	q := NewThreadSafeQueue()
	now := time.Now()

	// P10 but old (Effective P ~ -2)
	q.Push(&Job{Priority: 10, ID: "old-low", SubmitTime: now.Add(-2 * time.Minute)})

	// P0 recent (Effective P 0)
	q.Push(&Job{Priority: 0, ID: "recent-high", SubmitTime: now})

	// P5 recent (Effective P 5)
	q.Push(&Job{Priority: 5, ID: "recent-medium", SubmitTime: now})

	assert.Equal(t, "old-low", q.Pop().ID, "aging should promote the old job")
	assert.Equal(t, "recent-high", q.Pop().ID)
	assert.Equal(t, "recent-medium", q.Pop().ID)
	assert.Nil(t, q.Pop())
}

func TestQueueTiesAreFIFOAfterDeadlines(t *testing.T) {
	q := NewThreadSafeQueue()
	now := time.Now()

	q.Push(&Job{Priority: 3, ID: "first", SubmitTime: now})
	q.Push(&Job{Priority: 3, ID: "second", SubmitTime: now})
	q.Push(&Job{Priority: 3, ID: "deadline", SubmitTime: now, Deadline: now.Add(time.Minute)})

	assert.Equal(t, "deadline", q.Pop().ID)
	assert.Equal(t, "first", q.Pop().ID)
	assert.Equal(t, "second", q.Pop().ID)
}

func TestQueuePushDelayed(t *testing.T) {
	q := NewThreadSafeQueue()
	q.PushDelayed(&Job{ID: "later"}, 20*time.Millisecond)

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, q.Delayed())
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.Delayed())
}

func TestSchedulerRunsJob(t *testing.T) {
	done := make(chan error, 1)
	sched := NewScheduler(testConfig(done))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	var ran int32
	require.NoError(t, sched.Submit(&Job{ID: "j1", NodeID: "web-01", Run: func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}}))

	assert.NoError(t, waitResult(t, done))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestSchedulerRetriesTransientFailure(t *testing.T) {
	done := make(chan error, 1)
	sched := NewScheduler(testConfig(done))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	var calls int32
	require.NoError(t, sched.Submit(&Job{ID: "flaky", Run: func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return resilience.New(resilience.KindConnection, "test", "connection refused")
		}
		return nil
	}}))

	assert.NoError(t, waitResult(t, done))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSchedulerStopsAtAttemptBudget(t *testing.T) {
	done := make(chan error, 1)
	sched := NewScheduler(testConfig(done))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	var calls int32
	require.NoError(t, sched.Submit(&Job{ID: "always-times-out", Run: func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return resilience.New(resilience.KindTimeout, "test", "deadline passed")
	}}))

	err := waitResult(t, done)
	assert.True(t, resilience.Is(err, resilience.KindTimeout))
	assert.Equal(t, int32(resilience.PolicyFor(resilience.KindTimeout).MaxAttempts), atomic.LoadInt32(&calls))
}

func TestSchedulerDoesNotRetryPermanentFailure(t *testing.T) {
	done := make(chan error, 1)
	sched := NewScheduler(testConfig(done))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	var calls int32
	require.NoError(t, sched.Submit(&Job{ID: "bad-auth", Run: func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return resilience.New(resilience.KindAuthentication, "test", "bad credentials")
	}}))

	err := waitResult(t, done)
	assert.True(t, resilience.Is(err, resilience.KindAuthentication))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSchedulerUnknownErrorIsPermanent(t *testing.T) {
	done := make(chan error, 1)
	sched := NewScheduler(testConfig(done))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	var calls int32
	require.NoError(t, sched.Submit(&Job{ID: "plain", Run: func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("something odd")
	}}))

	require.Error(t, waitResult(t, done))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	const jobs = 6
	done := make(chan error, jobs)
	sched := NewScheduler(testConfig(done))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	for i := 0; i < jobs; i++ {
		require.NoError(t, sched.Submit(&Job{ID: "c", Run: func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}}))
	}
	for i := 0; i < jobs; i++ {
		require.NoError(t, waitResult(t, done))
	}
	sched.Wait()
	assert.LessOrEqual(t, peak, 2)
}

func TestSchedulerModes(t *testing.T) {
	sched := NewScheduler(DefaultSchedulerConfig())

	assert.NoError(t, sched.Submit(&Job{Priority: 10, ID: "ok"}))

	sched.SetMode(ModeDegraded)
	assert.ErrorIs(t, sched.Submit(&Job{Priority: 10, ID: "low-prio"}), ErrNotAccepted)
	assert.NoError(t, sched.Submit(&Job{Priority: 0, ID: "high-prio"}))

	sched.SetMode(ModeReadOnly)
	assert.ErrorIs(t, sched.Submit(&Job{Priority: 0, ID: "high-prio"}), ErrNotAccepted)

	m := sched.Metrics()
	assert.Equal(t, 2, m.QueueDepth)
	assert.Equal(t, string(ModeReadOnly), m.RuntimeMode)
}

func TestCircuitBreakerOpensOnQueueDepth(t *testing.T) {
	cb := NewCircuitBreaker(10)
	assert.True(t, cb.ShouldAdmit(5, 0.1))
	assert.False(t, cb.ShouldAdmit(11, 0.1))
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.ShouldAdmit(0, 0), "open circuit rejects until cooldown")
}

func TestCircuitBreakerOpensOnConsecutiveFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreakerWithConfig(BreakerConfig{
		QueueThreshold:   100,
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		ProbeLimit:       2,
	})
	cb.SetClock(func() time.Time { return now })

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess() // resets the streak
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.GetState())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.ShouldAdmit(0, 0))

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.ShouldAdmit(0, 0))
	assert.Equal(t, CircuitHalfOpen, cb.GetState())
	assert.True(t, cb.ShouldAdmit(0, 0))
	assert.False(t, cb.ShouldAdmit(0, 0), "probe budget spent")

	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreakerWithConfig(BreakerConfig{QueueThreshold: 1, Cooldown: time.Second, ProbeLimit: 1})
	cb.SetClock(func() time.Time { return now })

	assert.False(t, cb.ShouldAdmit(5, 0))
	now = now.Add(2 * time.Second)
	assert.True(t, cb.ShouldAdmit(0, 0))
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
}
