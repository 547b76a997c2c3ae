package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/FleetForge/control_plane/dispatch"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/itskum47/FleetForge/control_plane/scheduler"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduledWorkflowRetriesTransientFailure(t *testing.T) {
	exec := &fakeExecutor{err: resilience.New(resilience.KindServiceUnavailable, "run", "control plane restarting")}
	mem := store.NewMemoryStore()
	o := NewOrchestrator(exec, WithRunStore(mem))

	var mu sync.Mutex
	var finalErr error
	done := make(chan struct{})
	cfg := scheduler.DefaultSchedulerConfig()
	cfg.RetryScale = 1e-6
	cfg.NodeRate = 1000
	cfg.OnComplete = func(job *scheduler.Job, err error) {
		mu.Lock()
		finalErr = err
		mu.Unlock()
		close(done)
	}
	s := scheduler.NewScheduler(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	plan := Plan{Target: "web-1", Command: dispatch.Request{Function: "cmd.run"}}
	require.NoError(t, s.Submit(o.Job(plan, 3)))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, resilience.Is(finalErr, resilience.KindServiceUnavailable))
	assert.Equal(t, resilience.PolicyFor(resilience.KindServiceUnavailable).MaxAttempts, exec.calls)

	runs, err := mem.ListRuns(context.Background(), "web-1", 0)
	require.NoError(t, err)
	assert.Len(t, runs, exec.calls)
}
