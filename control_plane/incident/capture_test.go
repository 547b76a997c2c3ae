package incident

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveRun(t *testing.T, ms *store.MemoryStore, id string, state store.RunState, at time.Time, steps ...store.StepRecord) {
	t.Helper()
	require.NoError(t, ms.SaveRun(context.Background(), &store.RunRecord{
		RunID: id, Target: "web-1", State: state, StartedAt: at, Steps: steps,
	}))
}

func TestCaptureFailedRun(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)

	saveRun(t, ms, "old-ok", store.RunDone, base)
	saveRun(t, ms, "old-fail", store.RunFailed, base.Add(time.Hour))
	saveRun(t, ms, "run-3", store.RunFailed, base.Add(2*time.Hour),
		store.StepRecord{RunID: "run-3", Step: store.StepPre, What: "snapshot", Outcome: store.OutcomeSuccess},
		store.StepRecord{RunID: "run-3", Step: store.StepMain, What: "pkg.upgrade", Outcome: store.OutcomeFailure, Error: "dpkg lock held"},
	)

	tl := timeline.NewStore(nil)
	tl.Record(ctx, store.StepRecord{RunID: "run-3", Target: "web-1", Step: store.StepMain, Outcome: store.OutcomeFailure})
	tl.Record(ctx, store.StepRecord{RunID: "x", Target: "db-1", Step: store.StepMain, Outcome: store.OutcomeSuccess})

	report, err := CaptureIncident(ctx, ms, tl, "run-3")
	require.NoError(t, err)
	require.NotNil(t, report)

	require.NotNil(t, report.FailedStep)
	assert.Equal(t, store.StepMain, report.FailedStep.Step)
	require.Len(t, report.Recent, 2)
	assert.Equal(t, "old-fail", report.Recent[0].RunID)
	assert.Len(t, report.Events, 1)
	assert.Equal(t, "run failed in main step (pkg.upgrade): dpkg lock held; 1 earlier run(s) against web-1 also failed", report.Analysis)
}

func TestCaptureUnknownRun(t *testing.T) {
	report, err := CaptureIncident(context.Background(), store.NewMemoryStore(), nil, "nope")
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestCaptureSuccessfulRunWithAlerts(t *testing.T) {
	ms := store.NewMemoryStore()
	require.NoError(t, ms.SaveRun(context.Background(), &store.RunRecord{
		RunID: "r", Target: "web-1", State: store.RunDone, StartedAt: time.Now(),
		Alerts: []store.Alert{{NodeID: "web-1", Resource: "disk"}},
	}))

	report, err := CaptureIncident(context.Background(), ms, nil, "r")
	require.NoError(t, err)
	assert.Nil(t, report.FailedStep)
	assert.Equal(t, "run done with 1 threshold alert(s)", report.Analysis)
}
