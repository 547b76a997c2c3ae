// Package incident assembles the context of a failed run for debugging.
package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/itskum47/FleetForge/control_plane/store"
)

// recentRuns is how many earlier runs against the same target are included.
const recentRuns = 5

// Report is a captured failure context.
type Report struct {
	RunID      string             `json:"run_id"`
	Run        *store.RunRecord   `json:"run"`
	FailedStep *store.StepRecord  `json:"failed_step,omitempty"`
	Recent     []*store.RunRecord `json:"recent_runs,omitempty"`
	Events     []store.StepRecord `json:"target_events,omitempty"`
	CapturedAt time.Time          `json:"captured_at"`
	Analysis   string             `json:"analysis"`
}

// RunReader is the part of the run store a capture reads.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*store.RunRecord, error)
	ListRuns(ctx context.Context, target string, limit int) ([]*store.RunRecord, error)
}

// TimelineReader returns the audit records kept in this process.
type TimelineReader interface {
	GetEventsByTarget(target string) []store.StepRecord
}

// CaptureIncident gathers everything known about runID. It returns nil, nil
// when the run does not exist.
func CaptureIncident(ctx context.Context, runs RunReader, tl TimelineReader, runID string) (*Report, error) {
	run, err := runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil // Not found
	}

	others, err := runs.ListRuns(ctx, run.Target, recentRuns+1)
	if err != nil {
		return nil, err
	}
	var recent []*store.RunRecord
	for _, r := range others {
		if r.RunID != runID && len(recent) < recentRuns {
			recent = append(recent, r)
		}
	}

	report := &Report{
		RunID:      runID,
		Run:        run,
		Recent:     recent,
		CapturedAt: time.Now(),
	}
	if tl != nil {
		report.Events = tl.GetEventsByTarget(run.Target)
	}
	for i := range run.Steps {
		if run.Steps[i].Outcome == store.OutcomeFailure {
			report.FailedStep = &run.Steps[i]
			break
		}
	}
	report.Analysis = analyze(run, report.FailedStep, recent)
	return report, nil
}

func analyze(run *store.RunRecord, failed *store.StepRecord, recent []*store.RunRecord) string {
	if run.State != store.RunFailed {
		if len(run.Alerts) > 0 {
			return fmt.Sprintf("run %s with %d threshold alert(s)", run.State, len(run.Alerts))
		}
		return fmt.Sprintf("run %s without failures", run.State)
	}

	msg := "run failed before any step was recorded"
	if failed != nil {
		msg = fmt.Sprintf("run failed in %s step (%s): %s", failed.Step, failed.What, failed.Error)
	}

	streak := 0
	for _, r := range recent {
		if r.State != store.RunFailed {
			break
		}
		streak++
	}
	if streak > 0 {
		msg += fmt.Sprintf("; %d earlier run(s) against %s also failed", streak, run.Target)
	}
	return msg
}
