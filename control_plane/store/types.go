package store

import (
	"time"
)

// RunState is the lifecycle position of a workflow run.
type RunState string

const (
	RunIdle     RunState = "idle"
	RunPreStep  RunState = "pre_step"
	RunMainStep RunState = "main_step"
	RunPostStep RunState = "post_step"
	RunDone     RunState = "done"
	RunFailed   RunState = "failed"
)

// Terminal reports whether the run can no longer change state.
func (s RunState) Terminal() bool {
	return s == RunDone || s == RunFailed
}

// StepName identifies one of the three workflow phases.
type StepName string

const (
	StepPre  StepName = "pre"
	StepMain StepName = "main"
	StepPost StepName = "post"
)

// StepOutcome is the result recorded for a step transition.
type StepOutcome string

const (
	OutcomeRunning StepOutcome = "running"
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailure StepOutcome = "failure"
	OutcomeSkipped StepOutcome = "skipped"
)

// StepRecord is one auditable step transition.
type StepRecord struct {
	RunID      string      `json:"run_id" db:"run_id"`
	Step       StepName    `json:"step" db:"step"`
	What       string      `json:"what" db:"what"`
	Target     string      `json:"target" db:"target"`
	Outcome    StepOutcome `json:"outcome" db:"outcome"`
	Detail     string      `json:"detail,omitempty" db:"detail"`
	Error      string      `json:"error,omitempty" db:"error"`
	StartedAt  time.Time   `json:"started_at" db:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
}

// Duration is zero while the step is still running.
func (s StepRecord) Duration() time.Duration {
	if s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Alert is a resource threshold breach found in a main step's output.
type Alert struct {
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	Resource  string    `json:"resource"` // disk, memory
	Subject   string    `json:"subject,omitempty"`
	Percent   float64   `json:"percent"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// RunRecord is the persisted summary of a workflow run.
type RunRecord struct {
	RunID        string       `json:"run_id" db:"run_id"`
	Name         string       `json:"name" db:"name"`
	Target       string       `json:"target" db:"target"`
	Class        string       `json:"class" db:"class"`
	State        RunState     `json:"state" db:"state"`
	Steps        []StepRecord `json:"steps" db:"-"`
	Alerts       []Alert      `json:"alerts,omitempty" db:"-"`
	Error        string       `json:"error,omitempty" db:"error"`
	StartedAt    time.Time    `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty" db:"finished_at"`
	Cancelled    bool         `json:"cancelled" db:"cancelled"`
	CancelReason string       `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CancelledAt  *time.Time   `json:"cancelled_at,omitempty" db:"cancelled_at"`
}
