package workflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/itskum47/FleetForge/control_plane/scheduler"
)

// Job wraps plan as a scheduler job. Transient failures are retried by the
// scheduler; each attempt is a fresh run with its own record, and a snapshot
// still being taken from an earlier attempt is waited on, not duplicated.
func (o *Orchestrator) Job(plan Plan, priority int) *scheduler.Job {
	return &scheduler.Job{
		ID:       uuid.NewString(),
		NodeID:   plan.Target,
		Kind:     "workflow",
		Priority: priority,
		Run: func(ctx context.Context) error {
			_, err := o.Run(ctx, plan)
			return err
		},
	}
}
