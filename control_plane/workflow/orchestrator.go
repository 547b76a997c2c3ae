package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/FleetForge/control_plane/dispatch"
	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/itskum47/FleetForge/control_plane/snapshot"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
	"github.com/itskum47/FleetForge/control_plane/timeline"
	"github.com/rs/zerolog"
)

// Executor runs the main step. *dispatch.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

var _ Executor = (*dispatch.Dispatcher)(nil)

// Orchestrator drives runs through pre, main and post steps.
type Orchestrator struct {
	exec     Executor
	snaps    snapshot.Provider
	runs     store.RunStore
	timeline *timeline.Store
	notifier Notifier
	events   streaming.Publisher
	locker   store.Locker
	owner    string
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithSnapshots(p snapshot.Provider) Option {
	return func(o *Orchestrator) { o.snaps = p }
}

// WithRunStore persists run records. Without one, runs only live in the
// returned record and the timeline.
func WithRunStore(rs store.RunStore) Option {
	return func(o *Orchestrator) { o.runs = rs }
}

func WithTimeline(tl *timeline.Store) Option {
	return func(o *Orchestrator) { o.timeline = tl }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithPublisher publishes every finished run on the runs topic.
func WithPublisher(p streaming.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithLocker serializes runs per target across every process sharing the
// locker. A run that finds its target busy fails with a transient error.
func WithLocker(l store.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		exec:  exec,
		owner: uuid.NewString(),
		now:   time.Now,
		log:   logging.WithComponent("workflow"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.timeline == nil {
		var sink timeline.Sink
		if o.runs != nil {
			sink = o.runs
		}
		o.timeline = timeline.NewStore(sink)
	}
	return o
}

// Timeline returns the audit trail the orchestrator writes to.
func (o *Orchestrator) Timeline() *timeline.Store {
	return o.timeline
}

// runState carries one run through its steps.
type runState struct {
	plan      Plan
	record    *store.RunRecord
	log       zerolog.Logger
	snapTaken bool
}

// Run executes plan. The returned record is non-nil whenever the plan was
// valid and its target lock was taken. The error is non-nil when the run failed and carries the kind of
// the failure so schedulers can decide on retries; threshold alerts and
// post-step problems never produce an error.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (*store.RunRecord, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	unlock, err := o.lock(ctx, plan)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rs := &runState{
		plan: plan,
		record: &store.RunRecord{
			RunID:     uuid.NewString(),
			Name:      plan.Name,
			Target:    plan.Target,
			Class:     string(plan.Class),
			State:     store.RunIdle,
			StartedAt: o.now(),
		},
	}
	rs.log = o.log.With().Str("run_id", rs.record.RunID).Str("workflow", plan.Name).Str("target", plan.Target).Logger()
	rs.log.Info().Str("class", string(plan.Class)).Msg("run started")
	o.save(ctx, rs)

	if err := o.preStep(ctx, rs); err != nil {
		return o.fail(ctx, rs, err)
	}

	res, err := o.mainStep(ctx, rs)
	if err != nil {
		return o.fail(ctx, rs, err)
	}

	o.checkThresholds(ctx, rs, res)
	o.postStep(ctx, rs)

	return rs.record, o.finish(ctx, rs, store.RunDone, nil)
}

// lock takes the per-target run lock for the longest the run can take.
func (o *Orchestrator) lock(ctx context.Context, plan Plan) (func(), error) {
	const op = "workflow.lock"
	if o.locker == nil {
		return func() {}, nil
	}
	key := store.RunLockKey(plan.Target)
	ttl := plan.Snapshot.Timeout + dispatch.UpgradeProfile.Max + time.Minute
	ok, err := o.locker.AcquireLock(ctx, key, o.owner, ttl)
	if err != nil {
		return nil, &resilience.Error{Kind: resilience.KindServiceUnavailable, Op: op, Resource: plan.Target, Err: err}
	}
	if !ok {
		return nil, resilience.New(resilience.KindServiceUnavailable, op, "another run holds this target").WithResource(plan.Target)
	}
	return func() {
		// Released even when ctx is already done.
		if err := o.locker.ReleaseLock(context.WithoutCancel(ctx), key, o.owner); err != nil {
			o.log.Warn().Err(err).Str("target", plan.Target).Msg("run lock not released")
		}
	}, nil
}

func (o *Orchestrator) preStep(ctx context.Context, rs *runState) error {
	const op = "workflow.pre_step"
	plan := rs.plan

	if !plan.Snapshot.Required {
		return nil
	}
	if !plan.Class.Protected() {
		o.step(ctx, rs, store.StepRecord{
			Step: store.StepPre, What: "snapshot", Outcome: store.OutcomeSkipped,
			Detail: fmt.Sprintf("run class %s is not protected", plan.Class),
		}, o.now())
		return nil
	}

	o.transition(ctx, rs, store.RunPreStep)
	start := o.now()
	if o.snaps == nil {
		err := resilience.New(resilience.KindConfiguration, op, "snapshot required but no snapshot provider configured").WithResource(plan.Target)
		o.step(ctx, rs, store.StepRecord{Step: store.StepPre, What: "snapshot", Outcome: store.OutcomeFailure, Error: err.Error()}, start)
		return err
	}

	desc := SnapshotDescription(plan.Target, plan.Class, start)
	created, err := o.snaps.Create(ctx, plan.Target, desc)
	if err != nil {
		o.step(ctx, rs, store.StepRecord{Step: store.StepPre, What: "snapshot create", Outcome: store.OutcomeFailure, Error: err.Error()}, start)
		return fmt.Errorf("creating snapshot of %s: %w", plan.Target, err)
	}

	detail := "snapshot " + created.SnapshotID
	if created.AlreadyInProgress {
		detail += " (already in progress, waiting)"
		rs.log.Info().Str("snapshot_id", created.SnapshotID).Msg("waiting on snapshot already in progress")
	}
	if err := o.snaps.WaitForCompletion(ctx, plan.Target, created.SnapshotID, plan.Snapshot.Timeout); err != nil {
		o.step(ctx, rs, store.StepRecord{Step: store.StepPre, What: "snapshot wait", Outcome: store.OutcomeFailure, Detail: detail, Error: err.Error()}, start)
		return fmt.Errorf("waiting for snapshot %s: %w", created.SnapshotID, err)
	}

	rs.snapTaken = true
	o.step(ctx, rs, store.StepRecord{Step: store.StepPre, What: "snapshot", Outcome: store.OutcomeSuccess, Detail: detail}, start)
	return nil
}

func (o *Orchestrator) mainStep(ctx context.Context, rs *runState) (*dispatch.Result, error) {
	const op = "workflow.main_step"
	cmd := rs.plan.Command

	o.transition(ctx, rs, store.RunMainStep)
	start := o.now()
	res, err := o.exec.Execute(ctx, cmd)
	if err != nil {
		o.step(ctx, rs, store.StepRecord{Step: store.StepMain, What: cmd.Function, Outcome: store.OutcomeFailure, Error: err.Error()}, start)
		return nil, err
	}

	rec := store.StepRecord{Step: store.StepMain, What: cmd.Function, Outcome: store.OutcomeSuccess}
	if res.Partial {
		rec.Detail = fmt.Sprintf("partial: %d responded, %d did not", len(res.Responders), len(res.NonResponders))
	}
	if !res.Success {
		rec.Outcome = store.OutcomeFailure
		rec.Error = res.Output.Text
		o.step(ctx, rs, rec, start)
		return nil, resilience.New(resilience.KindUnknown, op, res.Output.Text).WithResource(cmd.Target)
	}
	o.step(ctx, rs, rec, start)
	return res, nil
}

func (o *Orchestrator) checkThresholds(ctx context.Context, rs *runState, res *dispatch.Result) {
	alerts := EvaluateThresholds(rs.record.RunID, rs.plan.Thresholds, res, o.now())
	if len(alerts) == 0 {
		return
	}
	rs.record.Alerts = alerts
	for _, a := range alerts {
		observability.ThresholdAlerts.WithLabelValues(a.Resource).Inc()
		rs.log.Warn().Str("node_id", a.NodeID).Str("resource", a.Resource).Str("subject", a.Subject).
			Float64("percent", a.Percent).Float64("threshold", a.Threshold).Msg("resource threshold exceeded")
	}
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, alerts); err != nil {
		rs.log.Warn().Err(err).Int("alerts", len(alerts)).Msg("alert notification failed")
	}
}

func (o *Orchestrator) postStep(ctx context.Context, rs *runState) {
	if !rs.snapTaken {
		return
	}
	o.transition(ctx, rs, store.RunPostStep)
	start := o.now()

	prefix := SnapshotPrefix(rs.plan.Target, rs.plan.Class)
	deleted, err := snapshot.Prune(ctx, o.snaps, rs.plan.Target, prefix, rs.plan.Snapshot.KeepLast)
	rec := store.StepRecord{
		Step: store.StepPost, What: "snapshot prune", Outcome: store.OutcomeSuccess,
		Detail: fmt.Sprintf("kept %d, deleted %d", rs.plan.Snapshot.KeepLast, len(deleted)),
	}
	if err != nil {
		rec.Outcome = store.OutcomeFailure
		rec.Error = err.Error()
		rs.log.Warn().Err(err).Msg("snapshot pruning failed")
	}
	o.step(ctx, rs, rec, start)
}

// step completes rec with run identity and timing, then records it.
func (o *Orchestrator) step(ctx context.Context, rs *runState, rec store.StepRecord, start time.Time) {
	finished := o.now()
	rec.RunID = rs.record.RunID
	if rec.Target == "" {
		rec.Target = rs.plan.Target
	}
	rec.StartedAt = start
	rec.FinishedAt = &finished

	rs.record.Steps = append(rs.record.Steps, rec)
	o.timeline.Record(ctx, rec)
	observability.WorkflowSteps.WithLabelValues(string(rec.Step), string(rec.Outcome)).Inc()
	rs.log.Info().Str("step", string(rec.Step)).Str("what", rec.What).Str("outcome", string(rec.Outcome)).
		Dur("duration", rec.Duration()).Msg("step finished")
}

func (o *Orchestrator) transition(ctx context.Context, rs *runState, state store.RunState) {
	rs.record.State = state
	o.save(ctx, rs)
}

func (o *Orchestrator) fail(ctx context.Context, rs *runState, err error) (*store.RunRecord, error) {
	return rs.record, o.finish(ctx, rs, store.RunFailed, err)
}

func (o *Orchestrator) finish(ctx context.Context, rs *runState, state store.RunState, err error) error {
	finished := o.now()
	rs.record.State = state
	rs.record.FinishedAt = &finished
	if err != nil {
		rs.record.Error = err.Error()
	}
	o.save(ctx, rs)
	observability.WorkflowRuns.WithLabelValues(string(state)).Inc()

	ev := rs.log.Info()
	if err != nil {
		ev = rs.log.Error().Err(err)
	}
	ev.Str("state", string(state)).Dur("duration", finished.Sub(rs.record.StartedAt)).Msg("run finished")

	if o.events != nil {
		if perr := o.events.Publish(ctx, streaming.TopicRuns, rs.record); perr != nil {
			rs.log.Warn().Err(perr).Msg("run record not published")
		}
	}
	return err
}

// save writes the run header. Steps go through the timeline sink, so the
// store is never asked to rewrite them.
func (o *Orchestrator) save(ctx context.Context, rs *runState) {
	if o.runs == nil {
		return
	}
	if err := o.runs.SaveRun(ctx, rs.record); err != nil {
		rs.log.Warn().Err(err).Str("state", string(rs.record.State)).Msg("run record not persisted")
	}
}

// MarkCancelled annotates a run that finished elsewhere. It does not
// interrupt anything in flight.
func (o *Orchestrator) MarkCancelled(ctx context.Context, runID, reason string) (*store.RunRecord, error) {
	const op = "workflow.mark_cancelled"
	if o.runs == nil {
		return nil, resilience.New(resilience.KindConfiguration, op, "no run store configured")
	}
	if err := o.runs.MarkCancelled(ctx, runID, reason, o.now()); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return nil, resilience.New(resilience.KindResourceNotFound, op, "no such run").WithResource(runID)
		}
		return nil, fmt.Errorf("marking run %s cancelled: %w", runID, err)
	}
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	o.log.Info().Str("run_id", runID).Str("reason", reason).Msg("run marked cancelled")
	if o.events != nil && run != nil {
		if err := o.events.Publish(ctx, streaming.TopicRuns, run); err != nil {
			o.log.Warn().Err(err).Str("run_id", runID).Msg("run record not published")
		}
	}
	return run, nil
}

// GetRun returns a stored run, or a not-found error.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*store.RunRecord, error) {
	const op = "workflow.get_run"
	if o.runs == nil {
		return nil, resilience.New(resilience.KindConfiguration, op, "no run store configured")
	}
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, resilience.New(resilience.KindResourceNotFound, op, "no such run").WithResource(runID)
	}
	return run, nil
}

// ListRuns returns stored runs for target (all targets when empty), newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, target string, limit int) ([]*store.RunRecord, error) {
	if o.runs == nil {
		return nil, resilience.New(resilience.KindConfiguration, "workflow.list_runs", "no run store configured")
	}
	return o.runs.ListRuns(ctx, target, limit)
}
