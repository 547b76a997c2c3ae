package main

import (
	"context"
	"time"

	"github.com/itskum47/FleetForge/control_plane/auth"
	"github.com/itskum47/FleetForge/control_plane/config"
	"github.com/itskum47/FleetForge/control_plane/discovery"
	"github.com/itskum47/FleetForge/control_plane/dispatch"
	"github.com/itskum47/FleetForge/control_plane/fleetapi"
	"github.com/itskum47/FleetForge/control_plane/keys"
	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/itskum47/FleetForge/control_plane/scheduler"
	"github.com/itskum47/FleetForge/control_plane/snapshot"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
	"github.com/itskum47/FleetForge/control_plane/workflow"
	"github.com/rs/zerolog"
)

const startupPingTimeout = 5 * time.Second

// sharedLocker is what both the Redis and in-memory stores provide.
type sharedLocker interface {
	store.SharedStore
	store.Locker
}

// app is the wired process. Every command builds one.
type app struct {
	cfg      *config.Config
	shared   sharedLocker
	runs     store.RunStore
	degraded *resilience.DegradedMode

	sessions     *auth.Manager
	client       *fleetapi.Client
	keys         *keys.Manager
	discovery    *discovery.Engine
	dispatcher   *dispatch.Dispatcher
	snapshots    snapshot.Provider
	bus          *streaming.Bus
	events       streaming.Publisher
	orchestrator *workflow.Orchestrator
	sched        *scheduler.Scheduler

	closers []func()
	log     zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config) *app {
	a := &app{
		cfg:      cfg,
		degraded: resilience.NewDegradedMode(),
		log:      logging.WithComponent("main"),
	}

	a.openSharedStore(ctx)
	a.openRunStore(ctx)

	var clientOpts []fleetapi.Option
	if cfg.API.RateLimitPerMinute > 0 {
		limiter := scheduler.NewSlidingWindowLimiter(a.shared, cfg.API.RateLimitPerMinute, time.Minute)
		clientOpts = append(clientOpts, fleetapi.WithLimiter(limiter, "fleetapi"))
	}
	base := fleetapi.NewClient(cfg.API.URL, clientOpts...)
	a.sessions = auth.NewManager(base, auth.Credentials{
		Username: cfg.API.User,
		Password: cfg.API.Password,
		Backend:  cfg.API.Eauth,
	}, a.shared, auth.WithDegradedMode(a.degraded))
	a.client = base.WithTokens(a.sessions)

	var keyOpts []keys.Option
	if cfg.Keys.EnforcerPath != "" {
		keyOpts = append(keyOpts, keys.WithEnforcer(keys.NewCommandEnforcer(cfg.Keys.EnforcerPath, cfg.Keys.EnforcerArgs...)))
	}
	if cfg.Keys.UninstallFunction != "" {
		keyOpts = append(keyOpts, keys.WithUninstall(keys.Uninstall{
			Function: cfg.Keys.UninstallFunction,
			Args:     cfg.Keys.UninstallArgs,
			Timeout:  cfg.Keys.UninstallTimeout,
		}))
	}
	a.keys = keys.NewManager(a.client, keyOpts...)
	a.discovery = discovery.NewEngine(a.client, cfg.API.PingTimeout)
	a.dispatcher = dispatch.NewDispatcher(a.client)
	a.snapshots = newSnapshotProvider(cfg.Snapshots)

	a.bus = streaming.NewBus()
	logPub := streaming.NewLogPublisher()
	a.events = streaming.NewMultiPublisher(logPub, a.bus)
	a.closers = append(a.closers, func() { a.events.Close() })

	wfOpts := []workflow.Option{
		workflow.WithRunStore(a.runs),
		workflow.WithLocker(a.shared),
		workflow.WithNotifier(workflow.PublisherNotifier{Publisher: a.events}),
		workflow.WithPublisher(a.events),
	}
	if a.snapshots != nil {
		wfOpts = append(wfOpts, workflow.WithSnapshots(a.snapshots))
	}
	a.orchestrator = workflow.NewOrchestrator(a.dispatcher, wfOpts...)

	schedCfg := scheduler.DefaultSchedulerConfig()
	schedCfg.MaxConcurrency = cfg.Scheduler.Concurrency
	schedCfg.CircuitBreakerThreshold = cfg.Scheduler.QueueThreshold
	schedCfg.FailureThreshold = cfg.Scheduler.FailureThreshold
	schedCfg.OnComplete = a.jobFinished
	a.sched = scheduler.NewScheduler(schedCfg)

	return a
}

// openSharedStore connects to Redis, or falls back to the in-process store
// when no address is configured. An unreachable Redis is kept and marked
// degraded so that callers take their local paths until it returns.
func (a *app) openSharedStore(ctx context.Context) {
	if a.cfg.Redis.Addr == "" {
		a.log.Warn().Msg("no redis address configured, using in-process store (single worker only)")
		a.shared = store.NewMemoryStore()
		return
	}

	rs := store.NewRedisStore(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	a.closers = append(a.closers, func() { rs.Close() })
	a.shared = rs

	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		a.degraded.MarkUnavailable(resilience.DependencySharedStore, err)
		return
	}
	a.log.Info().Str("addr", a.cfg.Redis.Addr).Msg("connected to redis")
}

// openRunStore connects to Postgres when configured. Any failure keeps run
// records in memory for the life of the process.
func (a *app) openRunStore(ctx context.Context) {
	if a.cfg.Database.URL == "" {
		a.runs = store.NewMemoryStore()
		return
	}

	pg, err := store.NewPostgresRunStore(ctx, a.cfg.Database.URL)
	if err == nil {
		err = pg.EnsureSchema(ctx)
		if err != nil {
			pg.Close()
		}
	}
	if err != nil {
		a.degraded.MarkUnavailable(resilience.DependencyRunStore, err)
		a.runs = store.NewMemoryStore()
		return
	}
	a.closers = append(a.closers, pg.Close)
	a.runs = pg
	a.log.Info().Msg("connected to postgres run store")
}

func newSnapshotProvider(cfg config.SnapshotConfig) snapshot.Provider {
	switch cfg.Provider {
	case "hetzner":
		opts := []snapshot.HetznerOption{snapshot.WithServers(cfg.Servers)}
		if cfg.HetznerEndpoint != "" {
			opts = append(opts, snapshot.WithEndpoint(cfg.HetznerEndpoint))
		}
		if cfg.PollInterval > 0 {
			opts = append(opts, snapshot.WithPollInterval(cfg.PollInterval))
		}
		return snapshot.NewHetznerProvider(cfg.HetznerToken, opts...)
	case "script":
		p := snapshot.NewScriptProvider(cfg.ScriptPath, cfg.ScriptArgs...)
		p.CommandArgs = cfg.ScriptCmdArgs
		for target, ref := range cfg.ScriptTargets {
			p.Targets[target] = ref
		}
		return p
	}
	return nil
}

// scheduleWorkflows submits every workflow with a period on its own ticker.
func (a *app) scheduleWorkflows(ctx context.Context) {
	for _, wf := range a.cfg.Workflows {
		if wf.Every <= 0 {
			continue
		}
		go a.tick(ctx, wf)
	}
}

func (a *app) tick(ctx context.Context, wf config.WorkflowConfig) {
	ticker := time.NewTicker(wf.Every)
	defer ticker.Stop()
	a.log.Info().Str("workflow", wf.Name).Dur("every", wf.Every).Msg("workflow scheduled")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.submit(wf); err != nil {
				a.log.Warn().Err(err).Str("workflow", wf.Name).Msg("scheduled run not submitted")
			}
		}
	}
}

// submit queues one run of wf and returns the job id.
func (a *app) submit(wf config.WorkflowConfig) (string, error) {
	job := a.orchestrator.Job(wf.Plan, wf.Priority)
	if err := a.sched.Submit(job); err != nil {
		return "", err
	}
	a.log.Info().Str("workflow", wf.Name).Str("job_id", job.ID).Str("target", wf.Target).Msg("run submitted")
	return job.ID, nil
}

func (a *app) jobFinished(job *scheduler.Job, err error) {
	if err != nil {
		a.log.Error().Err(err).Str("job_id", job.ID).Str("kind", job.Kind).Int("attempts", job.Attempt+1).Msg("job failed")
	}
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
