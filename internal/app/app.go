// Package app wires the config file, logging, the scheduling loop and the
// job factory into the schedd daemon.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"fluentsched/internal/config"
	"fluentsched/internal/eventbus"
	"fluentsched/internal/jobs"
	"fluentsched/internal/runtime/supervisor"
	"fluentsched/internal/task/scheduler"
	logx "fluentsched/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	sched   *scheduler.Manager
	factory *jobs.Factory
	drain   time.Duration

	status statusTracker

	mu      sync.Mutex
	applied *config.Config
}

// Option customizes how New builds the app.
type Option func(*options)

type options struct {
	sched  []scheduler.Option
	jobs   []jobs.Option
	logger *logx.Logger
}

// WithSchedulerOptions forwards options to the scheduling loop.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) { o.sched = append(o.sched, opts...) }
}

// WithJobOptions forwards options to the job factory.
func WithJobOptions(opts ...jobs.Option) Option {
	return func(o *options) { o.jobs = append(o.jobs, opts...) }
}

// WithLogger replaces the config-driven logging service.
func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.logger = &log }
}

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{bus: eventbus.New()}

	cfgm := config.NewManager(cfgPath, config.WithValidator(a.validate))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm

	root := logx.Nop()
	if o.logger != nil {
		root = *o.logger
	} else {
		a.logs, root = logx.New(cfg.Logging.Logx())
	}
	a.log = root.Named("app")

	scfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.drain = scfg.DrainTimeout

	a.factory = jobs.NewFactory(append([]jobs.Option{
		jobs.WithLogger(root.Named("jobs")),
	}, o.jobs...)...)

	a.sched = scheduler.New(scfg, append([]scheduler.Option{
		scheduler.WithLogger(root.Named("scheduler")),
		scheduler.WithEventBus(a.bus),
		scheduler.WithFactory(a.factory),
	}, o.sched...)...)

	// Reject a broken initial job set before anything starts.
	if err := a.validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	drain, err := config.ParseDurationOrDefault("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout, config.DefaultDrainTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	warn, err := config.ParseDurationOrDefault("scheduler.warn_every", cfg.Scheduler.WarnEvery, config.DefaultWarnEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:     cfg.Scheduler.Timezone,
		DrainTimeout: drain,
		WarnEvery:    warn,
		HistorySize:  cfg.Scheduler.HistorySize,
	}, nil
}

// validate is run before a config version is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.Wrapf(err, "scheduler.timezone: invalid %q", tz)
		}
	}
	if _, err := schedulerConfig(cfg); err != nil {
		return err
	}
	for _, def := range cfg.Jobs {
		if err := checkJob(def, jobs.Validate); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Scheduler() *scheduler.Manager { return a.sched }

func (a *App) Config() *config.Manager { return a.cfgm }

// DrainTimeout bounds how long Stop waits for running jobs.
func (a *App) DrainTimeout() time.Duration { return a.drain }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start schedules the configured jobs and runs the scheduling loop, the
// config watcher and the event consumer.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	if err := a.reconcile(a.cfgm.Get()); err != nil {
		a.log.Warn("some jobs could not be scheduled", logx.Err(err))
	}
	a.sched.Start(ctx)

	events, unsub := a.bus.Subscribe(128, jobEvents...)
	a.sup.Go("events", func(c context.Context) error {
		defer unsub()
		return a.status.consume(c, events, a.log)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.apply(cfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()), logx.Int("jobs", len(a.cfgm.Get().Jobs)))
	return nil
}

// Reload re-reads the config file now instead of waiting for the watcher.
func (a *App) Reload(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		return nil
	}
	return err
}

// apply brings logging and the live schedule set in line with cfg.
func (a *App) apply(cfg *config.Config) {
	a.mu.Lock()
	prev := a.applied
	a.mu.Unlock()

	sections, attrs, _ := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			if a.logs == nil {
				continue
			}
			if err := a.logs.Apply(cfg.Logging.Logx()); err != nil {
				a.log.Warn("logging reconfigured with errors", logx.Err(err))
			}
		case "scheduler":
			a.log.Warn("scheduler config changed; restart required for changes to take effect")
		}
	}
	if err := a.reconcile(cfg); err != nil {
		a.log.Warn("some jobs could not be scheduled", logx.Err(err))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// reconcile adds, replaces and removes schedules so that they match cfg.
// Unchanged jobs keep their schedules and run state.
func (a *App) reconcile(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	diff := config.DiffJobs(a.applied, cfg)
	for _, name := range diff.Removed {
		a.sched.RemoveJob(name)
		a.factory.Delete(name)
	}

	var errs error
	for _, name := range append(diff.Added, diff.Changed...) {
		def, _ := cfg.Job(name)
		if err := a.schedule(def); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	a.applied = cfg
	if !diff.Empty() {
		a.log.Debug("jobs reconciled",
			logx.Strings("added", diff.Added),
			logx.Strings("changed", diff.Changed),
			logx.Strings("removed", diff.Removed),
		)
	}
	return errs
}

func (a *App) schedule(def config.JobConfig) error {
	if err := checkJob(def, jobs.Validate); err != nil {
		return err
	}
	build, err := buildFunc(def)
	if err != nil {
		return err
	}
	if err := a.factory.Set(def); err != nil {
		return err
	}
	_, err = a.sched.AddConstructed(def.Kind, nil, build,
		scheduler.WithName(def.Name),
		scheduler.WithReentrant(def.Reentrant),
	)
	return errors.Wrapf(err, "job %q", def.Name)
}

// Status summarizes the scheduler for humans and systemd.
func (a *App) Status() string {
	snap := a.sched.Snapshot()
	return a.status.snapshot().Line(len(snap.Schedules), snap.InFlight)
}

// Stop drains running jobs for at most the configured drain timeout (bounded
// by ctx), then stops the background loops.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	var errs error
	drainCtx, cancel := context.WithTimeout(ctx, a.drain)
	if err := a.sched.Stop(drainCtx); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	cancel()

	if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = errors.CombineErrors(errs, err)
	}

	a.log.Info("stopped", logx.String("status", a.Status()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errs
}
