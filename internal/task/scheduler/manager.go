package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"fluentsched/internal/eventbus"
	rtsup "fluentsched/internal/runtime/supervisor"
	"fluentsched/internal/task/timerule"
	logx "fluentsched/pkg/logx"
)

const (
	defaultWarnEvery   = 5 * time.Second
	defaultHistorySize = 200
	previewRuns        = 3
)

// Config controls the Manager.
type Config struct {
	Timezone     string        // IANA TZ used to evaluate rules; empty means Local
	DrainTimeout time.Duration // used by callers to bound Stop; informational here
	WarnEvery    time.Duration // per-schedule throttle for failure and skip logs
	HistorySize  int
}

// BuildFunc configures the time rules of a schedule.
type BuildFunc func(b *timerule.Builder)

// Manager is the scheduling loop. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	loc     *time.Location
	log     logx.Logger
	clock   clockwork.Clock
	bus     eventbus.Bus
	factory Factory
	col     *Collection

	wake chan struct{}

	mu        sync.Mutex
	running   bool
	sup       *rtsup.Supervisor
	jobCtx    context.Context
	observers []Observer

	// inflight counts launched runs across start/stop cycles; idle is closed
	// when it drops back to zero. Both are guarded by mu.
	inflight int
	idle     chan struct{}
	active   atomic.Int64

	warnMu sync.Mutex
	warn   map[string]*rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

// WithClock replaces the wall clock, typically with a clockwork fake in tests.
func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithFactory sets the factory used to build job instances per run.
func WithFactory(f Factory) Option { return func(m *Manager) { m.factory = f } }

// WithEventBus publishes job lifecycle events on bus.
func WithEventBus(bus eventbus.Bus) Option { return func(m *Manager) { m.bus = bus } }

// WithObserver registers an observer at construction.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

func New(cfg Config, opts ...Option) *Manager {
	if cfg.WarnEvery <= 0 {
		cfg.WarnEvery = defaultWarnEvery
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	m := &Manager{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		factory: DefaultFactory{},
		col:     NewCollection(),
		wake:    make(chan struct{}, 1),
		warn:    map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.factory == nil {
		m.factory = DefaultFactory{}
	}
	m.loc = loadLocation(cfg.Timezone, m.log)
	return m
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location returns the zone rules are evaluated in.
func (m *Manager) Location() *time.Location { return m.loc }

// AddObserver registers o for all subsequent runs.
func (m *Manager) AddObserver(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// ---- registration ----

// AddJob schedules a shared job instance. The same instance runs every time
// and is never disposed by the Manager.
func (m *Manager) AddJob(job Job, build BuildFunc, opts ...JobOption) (*Schedule, error) {
	if job == nil {
		return nil, errors.Mark(errors.New("job is nil"), ErrConfiguration)
	}
	ctor := func(context.Context) (Job, error) { return job, nil }
	return m.add(jobKind(job), ctor, false, build, opts)
}

// AddJobFunc schedules an inline action.
func (m *Manager) AddJobFunc(fn func(ctx context.Context) error, build BuildFunc, opts ...JobOption) (*Schedule, error) {
	if fn == nil {
		return nil, errors.Mark(errors.New("job func is nil"), ErrConfiguration)
	}
	return m.AddJob(JobFunc(fn), build, opts...)
}

// AddConstructed schedules a job built through the Factory for every run and
// disposed afterwards. ctor may be nil when the Factory resolves kind itself.
func (m *Manager) AddConstructed(kind string, ctor Constructor, build BuildFunc, opts ...JobOption) (*Schedule, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" && ctor == nil {
		return nil, errors.Mark(errors.New("job type or constructor required"), ErrConfiguration)
	}
	return m.add(kind, ctor, true, build, opts)
}

// AddJobType schedules a job of type T, constructed through the Manager's
// Factory for every run and disposed afterwards.
func AddJobType[T any, PT interface {
	*T
	Job
}](m *Manager, build BuildFunc, opts ...JobOption) (*Schedule, error) {
	ctor := func(context.Context) (Job, error) { return PT(new(T)), nil }
	return m.AddConstructed(typeName[T](), ctor, build, opts...)
}

func (m *Manager) add(kind string, ctor Constructor, owned bool, build BuildFunc, opts []JobOption) (*Schedule, error) {
	var o jobOptions
	for _, fn := range opts {
		fn(&o)
	}
	if build == nil {
		return nil, errors.Mark(errors.New("time rule builder is nil"), ErrConfiguration)
	}
	b := timerule.NewBuilder()
	build(b)
	chain, err := b.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "schedule %q", o.name)
	}

	s := newSchedule(o.name, kind, chain, ctor, owned, o)
	now := m.now()
	next, ok, err := s.calculate(now)
	if err != nil {
		return nil, errors.Wrapf(err, "schedule %q", o.name)
	}
	if !ok {
		return nil, errors.Mark(errors.Newf("schedule %q has no occurrence", o.name), ErrConfiguration)
	}
	s.setNext(next, true)

	if replaced := m.col.Add(s); replaced != nil {
		replaced.setNext(time.Time{}, false)
		m.log.Info("schedule replaced", logx.Job(s.name))
	}
	m.log.Info("schedule added",
		logx.Job(s.name),
		logx.String("type", kind),
		logx.Bool("reentrant", s.reentrant),
		logx.Next(next),
		logx.String("upcoming", formatTimes(s.preview(next, previewRuns))),
	)

	if !next.After(now) && m.isRunning() && m.col.Take(s) {
		m.dispatch(s, now)
	}
	m.signal()
	return s, nil
}

// RemoveJob unregisters the named schedule. An in-flight run completes but is
// not followed by another.
func (m *Manager) RemoveJob(name string) bool {
	s, ok := m.col.Remove(name)
	if !ok {
		return false
	}
	s.setNext(time.Time{}, false)
	m.forgetWarn(name)
	m.log.Info("schedule removed", logx.Job(name), logx.Bool("executing", s.Executing()))
	m.signal()
	return true
}

// RemoveAll unregisters every schedule.
func (m *Manager) RemoveAll() int {
	all := m.col.RemoveAll()
	for _, s := range all {
		s.setNext(time.Time{}, false)
		m.forgetWarn(s.name)
	}
	if len(all) > 0 {
		m.log.Info("all schedules removed", logx.Int("count", len(all)))
	}
	m.signal()
	return len(all)
}

// GetSchedule looks up a live schedule by name.
func (m *Manager) GetSchedule(name string) (*Schedule, bool) { return m.col.Get(name) }

// Schedules returns the live schedules ordered by next run.
func (m *Manager) Schedules() []*Schedule { return m.col.List() }

// ---- lifecycle ----

// Start runs the scheduling loop until Stop or ctx cancellation. Job runs
// receive ctx values but not its cancellation.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.jobCtx = context.WithoutCancel(ctx)
	// The loop rescans the collection on entry; earlier wake-ups are stale.
	select {
	case <-m.wake:
	default:
	}
	m.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	sup := m.sup
	m.mu.Unlock()

	sup.GoRestart("scheduler.loop", m.loop, rtsup.WithPublishFirstError(true))
	m.log.Info("scheduler started", logx.String("tz", m.loc.String()), logx.Int("schedules", m.col.Len()))
}

// Stop halts dispatching and waits for in-flight runs until ctx ends, including
// runs left over from an earlier Stop that timed out. Job bodies are never
// cancelled. Start may be called again afterwards.
func (m *Manager) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := m.clock.Now()
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	sup := m.sup
	m.sup = nil
	idle := m.idle
	m.mu.Unlock()

	m.log.Info("stop requested", logx.Int64("in_flight", m.active.Load()))
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("scheduler loop stop", logx.Err(err))
		}
	}

	if idle == nil {
		m.log.Info("scheduler stopped", logx.Duration("took", m.clock.Since(start)))
		return nil
	}
	select {
	case <-idle:
		m.log.Info("scheduler stopped", logx.Duration("took", m.clock.Since(start)))
		return nil
	case <-ctx.Done():
		m.log.Warn("scheduler drain timed out", logx.Int64("in_flight", m.active.Load()), logx.Err(ctx.Err()))
		return errors.Wrap(ctx.Err(), "drain in-flight jobs")
	}
}

func (m *Manager) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) now() time.Time { return m.clock.Now().In(m.loc) }

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Stop is in progress; the supervisor cancels ctx next.
		if !m.isRunning() {
			return nil
		}
		now := m.now()
		for _, s := range m.col.PopDue(now) {
			m.dispatch(s, now)
		}

		var (
			timer clockwork.Timer
			fire  <-chan time.Time
		)
		if due, ok := m.col.NextDue(); ok {
			wait := due.Sub(now)
			if wait <= 0 {
				continue
			}
			timer = m.clock.NewTimer(wait)
			fire = timer.Chan()
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-m.wake:
			stopTimer(timer)
		case <-fire:
		}
	}
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}

// dispatch launches a due schedule (or records a skip) and recomputes its next
// run from now. s must have been taken off the queue by the caller.
func (m *Manager) dispatch(s *Schedule, now time.Time) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		// Keep the due instant; the next Start picks it up.
		next, ok := s.NextRun()
		m.col.Requeue(s, next, ok)
		return
	}
	launched := true
	if s.reentrant {
		s.state.enter()
	} else {
		launched = s.state.tryAcquire()
	}
	if launched {
		m.inflight++
		if m.idle == nil {
			m.idle = make(chan struct{})
		}
	}
	ctx := m.jobCtx
	observers := m.observers
	m.mu.Unlock()

	if !launched {
		m.skipped(s, now)
		m.reschedule(s, now, observers)
		return
	}
	s.active.Add(1)
	m.active.Add(1)
	// The next run is settled before the body starts so EndEvent can report it.
	m.reschedule(s, now, observers)
	go m.execute(ctx, s, now, observers)
}

func (m *Manager) reschedule(s *Schedule, now time.Time, observers []Observer) {
	next, ok, err := s.calculate(now)
	if err == nil && ok && !next.After(now) {
		err = errors.Mark(errors.Newf("next run %s does not advance past %s", next.Format(time.RFC3339), now.Format(time.RFC3339)), ErrCalculation)
	}
	switch {
	case err != nil:
		m.retire(s, now, err)
		m.notifyException(observers, ExceptionEvent{Name: s.name, Err: err})
	case !ok:
		m.retire(s, now, nil)
	default:
		if !m.col.Requeue(s, next, true) {
			s.setNext(time.Time{}, false)
		}
	}
}

func (m *Manager) retire(s *Schedule, now time.Time, err error) {
	s.setNext(time.Time{}, false)
	if !m.col.Retire(s) {
		return
	}
	m.forgetWarn(s.name)
	if err != nil {
		m.log.Error("schedule retired: next run calculation failed", logx.Job(s.name), logx.Err(err))
	} else {
		m.log.Debug("schedule retired: no further occurrences", logx.Job(s.name))
	}
	m.publish("job.retired", now, JobEvent{Name: s.name, Started: now, Error: describe(err)})
}

func (m *Manager) skipped(s *Schedule, now time.Time) {
	s.noteSkip()
	if m.allowWarn(s.name, now) {
		m.log.Debug("run skipped: previous run still executing", logx.Job(s.name))
	}
	m.publish("job.skipped", now, JobEvent{Name: s.name, Started: now, Error: "overlap_skip"})
}

func (m *Manager) execute(ctx context.Context, s *Schedule, start time.Time, observers []Observer) {
	defer m.finishRun()
	defer m.active.Add(-1)
	defer s.active.Add(-1)
	defer s.state.release()

	m.notifyStart(observers, StartEvent{Name: s.name, StartTime: start})
	m.publish("job.started", start, JobEvent{Name: s.name, Started: start})

	err := m.run(ctx, s)

	end := m.now()
	took := end.Sub(start)
	s.noteRun(start, took, err)
	next, hasNext := s.NextRun()
	m.record(HistoryItem{Name: s.name, Started: start, Duration: took, Error: describe(err)})

	ev := JobEvent{Name: s.name, Started: start, Duration: took, Next: next, Error: describe(err)}
	if err != nil {
		if m.allowWarn(s.name, end) {
			m.log.Warn("job failed", logx.Job(s.name), logx.Duration("took", took), logx.Err(err))
		}
		m.publish("job.failed", end, ev)
	} else {
		m.log.Debug("job finished", logx.Job(s.name), logx.Duration("took", took))
		m.publish("job.finished", end, ev)
	}

	m.notifyEnd(observers, EndEvent{
		Name:      s.name,
		StartTime: start,
		EndTime:   end,
		Duration:  took,
		NextRun:   next,
		HasNext:   hasNext,
		Err:       err,
	})
	if err != nil {
		m.notifyException(observers, ExceptionEvent{Name: s.name, Err: err})
	}
}

func (m *Manager) finishRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	if m.inflight == 0 && m.idle != nil {
		close(m.idle)
		m.idle = nil
	}
}

// run builds, executes and disposes one job instance. Panics in the job body
// become execution errors.
func (m *Manager) run(ctx context.Context, s *Schedule) (err error) {
	job, owned, err := s.instance(ctx, m.factory)
	if err != nil {
		return execErrorf(err, "create job %q", s.name)
	}
	if owned {
		defer func() {
			if derr := dispose(job); derr != nil {
				derr = execErrorf(derr, "dispose job %q", s.name)
				if err == nil {
					err = derr
				} else {
					m.log.Warn("job dispose failed", logx.Job(s.name), logx.Err(derr))
				}
			}
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			err = panicError(s.name, r)
		}
	}()

	if err := job.Execute(ctx); err != nil {
		return execErrorf(err, "job %q", s.name)
	}
	return nil
}

// ---- observers ----

func (m *Manager) notifyStart(obs []Observer, e StartEvent) {
	for _, o := range obs {
		m.safely("OnJobStart", e.Name, func() { o.OnJobStart(e) })
	}
}

func (m *Manager) notifyEnd(obs []Observer, e EndEvent) {
	for _, o := range obs {
		m.safely("OnJobEnd", e.Name, func() { o.OnJobEnd(e) })
	}
}

func (m *Manager) notifyException(obs []Observer, e ExceptionEvent) {
	for _, o := range obs {
		m.safely("OnUnobservedException", e.Name, func() { o.OnUnobservedException(e) })
	}
}

func (m *Manager) safely(hook, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("observer panicked", logx.String("hook", hook), logx.Job(name), logx.Any("panic", r))
		}
	}()
	fn()
}

// ---- throttling ----

func (m *Manager) allowWarn(name string, now time.Time) bool {
	m.warnMu.Lock()
	defer m.warnMu.Unlock()
	lim := m.warn[name]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(m.cfg.WarnEvery), 1)
		m.warn[name] = lim
	}
	return lim.AllowN(now, 1)
}

func (m *Manager) forgetWarn(name string) {
	m.warnMu.Lock()
	delete(m.warn, name)
	m.warnMu.Unlock()
}

func formatTimes(ts []time.Time) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		parts = append(parts, t.Format(time.RFC3339))
	}
	return strings.Join(parts, ", ")
}
