package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluentsched/internal/eventbus"
	"fluentsched/internal/task/timerule"
)

const waitFor = 5 * time.Second

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type harness struct {
	m     *Manager
	clock fakeClock
	bus   eventbus.Bus

	starts     chan StartEvent
	ends       chan EndEvent
	exceptions chan ExceptionEvent
}

func newHarness(t *testing.T, at time.Time, opts ...Option) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(at)
	h := &harness{
		clock:      clock,
		bus:        eventbus.New(),
		starts:     make(chan StartEvent, 32),
		ends:       make(chan EndEvent, 32),
		exceptions: make(chan ExceptionEvent, 32),
	}
	base := []Option{
		WithClock(clock),
		WithEventBus(h.bus),
		WithObserver(ObserverFuncs{
			Start:     func(e StartEvent) { h.starts <- e },
			End:       func(e EndEvent) { h.ends <- e },
			Exception: func(e ExceptionEvent) { h.exceptions <- e },
		}),
	}
	h.m = New(Config{Timezone: "UTC"}, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.m.Stop(ctx)
	})
	return h
}

func (h *harness) start() { h.m.Start(context.Background()) }

// tick waits for the loop to arm its timer, then moves the clock.
func (h *harness) tick(d time.Duration) {
	h.clock.BlockUntil(1)
	h.clock.Advance(d)
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %T", *new(T))
		panic("unreachable")
	}
}

func assertQuiet[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %T: %+v", v, v)
	case <-time.After(50 * time.Millisecond):
	}
}

func everySeconds(n int) BuildFunc {
	return func(b *timerule.Builder) { b.Every(n).Seconds() }
}

func blockingJob(release <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		<-release
		return nil
	}
}

func TestNonReentrantSkipsWhileExecuting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)
	skipped, unsub := h.bus.Subscribe(8, "job.skipped")
	defer unsub()

	release := make(chan struct{})
	s, err := h.m.AddJobFunc(blockingJob(release), everySeconds(2), WithName("slow"))
	require.NoError(t, err)
	assert.False(t, s.Reentrant())
	h.start()

	h.tick(2 * time.Second)
	first := recv(t, h.starts)
	assert.Equal(t, t0.Add(2*time.Second), first.StartTime)
	require.Eventually(t, s.Executing, waitFor, time.Millisecond)

	// Due again at +4s while the first run is still going: skipped, not queued.
	h.tick(2 * time.Second)
	ev := recv(t, skipped)
	assert.Equal(t, "slow", ev.Data.(JobEvent).Name)
	assertQuiet(t, h.starts)
	next, ok := s.NextRun()
	require.True(t, ok)
	assert.Equal(t, t0.Add(6*time.Second), next)

	close(release)
	end := recv(t, h.ends)
	assert.NoError(t, end.Err)
	assert.True(t, end.HasNext)
	require.Eventually(t, func() bool { return !s.Executing() }, waitFor, time.Millisecond)

	h.tick(2 * time.Second)
	second := recv(t, h.starts)
	assert.Equal(t, t0.Add(6*time.Second), second.StartTime)
	assert.Equal(t, 4*time.Second, second.StartTime.Sub(first.StartTime))
	recv(t, h.ends)

	assertQuiet(t, h.exceptions)
	assert.EqualValues(t, 1, s.Info().Skips)
}

func TestReentrantRunsOverlap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)

	release := make(chan struct{})
	s, err := h.m.AddJobFunc(blockingJob(release), everySeconds(2), WithName("overlap"), WithReentrant(true))
	require.NoError(t, err)
	h.start()

	h.tick(2 * time.Second)
	first := recv(t, h.starts)
	h.tick(2 * time.Second)
	second := recv(t, h.starts)

	assert.Equal(t, 2*time.Second, second.StartTime.Sub(first.StartTime))
	require.Eventually(t, func() bool { return s.Active() == 2 }, waitFor, time.Millisecond)
	assert.False(t, s.Executing())

	close(release)
	recv(t, h.ends)
	recv(t, h.ends)
	assertQuiet(t, h.exceptions)
}

func TestRemoveWhileExecuting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)

	release := make(chan struct{})
	s, err := h.m.AddJobFunc(blockingJob(release), everySeconds(1), WithName("doomed"))
	require.NoError(t, err)
	h.start()

	h.tick(time.Second)
	recv(t, h.starts)

	require.True(t, h.m.RemoveJob("doomed"))
	assert.False(t, h.m.RemoveJob("doomed"))
	_, ok := h.m.GetSchedule("doomed")
	assert.False(t, ok)

	close(release)
	end := recv(t, h.ends)
	assert.NoError(t, end.Err)
	assert.False(t, end.HasNext)

	_, ok = s.NextRun()
	assert.False(t, ok)
	h.clock.Advance(10 * time.Second)
	assertQuiet(t, h.starts)
	assert.Empty(t, h.m.Schedules())
}

func TestFailingJobReportsOnceAndKeepsSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)

	boom := errors.New("boom")
	var runs atomic.Int32
	_, err := h.m.AddJobFunc(func(context.Context) error {
		runs.Add(1)
		return boom
	}, everySeconds(1), WithName("flaky"))
	require.NoError(t, err)
	h.start()

	h.tick(time.Second)
	ex := recv(t, h.exceptions)
	assert.Equal(t, "flaky", ex.Name)
	assert.True(t, errors.Is(ex.Err, boom))
	assert.True(t, errors.Is(ex.Err, ErrExecution))
	assertQuiet(t, h.exceptions)

	end := recv(t, h.ends)
	require.Error(t, end.Err)
	assert.True(t, end.HasNext)
	assert.Equal(t, t0.Add(2*time.Second), end.NextRun)

	h.tick(time.Second)
	second := recv(t, h.exceptions)
	assert.Equal(t, "flaky", second.Name)
	assert.EqualValues(t, 2, runs.Load())

	s, ok := h.m.GetSchedule("flaky")
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.Info().Failures == 2 }, waitFor, time.Millisecond)
	assert.Contains(t, s.Info().LastError, "boom")
}

var (
	disposableCreated  atomic.Int32
	disposableDisposed atomic.Int32
)

type disposableJob struct{ ran bool }

func (j *disposableJob) Execute(context.Context) error {
	j.ran = true
	panic("kaboom")
}

func (j *disposableJob) Dispose() error {
	if j.ran {
		disposableDisposed.Add(1)
	}
	return nil
}

func TestTypedJobConstructedAndDisposedOnce(t *testing.T) {
	t.Parallel()
	var requests []CreateRequest
	factory := FactoryFunc(func(ctx context.Context, req CreateRequest) (Job, error) {
		requests = append(requests, req)
		disposableCreated.Add(1)
		return DefaultFactory{}.Create(ctx, req)
	})
	h := newHarness(t, t0, WithFactory(factory))
	h.start()

	s, err := AddJobType[disposableJob](h.m, func(b *timerule.Builder) { b.Now() }, WithName("typed"))
	require.NoError(t, err)

	ex := recv(t, h.exceptions)
	assert.True(t, errors.Is(ex.Err, ErrExecution))
	assert.Contains(t, ex.Err.Error(), "panicked")
	end := recv(t, h.ends)
	assert.Equal(t, t0, end.StartTime)
	assert.False(t, end.HasNext)

	assert.EqualValues(t, 1, disposableCreated.Load())
	assert.EqualValues(t, 1, disposableDisposed.Load())
	require.Len(t, requests, 1)
	assert.Equal(t, "typed", requests[0].Name)
	assert.Equal(t, "*scheduler.disposableJob", requests[0].Type)

	// One-shot schedules retire after their run.
	_, ok := h.m.GetSchedule("typed")
	assert.False(t, ok)
	_, ok = s.NextRun()
	assert.False(t, ok)
}

func TestCalculationErrorRetiresSchedule(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 31, 8, 0, 0, 0, time.UTC)
	h := newHarness(t, at)

	s, err := h.m.AddJobFunc(func(context.Context) error { return nil },
		func(b *timerule.Builder) { b.Every(1).Months().On(31).At(9, 0) },
		WithName("month-end"))
	require.NoError(t, err)
	next, _ := s.NextRun()
	assert.Equal(t, at.Add(time.Hour), next)
	h.start()

	h.tick(time.Hour)
	ex := recv(t, h.exceptions)
	assert.Equal(t, "month-end", ex.Name)
	assert.True(t, errors.Is(ex.Err, ErrCalculation))
	recv(t, h.ends)

	_, ok := h.m.GetSchedule("month-end")
	assert.False(t, ok)
	_, ok = s.NextRun()
	assert.False(t, ok)
}

func TestAddJobRejectsInvalidRules(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)

	_, err := h.m.AddJobFunc(func(context.Context) error { return nil }, func(b *timerule.Builder) {
		b.Every(1).Days().Except(time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = h.m.AddJobFunc(func(context.Context) error { return nil }, func(*timerule.Builder) {})
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = h.m.AddJob(nil, everySeconds(1))
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Zero(t, h.m.col.Len())
}

func TestAddJobUpsertsByName(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)

	old, err := h.m.AddJobFunc(func(context.Context) error { return nil }, everySeconds(5), WithName("same"))
	require.NoError(t, err)
	cur, err := h.m.AddJobFunc(func(context.Context) error { return nil }, everySeconds(7), WithName("same"))
	require.NoError(t, err)

	got, ok := h.m.GetSchedule("same")
	require.True(t, ok)
	assert.Same(t, cur, got)
	_, ok = old.NextRun()
	assert.False(t, ok)
	next, _ := cur.NextRun()
	assert.Equal(t, t0.Add(7*time.Second), next)

	unnamed, err := h.m.AddJobFunc(func(context.Context) error { return nil }, everySeconds(1))
	require.NoError(t, err)
	assert.NotEmpty(t, unnamed.Name())
	assert.Equal(t, 2, h.m.RemoveAll())
}

func TestUpsertKeepsNonReentrantRunsExclusive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)
	skipped, unsub := h.bus.Subscribe(8, "job.skipped")
	defer unsub()

	release := make(chan struct{})
	var running, peak atomic.Int32
	job := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}

	old, err := h.m.AddJobFunc(job, everySeconds(2), WithName("same"))
	require.NoError(t, err)
	h.start()
	h.tick(2 * time.Second)
	recv(t, h.starts)
	require.Eventually(t, old.Executing, waitFor, time.Millisecond)

	// Re-registering mid-run hands the busy state to the replacement.
	cur, err := h.m.AddJobFunc(job, everySeconds(2), WithName("same"))
	require.NoError(t, err)
	assert.True(t, cur.Executing())

	h.tick(2 * time.Second)
	ev := recv(t, skipped)
	assert.Equal(t, "same", ev.Data.(JobEvent).Name)
	assertQuiet(t, h.starts)
	assert.EqualValues(t, 1, cur.Info().Skips)

	close(release)
	recv(t, h.ends)
	require.Eventually(t, func() bool { return !cur.Executing() }, waitFor, time.Millisecond)

	h.tick(2 * time.Second)
	second := recv(t, h.starts)
	assert.Equal(t, t0.Add(6*time.Second), second.StartTime)
	recv(t, h.ends)
	assert.EqualValues(t, 1, peak.Load())
}

func TestLoopReturnsOnceStopped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)
	s, err := h.m.AddJobFunc(func(context.Context) error { return nil }, everySeconds(1), WithName("due"))
	require.NoError(t, err)
	h.clock.Advance(5 * time.Second)

	// A loop that outlives Stop must not spin on past-due schedules.
	done := make(chan error, 1)
	go func() { done <- h.m.loop(context.Background()) }()
	require.NoError(t, recv(t, done))

	next, ok := s.NextRun()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), next)
	due, ok := h.m.col.NextDue()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), due)
	assertQuiet(t, h.starts)
}

func TestStopWaitsForRunsLeftByTimedOutStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)

	release := make(chan struct{})
	_, err := h.m.AddJobFunc(blockingJob(release), func(b *timerule.Builder) { b.Now().AndEvery(1).Hours() }, WithName("long"))
	require.NoError(t, err)
	h.start()
	recv(t, h.starts)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.m.Stop(short)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	h.start()
	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		stopped <- h.m.Stop(ctx)
	}()
	assertQuiet(t, stopped)

	close(release)
	require.NoError(t, recv(t, stopped))
	recv(t, h.ends)
}

func TestStopDrainsWithoutCancelling(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)

	release := make(chan struct{})
	var cancelled atomic.Bool
	_, err := h.m.AddJobFunc(func(ctx context.Context) error {
		<-release
		cancelled.Store(ctx.Err() != nil)
		return nil
	}, func(b *timerule.Builder) { b.Now().AndEvery(1).Hours() }, WithName("drain"))
	require.NoError(t, err)
	h.start()
	recv(t, h.starts)

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		stopped <- h.m.Stop(ctx)
	}()
	assertQuiet(t, stopped)

	close(release)
	require.NoError(t, recv(t, stopped))
	assert.False(t, cancelled.Load())
	assert.False(t, h.m.Snapshot().Running)

	// Stopped managers keep schedules but do not dispatch.
	h.clock.Advance(2 * time.Hour)
	assertQuiet(t, h.starts)
	_, ok := h.m.GetSchedule("drain")
	assert.True(t, ok)
}

func TestSnapshotHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, t0)
	_, err := h.m.AddJobFunc(func(context.Context) error { return nil }, everySeconds(3), WithName("snap"))
	require.NoError(t, err)
	h.start()

	h.tick(3 * time.Second)
	recv(t, h.ends)

	snap := h.m.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Schedules, 1)
	info := snap.Schedules[0]
	assert.Equal(t, "snap", info.Name)
	assert.Equal(t, "func", info.Type)
	assert.Equal(t, t0.Add(6*time.Second), info.Next)
	assert.Equal(t, []time.Time{t0.Add(9 * time.Second), t0.Add(12 * time.Second), t0.Add(15 * time.Second)}, info.Upcoming)
	require.Eventually(t, func() bool { return len(h.m.Snapshot().History) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "snap", h.m.Snapshot().History[0].Name)
}
