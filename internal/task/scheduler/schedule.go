package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"fluentsched/internal/task/timerule"
)

// runState counts the runs in flight under one schedule name. A schedule
// replaced by name hands its runState to the replacement, so a run of the old
// schedule still blocks a non-reentrant successor.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

// enter records a run that does not need exclusivity.
func (s *runState) enter() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *runState) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Schedule binds a job to its time-rule chain and run state.
//
// Accessors are safe for concurrent use. Only the Manager mutates a Schedule.
type Schedule struct {
	name      string
	kind      string
	reentrant bool

	// ctor yields the job for one run. owned instances are built through the
	// Manager's Factory and disposed after the run.
	ctor  Constructor
	owned bool

	state  *runState
	active atomic.Int32

	mu           sync.Mutex
	chain        *timerule.Chain
	next         time.Time
	hasNext      bool
	lastStart    time.Time
	lastDuration time.Duration
	lastErr      string
	runs         uint64
	failures     uint64
	skips        uint64

	// Guarded by the owning Collection's lock.
	due   time.Time
	index int
}

func newSchedule(name, kind string, chain *timerule.Chain, ctor Constructor, owned bool, o jobOptions) *Schedule {
	return &Schedule{
		name:      name,
		kind:      kind,
		reentrant: o.reentrant,
		ctor:      ctor,
		owned:     owned,
		chain:     chain,
		state:     &runState{},
		index:     -1,
	}
}

func (s *Schedule) Name() string { return s.name }

// Type reports the job type the schedule was registered with.
func (s *Schedule) Type() string { return s.kind }

func (s *Schedule) Reentrant() bool { return s.reentrant }

// NextRun returns the next due instant. ok is false once the schedule has no
// further occurrences or was removed.
func (s *Schedule) NextRun() (next time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.hasNext
}

// Executing reports whether a non-reentrant schedule has a run in flight,
// including one inherited from the schedule it replaced. Reentrant schedules
// never report executing.
func (s *Schedule) Executing() bool {
	if s.reentrant {
		return false
	}
	return s.state.busy()
}

// Active reports the number of runs currently in flight.
func (s *Schedule) Active() int { return int(s.active.Load()) }

// LastRun returns the start time and duration of the last completed run.
func (s *Schedule) LastRun() (start time.Time, took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStart, s.lastDuration
}

// LastDuration returns how long the last completed run took.
func (s *Schedule) LastDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDuration
}

// Runs returns the number of completed runs.
func (s *Schedule) Runs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Info returns a point-in-time view of the schedule.
func (s *Schedule) Info() ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ScheduleInfo{
		Name:         s.name,
		Type:         s.kind,
		Reentrant:    s.reentrant,
		Executing:    !s.reentrant && s.state.busy(),
		Active:       int(s.active.Load()),
		Next:         s.next,
		HasNext:      s.hasNext,
		LastRun:      s.lastStart,
		LastDuration: s.lastDuration,
		LastError:    s.lastErr,
		Runs:         s.runs,
		Failures:     s.failures,
		Skips:        s.skips,
	}
}

// calculate asks the chain for the run after last.
func (s *Schedule) calculate(last time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain.Calculate(last)
}

// preview lists upcoming runs without consuming the chain's one-shot state.
func (s *Schedule) preview(from time.Time, n int) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return timerule.Preview(s.chain, from, n)
}

func (s *Schedule) setNext(next time.Time, ok bool) {
	s.mu.Lock()
	if ok {
		s.next = next
	} else {
		s.next = time.Time{}
	}
	s.hasNext = ok
	s.mu.Unlock()
}

func (s *Schedule) noteSkip() {
	s.mu.Lock()
	s.skips++
	s.mu.Unlock()
}

func (s *Schedule) noteRun(start time.Time, took time.Duration, err error) {
	s.mu.Lock()
	s.lastStart = start
	s.lastDuration = took
	s.runs++
	if err != nil {
		s.failures++
		s.lastErr = describe(err)
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

// instance returns the job for one run and whether it must be disposed.
func (s *Schedule) instance(ctx context.Context, f Factory) (Job, bool, error) {
	if !s.owned {
		job, err := s.ctor(ctx)
		return job, false, err
	}
	job, err := f.Create(ctx, CreateRequest{Name: s.name, Type: s.kind, New: s.ctor})
	if err == nil && job == nil {
		return nil, false, errors.Newf("factory returned no job for type %q", s.kind)
	}
	return job, err == nil, err
}
