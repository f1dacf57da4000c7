package scheduler

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Collection is the set of live schedules keyed by name, with the queued ones
// ordered by due instant. All methods are safe for concurrent use.
//
// A schedule popped for dispatch stays registered by name but leaves the
// queue until Requeue puts it back.
type Collection struct {
	mu     sync.Mutex
	byName map[string]*Schedule
	queue  dueQueue
}

func NewCollection() *Collection {
	return &Collection{byName: map[string]*Schedule{}}
}

// Add registers s, replacing and returning any schedule with the same name.
// The replacement inherits the run state of the replaced schedule. An empty
// name is replaced by a generated one. s is queued when it has a next run.
func (c *Collection) Add(s *Schedule) (replaced *Schedule) {
	if s == nil {
		return nil
	}
	if s.name == "" {
		s.name = uuid.NewString()
	}
	next, ok := s.NextRun()

	c.mu.Lock()
	defer c.mu.Unlock()
	if old := c.byName[s.name]; old != nil && old != s {
		c.unqueueLocked(old)
		s.state = old.state
		replaced = old
	}
	c.byName[s.name] = s
	if ok {
		c.queueLocked(s, next)
	}
	return replaced
}

// Remove unregisters the named schedule.
func (c *Collection) Remove(name string) (*Schedule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.byName[name]
	if s == nil {
		return nil, false
	}
	delete(c.byName, name)
	c.unqueueLocked(s)
	return s, true
}

// RemoveAll unregisters every schedule and returns them.
func (c *Collection) RemoveAll() []*Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Schedule, 0, len(c.byName))
	for _, s := range c.byName {
		s.index = -1
		out = append(out, s)
	}
	c.byName = map[string]*Schedule{}
	c.queue = nil
	return out
}

// Retire unregisters s if it is still the schedule registered under its name.
func (c *Collection) Retire(s *Schedule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byName[s.name] != s {
		return false
	}
	delete(c.byName, s.name)
	c.unqueueLocked(s)
	return true
}

func (c *Collection) Get(name string) (*Schedule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byName[name]
	return s, ok
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byName)
}

// List returns the registered schedules ordered by next run; schedules without
// one come last, by name.
func (c *Collection) List() []*Schedule {
	c.mu.Lock()
	out := make([]*Schedule, 0, len(c.byName))
	for _, s := range c.byName {
		out = append(out, s)
	}
	c.mu.Unlock()

	type keyed struct {
		s    *Schedule
		next time.Time
		ok   bool
	}
	ks := make([]keyed, len(out))
	for i, s := range out {
		n, ok := s.NextRun()
		ks[i] = keyed{s: s, next: n, ok: ok}
	}
	sort.Slice(ks, func(i, j int) bool {
		if ks[i].ok != ks[j].ok {
			return ks[i].ok
		}
		if ks[i].ok && !ks[i].next.Equal(ks[j].next) {
			return ks[i].next.Before(ks[j].next)
		}
		return ks[i].s.name < ks[j].s.name
	})
	for i := range ks {
		out[i] = ks[i].s
	}
	return out
}

// NextDue returns the soonest due instant among queued schedules.
func (c *Collection) NextDue() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return time.Time{}, false
	}
	return c.queue[0].due, true
}

// PopDue removes and returns every queued schedule due at or before now, in
// due order.
func (c *Collection) PopDue(now time.Time) []*Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Schedule
	for len(c.queue) > 0 && !c.queue[0].due.After(now) {
		out = append(out, heap.Pop(&c.queue).(*Schedule))
	}
	return out
}

// Take removes s from the queue. It reports false when s was not queued,
// e.g. because the loop already popped it.
func (c *Collection) Take(s *Schedule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.index < 0 {
		return false
	}
	c.unqueueLocked(s)
	return true
}

// Requeue records next on s and queues it. ok=false leaves s registered but
// unqueued. It reports false, without touching the queue, when s was removed
// or replaced meanwhile.
func (c *Collection) Requeue(s *Schedule, next time.Time, ok bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byName[s.name] != s {
		return false
	}
	s.setNext(next, ok)
	if ok {
		c.queueLocked(s, next)
	} else {
		c.unqueueLocked(s)
	}
	return true
}

func (c *Collection) queueLocked(s *Schedule, due time.Time) {
	s.due = due
	if s.index >= 0 {
		heap.Fix(&c.queue, s.index)
		return
	}
	heap.Push(&c.queue, s)
}

func (c *Collection) unqueueLocked(s *Schedule) {
	if s.index >= 0 && s.index < len(c.queue) && c.queue[s.index] == s {
		heap.Remove(&c.queue, s.index)
	}
	s.index = -1
}

// dueQueue is a min-heap of schedules by due instant.
type dueQueue []*Schedule

func (q dueQueue) Len() int { return len(q) }

func (q dueQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].name < q[j].name
	}
	return q[i].due.Before(q[j].due)
}

func (q dueQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *dueQueue) Push(x any) {
	s := x.(*Schedule)
	s.index = len(*q)
	*q = append(*q, s)
}

func (q *dueQueue) Pop() any {
	old := *q
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*q = old[:n-1]
	return s
}
