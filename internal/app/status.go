package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fluentsched/internal/eventbus"
	"fluentsched/internal/task/scheduler"
	logx "fluentsched/pkg/logx"
)

// jobEvents are the bus events the app tracks for its status line.
var jobEvents = []string{"job.finished", "job.failed", "job.skipped", "job.retired"}

// Status is a compact summary of recent scheduler activity.
type Status struct {
	Finished    uint64
	Failed      uint64
	Skipped     uint64
	Retired     uint64
	LastFailure string
	LastFailAt  time.Time
}

type statusTracker struct {
	mu sync.Mutex
	st Status
}

func (t *statusTracker) observe(e eventbus.Event) {
	ev, _ := e.Data.(scheduler.JobEvent)
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e.Type {
	case "job.finished":
		t.st.Finished++
	case "job.failed":
		t.st.Failed++
		t.st.LastFailure = ev.Name
		t.st.LastFailAt = e.Time
	case "job.skipped":
		t.st.Skipped++
	case "job.retired":
		t.st.Retired++
	}
}

func (t *statusTracker) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

// consume folds bus events into the tracker until ctx ends.
func (t *statusTracker) consume(ctx context.Context, events <-chan eventbus.Event, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			t.observe(e)
			if e.Type == "job.retired" {
				ev, _ := e.Data.(scheduler.JobEvent)
				log.Info("job retired", logx.Job(ev.Name), logx.String("reason", ev.Error))
			}
		}
	}
}

// Line renders the status for systemd's STATUS= field.
func (s Status) Line(schedules, inFlight int) string {
	line := fmt.Sprintf("%d schedules, %d running, %d ok, %d failed, %d skipped", schedules, inFlight, s.Finished, s.Failed, s.Skipped)
	if s.LastFailure != "" {
		line += fmt.Sprintf("; last failure %s at %s", s.LastFailure, s.LastFailAt.Format(time.RFC3339))
	}
	return line
}
