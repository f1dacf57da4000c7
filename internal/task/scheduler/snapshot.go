package scheduler

import (
	"time"

	"fluentsched/internal/eventbus"
)

// JobEvent is published on the event bus for job lifecycle events
// (job.started, job.finished, job.failed, job.skipped, job.retired).
type JobEvent struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Next     time.Time     `json:"next,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// HistoryItem is one completed run kept for diagnostics.
type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// ScheduleInfo is a point-in-time view of a schedule.
type ScheduleInfo struct {
	Name         string
	Type         string
	Reentrant    bool
	Executing    bool
	Active       int
	Next         time.Time
	HasNext      bool
	Upcoming     []time.Time
	LastRun      time.Time
	LastDuration time.Duration
	LastError    string
	Runs         uint64
	Failures     uint64
	Skips        uint64
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	Timezone  string
	InFlight  int
	Schedules []ScheduleInfo
	History   []HistoryItem
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	list := m.col.List()
	items := make([]ScheduleInfo, 0, len(list))
	for _, s := range list {
		it := s.Info()
		if it.HasNext {
			it.Upcoming = s.preview(it.Next, previewRuns)
		}
		items = append(items, it)
	}

	m.hmu.Lock()
	h := make([]HistoryItem, len(m.history))
	copy(h, m.history)
	m.hmu.Unlock()

	return Snapshot{
		Running:   running,
		Timezone:  m.loc.String(),
		InFlight:  int(m.active.Load()),
		Schedules: items,
		History:   h,
	}
}

func (m *Manager) record(item HistoryItem) {
	m.hmu.Lock()
	m.history = append(m.history, item)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.hmu.Unlock()
}

func (m *Manager) publish(typ string, at time.Time, ev JobEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
