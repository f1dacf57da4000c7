package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fluentsched/internal/config"
	"fluentsched/internal/eventbus"
	"fluentsched/internal/task/scheduler"
	"fluentsched/internal/task/timerule"
	logx "fluentsched/pkg/logx"
)

var wed = time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

const baseConfig = `
scheduler:
  timezone: UTC
  drain_timeout: 2s
jobs:
  - name: heartbeat
    schedule: every 30s
    kind: log
  - name: report
    schedule: every weekday
    at: "18:00"
    kind: log
    message: report time
  - name: cleanup
    schedule: "0 3 * * *"
    kind: exec
    command: "rm -rf /tmp/fluentsched-none"
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newTestApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedd.yaml")
	writeConfig(t, path, body)
	a, err := New(path,
		WithLogger(logx.Nop()),
		WithSchedulerOptions(scheduler.WithClock(clockwork.NewFakeClockAt(wed))),
	)
	require.NoError(t, err)
	return a, path
}

func nextRun(t *testing.T, a *App, name string) time.Time {
	t.Helper()
	s, ok := a.Scheduler().GetSchedule(name)
	require.True(t, ok, "schedule %q", name)
	next, ok := s.NextRun()
	require.True(t, ok)
	return next
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"timezone":       "scheduler: {timezone: Mars/Olympus}\n",
		"kind":           "jobs: [{name: a, schedule: every 1m, kind: http}]\n",
		"at on interval": "jobs: [{name: a, schedule: every 5m, at: \"09:00\", kind: log}]\n",
		"weekday":        "jobs: [{name: a, schedule: every day, except: [someday], kind: log}]\n",
		"all days":       "jobs: [{name: a, schedule: every day, except: [mon, tue, wed, thu, fri, sat, sun], kind: log}]\n",
		"window":         "jobs: [{name: a, schedule: every 5m, between: \"17:00-09:00\", kind: log}]\n",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "schedd.yaml")
		writeConfig(t, path, body)
		_, err := New(path, WithLogger(logx.Nop()))
		assert.Error(t, err, name)
	}
}

func TestStartSchedulesConfiguredJobs(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, baseConfig)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	assert.Equal(t, wed.Add(30*time.Second), nextRun(t, a, "heartbeat"))
	assert.Equal(t, time.Date(2024, 3, 6, 18, 0, 0, 0, time.UTC), nextRun(t, a, "report"))
	assert.Equal(t, time.Date(2024, 3, 7, 3, 0, 0, 0, time.UTC), nextRun(t, a, "cleanup"))

	s, _ := a.Scheduler().GetSchedule("cleanup")
	assert.Equal(t, "exec", s.Type())
	assert.Contains(t, a.Status(), "3 schedules")
}

func TestReloadReconcilesSchedules(t *testing.T) {
	t.Parallel()
	a, path := newTestApp(t, baseConfig)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	heartbeat, ok := a.Scheduler().GetSchedule("heartbeat")
	require.True(t, ok)

	writeConfig(t, path, `
scheduler:
  timezone: UTC
  drain_timeout: 2s
jobs:
  - name: heartbeat
    schedule: every 30s
    kind: log
  - name: report
    schedule: every friday
    at: "17:00"
    kind: log
  - name: restart-web
    schedule: every 2 weeks on sun
    at: "04:00"
    kind: systemd
    unit: nginx
    action: restart
`)
	require.NoError(t, a.Reload(context.Background()))

	require.Eventually(t, func() bool {
		_, gone := a.Scheduler().GetSchedule("cleanup")
		_, added := a.Scheduler().GetSchedule("restart-web")
		return !gone && added
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, time.Date(2024, 3, 8, 17, 0, 0, 0, time.UTC), nextRun(t, a, "report"))
	assert.Equal(t, time.Date(2024, 3, 17, 4, 0, 0, 0, time.UTC), nextRun(t, a, "restart-web"))

	// Unchanged jobs keep their schedule instance.
	same, _ := a.Scheduler().GetSchedule("heartbeat")
	assert.Same(t, heartbeat, same)

	// Identical content is not an error.
	assert.NoError(t, a.Reload(context.Background()))
}

func TestReloadKeepsConfigOnInvalidVersion(t *testing.T) {
	t.Parallel()
	a, path := newTestApp(t, baseConfig)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	writeConfig(t, path, "jobs: [{name: a, schedule: every 5m, at: \"09:00\", kind: log}]\n")
	err := a.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, scheduler.ErrConfiguration))
	assert.Len(t, a.Config().Get().Jobs, 3)
	assert.Len(t, a.Scheduler().Schedules(), 3)
}

func TestBuildFunc(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		def  config.JobConfig
		want time.Time
	}{
		{"cron", config.JobConfig{Schedule: "*/15 * * * *"}, wed.Add(15 * time.Minute)},
		{"run now", config.JobConfig{RunNow: true}, wed},
		{"run now then interval", config.JobConfig{Schedule: "every 1h", RunNow: true}, wed},
		{"except", config.JobConfig{Schedule: "every day", At: "09:00", Except: []string{"thu", "fri"}}, time.Date(2024, 3, 9, 9, 0, 0, 0, time.UTC)},
		{"window", config.JobConfig{Schedule: "every 2h", Between: "16:30-18:00"}, time.Date(2024, 3, 6, 16, 30, 0, 0, time.UTC)},
		{"monthly", config.JobConfig{Schedule: "every month on the last day", At: "23:30"}, time.Date(2024, 3, 31, 23, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		build, err := buildFunc(tc.def)
		require.NoError(t, err, tc.name)
		b := timerule.NewBuilder()
		build(b)
		c, err := b.Build()
		require.NoError(t, err, tc.name)
		got, ok, err := c.Calculate(wed)
		require.NoError(t, err, tc.name)
		require.True(t, ok, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}

	for _, def := range []config.JobConfig{
		{},
		{At: "09:00", RunNow: true},
		{Schedule: "every day", At: "25:00"},
		{Schedule: "every day", Between: "9-5"},
		{Schedule: "whenever"},
	} {
		_, err := buildFunc(def)
		assert.Error(t, err, "%+v", def)
	}
}

func TestStatusLine(t *testing.T) {
	t.Parallel()
	var tr statusTracker
	at := wed.Add(time.Minute)
	tr.observe(eventbus.Event{Type: "job.finished", Data: scheduler.JobEvent{Name: "a"}})
	tr.observe(eventbus.Event{Type: "job.failed", Time: at, Data: scheduler.JobEvent{Name: "b"}})
	tr.observe(eventbus.Event{Type: "job.skipped", Data: scheduler.JobEvent{Name: "b"}})
	tr.observe(eventbus.Event{Type: "job.retired", Data: scheduler.JobEvent{Name: "c"}})

	st := tr.snapshot()
	assert.EqualValues(t, 1, st.Retired)
	assert.Equal(t,
		"4 schedules, 1 running, 1 ok, 1 failed, 1 skipped; last failure b at 2024-03-06T12:01:00Z",
		st.Line(4, 1))
}
