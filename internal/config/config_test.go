package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: Europe/Berlin
  drain_timeout: 10s
jobs:
  - name: backup
    schedule: every 1d
    at: "02:30"
    except: [sat, sun]
    kind: exec
    command: /usr/local/bin/backup --quiet
  - name: heartbeat
    schedule: "*/30 * * * * *"
    kind: log
    message: alive
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cfg.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, []string{"sat", "sun"}, cfg.Jobs[0].Except)
	assert.Equal(t, "02:30", cfg.Jobs[0].At)

	j, ok := cfg.Job("heartbeat")
	require.True(t, ok)
	assert.Equal(t, "log", j.Kind)
	_, ok = cfg.Job("missing")
	assert.False(t, ok)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"jobs":[],"bogus":1}`, "unknown field"},
		{"trailing data", "c.json", `{"jobs":[]}{"jobs":[]}`, "trailing data"},
		{"trailing garbage", "c.json", `{"jobs":[]} ]`, "invalid config"},
		{"bad yaml", "c.yml", "jobs: [", "yaml unmarshal"},
		{"missing name", "c.json", `{"jobs":[{"schedule":"every 1m","kind":"log"}]}`, "name is required"},
		{"duplicate name", "c.json", `{"jobs":[{"name":"a","schedule":"every 1m","kind":"log"},{"name":"a","schedule":"every 2m","kind":"log"}]}`, "duplicate name"},
		{"no schedule", "c.json", `{"jobs":[{"name":"a","kind":"log"}]}`, "schedule is required"},
		{"no kind", "c.json", `{"jobs":[{"name":"a","schedule":"@daily"}]}`, "kind is required"},
		{"bad duration", "c.json", `{"scheduler":{"drain_timeout":"soon"}}`, "scheduler.drain_timeout"},
		{"negative duration", "c.json", `{"scheduler":{"warn_every":"-1s"}}`, "must be >= 0"},
		{"bad level", "c.json", `{"logging":{"level":"loud"}}`, "unknown log level"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.file, []byte(tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("empty.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Jobs)
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", DefaultDrainTimeout)
	require.NoError(t, err)
	assert.Equal(t, DefaultDrainTimeout, d)

	d, err = ParseDurationOrDefault("x", " 1m ", DefaultDrainTimeout)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestDiffJobs(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Jobs: []JobConfig{
		{Name: "keep", Schedule: "@daily", Kind: "log"},
		{Name: "edit", Schedule: "@daily", Kind: "log"},
		{Name: "drop", Schedule: "@daily", Kind: "log"},
	}}
	newCfg := &Config{Jobs: []JobConfig{
		{Name: "keep", Schedule: "@daily", Kind: "log"},
		{Name: "edit", Schedule: "@hourly", Kind: "log"},
		{Name: "new", Schedule: "@daily", Kind: "log"},
	}}

	d := DiffJobs(oldCfg, newCfg)
	assert.Equal(t, []string{"new"}, d.Added)
	assert.Equal(t, []string{"drop"}, d.Removed)
	assert.Equal(t, []string{"edit"}, d.Changed)
	assert.True(t, DiffJobs(newCfg, newCfg).Empty())

	sections, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"jobs"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, d, jobs)

	newCfg.Scheduler.Timezone = "UTC"
	sections, _, _ = SummarizeConfigChange(nil, newCfg)
	assert.Equal(t, []string{"jobs", "scheduler"}, sections)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "sched.yaml", sampleYAML)

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	_, err = m.Reload(context.Background())
	assert.True(t, errors.Is(err, ErrUnchanged))

	writeFile(t, dir, "sched.yaml", sampleYAML+"  - name: extra\n    schedule: every 5m\n    kind: log\n")
	cfg, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.Len(t, cfg.Jobs, 3)
	assert.Same(t, cfg, <-ch)
	assert.Same(t, cfg, m.Get())
}

func TestReloadValidatorRejects(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "sched.json", `{"jobs":[]}`)

	m := NewManager(path, WithValidator(func(_ context.Context, cfg *Config) error {
		if len(cfg.Jobs) > 0 {
			return errors.New("no jobs allowed")
		}
		return nil
	}))
	first, err := m.Load()
	require.NoError(t, err)

	writeFile(t, dir, "sched.json", `{"jobs":[{"name":"a","schedule":"@daily","kind":"log"}]}`)
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no jobs allowed")
	assert.Same(t, first, m.Get())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "sched.json", `{"jobs":[]}`)

	m := NewManager(path, WithDebounce(20*time.Millisecond))
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Keep touching the file until the watcher has been installed and reacts.
	body := `{"jobs":[{"name":"a","schedule":"@daily","kind":"log"}]}`
	var got *Config
	require.Eventually(t, func() bool {
		select {
		case got = <-ch:
			return true
		default:
			writeFile(t, dir, "sched.json", body)
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	assert.Len(t, got.Jobs, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	m.Unsubscribe(ch)
}
