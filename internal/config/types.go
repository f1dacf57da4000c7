package config

import (
	"strings"

	"github.com/cockroachdb/errors"

	logx "fluentsched/pkg/logx"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Logx converts the logging section into a logx.Config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// SchedulerConfig controls the scheduling loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - timezone: Local
//   - drain_timeout: "30s"
//   - warn_every: "5s"
//   - history_size: 200
type SchedulerConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
	WarnEvery    string `json:"warn_every,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

// JobConfig declares one scheduled job.
//
// Example (YAML):
//
//	- name: backup
//	  schedule: "every 1d"
//	  at: "02:30"
//	  except: [sat, sun]
//	  kind: exec
//	  command: "/usr/local/bin/backup --quiet"
type JobConfig struct {
	Name string `json:"name"`

	// Schedule is a cron expression, a descriptor ("@daily") or an interval
	// phrase ("every 5m", "every 2 weeks").
	Schedule string `json:"schedule"`
	// At pins daily/weekly/monthly schedules to a wall-clock time ("HH:MM").
	At string `json:"at,omitempty"`
	// Except lists weekdays (mon..sun) on which the job must not run.
	Except []string `json:"except,omitempty"`
	// Between restricts sub-daily schedules to a window ("09:00-17:30").
	Between string `json:"between,omitempty"`
	// RunNow fires once immediately, then follows Schedule.
	RunNow    bool `json:"run_now,omitempty"`
	Reentrant bool `json:"reentrant,omitempty"`

	// Kind selects the job implementation: "exec", "log" or "systemd".
	Kind string `json:"kind"`

	// exec
	Command string   `json:"command,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`

	// log
	Message string `json:"message,omitempty"`

	// systemd
	Unit   string `json:"unit,omitempty"`
	Action string `json:"action,omitempty"`
}

// Validate checks the shape of the config. Schedule expressions and job kinds
// are checked by the components that interpret them.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := logx.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging.level")
	}
	if _, err := ParseDurationField("scheduler.drain_timeout", c.Scheduler.DrainTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.warn_every", c.Scheduler.WarnEvery); err != nil {
		return err
	}
	if c.Scheduler.HistorySize < 0 {
		return errors.New("scheduler.history_size: must be >= 0")
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return errors.Newf("jobs[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return errors.Newf("jobs[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(j.Schedule) == "" && !j.RunNow {
			return errors.Newf("jobs[%d] %q: schedule is required unless run_now is set", i, name)
		}
		if strings.TrimSpace(j.Kind) == "" {
			return errors.Newf("jobs[%d] %q: kind is required", i, name)
		}
	}
	return nil
}

// Job returns the job declared under name.
func (c *Config) Job(name string) (JobConfig, bool) {
	if c == nil {
		return JobConfig{}, false
	}
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobConfig{}, false
}
