package config

import (
	"slices"
	"sort"
	"strings"

	logx "fluentsched/pkg/logx"
)

// JobDiff lists job names by how they changed between two configs.
type JobDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d JobDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffJobs compares job declarations by name. A job whose declaration differs
// in any field is reported as changed.
func DiffJobs(oldCfg, newCfg *Config) JobDiff {
	oldM := jobHashes(oldCfg)
	newM := jobHashes(newCfg)

	var d JobDiff
	for name, h := range newM {
		oh, ok := oldM[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case oh != h:
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func jobHashes(cfg *Config) map[string]uint64 {
	out := map[string]uint64{}
	if cfg == nil {
		return out
	}
	for _, j := range cfg.Jobs {
		out[strings.TrimSpace(j.Name)] = hashJSON(j)
	}
	return out
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging (never includes job env values), and
// (3) the job-level diff.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, JobDiff) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 3)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.drain_timeout", strings.TrimSpace(newCfg.Scheduler.DrainTimeout)),
			logx.String("scheduler.warn_every", strings.TrimSpace(newCfg.Scheduler.WarnEvery)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
		)
	}

	jobs := DiffJobs(oldCfg, newCfg)
	if !jobs.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.added", len(jobs.Added)),
			logx.Int("jobs.removed", len(jobs.Removed)),
			logx.Int("jobs.changed", len(jobs.Changed)),
			logx.Int("jobs.total", len(newCfg.Jobs)),
		)
	}

	slices.Sort(changed)
	return changed, attrs, jobs
}
