package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"fluentsched/internal/config"
	"fluentsched/internal/task/scheduler"
	"fluentsched/internal/task/timerule"
)

// buildFunc turns the timing fields of a job declaration into a scheduler
// BuildFunc. Parse errors are returned here; rule combination errors surface
// from the builder.
func buildFunc(def config.JobConfig) (scheduler.BuildFunc, error) {
	var (
		spec    timerule.ParsedSpec
		hasSpec = strings.TrimSpace(def.Schedule) != ""
		err     error
	)
	if hasSpec {
		if spec, err = timerule.ParseSpec(def.Schedule); err != nil {
			return nil, errors.Wrap(err, "schedule")
		}
	}

	var hour, minute int
	hasAt := strings.TrimSpace(def.At) != ""
	if hasAt {
		if hour, minute, err = timerule.ParseClock(def.At); err != nil {
			return nil, errors.Wrap(err, "at")
		}
	}

	except := make([]time.Weekday, 0, len(def.Except))
	for _, raw := range def.Except {
		wd, err := timerule.ParseWeekday(raw)
		if err != nil {
			return nil, errors.Wrap(err, "except")
		}
		except = append(except, wd)
	}

	var win [4]int
	hasWindow := strings.TrimSpace(def.Between) != ""
	if hasWindow {
		if win[0], win[1], win[2], win[3], err = timerule.ParseWindow(def.Between); err != nil {
			return nil, errors.Wrap(err, "between")
		}
	}

	if !hasSpec {
		if hasAt || len(except) > 0 || hasWindow {
			return nil, errors.Mark(errors.New("at, except and between need a schedule"), scheduler.ErrConfiguration)
		}
		if !def.RunNow {
			return nil, errors.Mark(errors.New("schedule is required unless run_now is set"), scheduler.ErrConfiguration)
		}
	}

	return func(b *timerule.Builder) {
		if def.RunNow {
			b.Now()
		}
		if !hasSpec {
			return
		}
		var r *timerule.Restriction
		if hasAt {
			r = spec.ApplyAt(b, hour, minute)
		} else {
			r = spec.Apply(b)
		}
		if len(except) > 0 {
			r = r.Except(except...)
		}
		if hasWindow {
			r.Between(win[0], win[1], win[2], win[3])
		}
	}, nil
}

// checkJob verifies a declaration end to end without scheduling it.
func checkJob(def config.JobConfig, validateKind func(config.JobConfig) error) error {
	build, err := buildFunc(def)
	if err != nil {
		return errors.Wrapf(err, "job %q", def.Name)
	}
	b := timerule.NewBuilder()
	build(b)
	if _, err := b.Build(); err != nil {
		return errors.Wrapf(err, "job %q", def.Name)
	}
	if err := validateKind(def); err != nil {
		return errors.Wrapf(err, "job %q", def.Name)
	}
	return nil
}
