package timerule

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// cronParser accepts both 5-field and 6-field (with seconds) specs, descriptors
// like "@hourly", and a CRON_TZ= prefix.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression into a periodic Rule.
func ParseCron(expr string) (Rule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, configErrorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse cron %q", expr), ErrConfiguration)
	}
	return CronRule(sched), nil
}

// CronRule adapts any cron.Schedule into a Rule.
func CronRule(sched cron.Schedule) Rule {
	return func(last time.Time) (time.Time, error) {
		next := sched.Next(last)
		if next.IsZero() {
			return time.Time{}, calcErrorf("cron schedule has no occurrence after %s", last.Format(time.RFC3339))
		}
		return next, nil
	}
}

// Preview returns the next n instants of chain starting from now without
// consuming the chain's one-shot state.
func Preview(c *Chain, now time.Time, n int) []time.Time {
	if c == nil || n <= 0 {
		return nil
	}
	cp := *c
	cp.periodic = append([]Rule(nil), c.periodic...)
	out := make([]time.Time, 0, n)
	t := now
	for i := 0; i < n; i++ {
		next, ok, err := cp.Calculate(t)
		if err != nil || !ok {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}
