package timerule

import (
	"fmt"
	"time"
)

// maxRestrictionSteps caps the re-feed loop of a time window. One second
// steps over a full day stay well below it.
const maxRestrictionSteps = 1 << 20

// maxWindowSpan bounds how far past the previous run a window search may
// look. A rule that never lands inside the window fails within a year of
// candidates instead of exhausting maxRestrictionSteps.
const maxWindowSpan = 366 * 24 * time.Hour

// Nth selects an occurrence of a weekday inside a month.
type Nth int

const (
	First Nth = iota + 1
	Second
	Third
	Fourth
)

func (n Nth) String() string {
	switch n {
	case First:
		return "first"
	case Second:
		return "second"
	case Third:
		return "third"
	case Fourth:
		return "fourth"
	default:
		return fmt.Sprintf("Nth(%d)", int(n))
	}
}

// AddMonths adds n calendar months to t. The day of month is clamped to the
// length of the target month (Jan 31 + 1 month = Feb 28/29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(target.Year(), target.Month()); d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func atClock(t time.Time, hour, minute int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, t.Location())
}

func isWeekday(d time.Weekday) bool { return d != time.Saturday && d != time.Sunday }

func isWeekend(d time.Weekday) bool { return !isWeekday(d) }

// ---- interval rules ----

func addDuration(d time.Duration) Rule {
	return func(last time.Time) (time.Time, error) { return last.Add(d), nil }
}

func addDays(n int) Rule {
	return func(last time.Time) (time.Time, error) { return last.AddDate(0, 0, n), nil }
}

func addMonths(n int) Rule {
	return func(last time.Time) (time.Time, error) { return AddMonths(last, n), nil }
}

// ---- day selectors ----

// nextWeekday moves to the next occurrence of wd, a full week ahead when last
// already falls on wd, then skips weeks-1 further weeks.
func nextWeekday(wd time.Weekday, weeks int) Rule {
	return func(last time.Time) (time.Time, error) {
		delta := (int(wd) - int(last.Weekday()) + 7) % 7
		if delta == 0 {
			delta = 7
		}
		return last.AddDate(0, 0, delta+7*(weeks-1)), nil
	}
}

// nextDayMatching advances at least one day, n times, landing on days that
// satisfy match.
func nextDayMatching(n int, match func(time.Weekday) bool) Rule {
	return func(last time.Time) (time.Time, error) {
		c := last
		for i := 0; i < n; i++ {
			c = c.AddDate(0, 0, 1)
			for !match(c.Weekday()) {
				c = c.AddDate(0, 0, 1)
			}
		}
		return c, nil
	}
}

// weekOf shifts the candidate to wd within the same Sunday-started week.
func weekOf(wd time.Weekday) Rule {
	return func(last time.Time) (time.Time, error) {
		return last.AddDate(0, 0, int(wd)-int(last.Weekday())), nil
	}
}

// nthWeekdayOfMonth returns the nth wd of the candidate's month. n is validated
// to 1..4 at build time, so the result always stays inside the month.
func nthWeekdayOfMonth(n Nth, wd time.Weekday) Rule {
	return func(last time.Time) (time.Time, error) {
		y, m, _ := last.Date()
		first := time.Date(y, m, 1, last.Hour(), last.Minute(), last.Second(), last.Nanosecond(), last.Location())
		delta := (int(wd) - int(first.Weekday()) + 7) % 7
		return first.AddDate(0, 0, delta+7*(int(n)-1)), nil
	}
}

// dayOfMonth sets the day of month without clamping. A day that does not exist
// in the candidate's month is a calculation error.
func dayOfMonth(day int) Rule {
	return func(last time.Time) (time.Time, error) {
		y, m, _ := last.Date()
		c := time.Date(y, m, day, last.Hour(), last.Minute(), last.Second(), last.Nanosecond(), last.Location())
		if c.Month() != m {
			return time.Time{}, calcErrorf("day %d does not exist in %s %d", day, m, y)
		}
		return c, nil
	}
}

func lastDayOfMonth() Rule {
	return func(last time.Time) (time.Time, error) {
		y, m, _ := last.Date()
		return time.Date(y, m, daysIn(y, m), last.Hour(), last.Minute(), last.Second(), last.Nanosecond(), last.Location()), nil
	}
}

func setClock(hour, minute int) Rule {
	return func(last time.Time) (time.Time, error) { return atClock(last, hour, minute), nil }
}

// ---- restrictions ----

type weekdaySet uint8

func newWeekdaySet(days []time.Weekday) weekdaySet {
	var s weekdaySet
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s
}

func (s weekdaySet) has(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }

func (s weekdaySet) full() bool { return s == 0x7f }

// exceptDays advances one day at a time while the candidate falls on an
// excluded weekday. The set never covers a full week (checked at build time).
func exceptDays(set weekdaySet) Rule {
	return func(last time.Time) (time.Time, error) {
		c := last
		for i := 0; set.has(c.Weekday()); i++ {
			if i >= 7 {
				return time.Time{}, calcErrorf("every weekday is excluded")
			}
			c = c.AddDate(0, 0, 1)
		}
		return c, nil
	}
}

type clockOfDay int // seconds since midnight

func newClockOfDay(hour, minute int) clockOfDay { return clockOfDay(hour*3600 + minute*60) }

func clockOf(t time.Time) clockOfDay {
	return clockOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

func (c clockOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/3600, (int(c)%3600)/60)
}

type windowFit int

const (
	windowEarly windowFit = iota
	windowRunnable
	windowLate
)

func classify(t time.Time, start, end clockOfDay) windowFit {
	tod := clockOf(t)
	switch {
	case tod < start:
		return windowEarly
	case tod > end || (tod == end && t.Nanosecond() > 0):
		return windowLate
	default:
		return windowRunnable
	}
}

// withinWindow restricts candidates to [start, end] on their own date.
// Too-early candidates snap forward to start; too-late ones are fed back into
// prev until a runnable one comes out.
func withinWindow(start, end clockOfDay, prev Rule) Rule {
	return func(last time.Time) (time.Time, error) {
		c, err := prev(last)
		for i := 0; i < maxRestrictionSteps; i++ {
			if err != nil {
				return time.Time{}, err
			}
			switch classify(c, start, end) {
			case windowEarly:
				y, m, d := c.Date()
				return time.Date(y, m, d, 0, 0, int(start), 0, c.Location()), nil
			case windowRunnable:
				return c, nil
			}
			if c.Sub(last) > maxWindowSpan {
				return time.Time{}, calcErrorf("no instant between %s and %s within a year of %s", start, end, last.Format(time.RFC3339))
			}
			c, err = prev(c)
		}
		return time.Time{}, calcErrorf("no instant between %s and %s found after %d steps", start, end, maxRestrictionSteps)
	}
}
