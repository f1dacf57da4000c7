package timerule

import (
	"time"
)

// Builder assembles a Chain through a staged grammar:
//
//	run-specifier → {interval unit} → {restriction}*
//
// The first configuration error is latched; later calls are no-ops and Build
// returns it.
type Builder struct {
	chain *Chain
	err   error
}

func NewBuilder() *Builder {
	return &Builder{chain: NewChain()}
}

// Err returns the first configuration error, if any.
func (b *Builder) Err() error { return b.err }

// Build returns the assembled chain.
func (b *Builder) Build() (*Chain, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.chain.Empty() {
		return nil, configErrorf("no time rule configured")
	}
	return b.chain, nil
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) ok() bool { return b.err == nil }

// ---- run specifiers ----

// Now runs the job as soon as it is registered.
func (b *Builder) Now() *OnceUnit {
	if b.ok() {
		b.chain.SetOnce(func(last time.Time) (time.Time, error) { return last, nil })
	}
	return &OnceUnit{b: b}
}

// OnceAt runs the job once at t. A t in the past runs immediately.
func (b *Builder) OnceAt(t time.Time) *OnceUnit {
	if b.ok() {
		if t.IsZero() {
			b.fail(configErrorf("once-at time required"))
		} else {
			b.chain.SetOnce(func(time.Time) (time.Time, error) { return t, nil })
		}
	}
	return &OnceUnit{b: b}
}

// OnceIn runs the job once, d after registration.
func (b *Builder) OnceIn(d time.Duration) *OnceUnit {
	if b.ok() {
		if d < 0 {
			b.fail(configErrorf("delay must be >= 0, got %s", d))
		} else {
			b.chain.SetOnce(addDuration(d))
		}
	}
	return &OnceUnit{b: b}
}

// Every starts a periodic rule repeating every n units.
func (b *Builder) Every(n int) *IntervalUnit {
	if b.ok() && n <= 0 {
		b.fail(configErrorf("interval must be > 0, got %d", n))
	}
	return &IntervalUnit{b: b, n: n}
}

// EveryDuration repeats every d.
func (b *Builder) EveryDuration(d time.Duration) *Restriction {
	if b.ok() {
		if d <= 0 {
			b.fail(configErrorf("interval must be > 0, got %s", d))
		} else {
			b.chain.Append(addDuration(d))
		}
	}
	return &Restriction{b: b}
}

// Cron repeats on a cron expression.
func (b *Builder) Cron(expr string) *Restriction {
	if b.ok() {
		r, err := ParseCron(expr)
		if err != nil {
			b.fail(err)
		} else {
			b.chain.Append(r)
		}
	}
	return &Restriction{b: b}
}

// OnceUnit follows a one-shot run specifier.
type OnceUnit struct{ b *Builder }

// AndEvery continues a one-shot rule with a periodic one.
func (u *OnceUnit) AndEvery(n int) *IntervalUnit { return u.b.Every(n) }

// ---- interval units ----

type IntervalUnit struct {
	b *Builder
	n int
}

func (u *IntervalUnit) duration(unit time.Duration) *Restriction {
	if u.b.ok() {
		u.b.chain.Append(addDuration(time.Duration(u.n) * unit))
	}
	return &Restriction{b: u.b}
}

func (u *IntervalUnit) Seconds() *Restriction { return u.duration(time.Second) }
func (u *IntervalUnit) Minutes() *Restriction { return u.duration(time.Minute) }
func (u *IntervalUnit) Hours() *Restriction   { return u.duration(time.Hour) }

// Days repeats every n calendar days.
func (u *IntervalUnit) Days() *DayUnit {
	if u.b.ok() {
		u.b.chain.Append(addDays(u.n))
	}
	return &DayUnit{Restriction: Restriction{b: u.b}, rewind: u.n}
}

// Weeks repeats every n weeks.
func (u *IntervalUnit) Weeks() *WeekUnit {
	if u.b.ok() {
		u.b.chain.Append(addDays(7 * u.n))
	}
	return &WeekUnit{Restriction: Restriction{b: u.b}, n: u.n}
}

// Months repeats every n calendar months (day clamped to the month length).
func (u *IntervalUnit) Months() *MonthUnit {
	if u.b.ok() {
		u.b.chain.Append(addMonths(u.n))
	}
	return &MonthUnit{Restriction: Restriction{b: u.b}, n: u.n}
}

// Weekdays advances to the next Monday..Friday, n times.
func (u *IntervalUnit) Weekdays() *DayUnit {
	if u.b.ok() {
		u.b.chain.Append(nextDayMatching(u.n, isWeekday))
	}
	return &DayUnit{Restriction: Restriction{b: u.b}, rewind: 1}
}

// Weekends advances to the next Saturday or Sunday, n times.
func (u *IntervalUnit) Weekends() *DayUnit {
	if u.b.ok() {
		u.b.chain.Append(nextDayMatching(u.n, isWeekend))
	}
	return &DayUnit{Restriction: Restriction{b: u.b}, rewind: 1}
}

// On advances to the next wd (a full week when already on wd), then n-1
// further weeks.
func (u *IntervalUnit) On(wd time.Weekday) *DayUnit {
	if u.b.ok() {
		if wd < time.Sunday || wd > time.Saturday {
			u.b.fail(configErrorf("invalid weekday %d", int(wd)))
		} else {
			u.b.chain.Append(nextWeekday(wd, u.n))
		}
	}
	return &DayUnit{Restriction: Restriction{b: u.b}, rewind: 7*(u.n-1) + 1}
}

// DayUnit is a day-granular rule that may be pinned to a time of day.
type DayUnit struct {
	Restriction
	rewind int // days to step back for the first-occurrence probe
}

// At pins the candidate to hour:minute. The first run may happen on the
// registration day when that time is still ahead.
func (u *DayUnit) At(hour, minute int) *Restriction {
	b := u.b
	if b.ok() {
		if err := validateClock(hour, minute); err != nil {
			b.fail(err)
		} else {
			b.chain.Append(setClock(hour, minute))
			days := u.rewind
			b.chain.setRewind(func(t time.Time) time.Time { return t.AddDate(0, 0, -days) })
		}
	}
	return &Restriction{b: b}
}

// WeekUnit follows Weeks().
type WeekUnit struct {
	Restriction
	n int
}

// On pins the weekly candidate to wd within its Sunday-started week.
func (u *WeekUnit) On(wd time.Weekday) *DayUnit {
	b := u.b
	if b.ok() {
		if wd < time.Sunday || wd > time.Saturday {
			b.fail(configErrorf("invalid weekday %d", int(wd)))
		} else {
			b.chain.Append(weekOf(wd))
			weeks := u.n
			b.chain.setRewind(func(t time.Time) time.Time { return t.AddDate(0, 0, -7*weeks) })
		}
	}
	return &DayUnit{Restriction: Restriction{b: b}, rewind: 7 * u.n}
}

// MonthUnit follows Months().
type MonthUnit struct {
	Restriction
	n int
}

func (u *MonthUnit) target(r Rule) *DayUnit {
	b := u.b
	if b.ok() {
		b.chain.Append(r)
		months := u.n
		b.chain.setRewind(func(t time.Time) time.Time { return AddMonths(t, -months) })
	}
	return &DayUnit{Restriction: Restriction{b: b}}
}

// On pins the monthly candidate to day (1..31). The day is not clamped: a day
// missing from the candidate's month fails at calculation time.
func (u *MonthUnit) On(day int) *MonthDayUnit {
	if u.b.ok() && (day < 1 || day > 31) {
		u.b.fail(configErrorf("day of month must be 1..31, got %d", day))
	}
	return &MonthDayUnit{u.target(dayOfMonth(day))}
}

// OnThe pins the monthly candidate to the nth wd of its month.
func (u *MonthUnit) OnThe(nth Nth, wd time.Weekday) *MonthDayUnit {
	if u.b.ok() {
		switch {
		case nth < First || nth > Fourth:
			u.b.fail(configErrorf("occurrence must be 1..4, got %d", int(nth)))
		case wd < time.Sunday || wd > time.Saturday:
			u.b.fail(configErrorf("invalid weekday %d", int(wd)))
		}
	}
	return &MonthDayUnit{u.target(nthWeekdayOfMonth(nth, wd))}
}

// OnTheLastDay pins the monthly candidate to the last day of its month.
func (u *MonthUnit) OnTheLastDay() *MonthDayUnit {
	return &MonthDayUnit{u.target(lastDayOfMonth())}
}

// MonthDayUnit follows a monthly day target.
type MonthDayUnit struct{ *DayUnit }

// At pins the time of day; the rewind probe is already installed by the target.
func (u *MonthDayUnit) At(hour, minute int) *Restriction {
	b := u.b
	if b.ok() {
		if err := validateClock(hour, minute); err != nil {
			b.fail(err)
		} else {
			b.chain.Append(setClock(hour, minute))
		}
	}
	return &Restriction{b: b}
}

// ---- restrictions ----

// Restriction is the last stage; restrictions may be chained.
type Restriction struct{ b *Builder }

// Except skips candidates falling on any of days, one day at a time.
func (r *Restriction) Except(days ...time.Weekday) *Restriction {
	b := r.b
	if !b.ok() {
		return r
	}
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			b.fail(configErrorf("invalid weekday %d", int(d)))
			return r
		}
	}
	set := newWeekdaySet(days)
	if set.full() {
		b.fail(configErrorf("all seven weekdays are excluded; the job could never run"))
		return r
	}
	if set != 0 {
		b.chain.Append(exceptDays(set))
	}
	return r
}

// Between keeps candidates within [start, end] of their own day.
func (r *Restriction) Between(startHour, startMinute, endHour, endMinute int) *Restriction {
	b := r.b
	if !b.ok() {
		return r
	}
	if err := validateClock(startHour, startMinute); err != nil {
		b.fail(err)
		return r
	}
	if err := validateClock(endHour, endMinute); err != nil {
		b.fail(err)
		return r
	}
	start, end := newClockOfDay(startHour, startMinute), newClockOfDay(endHour, endMinute)
	if start > end {
		b.fail(configErrorf("window start %s is after end %s", start, end))
		return r
	}
	if !b.chain.Periodic() {
		b.fail(configErrorf("between requires a periodic rule"))
		return r
	}
	b.chain.Wrap(func(prev Rule) Rule { return withinWindow(start, end, prev) })
	return r
}

func validateClock(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return configErrorf("hour must be 0..23, got %d", hour)
	}
	if minute < 0 || minute > 59 {
		return configErrorf("minute must be 0..59, got %d", minute)
	}
	return nil
}
