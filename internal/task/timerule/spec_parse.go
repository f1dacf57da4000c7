package timerule

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecCalendar
)

// CalendarUnit is the step of a SpecCalendar schedule.
type CalendarUnit int

const (
	UnitDay CalendarUnit = iota
	UnitWeek
	UnitMonth
	UnitWeekday   // Monday..Friday
	UnitWeekend   // Saturday, Sunday
	UnitOnWeekday // a named day of the week
)

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Phrases: "every 5m", "every 2 hours", "every day", "every 1d",
//     "every 2 weeks on mon", "every weekday", "every friday",
//     "every month on 15", "every 3 months on the last day"
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm" | "phrase"

	// SpecCalendar only.
	N       int
	Unit    CalendarUnit
	Weekday time.Weekday // UnitOnWeekday, or UnitWeek when HasOn
	Day     int          // UnitMonth when HasOn; 0 means the last day
	HasOn   bool
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSpec parses a schedule string into either a cron expression or an interval duration.
func ParseSpec(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, configErrorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, configErrorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	}
	for _, prefix := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, prefix) {
			d, src, err := parseInterval(s[len(prefix):])
			if err != nil {
				return ParsedSpec{}, err
			}
			return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
		}
	}

	if strings.HasPrefix(low, "every ") {
		return parsePhrase(raw, strings.Fields(low[len("every "):]))
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return ParsedSpec{}, configErrorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, configErrorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

// Apply installs the parsed schedule on b and returns the restriction stage.
func (p ParsedSpec) Apply(b *Builder) *Restriction {
	r, _ := p.apply(b)
	return r
}

// ApplyAt installs the parsed schedule pinned to hour:minute. Only day, week
// (with a weekday) and month (with a day) phrases accept a time of day.
func (p ParsedSpec) ApplyAt(b *Builder, hour, minute int) *Restriction {
	r, at := p.apply(b)
	if at == nil {
		b.fail(configErrorf("a time of day needs a day, weekday, weekly-on or monthly-on schedule"))
		return r
	}
	return at(hour, minute)
}

func (p ParsedSpec) apply(b *Builder) (*Restriction, func(hour, minute int) *Restriction) {
	switch p.Kind {
	case SpecCron:
		return b.Cron(p.Cron), nil
	case SpecInterval:
		return b.EveryDuration(p.Every), nil
	}

	every := b.Every(p.N)
	var day *DayUnit
	switch p.Unit {
	case UnitDay:
		day = every.Days()
	case UnitWeekday:
		day = every.Weekdays()
	case UnitWeekend:
		day = every.Weekends()
	case UnitOnWeekday:
		day = every.On(p.Weekday)
	case UnitWeek:
		w := every.Weeks()
		if !p.HasOn {
			return &w.Restriction, nil
		}
		day = w.On(p.Weekday)
	case UnitMonth:
		m := every.Months()
		if !p.HasOn {
			return &m.Restriction, nil
		}
		var md *MonthDayUnit
		if p.Day == 0 {
			md = m.OnTheLastDay()
		} else {
			md = m.On(p.Day)
		}
		return &md.Restriction, md.At
	}
	return &day.Restriction, day.At
}

var reCountUnit = regexp.MustCompile(`^(\d+)([dw])$`)

// parsePhrase parses the words after "every".
func parsePhrase(raw string, words []string) (ParsedSpec, error) {
	bad := func() (ParsedSpec, error) {
		return ParsedSpec{}, configErrorf("invalid schedule phrase %q", raw)
	}
	if len(words) == 0 {
		return bad()
	}

	p := ParsedSpec{Kind: SpecCalendar, Source: "phrase", N: 1}
	if len(words) == 1 {
		if m := reCountUnit.FindStringSubmatch(words[0]); m != nil {
			words = []string{m[1], m[2]}
		} else if d, err := time.ParseDuration(words[0]); err == nil {
			if d <= 0 {
				return ParsedSpec{}, configErrorf("interval must be > 0")
			}
			return ParsedSpec{Kind: SpecInterval, Every: d, Source: "phrase"}, nil
		}
	}
	if n, err := strconv.Atoi(words[0]); err == nil {
		if n <= 0 {
			return ParsedSpec{}, configErrorf("interval must be > 0, got %d", n)
		}
		p.N = n
		words = words[1:]
		if len(words) == 0 {
			return bad()
		}
	}

	unit, rest := words[0], words[1:]
	switch unit {
	case "s", "sec", "secs", "second", "seconds":
		return phraseInterval(p.N, time.Second, rest, raw)
	case "m", "min", "mins", "minute", "minutes":
		return phraseInterval(p.N, time.Minute, rest, raw)
	case "h", "hr", "hrs", "hour", "hours":
		return phraseInterval(p.N, time.Hour, rest, raw)
	case "d", "day", "days":
		p.Unit = UnitDay
	case "weekday", "weekdays":
		p.Unit = UnitWeekday
	case "weekend", "weekends":
		p.Unit = UnitWeekend
	case "w", "week", "weeks":
		p.Unit = UnitWeek
		if len(rest) > 0 {
			if len(rest) != 2 || rest[0] != "on" {
				return bad()
			}
			wd, err := ParseWeekday(rest[1])
			if err != nil {
				return ParsedSpec{}, err
			}
			p.Weekday, p.HasOn = wd, true
		}
		return p, nil
	case "mo", "month", "months":
		p.Unit = UnitMonth
		if len(rest) > 0 {
			day, err := parseMonthDay(rest)
			if err != nil {
				return ParsedSpec{}, err
			}
			p.Day, p.HasOn = day, true
		}
		return p, nil
	default:
		wd, err := ParseWeekday(strings.TrimSuffix(unit, "s"))
		if err != nil {
			if wd, err = ParseWeekday(unit); err != nil {
				return bad()
			}
		}
		p.Unit, p.Weekday = UnitOnWeekday, wd
	}
	if len(rest) > 0 {
		return bad()
	}
	return p, nil
}

func phraseInterval(n int, unit time.Duration, rest []string, raw string) (ParsedSpec, error) {
	if len(rest) > 0 {
		return ParsedSpec{}, configErrorf("invalid schedule phrase %q", raw)
	}
	return ParsedSpec{Kind: SpecInterval, Every: time.Duration(n) * unit, Source: "phrase"}, nil
}

// parseMonthDay accepts "on 15", "on the 15th", "on last", "on the last day".
func parseMonthDay(words []string) (int, error) {
	if words[0] != "on" {
		return 0, configErrorf("expected 'on' in %q", strings.Join(words, " "))
	}
	words = words[1:]
	if len(words) > 0 && words[0] == "the" {
		words = words[1:]
	}
	if len(words) > 0 && words[len(words)-1] == "day" {
		words = words[:len(words)-1]
	}
	if len(words) != 1 {
		return 0, configErrorf("expected a day of month")
	}
	if words[0] == "last" {
		return 0, nil
	}
	num := strings.TrimRight(words[0], "stndrh")
	day, err := strconv.Atoi(num)
	if err != nil || day < 1 || day > 31 {
		return 0, configErrorf("day of month must be 1..31, got %q", words[0])
	}
	return day, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", configErrorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", configErrorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", configErrorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, configErrorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, configErrorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, configErrorf("interval must be > 0")
	}
	return d, nil
}

// ParseClock parses "HH:MM" as a time of day.
func ParseClock(s string) (hour int, minute int, err error) {
	m := reHHMM.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, 0, configErrorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(m[1])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, configErrorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(m[2])
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, configErrorf("invalid minute in %q", s)
	}
	return h, mm, nil
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (startH, startM, endH, endM int, err error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return 0, 0, 0, 0, configErrorf("invalid window %q, expected HH:MM-HH:MM", s)
	}
	if startH, startM, err = ParseClock(parts[0]); err != nil {
		return 0, 0, 0, 0, err
	}
	if endH, endM, err = ParseClock(parts[1]); err != nil {
		return 0, 0, 0, 0, err
	}
	return startH, startM, endH, endM, nil
}

// ParseWeekday accepts English weekday names and three-letter abbreviations.
func ParseWeekday(s string) (time.Weekday, error) {
	low := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if low == name || (len(low) == 3 && strings.HasPrefix(name, low)) {
			return d, nil
		}
	}
	return 0, configErrorf("invalid weekday %q", s)
}
