package logx

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields are applied in order; a key set twice
// keeps the later value.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Strings(k string, v []string) Field {
	return func(e *zerolog.Event) { e.Strs(k, v) }
}

// Job tags an event with the schedule name.
func Job(name string) Field { return String("job", name) }

// Next records a planned run; the zero time is logged as "none".
func Next(t time.Time) Field {
	return func(e *zerolog.Event) {
		if t.IsZero() {
			e.Str("next", "none")
			return
		}
		e.Time("next", t)
	}
}

// Err logs err under "err". Details and hints attached with
// errors.WithDetail / errors.WithHint go to "detail" and "hint".
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err == nil {
			return
		}
		e.Err(err)
		if d := errors.FlattenDetails(err); d != "" {
			e.Str("detail", d)
		}
		if h := errors.FlattenHints(err); h != "" {
			e.Str("hint", h)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}
