package logx

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

var levels = map[string]Level{
	"trace":   LevelTrace,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// ParseLevel maps a config level name to a Level. The empty string means info.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LevelInfo, nil
	}
	if l, ok := levels[s]; ok {
		return l, nil
	}
	return LevelInfo, errors.WithHint(
		errors.Newf("unknown log level %q", s),
		"use one of trace, debug, info, warn, error",
	)
}

func levelOr(s string, def Level) Level {
	if strings.TrimSpace(s) == "" {
		return def
	}
	l, err := ParseLevel(s)
	if err != nil {
		return def
	}
	return l
}
