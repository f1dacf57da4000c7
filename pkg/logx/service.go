package logx

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

const defaultLogFile = "./schedd.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

func (f FileConfig) path() string {
	if p := strings.TrimSpace(f.Path); p != "" {
		return p
	}
	return defaultLogFile
}

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	root atomic.Pointer[zerolog.Logger]

	file     *os.File
	filePath string

	// stdout is swapped in tests.
	stdout io.Writer
}

// New applies cfg and returns the service with its root Logger. A log file
// that cannot be opened is reported on stderr and console output is used
// instead.
func New(cfg Config) (*Service, Logger) {
	s := &Service{stdout: Stdout()}
	if err := s.Apply(cfg); err != nil {
		_, _ = io.WriteString(Stderr(), "logx: "+err.Error()+"\n")
	}
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Level returns the level currently in effect.
func (s *Service) Level() Level {
	zl := s.current()
	return zl.GetLevel()
}

// Apply swaps level and sinks at runtime. The log file is kept open when its
// path does not change. On error the previous sinks stay in place, minus a
// file that failed to reopen.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	lvl := levelOr(cfg.Level, LevelInfo)

	var openErr error
	if !cfg.File.Enabled || cfg.File.path() != s.filePath {
		s.closeFile()
	}
	if cfg.File.Enabled && s.file == nil {
		path := cfg.File.path()
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			openErr = errors.Wrapf(err, "open log file %q", path)
		} else {
			s.file, s.filePath = f, path
		}
	}

	writers := make([]io.Writer, 0, 2)
	if cfg.Console || s.file == nil {
		writers = append(writers, newConsoleWriter(s.stdout))
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	s.root.Store(&zl)
	return openErr
}

func (s *Service) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = nil, ""
}

// Close releases the log file. Loggers keep working on the console.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.filePath = nil, ""
	zl := zerolog.New(newConsoleWriter(s.stdout)).Level(s.current().GetLevel()).With().Timestamp().Logger()
	s.root.Store(&zl)
	s.mu.Unlock()

	if f != nil {
		return f.Close()
	}
	return nil
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the configured stderr sink.
func Stderr() io.Writer { return os.Stderr }
