// Package jobs provides the job kinds the daemon can schedule from its config
// file, and the factory that builds one instance of them per run.
package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"fluentsched/internal/config"
	"fluentsched/internal/task/scheduler"
	logx "fluentsched/pkg/logx"
	"fluentsched/pkg/systemd"
)

// Job kinds accepted in config.
const (
	KindExec    = "exec"
	KindLog     = "log"
	KindSystemd = "systemd"
)

// Kinds lists the supported job kinds.
func Kinds() []string { return []string{KindExec, KindLog, KindSystemd} }

// Factory builds config-declared jobs by kind and falls back to the request's
// constructor for everything else. Declarations are keyed by schedule name and
// can be swapped while the scheduler runs; the next run picks them up.
type Factory struct {
	log  logx.Logger
	dial systemd.DialFunc

	mu   sync.RWMutex
	defs map[string]config.JobConfig
}

type Option func(*Factory)

func WithLogger(log logx.Logger) Option { return func(f *Factory) { f.log = log } }

// WithDial replaces the systemd connection used by systemd jobs.
func WithDial(dial systemd.DialFunc) Option { return func(f *Factory) { f.dial = dial } }

func NewFactory(opts ...Option) *Factory {
	f := &Factory{dial: systemd.DialSystem, defs: map[string]config.JobConfig{}}
	for _, o := range opts {
		o(f)
	}
	if f.log.IsZero() {
		f.log = logx.Nop()
	}
	return f
}

var _ scheduler.Factory = (*Factory)(nil)

// Validate checks that a declaration can be turned into a job.
func Validate(def config.JobConfig) error {
	switch kind := strings.TrimSpace(def.Kind); kind {
	case KindExec:
		_, err := splitCommand(def.Command)
		return err
	case KindLog:
		return nil
	case KindSystemd:
		if strings.TrimSpace(def.Unit) == "" {
			return errors.New("systemd job: unit is required")
		}
		_, err := systemd.ParseAction(def.Action)
		return err
	default:
		return errors.WithHintf(errors.Newf("unknown job kind %q", kind), "supported kinds: %s", strings.Join(Kinds(), ", "))
	}
}

// Set registers or replaces the declaration for def.Name.
func (f *Factory) Set(def config.JobConfig) error {
	if err := Validate(def); err != nil {
		return errors.Wrapf(err, "job %q", def.Name)
	}
	f.mu.Lock()
	f.defs[strings.TrimSpace(def.Name)] = def
	f.mu.Unlock()
	return nil
}

func (f *Factory) Delete(name string) {
	f.mu.Lock()
	delete(f.defs, name)
	f.mu.Unlock()
}

// Names returns the registered declaration names, sorted.
func (f *Factory) Names() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.defs))
	for name := range f.defs {
		out = append(out, name)
	}
	f.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (f *Factory) Create(ctx context.Context, req scheduler.CreateRequest) (scheduler.Job, error) {
	switch req.Type {
	case KindExec, KindLog, KindSystemd:
	default:
		return scheduler.DefaultFactory{}.Create(ctx, req)
	}

	f.mu.RLock()
	def, ok := f.defs[req.Name]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("no declaration for job %q", req.Name)
	}
	if def.Kind != req.Type {
		return nil, errors.Newf("job %q is declared as %q, scheduled as %q", req.Name, def.Kind, req.Type)
	}

	log := f.log.With(logx.Job(req.Name), logx.String("kind", req.Type))
	switch req.Type {
	case KindExec:
		return NewCommand(def, log)
	case KindLog:
		return NewMessage(def, log), nil
	default:
		return NewUnit(ctx, def, f.dial)
	}
}
