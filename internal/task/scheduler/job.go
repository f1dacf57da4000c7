package scheduler

import (
	"context"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
)

// Job is a unit of work run by the Manager.
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a plain function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Execute(ctx context.Context) error { return f(ctx) }

// Disposer is implemented by jobs holding resources that must be released
// after each run. The Manager calls Dispose exactly once per constructed
// instance.
type Disposer interface {
	Dispose() error
}

// Constructor builds a fresh job instance for one run.
type Constructor func(ctx context.Context) (Job, error)

// CreateRequest describes the instance a Factory must build.
type CreateRequest struct {
	Name string // schedule name
	Type string // job type, e.g. "*jobs.Command" or a config kind
	New  Constructor
}

// Factory builds job instances per run. Implementations may inject
// dependencies by Type and fall back to New.
type Factory interface {
	Create(ctx context.Context, req CreateRequest) (Job, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, req CreateRequest) (Job, error)

func (f FactoryFunc) Create(ctx context.Context, req CreateRequest) (Job, error) { return f(ctx, req) }

// DefaultFactory calls the request's constructor.
type DefaultFactory struct{}

func (DefaultFactory) Create(ctx context.Context, req CreateRequest) (Job, error) {
	if req.New == nil {
		return nil, errors.Newf("no constructor for job type %q", req.Type)
	}
	return req.New(ctx)
}

// JobOption configures a schedule at registration.
type JobOption func(*jobOptions)

type jobOptions struct {
	name      string
	reentrant bool
}

// WithName sets the schedule name. Registering a name that already exists
// replaces the previous schedule.
func WithName(name string) JobOption {
	return func(o *jobOptions) { o.name = strings.TrimSpace(name) }
}

// WithReentrant allows overlapping runs of the same schedule.
func WithReentrant(enabled bool) JobOption {
	return func(o *jobOptions) { o.reentrant = enabled }
}

func jobKind(job Job) string {
	if _, ok := job.(JobFunc); ok {
		return "func"
	}
	return reflect.TypeOf(job).String()
}

func typeName[T any]() string {
	return reflect.TypeOf((**T)(nil)).Elem().String()
}

func dispose(job Job) (err error) {
	d, ok := job.(Disposer)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("dispose panicked: %v", r)
		}
	}()
	return d.Dispose()
}
