package scheduler

import (
	"runtime/debug"

	"github.com/cockroachdb/errors"

	"fluentsched/internal/task/timerule"
)

var (
	// ErrConfiguration marks schedules rejected at registration.
	ErrConfiguration = timerule.ErrConfiguration

	// ErrCalculation marks schedules retired because no next run could be computed.
	ErrCalculation = timerule.ErrCalculation

	// ErrExecution marks failures of a job body, its construction or its disposal.
	ErrExecution = errors.New("job execution failed")
)

func execErrorf(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrExecution)
}

// panicError converts a recovered panic value into an execution error that
// carries the panicking stack.
func panicError(name string, p any) error {
	err, ok := p.(error)
	if !ok {
		err = errors.Newf("%v", p)
	}
	err = errors.WithDetail(err, string(debug.Stack()))
	return errors.Mark(errors.Wrapf(err, "job %q panicked", name), ErrExecution)
}

// describe flattens an error for logs and history entries.
func describe(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
