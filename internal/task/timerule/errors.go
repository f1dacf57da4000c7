package timerule

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrConfiguration marks rules rejected while a chain is being built.
	// Such chains are never scheduled.
	ErrConfiguration = errors.New("invalid time rule configuration")

	// ErrCalculation marks rules that could not produce a next instant at run time.
	ErrCalculation = errors.New("next run calculation failed")
)

func configErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

func calcErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrCalculation)
}

// asCalcError marks err as a calculation failure unless it already is one.
func asCalcError(err error) error {
	if err == nil || errors.Is(err, ErrCalculation) {
		return err
	}
	return errors.Mark(err, ErrCalculation)
}
