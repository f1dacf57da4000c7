package scheduler

import (
	"time"
)

// StartEvent is delivered when a run begins.
type StartEvent struct {
	Name      string
	StartTime time.Time
}

// EndEvent is delivered when a run finishes, successfully or not.
type EndEvent struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	NextRun   time.Time
	HasNext   bool
	Err       error
}

// ExceptionEvent carries a failure that no caller could observe otherwise.
type ExceptionEvent struct {
	Name string
	Err  error
}

// Observer receives job lifecycle notifications. Methods are called from job
// goroutines and may run concurrently; they must not block for long.
type Observer interface {
	OnJobStart(StartEvent)
	OnJobEnd(EndEvent)
	OnUnobservedException(ExceptionEvent)
}

// ObserverFuncs implements Observer with optional callbacks.
type ObserverFuncs struct {
	Start     func(StartEvent)
	End       func(EndEvent)
	Exception func(ExceptionEvent)
}

func (o ObserverFuncs) OnJobStart(e StartEvent) {
	if o.Start != nil {
		o.Start(e)
	}
}

func (o ObserverFuncs) OnJobEnd(e EndEvent) {
	if o.End != nil {
		o.End(e)
	}
}

func (o ObserverFuncs) OnUnobservedException(e ExceptionEvent) {
	if o.Exception != nil {
		o.Exception(e)
	}
}
