// Package scheduler runs jobs in-process on timerule chains.
//
// The Manager owns a Collection of Schedules ordered by next run. A single
// loop goroutine waits for the soonest one, dispatches every due schedule onto
// its own goroutine and recomputes the next run from the dispatch instant.
// Job bodies never run on the loop.
//
// Non-reentrant schedules (the default) skip a due run while the previous one
// is still executing; skipped runs are dropped, not queued. Failures stay
// inside the schedule that produced them and are reported to observers.
package scheduler
