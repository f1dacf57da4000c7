// Package timerule computes when a job is due next.
//
// A Chain is an ordered list of Rule steps (Instant → Instant) plus an optional
// one-shot rule. Builder is the staged construction surface:
//
//	b := timerule.NewBuilder()
//	b.Every(1).Months().OnThe(timerule.First, time.Friday).At(9, 0)
//	chain, err := b.Build()
//
// Cron expressions (robfig/cron) plug in as one more periodic Rule.
//
// Chains are not safe for concurrent use; the scheduler evaluates a chain only
// from its dispatch loop.
package timerule
