package timerule

import (
	"time"
)

// Rule maps the previous instant to a candidate next instant.
//
// A non-nil error means no valid instant exists; it is reported as a
// calculation failure for the owning schedule.
type Rule func(last time.Time) (time.Time, error)

// Chain is the time-rule pipeline of one schedule.
//
// Evaluation order of Calculate:
//  1. once (if set and not yet consumed)
//  2. rewind probe (if set and not yet consumed)
//  3. periodic rules folded in registration order
type Chain struct {
	once     Rule
	rewind   func(time.Time) time.Time
	periodic []Rule

	// first is set after the first Calculate call consumed once/rewind.
	first bool
}

// NewChain returns an empty chain.
func NewChain() *Chain { return &Chain{} }

// SetOnce installs the one-shot rule. It replaces any previous one and re-arms it.
func (c *Chain) SetOnce(r Rule) {
	c.once = r
	c.first = false
}

// HasOnce reports whether a one-shot rule is installed.
func (c *Chain) HasOnce() bool { return c.once != nil }

// Append registers a periodic rule after the existing ones.
func (c *Chain) Append(r Rule) {
	if r == nil {
		return
	}
	c.periodic = append(c.periodic, r)
}

// Wrap replaces the periodic rules with decorate(prev), where prev is the fold of
// the rules registered so far. Restrictions that must re-invoke the underlying
// rules use this.
func (c *Chain) Wrap(decorate func(prev Rule) Rule) {
	if decorate == nil || len(c.periodic) == 0 {
		return
	}
	c.periodic = []Rule{decorate(foldRules(c.periodic))}
}

// setRewind installs the first-occurrence probe: on the first calculation the
// periodic rules are evaluated from rewind(last) and the result is used when it
// lies strictly after last. This lets "every day at 09:00" fire today when
// added before 09:00.
func (c *Chain) setRewind(fn func(time.Time) time.Time) {
	if c.once != nil {
		return
	}
	c.rewind = fn
}

// Empty reports whether the chain can never produce an instant.
func (c *Chain) Empty() bool { return c.once == nil && len(c.periodic) == 0 }

// Periodic reports whether the chain has at least one periodic rule.
func (c *Chain) Periodic() bool { return len(c.periodic) > 0 }

// Reset re-arms the one-shot rule and the first-occurrence probe.
func (c *Chain) Reset() { c.first = false }

// Calculate returns the next instant after last.
// ok is false when the chain has no further occurrences.
func (c *Chain) Calculate(last time.Time) (next time.Time, ok bool, err error) {
	if !c.first {
		c.first = true
		if c.once != nil {
			next, err = c.once(last)
			if err != nil {
				return time.Time{}, false, asCalcError(err)
			}
			return next, true, nil
		}
		if c.rewind != nil && len(c.periodic) > 0 {
			cand, err := c.fold(c.rewind(last))
			if err == nil && cand.After(last) {
				return cand, true, nil
			}
		}
	}
	if len(c.periodic) == 0 {
		return time.Time{}, false, nil
	}
	next, err = c.fold(last)
	if err != nil {
		return time.Time{}, false, err
	}
	return next, true, nil
}

func (c *Chain) fold(last time.Time) (time.Time, error) {
	next, err := foldRules(c.periodic)(last)
	return next, asCalcError(err)
}

func foldRules(rules []Rule) Rule {
	rs := append([]Rule(nil), rules...)
	if len(rs) == 1 {
		return rs[0]
	}
	return func(last time.Time) (time.Time, error) {
		next := last
		for _, r := range rs {
			var err error
			next, err = r(next)
			if err != nil {
				return time.Time{}, err
			}
		}
		return next, nil
	}
}
