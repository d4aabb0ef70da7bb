package diamond

import "time"

// Scheduler decides when a daily refill is due. One opportunity per
// calendar day in a fixed location, compared by date so irregular checks
// never drift.
type Scheduler struct {
	loc *time.Location
}

// NewScheduler creates a scheduler for the given location (UTC when nil).
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{loc: loc}
}

// Due reports whether the calendar date of now is after the date of lastRefillAt.
func (s *Scheduler) Due(lastRefillAt, now time.Time) bool {
	ly, lm, ld := lastRefillAt.In(s.loc).Date()
	ny, nm, nd := now.In(s.loc).Date()
	last := time.Date(ly, lm, ld, 0, 0, 0, 0, s.loc)
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, s.loc)
	return today.After(last)
}

// NextRefillAt returns the start of the calendar day following now.
func (s *Scheduler) NextRefillAt(now time.Time) time.Time {
	y, m, d := now.In(s.loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)
}

// Apply runs the refill policy against acc in place and returns the amount added.
// due is false when the day's opportunity was already used; acc is untouched then.
// When due, LastRefillAt advances even if nothing is added.
func (s *Scheduler) Apply(acc *Account, now time.Time) (added int, due bool) {
	if !s.Due(acc.LastRefillAt, now) {
		return 0, false
	}

	if acc.Balance < acc.MaxBalance {
		added = acc.MaxBalance - acc.Balance
		acc.Balance = acc.MaxBalance
	}
	acc.LastRefillAt = now
	acc.UpdatedAt = now
	return added, true
}
