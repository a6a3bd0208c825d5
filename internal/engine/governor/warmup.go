package governor

import "time"

// warmupRecord tracks per-destination contact history. New contacts get a
// tight daily cap that loosens as the relationship ages past 1 day and past
// the warmup period.
type warmupRecord struct {
	FirstContactAt     time.Time `json:"first_contact_at"`
	MessageCount       int       `json:"message_count"`
	MessagesThisPeriod int       `json:"messages_this_period"`
	PeriodStart        time.Time `json:"period_start"`
}

const warmupPeriodDay = 24 * time.Hour

// warmupCaps holds the per-day message caps for the phases of a contact's
// warmup. firstDay applies before the contact is 1 day old, warming until
// the warmup period (default 7 days) has passed, then steady.
type warmupCaps struct {
	firstDay int
	warming  int
	steady   int
}

var defaultWarmupCaps = warmupCaps{firstDay: 2, warming: 5, steady: 15}

// cap returns the active per-day cap for a contact of the given age.
func (c warmupCaps) cap(age time.Duration, warmupPeriod time.Duration) int {
	switch {
	case age < warmupPeriodDay:
		return c.firstDay
	case age < warmupPeriod:
		return c.warming
	default:
		return c.steady
	}
}

// rollover resets the per-period counter when its day elapses.
func (w *warmupRecord) rollover(now time.Time) {
	if !w.PeriodStart.IsZero() && now.Sub(w.PeriodStart) >= warmupPeriodDay {
		w.MessagesThisPeriod = 0
		w.PeriodStart = time.Time{}
	}
}

// record counts one message to this contact at now.
func (w *warmupRecord) record(now time.Time) {
	if w.FirstContactAt.IsZero() {
		w.FirstContactAt = now
	}
	w.rollover(now)
	if w.PeriodStart.IsZero() {
		w.PeriodStart = now
	}
	w.MessageCount++
	w.MessagesThisPeriod++
}

// age returns how long this contact has been known at now.
func (w *warmupRecord) age(now time.Time) time.Duration {
	if w.FirstContactAt.IsZero() {
		return 0
	}
	return now.Sub(w.FirstContactAt)
}
