package governor

import "time"

// rateBudget tracks rolling hourly/daily send counts. Counts reset to zero
// when their window elapses; windows start at the first send after a reset.
type rateBudget struct {
	HourlyCount     int       `json:"hourly_count"`
	DailyCount      int       `json:"daily_count"`
	HourWindowStart time.Time `json:"hour_window_start"`
	DayWindowStart  time.Time `json:"day_window_start"`
	LastSendAt      time.Time `json:"last_send_at"`
}

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// rollover zeroes any window that has elapsed by now.
func (b *rateBudget) rollover(now time.Time) {
	if !b.HourWindowStart.IsZero() && now.Sub(b.HourWindowStart) >= hourWindow {
		b.HourlyCount = 0
		b.HourWindowStart = time.Time{}
	}
	if !b.DayWindowStart.IsZero() && now.Sub(b.DayWindowStart) >= dayWindow {
		b.DailyCount = 0
		b.DayWindowStart = time.Time{}
	}
}

// record counts one dispatched send at now, opening windows as needed.
func (b *rateBudget) record(now time.Time) {
	b.rollover(now)
	if b.HourWindowStart.IsZero() {
		b.HourWindowStart = now
	}
	if b.DayWindowStart.IsZero() {
		b.DayWindowStart = now
	}
	b.HourlyCount++
	b.DailyCount++
	b.LastSendAt = now
}

// hourlyRemaining returns the time left in the hourly window (zero if no
// window is open).
func (b *rateBudget) hourlyRemaining(now time.Time) time.Duration {
	if b.HourWindowStart.IsZero() {
		return 0
	}
	rem := hourWindow - now.Sub(b.HourWindowStart)
	if rem < 0 {
		return 0
	}
	return rem
}

func (b *rateBudget) dailyRemaining(now time.Time) time.Duration {
	if b.DayWindowStart.IsZero() {
		return 0
	}
	rem := dayWindow - now.Sub(b.DayWindowStart)
	if rem < 0 {
		return 0
	}
	return rem
}

// trustSnapshot decides whether a reloaded budget snapshot is still inside
// its rolling windows. A snapshot written before the relevant boundary is
// discarded rather than trusted.
func (b *rateBudget) trustSnapshot(savedAt, now time.Time) {
	if savedAt.IsZero() {
		*b = rateBudget{}
		return
	}
	// Hourly counts die at the hour boundary, daily counts when the
	// calendar day differs.
	if now.Sub(savedAt) >= hourWindow {
		b.HourlyCount = 0
		b.HourWindowStart = time.Time{}
	}
	sy, sm, sd := savedAt.Date()
	ny, nm, nd := now.Date()
	if sy != ny || sm != nm || sd != nd {
		b.DailyCount = 0
		b.DayWindowStart = time.Time{}
	}
	b.rollover(now)
}
