package governor

import "time"

// Level is the discrete risk escalation state.
type Level int

const (
	LevelNormal Level = iota
	LevelElevated
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelElevated:
		return "ELEVATED"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// riskProfile accumulates delivery outcomes and network pushback into a
// composite score. Failure, rate-limit, and drop signals roll off after an
// hour; block events persist across days.
type riskProfile struct {
	Successes   int         `json:"successes"`
	Failures    []time.Time `json:"failures"`
	RateLimits  []time.Time `json:"rate_limits"`
	Drops       []time.Time `json:"drops"`
	Blocks      int         `json:"blocks"`
	Level       Level       `json:"level"`
	Hibernating bool        `json:"hibernating"`
}

const riskWindow = time.Hour

// Score thresholds for the ordered level mapping.
const (
	scoreElevated = 1
	scoreHigh     = 3
	scoreCritical = 5
)

func (r *riskProfile) prune(now time.Time) {
	r.Failures = pruneWindow(r.Failures, now)
	r.RateLimits = pruneWindow(r.RateLimits, now)
	r.Drops = pruneWindow(r.Drops, now)
}

func pruneWindow(ts []time.Time, now time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if now.Sub(t) < riskWindow {
			out = append(out, t)
		}
	}
	return out
}

// score computes the weighted composite from current counters.
func (r *riskProfile) score(now time.Time) int {
	r.prune(now)
	s := 0

	// Delivery-failure ratio (only meaningful with some volume).
	attempts := r.Successes + len(r.Failures)
	if attempts >= 10 {
		ratio := float64(len(r.Failures)) / float64(attempts)
		switch {
		case ratio >= 0.5:
			s += 2
		case ratio >= 0.25:
			s++
		}
	}

	// Network pushback in the last hour.
	switch hits := len(r.RateLimits); {
	case hits >= 6:
		s += 3
	case hits >= 3:
		s += 2
	case hits >= 1:
		s++
	}

	// Connection churn in the last hour.
	switch drops := len(r.Drops); {
	case drops >= 4:
		s += 3
	case drops >= 2:
		s += 2
	case drops >= 1:
		s++
	}

	// Blocks are the strongest signal and never roll off on their own.
	switch {
	case r.Blocks >= 2:
		s += 4
	case r.Blocks == 1:
		s += 2
	}

	return s
}

// evaluate recomputes the level; returns (old, new). Reaching CRITICAL sets
// hibernating as a side effect. Hibernation is never cleared here — only
// ExitHibernation or a metrics reset do that.
func (r *riskProfile) evaluate(now time.Time) (Level, Level) {
	old := r.Level
	s := r.score(now)
	switch {
	case s >= scoreCritical:
		r.Level = LevelCritical
	case s >= scoreHigh:
		r.Level = LevelHigh
	case s >= scoreElevated:
		r.Level = LevelElevated
	default:
		r.Level = LevelNormal
	}
	if r.Level == LevelCritical {
		r.Hibernating = true
	}
	return old, r.Level
}

func (r *riskProfile) reset() {
	*r = riskProfile{}
}
