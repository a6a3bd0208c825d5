// Package governor decides admission for every candidate send. One entry
// point, CanSend, combines the tiered rate budget, per-contact warmup, the
// rolling risk profile, and maturity-tier spacing into a single verdict.
//
// Denials are decisions, not errors: a "not yet" comes back with a reason
// and, where a window is involved, a wait hint.
package governor

import (
	"context"
	"sync"
	"time"

	"pacebot/internal/clock"
	"pacebot/internal/storage"
	logx "pacebot/pkg/logx"
)

// Deny reasons surfaced in Decision.Reason.
const (
	ReasonHibernating   = "hibernating"
	ReasonRiskCritical  = "risk_critical"
	ReasonContactWarmup = "contact_warmup"
	ReasonHourlyBudget  = "hourly_budget"
	ReasonDailyBudget   = "daily_budget"
	ReasonMinInterval   = "min_interval"
)

// Decision is the admission verdict for one candidate send.
type Decision struct {
	Allowed bool
	Reason  string
	// Wait hints how long until the denial is expected to clear. Zero means
	// no meaningful estimate (e.g. hibernation needs operator action).
	Wait time.Duration
}

type Config struct {
	// AccountAgeWeeks seeds the maturity tier.
	AccountAgeWeeks int
	// WarmupPeriod is the per-contact ramp window (default 7 days).
	WarmupPeriod time.Duration
	// WeekendDelayFactor scales delays on Saturday/Sunday (default 1.5).
	WeekendDelayFactor float64
	// DowntimeThreshold is the offline gap that triggers a ramp (default 6h).
	DowntimeThreshold time.Duration
	// RampWindow is how long after a long downtime the ramp stays active
	// (default 2h).
	RampWindow time.Duration
	// RampDelayFactor scales delays during the ramp window (default 2.0).
	RampDelayFactor float64
	// RampBudgetFraction shrinks the effective hourly limit during the ramp
	// window (default 0.5).
	RampBudgetFraction float64
}

func (c Config) withDefaults() Config {
	if c.WarmupPeriod <= 0 {
		c.WarmupPeriod = 7 * 24 * time.Hour
	}
	if c.WeekendDelayFactor <= 0 {
		c.WeekendDelayFactor = 1.5
	}
	if c.DowntimeThreshold <= 0 {
		c.DowntimeThreshold = 6 * time.Hour
	}
	if c.RampWindow <= 0 {
		c.RampWindow = 2 * time.Hour
	}
	if c.RampDelayFactor <= 0 {
		c.RampDelayFactor = 2.0
	}
	if c.RampBudgetFraction <= 0 || c.RampBudgetFraction > 1 {
		c.RampBudgetFraction = 0.5
	}
	return c
}

// RateStats is the operator view of the rate budget.
type RateStats struct {
	Tier            Tier          `json:"tier"`
	HourlyCount     int           `json:"hourly_count"`
	HourlyLimit     int           `json:"hourly_limit"`
	DailyCount      int           `json:"daily_count"`
	DailyLimit      int           `json:"daily_limit"`
	HourlyRemaining time.Duration `json:"hourly_remaining"`
	DailyRemaining  time.Duration `json:"daily_remaining"`
	LastSendAt      time.Time     `json:"last_send_at"`
	SentTotal       int           `json:"sent_total"`
	ReceivedTotal   int           `json:"received_total"`
}

// RiskMetrics is the operator view of the risk profile.
type RiskMetrics struct {
	Level       string `json:"level"`
	Score       int    `json:"score"`
	Successes   int    `json:"successes"`
	Failures    int    `json:"failures"`
	RateLimits  int    `json:"rate_limits"`
	Drops       int    `json:"drops"`
	Blocks      int    `json:"blocks"`
	Hibernating bool   `json:"hibernating"`
}

// LevelObserver is invoked on risk level increases only, outside the
// governor lock.
type LevelObserver func(old, new Level)

// Governor owns the admission state for one account. Safe for concurrent
// use; the queue worker is the primary caller, record hooks arrive from
// transport callbacks.
type Governor struct {
	mu sync.Mutex

	cfg   Config
	clk   clock.Clock
	log   logx.Logger
	store storage.Store
	keys  keyset

	tier   Tier
	budget rateBudget
	warmup map[string]*warmupRecord
	risk   riskProfile

	// downtimeEnd marks when the last long downtime ended; the ramp is
	// active until downtimeEnd + RampWindow.
	downtimeEnd time.Time

	sentTotal     int
	receivedTotal int

	observer LevelObserver
}

type keyset struct {
	budget string
	warmup string
	risk   string
}

// New builds a governor. store may be nil (memory-only). session namespaces
// the persisted keys.
func New(cfg Config, session string, store storage.Store, clk clock.Clock, log logx.Logger) *Governor {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if session == "" {
		session = "default"
	}
	g := &Governor{
		cfg:    cfg,
		clk:    clk,
		log:    log,
		store:  store,
		tier:   tierForAge(cfg.AccountAgeWeeks),
		warmup: map[string]*warmupRecord{},
		keys: keyset{
			budget: "session/" + session + "/ratebudget",
			warmup: "session/" + session + "/warmup",
			risk:   "session/" + session + "/risk",
		},
	}
	g.load()
	return g
}

// SetObserver installs the level-increase callback.
func (g *Governor) SetObserver(fn LevelObserver) {
	g.mu.Lock()
	g.observer = fn
	g.mu.Unlock()
}

// Apply updates tunables from a config reload. Counters are untouched.
func (g *Governor) Apply(cfg Config) {
	g.mu.Lock()
	age := cfg.AccountAgeWeeks
	g.cfg = cfg.withDefaults()
	g.tier = tierForAge(age)
	g.mu.Unlock()
}

// SetAccountAge overrides the maturity tier from account age in weeks.
func (g *Governor) SetAccountAge(weeks int) {
	g.mu.Lock()
	g.cfg.AccountAgeWeeks = weeks
	g.tier = tierForAge(weeks)
	g.mu.Unlock()
}

// Tier returns the current maturity tier.
func (g *Governor) Tier() Tier {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tier
}

// CanSend evaluates admission for one candidate send to dest. First failure
// wins; the checks short-circuit in risk, warmup, budget, spacing order.
func (g *Governor) CanSend(dest string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()

	// 1. Risk gate.
	if g.risk.Hibernating {
		return Decision{Reason: ReasonHibernating}
	}
	if g.risk.Level == LevelCritical {
		return Decision{Reason: ReasonRiskCritical}
	}

	// 2. Per-contact warmup.
	if w, ok := g.warmup[dest]; ok {
		w.rollover(now)
		cap := defaultWarmupCaps.cap(w.age(now), g.cfg.WarmupPeriod)
		if w.MessagesThisPeriod >= cap {
			wait := time.Duration(0)
			if !w.PeriodStart.IsZero() {
				wait = warmupPeriodDay - now.Sub(w.PeriodStart)
			}
			return Decision{Reason: ReasonContactWarmup, Wait: wait}
		}
	}

	// 3. Rolling rate budget.
	g.budget.rollover(now)
	limits := g.tier.Limits()
	hourly := g.effectiveHourlyLimitLocked(limits.HourlyLimit, now)
	if g.budget.HourlyCount >= hourly {
		return Decision{Reason: ReasonHourlyBudget, Wait: g.budget.hourlyRemaining(now)}
	}
	if g.budget.DailyCount >= limits.DailyLimit {
		return Decision{Reason: ReasonDailyBudget, Wait: g.budget.dailyRemaining(now)}
	}

	// 4. Minimum spacing.
	if !g.budget.LastSendAt.IsZero() {
		elapsed := now.Sub(g.budget.LastSendAt)
		if elapsed < limits.MinInterval {
			return Decision{Reason: ReasonMinInterval, Wait: limits.MinInterval - elapsed}
		}
	}

	return Decision{Allowed: true}
}

// RecordSent accounts a dispatched send against the budget and the
// destination's warmup record. Call it when a send is handed to the
// transport, never before admission.
func (g *Governor) RecordSent(dest string) {
	g.mu.Lock()
	now := g.clk.Now()
	g.budget.record(now)
	w := g.warmup[dest]
	if w == nil {
		w = &warmupRecord{}
		g.warmup[dest] = w
	}
	w.record(now)
	g.sentTotal++
	g.mu.Unlock()

	g.saveBudget()
	g.saveWarmup()
}

// RecordReceived accounts one inbound message (activity stats only).
func (g *Governor) RecordReceived() {
	g.mu.Lock()
	g.receivedTotal++
	g.mu.Unlock()
}

func (g *Governor) RecordDeliverySuccess() {
	g.recordRisk(func(r *riskProfile, now time.Time) {
		r.Successes++
	})
}

func (g *Governor) RecordDeliveryFailure(reason string) {
	g.log.Debug("delivery failure recorded", logx.String("reason", reason))
	g.recordRisk(func(r *riskProfile, now time.Time) {
		r.Failures = append(r.Failures, now)
	})
}

func (g *Governor) RecordRateLimitHit() {
	g.recordRisk(func(r *riskProfile, now time.Time) {
		r.RateLimits = append(r.RateLimits, now)
	})
}

func (g *Governor) RecordConnectionDrop() {
	g.recordRisk(func(r *riskProfile, now time.Time) {
		r.Drops = append(r.Drops, now)
	})
}

// RecordBlock notes a confirmed block event. Blocks persist across days and
// weigh heaviest in the composite score.
func (g *Governor) RecordBlock() {
	g.recordRisk(func(r *riskProfile, now time.Time) {
		r.Blocks++
	})
}

// recordRisk applies mutate, re-evaluates the level, and fires the observer
// on an increase. Persists on level transitions.
func (g *Governor) recordRisk(mutate func(*riskProfile, time.Time)) {
	g.mu.Lock()
	now := g.clk.Now()
	mutate(&g.risk, now)
	old, new := g.risk.evaluate(now)
	obs := g.observer
	g.mu.Unlock()

	if new != old {
		g.log.Info("risk level changed",
			logx.String("from", old.String()),
			logx.String("to", new.String()))
		g.saveRisk()
		if new > old && obs != nil {
			obs(old, new)
		}
	}
}

// ExitHibernation clears the hibernation freeze without touching counters.
// The level is re-evaluated from current counters on the next record.
func (g *Governor) ExitHibernation() {
	g.mu.Lock()
	g.risk.Hibernating = false
	if g.risk.Level == LevelCritical {
		// Drop one step so the next evaluation decides from live data
		// instead of immediately re-freezing on a stale CRITICAL.
		g.risk.Level = LevelHigh
	}
	g.mu.Unlock()
	g.saveRisk()
	g.log.Info("hibernation exited by operator")
}

// ResetMetrics zeroes the risk profile, including hibernation.
func (g *Governor) ResetMetrics() {
	g.mu.Lock()
	g.risk.reset()
	g.mu.Unlock()
	g.saveRisk()
	g.log.Info("risk metrics reset")
}

// NoteDowntime is called on reconnect with the time the connection was
// lost. Gaps past the threshold start a ramp window.
func (g *Governor) NoteDowntime(disconnectedAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clk.Now()
	if disconnectedAt.IsZero() || now.Sub(disconnectedAt) < g.cfg.DowntimeThreshold {
		return
	}
	g.downtimeEnd = now
	g.log.Info("downtime ramp started",
		logx.Duration("offline", now.Sub(disconnectedAt)),
		logx.Duration("window", g.cfg.RampWindow))
}

// DelayFactor returns the multiplicative pacing modifier for now: weekends
// and post-downtime ramps slow the engine down without flipping admission
// decisions.
func (g *Governor) DelayFactor() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clk.Now()
	f := 1.0
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		f *= g.cfg.WeekendDelayFactor
	}
	if g.rampActiveLocked(now) {
		f *= g.cfg.RampDelayFactor
	}
	return f
}

func (g *Governor) rampActiveLocked(now time.Time) bool {
	return !g.downtimeEnd.IsZero() && now.Sub(g.downtimeEnd) < g.cfg.RampWindow
}

func (g *Governor) effectiveHourlyLimitLocked(limit int, now time.Time) int {
	if !g.rampActiveLocked(now) {
		return limit
	}
	eff := int(float64(limit) * g.cfg.RampBudgetFraction)
	if eff < 1 {
		eff = 1
	}
	return eff
}

// RateStats returns the operator snapshot of the budget.
func (g *Governor) RateStats() RateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clk.Now()
	g.budget.rollover(now)
	limits := g.tier.Limits()
	return RateStats{
		Tier:            g.tier,
		HourlyCount:     g.budget.HourlyCount,
		HourlyLimit:     g.effectiveHourlyLimitLocked(limits.HourlyLimit, now),
		DailyCount:      g.budget.DailyCount,
		DailyLimit:      limits.DailyLimit,
		HourlyRemaining: g.budget.hourlyRemaining(now),
		DailyRemaining:  g.budget.dailyRemaining(now),
		LastSendAt:      g.budget.LastSendAt,
		SentTotal:       g.sentTotal,
		ReceivedTotal:   g.receivedTotal,
	}
}

// RiskMetrics returns the operator snapshot of the risk profile.
func (g *Governor) RiskMetrics() RiskMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clk.Now()
	score := g.risk.score(now)
	return RiskMetrics{
		Level:       g.risk.Level.String(),
		Score:       score,
		Successes:   g.risk.Successes,
		Failures:    len(g.risk.Failures),
		RateLimits:  len(g.risk.RateLimits),
		Drops:       len(g.risk.Drops),
		Blocks:      g.risk.Blocks,
		Hibernating: g.risk.Hibernating,
	}
}

// Hibernating reports the engine-wide send freeze.
func (g *Governor) Hibernating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.risk.Hibernating
}

// ---- persistence ----
//
// Snapshots are best-effort accounting: failures log and the in-memory
// state stays authoritative.

func (g *Governor) load() {
	ctx := context.Background()

	var b rateBudget
	if savedAt, ok, err := storage.LoadJSON(ctx, g.store, g.keys.budget, &b); err != nil {
		g.log.Warn("rate budget snapshot load failed", logx.Err(err))
	} else if ok {
		now := g.clk.Now()
		b.trustSnapshot(savedAt, now)
		g.budget = b
	}

	var w map[string]*warmupRecord
	if _, ok, err := storage.LoadJSON(ctx, g.store, g.keys.warmup, &w); err != nil {
		g.log.Warn("warmup snapshot load failed", logx.Err(err))
	} else if ok && w != nil {
		g.warmup = w
	}

	var r riskProfile
	if _, ok, err := storage.LoadJSON(ctx, g.store, g.keys.risk, &r); err != nil {
		g.log.Warn("risk snapshot load failed", logx.Err(err))
	} else if ok {
		r.prune(g.clk.Now())
		g.risk = r
	}
}

func (g *Governor) saveBudget() {
	g.mu.Lock()
	b := g.budget
	now := g.clk.Now()
	g.mu.Unlock()
	if err := storage.SaveJSON(context.Background(), g.store, g.keys.budget, now, b); err != nil {
		g.log.Warn("rate budget snapshot save failed", logx.Err(err))
	}
}

func (g *Governor) saveWarmup() {
	g.mu.Lock()
	cp := make(map[string]*warmupRecord, len(g.warmup))
	for k, v := range g.warmup {
		r := *v
		cp[k] = &r
	}
	now := g.clk.Now()
	g.mu.Unlock()
	if err := storage.SaveJSON(context.Background(), g.store, g.keys.warmup, now, cp); err != nil {
		g.log.Warn("warmup snapshot save failed", logx.Err(err))
	}
}

func (g *Governor) saveRisk() {
	g.mu.Lock()
	r := g.risk
	r.Failures = append([]time.Time(nil), g.risk.Failures...)
	r.RateLimits = append([]time.Time(nil), g.risk.RateLimits...)
	r.Drops = append([]time.Time(nil), g.risk.Drops...)
	now := g.clk.Now()
	g.mu.Unlock()
	if err := storage.SaveJSON(context.Background(), g.store, g.keys.risk, now, r); err != nil {
		g.log.Warn("risk snapshot save failed", logx.Err(err))
	}
}
