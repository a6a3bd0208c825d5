// Package queue holds the durable outbound delivery queue and its single
// serialized worker. Ordering is priority-first, FIFO within a class; the
// worker paces every dispatch through the timing simulator and defers to
// the governor's admission decisions.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pacebot/internal/clock"
	"pacebot/internal/engine/governor"
	"pacebot/internal/engine/timing"
	"pacebot/internal/eventbus"
	"pacebot/internal/storage"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

// Priority orders entries across classes. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority accepts the operator-facing names; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is an entry's lifecycle state. A sending status in a loaded
// snapshot is a crash artifact and resets to pending.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusFailed  Status = "failed"
	StatusDead    Status = "dead"
)

// Entry is one queued outbound message.
type Entry struct {
	ID            string    `json:"id"`
	Destination   string    `json:"destination"`
	Payload       string    `json:"payload"`
	ReplyRef      string    `json:"reply_ref,omitempty"`
	Priority      Priority  `json:"priority"`
	Attempts      int       `json:"attempts"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`

	// Seq breaks ties inside a priority class; reassigned on re-enqueue so
	// retried entries join the back of their new class.
	Seq uint64 `json:"seq"`
}

// Admission is the slice of the governor the worker consults. Satisfied by
// *governor.Governor.
type Admission interface {
	CanSend(dest string) governor.Decision
	RecordSent(dest string)
	DelayFactor() float64
	RecordDeliverySuccess()
	RecordDeliveryFailure(reason string)
	RecordRateLimitHit()
	RecordBlock()
}

// Sender is the transport slice the worker dispatches through. The typing
// presence update is best effort; a failed indicator never blocks a send.
type Sender interface {
	SendMessage(ctx context.Context, dest transport.Destination, text string, replyTo string) (transport.SendResult, error)
	UpdatePresence(ctx context.Context, dest transport.Destination, state transport.PresenceState) error
}

type Config struct {
	// MaxRetries bounds delivery attempts per entry (default 2).
	MaxRetries int
	// BatchSize is the run of consecutive sends before a forced pause
	// (default 8).
	BatchSize int
	// BatchPause is the base forced pause, jittered (default 90s).
	BatchPause time.Duration
	// SendDelay is the base pre-dispatch pacing delay, jittered and scaled
	// by the governor's delay factor (default 4s).
	SendDelay time.Duration
	// DeniedPoll is how often the worker re-checks admission when a denial
	// carries no wait hint, e.g. hibernation (default 15s).
	DeniedPoll time.Duration
	// TypingMin and TypingMax clamp the simulated typing burst shown before
	// each dispatch (defaults 1s and 12s).
	TypingMin time.Duration
	TypingMax time.Duration
	// Variance is the jitter fraction applied to pacing delays (default 0.35).
	Variance float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.BatchPause <= 0 {
		c.BatchPause = 90 * time.Second
	}
	if c.SendDelay <= 0 {
		c.SendDelay = 4 * time.Second
	}
	if c.DeniedPoll <= 0 {
		c.DeniedPoll = 15 * time.Second
	}
	if c.TypingMin <= 0 {
		c.TypingMin = time.Second
	}
	if c.TypingMax <= 0 {
		c.TypingMax = 12 * time.Second
	}
	if c.Variance <= 0 {
		c.Variance = 0.35
	}
	return c
}

// pauseJitter is the jitter fraction for batch pauses.
const pauseJitter = 0.3

// Stats is the operator view of the queue.
type Stats struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Dropped int `json:"dropped"`
}

// Queue owns the entry list and the worker. All mutation goes through the
// mutex; the worker serializes dispatch so at most one send is in flight.
type Queue struct {
	cfg    Config
	clk    clock.Clock
	sim    *timing.Simulator
	adm    Admission
	sender Sender
	bus    eventbus.Bus
	store  storage.Store
	key    string
	log    logx.Logger

	mu      sync.Mutex
	entries []*Entry // pending and sending
	dead    []*Entry
	seq     uint64
	stats   Stats

	wake chan struct{}
}

// snapshot is the persisted form.
type snapshot struct {
	Seq     uint64   `json:"seq"`
	Entries []*Entry `json:"entries"`
	Dead    []*Entry `json:"dead"`
	Stats   Stats    `json:"stats"`
}

// New builds the queue and restores its snapshot. Entries found sending are
// reset to pending: a crash mid-attempt can never be trusted as delivered.
func New(cfg Config, session string, adm Admission, sender Sender, sim *timing.Simulator, store storage.Store, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Queue {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if session == "" {
		session = "default"
	}
	q := &Queue{
		cfg:    cfg.withDefaults(),
		clk:    clk,
		sim:    sim,
		adm:    adm,
		sender: sender,
		bus:    bus,
		store:  store,
		key:    "session/" + session + "/queue",
		log:    log,
		wake:   make(chan struct{}, 1),
	}
	q.load()
	return q
}

func (q *Queue) load() {
	var snap snapshot
	_, ok, err := storage.LoadJSON(context.Background(), q.store, q.key, &snap)
	if err != nil {
		q.log.Warn("queue snapshot load failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	recovered := 0
	for _, e := range snap.Entries {
		if e.Status == StatusSending {
			e.Status = StatusPending
			recovered++
		}
	}
	q.entries = snap.Entries
	q.dead = snap.Dead
	q.seq = snap.Seq
	q.stats = snap.Stats
	if recovered > 0 {
		q.log.Info("recovered in-flight entries from snapshot", logx.Int("count", recovered))
	}
}

func (q *Queue) persistLocked() {
	snap := snapshot{
		Seq:     q.seq,
		Entries: append([]*Entry(nil), q.entries...),
		Dead:    append([]*Entry(nil), q.dead...),
		Stats:   q.stats,
	}
	if err := storage.SaveJSON(context.Background(), q.store, q.key, q.clk.Now(), snap); err != nil {
		q.log.Warn("queue snapshot save failed", logx.Err(err))
	}
}

// Enqueue adds a message and returns its ID. The worker is woken if idle.
func (q *Queue) Enqueue(dest, payload, replyRef string, prio Priority) string {
	q.mu.Lock()
	q.seq++
	e := &Entry{
		ID:          uuid.NewString(),
		Destination: dest,
		Payload:     payload,
		ReplyRef:    replyRef,
		Priority:    prio,
		Status:      StatusPending,
		CreatedAt:   q.clk.Now(),
		Seq:         q.seq,
	}
	q.entries = append(q.entries, e)
	q.persistLocked()
	q.mu.Unlock()

	q.log.Debug("message enqueued",
		logx.String("id", e.ID),
		logx.String("dest", dest),
		logx.String("priority", prio.String()))
	q.signal()
	return e.ID
}

// RetryDead moves every dead entry back to pending at low priority with
// attempts reset. Returns how many were revived.
func (q *Queue) RetryDead() int {
	q.mu.Lock()
	n := len(q.dead)
	for _, e := range q.dead {
		q.seq++
		e.Status = StatusPending
		e.Priority = PriorityLow
		e.Attempts = 0
		e.LastError = ""
		e.Seq = q.seq
		q.entries = append(q.entries, e)
	}
	q.dead = nil
	if n > 0 {
		q.persistLocked()
	}
	q.mu.Unlock()

	if n > 0 {
		q.log.Info("dead entries requeued", logx.Int("count", n))
		q.signal()
	}
	return n
}

// Status returns counters; Pending includes an in-flight entry.
func (q *Queue) Status() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.entries)
	s.Dead = len(q.dead)
	return s
}

// Dead returns the dead-letter entries, newest last.
func (q *Queue) Dead() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.dead))
	for i, e := range q.dead {
		out[i] = *e
	}
	return out
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ordered returns the pending entries in dispatch order: priority class
// first, then insertion sequence.
func (q *Queue) ordered() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// next returns the highest-priority pending entry without changing its
// status.
func (q *Queue) next() *Entry {
	if l := q.ordered(); len(l) > 0 {
		return l[0]
	}
	return nil
}

// pick scans pending entries in dispatch order and returns the first one the
// governor admits. A warmup denial is scoped to one contact, so later
// entries to other destinations are still considered; every other denial
// applies account-wide and ends the scan. With no admissible entry, pick
// returns the denial that expires soonest (nil/nil means the queue is idle).
func (q *Queue) pick() (*Entry, *governor.Decision) {
	var soonest *governor.Decision
	for _, e := range q.ordered() {
		d := q.adm.CanSend(e.Destination)
		if d.Allowed {
			return e, nil
		}
		if d.Reason != governor.ReasonContactWarmup {
			return nil, &d
		}
		if soonest == nil || (d.Wait > 0 && (soonest.Wait <= 0 || d.Wait < soonest.Wait)) {
			cp := d
			soonest = &cp
		}
	}
	return nil, soonest
}

// Run is the worker loop. It exits when ctx is cancelled; an entry caught
// mid-pacing reverts to pending on the way out. Meant to be supervised.
func (q *Queue) Run(ctx context.Context) {
	sent := 0 // consecutive sends since the last batch pause
	for {
		e, d := q.pick()
		if e == nil {
			if d == nil {
				select {
				case <-ctx.Done():
					return
				case <-q.wake:
				}
				continue
			}
			wait := d.Wait
			if wait <= 0 {
				wait = q.cfg.DeniedPoll
			}
			q.log.Debug("send deferred",
				logx.String("reason", d.Reason),
				logx.Duration("wait", wait))
			// A new enqueue may be admissible even while this wait runs.
			if !q.sleepOrWake(ctx, wait) {
				return
			}
			continue
		}

		q.setStatus(e, StatusSending)
		pace := q.sim.Jittered(scale(q.cfg.SendDelay, q.adm.DelayFactor()), q.cfg.Variance)
		if !sleepCtx(ctx, pace) {
			q.setStatus(e, StatusPending)
			return
		}

		// Hold the typing indicator for about as long as a human would need
		// to type the payload. Indicator failures are ignored.
		dest := transport.Destination(e.Destination)
		if err := q.sender.UpdatePresence(ctx, dest, transport.PresenceTyping); err != nil {
			q.log.Debug("typing indicator failed", logx.String("id", e.ID), logx.Err(err))
		}
		if !sleepCtx(ctx, q.sim.TypingDuration(e.Payload, q.cfg.TypingMin, q.cfg.TypingMax)) {
			q.setStatus(e, StatusPending)
			return
		}

		// Dispatch runs to completion; shutdown waits for the outcome.
		_, err := q.sender.SendMessage(ctx, dest, e.Payload, e.ReplyRef)
		if err == nil {
			q.complete(e)
			sent++
			if sent >= q.cfg.BatchSize {
				sent = 0
				pause := q.sim.Jittered(scale(q.cfg.BatchPause, q.adm.DelayFactor()), pauseJitter)
				q.log.Debug("batch pause", logx.Duration("pause", pause))
				if !sleepCtx(ctx, pause) {
					return
				}
			}
			continue
		}
		q.fail(e, err)
	}
}

// complete removes a delivered entry and feeds the governor.
func (q *Queue) complete(e *Entry) {
	q.mu.Lock()
	q.remove(e)
	q.stats.Sent++
	q.persistLocked()
	q.mu.Unlock()

	q.adm.RecordSent(e.Destination)
	q.adm.RecordDeliverySuccess()
	q.log.Info("message delivered",
		logx.String("id", e.ID),
		logx.String("dest", e.Destination),
		logx.Int("attempts", e.Attempts+1))
}

// fail classifies the error, records it against the risk profile, and either
// re-enqueues at low priority or dead-letters the entry. A blocked
// destination is dead immediately: retrying cannot succeed.
func (q *Queue) fail(e *Entry, err error) {
	blocked := errors.Is(err, transport.ErrBlocked)
	switch {
	case blocked:
		q.adm.RecordBlock()
	case errors.Is(err, transport.ErrRateLimited):
		q.adm.RecordRateLimitHit()
	default:
		q.adm.RecordDeliveryFailure(err.Error())
	}

	q.mu.Lock()
	e.Attempts++
	e.Status = StatusFailed
	e.LastAttemptAt = q.clk.Now()
	e.LastError = err.Error()

	terminal := blocked || e.Attempts >= q.cfg.MaxRetries
	if terminal {
		q.remove(e)
		e.Status = StatusDead
		q.dead = append(q.dead, e)
	} else {
		q.seq++
		e.Status = StatusPending
		e.Priority = PriorityLow
		e.Seq = q.seq
		q.stats.Retried++
	}
	q.persistLocked()
	q.mu.Unlock()

	if terminal {
		q.log.Warn("message dead-lettered",
			logx.String("id", e.ID),
			logx.String("dest", e.Destination),
			logx.Int("attempts", e.Attempts),
			logx.Err(err))
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{
				Type: eventbus.TypeDeadLetter,
				Time: q.clk.Now(),
				Data: *e,
			})
		}
		return
	}
	q.log.Warn("delivery failed, requeued low",
		logx.String("id", e.ID),
		logx.Int("attempts", e.Attempts),
		logx.Err(err))
}

func (q *Queue) setStatus(e *Entry, s Status) {
	q.mu.Lock()
	e.Status = s
	if s == StatusSending {
		e.LastAttemptAt = q.clk.Now()
	}
	q.persistLocked()
	q.mu.Unlock()
}

// remove drops e from the pending list. Caller holds the lock.
func (q *Queue) remove(e *Entry) {
	for i, x := range q.entries {
		if x == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

func scale(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	return time.Duration(float64(d) * factor)
}

// sleepOrWake waits out a denial but returns early when new work arrives.
func (q *Queue) sleepOrWake(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-q.wake:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
