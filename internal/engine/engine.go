// Package engine assembles the delivery governance pipeline: admission
// (governor), pacing and dispatch (queue + timing), reconnection, and
// webhook notifications, all supervised under one lifecycle.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"pacebot/internal/clock"
	"pacebot/internal/engine/governor"
	"pacebot/internal/engine/notify"
	"pacebot/internal/engine/queue"
	"pacebot/internal/engine/reconnect"
	"pacebot/internal/engine/timing"
	"pacebot/internal/eventbus"
	"pacebot/internal/runtime/supervisor"
	"pacebot/internal/storage"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

var ErrNotStarted = errors.New("engine not started")

type Config struct {
	// Session namespaces all persisted state for one account.
	Session string

	Governor  governor.Config
	Queue     queue.Config
	Notify    notify.Config
	Reconnect reconnect.Config
}

// Status aggregates the operator views of every component.
type Status struct {
	Rate      governor.RateStats   `json:"rate"`
	Risk      governor.RiskMetrics `json:"risk"`
	Queue     queue.Stats          `json:"queue"`
	Notify    notify.Stats         `json:"notify"`
	Reconnect ReconnectStatus      `json:"reconnect"`
}

type ReconnectStatus struct {
	Connected bool `json:"connected"`
	Pending   bool `json:"pending"`
	Attempts  int  `json:"attempts"`
	Exhausted bool `json:"exhausted"`
}

// Engine is the operator-facing facade. One Engine governs one account.
type Engine struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	client transport.Client
	clk    clock.Clock

	gov   *governor.Governor
	q     *queue.Queue
	notif *notify.Manager
	recon *reconnect.Manager

	mu             sync.Mutex
	sup            *supervisor.Supervisor
	started        bool
	connected      bool
	disconnectedAt time.Time
	reconPending   bool
}

// New wires the components. client may not be nil; store may be (memory-only
// operation, nothing survives restarts).
func New(cfg Config, client transport.Client, store storage.Store, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Session == "" {
		cfg.Session = "default"
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sim := timing.New(rng)
	gov := governor.New(cfg.Governor, cfg.Session, store, clk, log.With(logx.String("comp", "governor")))

	e := &Engine{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		client: client,
		clk:    clk,
		gov:    gov,
		q:      queue.New(cfg.Queue, cfg.Session, gov, client, sim, store, bus, clk, log.With(logx.String("comp", "queue"))),
		notif:  notify.New(cfg.Notify, cfg.Session, store, bus, clk, log.With(logx.String("comp", "notify"))),
		recon:  reconnect.New(cfg.Reconnect, rand.New(rand.NewSource(time.Now().UnixNano()))),
	}
	gov.SetObserver(e.onRiskEscalation)
	return e
}

// Start connects the transport and launches the background loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.client.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	e.mu.Lock()
	e.started = true
	e.connected = true
	e.sup = supervisor.New(ctx, supervisor.WithLogger(e.log.With(logx.String("comp", "engine"))))
	sup := e.sup
	e.mu.Unlock()

	// Both loops exit cleanly on cancellation; the restart wrapper only kicks
	// in after a panic, so a bad payload cannot take delivery down for good.
	sup.GoRestart("queue.worker", func(c context.Context) error {
		e.q.Run(c)
		return nil
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	sup.GoRestart("transport.watch", func(c context.Context) error {
		e.watchDisconnects(c)
		return nil
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	e.notif.Start()
	e.log.Info("engine started", logx.String("session", e.cfg.Session))
	return nil
}

// Stop halts background loops, then the notifier, then the transport.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()

	var firstErr error
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	e.notif.Stop(ctx)
	if err := e.client.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	e.log.Info("engine stopped")
	return firstErr
}

// ---- operator surface ----

// CanSend evaluates admission without consuming budget.
func (e *Engine) CanSend(destination string) governor.Decision {
	return e.gov.CanSend(destination)
}

// Enqueue accepts a message for paced delivery and returns its queue ID.
func (e *Engine) Enqueue(destination, payload, replyRef string, priority queue.Priority) string {
	return e.q.Enqueue(destination, payload, replyRef, priority)
}

// RecordSend accounts an out-of-band send (one made without the queue).
func (e *Engine) RecordSend(destination string) { e.gov.RecordSent(destination) }

// RecordReceived accounts one inbound message.
func (e *Engine) RecordReceived() { e.gov.RecordReceived() }

func (e *Engine) RateStats() governor.RateStats     { return e.gov.RateStats() }
func (e *Engine) RiskMetrics() governor.RiskMetrics { return e.gov.RiskMetrics() }
func (e *Engine) QueueStatus() queue.Stats          { return e.q.Status() }

func (e *Engine) ExitHibernation()        { e.gov.ExitHibernation() }
func (e *Engine) ResetRiskMetrics()       { e.gov.ResetMetrics() }
func (e *Engine) SetAccountAge(weeks int) { e.gov.SetAccountAge(weeks) }

// RetryDead revives dead-lettered queue entries at low priority.
func (e *Engine) RetryDead() int { return e.q.RetryDead() }

// ApplyGovernor updates governor tunables from a config reload. Counters
// and risk state are untouched.
func (e *Engine) ApplyGovernor(cfg governor.Config) { e.gov.Apply(cfg) }

// Notify delivers a webhook payload through the notification manager.
func (e *Engine) Notify(ctx context.Context, payload json.RawMessage) error {
	return e.notif.Send(ctx, payload)
}

// Status returns the combined operator snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	rs := ReconnectStatus{
		Connected: e.connected,
		Pending:   e.reconPending,
		Attempts:  e.recon.Attempts(),
		Exhausted: e.recon.Exhausted(),
	}
	e.mu.Unlock()
	return Status{
		Rate:      e.gov.RateStats(),
		Risk:      e.gov.RiskMetrics(),
		Queue:     e.q.Status(),
		Notify:    e.notif.Status(),
		Reconnect: rs,
	}
}

// ---- transport lifecycle ----

// watchDisconnects consumes disconnect events. Every loss is recorded as a
// risk signal; at most one reconnect loop is pending at a time, so repeated
// events during an outage only add counters.
func (e *Engine) watchDisconnects(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-e.client.Disconnects():
			if !ok {
				return
			}
			e.onDisconnect(ctx, d)
		}
	}
}

func (e *Engine) onDisconnect(ctx context.Context, d transport.Disconnect) {
	e.gov.RecordConnectionDrop()
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDisconnected, Time: e.clk.Now(), Data: d})
	}

	e.mu.Lock()
	if e.connected {
		e.connected = false
		at := d.At
		if at.IsZero() {
			at = e.clk.Now()
		}
		e.disconnectedAt = at
	}
	if e.reconPending || e.sup == nil {
		e.mu.Unlock()
		return
	}
	e.reconPending = true
	sup := e.sup
	e.mu.Unlock()

	e.log.Warn("transport disconnected", logx.String("reason", d.Reason))
	sup.Go0("transport.reconnect", e.reconnectLoop)
}

// reconnectLoop walks the backoff schedule until the transport comes back
// or the manager gives up. Give-up is terminal: the loop exits and the
// operator has to intervene (typically via RetryReconnect).
func (e *Engine) reconnectLoop(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.reconPending = false
		e.mu.Unlock()
	}()

	for {
		delay, err := e.recon.NextDelay()
		if err != nil {
			e.log.Error("reconnect abandoned", logx.Int("attempts", e.recon.Attempts()), logx.Err(err))
			if e.bus != nil {
				e.bus.Publish(eventbus.Event{Type: eventbus.TypeReconnectGaveUp, Time: e.clk.Now()})
			}
			return
		}
		e.log.Info("reconnect scheduled",
			logx.Duration("delay", delay),
			logx.Int("attempt", e.recon.Attempts()))
		if !sleepCtx(ctx, delay) {
			return
		}

		if err := e.client.Connect(ctx); err != nil {
			e.log.Warn("reconnect attempt failed", logx.Err(err))
			continue
		}

		e.mu.Lock()
		e.connected = true
		downAt := e.disconnectedAt
		e.disconnectedAt = time.Time{}
		e.mu.Unlock()

		e.recon.Reset()
		e.gov.NoteDowntime(downAt)
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeReconnected, Time: e.clk.Now()})
		}
		e.log.Info("transport reconnected")
		return
	}
}

// RetryReconnect rearms an exhausted schedule and, if the transport is
// still down, starts a fresh reconnect loop.
func (e *Engine) RetryReconnect() error {
	e.recon.Reset()

	e.mu.Lock()
	if e.connected || e.reconPending {
		e.mu.Unlock()
		return nil
	}
	if e.sup == nil {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.reconPending = true
	sup := e.sup
	e.mu.Unlock()

	sup.Go0("transport.reconnect", e.reconnectLoop)
	return nil
}

// ---- risk escalation ----

type riskEvent struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// onRiskEscalation runs outside the governor lock on every level increase.
// CRITICAL additionally announces hibernation and owes the operator a
// webhook; delivery happens off this callback so a slow endpoint cannot
// stall the recording path.
func (e *Engine) onRiskEscalation(old, new governor.Level) {
	ev := riskEvent{From: old.String(), To: new.String(), At: e.clk.Now()}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeRiskLevelChanged, Time: ev.At, Data: ev})
		if new == governor.LevelCritical {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeHibernation, Time: ev.At, Data: ev})
		}
	}
	if new != governor.LevelCritical {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":   "hibernation",
		"session": e.cfg.Session,
		"from":    ev.From,
		"to":      ev.To,
		"at":      ev.At,
	})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := e.notif.Send(ctx, payload); err != nil && !errors.Is(err, notify.ErrDisabled) {
			e.log.Warn("hibernation webhook failed", logx.Err(err))
		}
	}()
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
