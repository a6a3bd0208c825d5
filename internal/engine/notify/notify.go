// Package notify delivers outbound webhook callbacks with an inline retry
// fast path and a durable background queue. Jobs that exhaust the inline
// retries are persisted and replayed on a fixed interval until they succeed
// or hit the absolute attempt ceiling.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"pacebot/internal/clock"
	"pacebot/internal/eventbus"
	"pacebot/internal/storage"
	logx "pacebot/pkg/logx"
)

var (
	ErrDisabled = errors.New("notifications disabled")
	// ErrTerminal marks a response that retrying cannot fix (4xx other than
	// rate limiting).
	ErrTerminal = errors.New("terminal delivery response")
)

type Config struct {
	Enabled bool
	// URL receives POSTed JSON payloads.
	URL string
	// RetryMax bounds total inline delivery attempts (default 5).
	RetryMax int
	// RetryBase / RetryMaxDelay shape the inline backoff (default 500ms/10s).
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// MaxAttempts is the absolute ceiling across inline and background
	// attempts; past it a job is dropped (default 10).
	MaxAttempts int
	// ReplayInterval drives the background sweep (default 1m).
	ReplayInterval time.Duration
	// RatePerSec throttles outbound requests (default 3).
	RatePerSec int
	// Timeout bounds each HTTP call (default 10s).
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.ReplayInterval <= 0 {
		c.ReplayInterval = time.Minute
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Job is one persisted background delivery.
type Job struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	AddedAt   time.Time       `json:"added_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Stats is the operator view.
type Stats struct {
	Backlog      int  `json:"backlog"`
	Sent         int  `json:"sent"`
	Dropped      int  `json:"dropped"`
	ReplayActive bool `json:"replay_active"`
}

// Manager owns the webhook pipeline. Safe for concurrent use; the replay
// sweep is the sole consumer of the persisted backlog.
type Manager struct {
	mu sync.Mutex

	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	store   storage.Store
	key     string
	bus     eventbus.Bus
	clk     clock.Clock
	log     logx.Logger
	rng     *rand.Rand

	cron    *cron.Cron
	entryID cron.EntryID
	active  bool
	started bool

	backlog []*Job
	sent    int
	dropped int
}

func New(cfg Config, session string, store storage.Store, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Manager {
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
	m := &Manager{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		store:   store,
		key:     "session/" + session + "/notify",
		bus:     bus,
		clk:     clk,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		cron:    cron.New(),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	var jobs []*Job
	if _, ok, err := storage.LoadJSON(context.Background(), m.store, m.key, &jobs); err != nil {
		m.log.Warn("notify backlog load failed", logx.Err(err))
	} else if ok {
		m.backlog = jobs
	}
}

func (m *Manager) persistLocked() {
	cp := append([]*Job(nil), m.backlog...)
	if err := storage.SaveJSON(context.Background(), m.store, m.key, m.clk.Now(), cp); err != nil {
		m.log.Warn("notify backlog save failed", logx.Err(err))
	}
}

// Start launches the cron runner and, if the loaded backlog is non-empty,
// the replay entry. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || !m.cfg.Enabled {
		return
	}
	m.started = true
	m.cron.Start()
	if len(m.backlog) > 0 {
		m.activateLocked()
	}
}

// Stop halts the replay sweeps, waiting for a running pass up to ctx.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.active = false
	m.mu.Unlock()

	done := m.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// activateLocked schedules the replay entry; idempotent. Deactivation
// happens inside the sweep once the backlog drains.
func (m *Manager) activateLocked() {
	if m.active || !m.started {
		return
	}
	spec := fmt.Sprintf("@every %s", m.cfg.ReplayInterval)
	id, err := m.cron.AddFunc(spec, m.replay)
	if err != nil {
		m.log.Error("replay schedule failed", logx.Err(err))
		return
	}
	m.entryID = id
	m.active = true
	m.log.Debug("background replay activated", logx.Duration("interval", m.cfg.ReplayInterval))
}

// Send delivers payload inline with bounded retries. On exhaustion the job
// moves to the persisted backlog and Send returns nil: delivery is still
// owed, just deferred. A terminal response surfaces as ErrTerminal.
func (m *Manager) Send(ctx context.Context, payload json.RawMessage) error {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}

	attempts := 0
	var lastErr error
	for attempts < cfg.RetryMax {
		err := m.deliver(ctx, payload)
		attempts++
		if err == nil {
			m.mu.Lock()
			m.sent++
			m.mu.Unlock()
			return nil
		}
		if errors.Is(err, ErrTerminal) {
			m.log.Warn("notification rejected, not retrying", logx.Err(err))
			return err
		}
		lastErr = err
		m.log.Debug("notification delivery failed",
			logx.Int("attempt", attempts),
			logx.Int("max", cfg.RetryMax),
			logx.Err(err))
		if attempts >= cfg.RetryMax {
			break
		}
		if !sleepCtx(ctx, m.retryDelay(attempts)) {
			break
		}
	}

	m.queueBackground(payload, attempts, lastErr)
	return nil
}

func (m *Manager) queueBackground(payload json.RawMessage, attempts int, lastErr error) {
	j := &Job{
		ID:       uuid.NewString(),
		Payload:  payload,
		AddedAt:  m.clk.Now(),
		Attempts: attempts,
	}
	if lastErr != nil {
		j.LastError = lastErr.Error()
	}
	m.mu.Lock()
	m.backlog = append(m.backlog, j)
	m.persistLocked()
	m.activateLocked()
	m.mu.Unlock()
	m.log.Info("notification queued for background replay",
		logx.String("id", j.ID),
		logx.Int("attempts", attempts))
}

// replay walks the whole backlog once. Jobs that succeed or turn terminal
// leave the queue; the rest accrue an attempt and stay unless they hit the
// ceiling, at which point they are dropped and logged. The backlog is
// flushed after the pass, and the entry deactivates itself when empty.
func (m *Manager) replay() {
	m.mu.Lock()
	jobs := m.backlog
	m.backlog = nil
	m.mu.Unlock()
	if len(jobs) == 0 {
		m.deactivateIfEmpty()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(len(jobs))*m.cfg.Timeout+time.Minute)
	defer cancel()

	var keep []*Job
	for _, j := range jobs {
		err := m.deliver(ctx, j.Payload)
		j.Attempts++
		if err == nil {
			m.mu.Lock()
			m.sent++
			m.mu.Unlock()
			continue
		}
		if errors.Is(err, ErrTerminal) || j.Attempts >= m.cfg.MaxAttempts {
			j.LastError = err.Error()
			m.drop(j, err)
			continue
		}
		j.LastError = err.Error()
		keep = append(keep, j)
	}

	m.mu.Lock()
	// New jobs may have arrived mid-pass; they replay next sweep.
	m.backlog = append(keep, m.backlog...)
	m.persistLocked()
	m.mu.Unlock()
	m.deactivateIfEmpty()
}

func (m *Manager) drop(j *Job, err error) {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
	m.log.Warn("notification dropped",
		logx.String("id", j.ID),
		logx.Int("attempts", j.Attempts),
		logx.Err(err))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TypeNotifyDropped,
			Time: m.clk.Now(),
			Data: *j,
		})
	}
}

func (m *Manager) deactivateIfEmpty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || len(m.backlog) > 0 {
		return
	}
	m.cron.Remove(m.entryID)
	m.active = false
	m.log.Debug("background replay deactivated")
}

// deliver POSTs the payload once. 2xx succeeds; 429 and transport errors
// are retryable; any other 4xx is terminal.
func (m *Manager) deliver(ctx context.Context, payload json.RawMessage) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook rate limited (%d)", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("webhook status %d: %w", resp.StatusCode, ErrTerminal)
	default:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
}

func (m *Manager) retryDelay(attempt int) time.Duration {
	d := m.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.RetryMaxDelay {
			d = m.cfg.RetryMaxDelay
			break
		}
	}
	m.mu.Lock()
	j := 0.7 + m.rng.Float64()*0.6
	m.mu.Unlock()
	d = time.Duration(float64(d) * j)
	if d > m.cfg.RetryMaxDelay {
		d = m.cfg.RetryMaxDelay
	}
	return d
}

// Status returns counters for the operator surface.
func (m *Manager) Status() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Backlog:      len(m.backlog),
		Sent:         m.sent,
		Dropped:      m.dropped,
		ReplayActive: m.active,
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
