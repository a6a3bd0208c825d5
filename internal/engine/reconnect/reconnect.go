// Package reconnect produces the backoff schedule for transport
// reconnection attempts.
//
// Flat-period reconnects are themselves a detectable bot fingerprint, so the
// schedule grows exponentially with bounded non-monotonic jitter: the
// exponential component never shrinks between attempts, but the drawn delay
// may, because jitter is applied with a random sign.
package reconnect

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrGiveUp is returned once the attempt ceiling is reached. The manager
// stays exhausted until Reset(); operator intervention is required.
var ErrGiveUp = errors.New("reconnect attempts exhausted")

type Config struct {
	Base        time.Duration // default 2s
	Cap         time.Duration // default 5m
	MaxAttempts int           // default 10
	JitterMin   float64       // default 0.3
	JitterMax   float64       // default 0.5
}

func (c Config) withDefaults() Config {
	if c.Base <= 0 {
		c.Base = 2 * time.Second
	}
	if c.Cap <= 0 {
		c.Cap = 5 * time.Minute
	}
	if c.Cap < c.Base {
		c.Cap = c.Base
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.JitterMin <= 0 {
		c.JitterMin = 0.3
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = 0.5
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	return c
}

// Manager is a two-state machine: armed (produces a next delay) or
// exhausted (returns ErrGiveUp until Reset).
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	rng      *rand.Rand
	attempts int
}

// New returns an armed manager. A nil rng gets a time-seeded source.
func New(cfg Config, rng *rand.Rand) *Manager {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Manager{cfg: cfg.withDefaults(), rng: rng}
}

// NextDelay returns the wait before the next reconnection attempt and
// increments the attempt counter. Once attempts reach the ceiling it
// returns ErrGiveUp without issuing further delays.
func (m *Manager) NextDelay() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempts >= m.cfg.MaxAttempts {
		return 0, ErrGiveUp
	}

	exp := m.exponential(m.attempts)
	m.attempts++

	// Jitter fraction in [JitterMin, JitterMax], sign by coin flip,
	// floored at the base so the schedule never collapses to zero.
	frac := m.cfg.JitterMin + m.rng.Float64()*(m.cfg.JitterMax-m.cfg.JitterMin)
	jitter := time.Duration(frac * float64(exp))
	d := exp
	if m.rng.Intn(2) == 0 {
		d += jitter
	} else {
		d -= jitter
	}
	if d < m.cfg.Base {
		d = m.cfg.Base
	}
	return d, nil
}

func (m *Manager) exponential(attempt int) time.Duration {
	d := m.cfg.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.Cap {
			return m.cfg.Cap
		}
	}
	if d > m.cfg.Cap {
		d = m.cfg.Cap
	}
	return d
}

// Exhausted reports whether the manager has hit its attempt ceiling.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts >= m.cfg.MaxAttempts
}

// Attempts returns the number of delays issued since the last Reset.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Reset rearms the manager after a confirmed successful connection.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
}
