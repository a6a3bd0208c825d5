package reconnect

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func newManager(cfg Config, seed int64) *Manager {
	return New(cfg, rand.New(rand.NewSource(seed)))
}

func TestNextDelayWithinJitterBounds(t *testing.T) {
	cfg := Config{Base: 2 * time.Second, Cap: 5 * time.Minute, MaxAttempts: 10}
	m := newManager(cfg, 1)

	for i := 0; i < 10; i++ {
		exp := m.exponential(i)
		d, err := m.NextDelay()
		if err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
		lo := time.Duration(float64(exp) * 0.5) // exp - 0.5*exp
		if lo < cfg.Base {
			lo = cfg.Base
		}
		hi := time.Duration(float64(exp) * 1.5)
		if d < lo || d > hi {
			t.Fatalf("attempt %d: delay %v outside [%v, %v] (exp %v)", i, d, lo, hi, exp)
		}
	}
}

func TestExponentialComponentMonotonic(t *testing.T) {
	m := newManager(Config{Base: time.Second, Cap: time.Hour, MaxAttempts: 20}, 2)
	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		exp := m.exponential(i)
		if exp < prev {
			t.Fatalf("exponential component shrank at attempt %d: %v < %v", i, exp, prev)
		}
		prev = exp
		if _, err := m.NextDelay(); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
}

func TestExponentialCapped(t *testing.T) {
	m := newManager(Config{Base: time.Second, Cap: 8 * time.Second, MaxAttempts: 10}, 3)
	if got := m.exponential(6); got != 8*time.Second {
		t.Fatalf("expected cap 8s, got %v", got)
	}
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	m := newManager(Config{Base: time.Second, MaxAttempts: 3}, 4)
	for i := 0; i < 3; i++ {
		if _, err := m.NextDelay(); err != nil {
			t.Fatalf("attempt %d should be issued: %v", i, err)
		}
	}
	if _, err := m.NextDelay(); !errors.Is(err, ErrGiveUp) {
		t.Fatalf("expected ErrGiveUp, got %v", err)
	}
	if !m.Exhausted() {
		t.Fatal("manager should report exhausted")
	}
	// Terminal: further calls keep failing until Reset.
	if _, err := m.NextDelay(); !errors.Is(err, ErrGiveUp) {
		t.Fatalf("expected ErrGiveUp to persist, got %v", err)
	}
}

func TestResetRearms(t *testing.T) {
	m := newManager(Config{Base: 2 * time.Second, Cap: time.Minute, MaxAttempts: 2}, 5)
	_, _ = m.NextDelay()
	_, _ = m.NextDelay()
	if _, err := m.NextDelay(); !errors.Is(err, ErrGiveUp) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	m.Reset()
	if m.Attempts() != 0 {
		t.Fatalf("attempts should be 0 after reset, got %d", m.Attempts())
	}
	d, err := m.NextDelay()
	if err != nil {
		t.Fatalf("reset manager should issue delays: %v", err)
	}
	// First call comes back to the first attempt's range.
	if d < 2*time.Second || d > 3*time.Second {
		t.Fatalf("first delay after reset outside first-attempt range: %v", d)
	}
}

func TestDelayFlooredAtBase(t *testing.T) {
	m := newManager(Config{Base: 10 * time.Second, Cap: time.Minute, MaxAttempts: 50}, 6)
	for i := 0; i < 50; i++ {
		d, err := m.NextDelay()
		if err != nil {
			break
		}
		if d < 10*time.Second {
			t.Fatalf("delay %v below base floor", d)
		}
	}
}
