// Package timing produces the human-plausible delays that pace every
// outbound action: send spacing, typing indicators, read delays, and
// thinking pauses.
//
// Every function is pure given its *rand.Rand, so tests seed the source and
// assert exact bounds.
package timing

import (
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// perCharTyping approximates a human typing cadence (~18 wpm bursts).
	perCharTyping = 65 * time.Millisecond
	// perWordRead approximates reading speed (~250 wpm).
	perWordRead = 240 * time.Millisecond

	readDelayMin = 1 * time.Second
	readDelayMax = 8 * time.Second

	questionReadBonus = 800 * time.Millisecond
	longTextReadBonus = 1200 * time.Millisecond
	longTextRuneCount = 280

	longResponseThinkBonus = 1500 * time.Millisecond
	questionThinkBonus     = 1 * time.Second
	longResponseRuneCount  = 200
	thinkingDelayCap       = 5 * time.Second
)

// Simulator draws jittered delays from its own random source. Not safe for
// concurrent use; the queue worker owns one instance.
type Simulator struct {
	rng *rand.Rand
}

// New returns a simulator over rng. A nil rng gets a time-seeded source.
func New(rng *rand.Rand) *Simulator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{rng: rng}
}

// Jittered returns a duration uniformly distributed in
// [base*(1-variance), base*(1+variance)]. Variance is clamped to [0, 1].
func (s *Simulator) Jittered(base time.Duration, variance float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if variance < 0 {
		variance = 0
	}
	if variance > 1 {
		variance = 1
	}
	if variance == 0 {
		return base
	}
	span := 2 * variance * float64(base)
	lo := float64(base) * (1 - variance)
	return time.Duration(lo + s.rng.Float64()*span)
}

// TypingDuration scales a jittered per-character cost by the text length,
// clamped to [min, max]. This is how long the typing indicator stays on
// before a send.
func (s *Simulator) TypingDuration(text string, min, max time.Duration) time.Duration {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return min
	}
	perChar := s.Jittered(perCharTyping, 0.4)
	d := time.Duration(n) * perChar
	return clamp(d, min, max)
}

// ReadDelay estimates how long a human would take to read text before
// reacting: per-word jittered cost, clamped to [1s, 8s], plus fixed bonuses
// for questions and long text.
func (s *Simulator) ReadDelay(text string) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	perWord := s.Jittered(perWordRead, 0.35)
	d := time.Duration(words) * perWord
	d = clamp(d, readDelayMin, readDelayMax)
	if strings.Contains(text, "?") {
		d += questionReadBonus
	}
	if utf8.RuneCountInString(text) > longTextRuneCount {
		d += longTextReadBonus
	}
	return d
}

// ThinkingDelay models the pause between reading an incoming message and
// starting to type the outgoing one. Longer responses and incoming
// questions earn bonuses; the total is capped at 5s.
func (s *Simulator) ThinkingDelay(incoming, outgoing string) time.Duration {
	d := s.Jittered(900*time.Millisecond, 0.5)
	if utf8.RuneCountInString(outgoing) > longResponseRuneCount {
		d += longResponseThinkBonus
	}
	if strings.Contains(incoming, "?") {
		d += questionThinkBonus
	}
	if d > thinkingDelayCap {
		d = thinkingDelayCap
	}
	return d
}

func clamp(d, min, max time.Duration) time.Duration {
	if min > 0 && d < min {
		return min
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
