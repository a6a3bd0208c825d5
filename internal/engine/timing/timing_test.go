package timing

import (
	"math/rand"
	"strings"
	"testing"
	"time"
)

func newSim(seed int64) *Simulator {
	return New(rand.New(rand.NewSource(seed)))
}

func TestJitteredBounds(t *testing.T) {
	s := newSim(1)
	base := 4 * time.Second
	lo := time.Duration(float64(base) * 0.7)
	hi := time.Duration(float64(base) * 1.3)
	for i := 0; i < 1000; i++ {
		d := s.Jittered(base, 0.3)
		if d < lo || d > hi {
			t.Fatalf("iteration %d: %v outside [%v, %v]", i, d, lo, hi)
		}
	}
}

func TestJitteredZeroVariance(t *testing.T) {
	s := newSim(1)
	if d := s.Jittered(2*time.Second, 0); d != 2*time.Second {
		t.Fatalf("expected exact base, got %v", d)
	}
}

func TestJitteredNonPositiveBase(t *testing.T) {
	s := newSim(1)
	if d := s.Jittered(0, 0.3); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
}

func TestTypingDurationClamped(t *testing.T) {
	s := newSim(2)
	min := 1 * time.Second
	max := 12 * time.Second

	short := s.TypingDuration("hi", min, max)
	if short < min || short > max {
		t.Fatalf("short text out of clamp: %v", short)
	}

	long := s.TypingDuration(strings.Repeat("long message text ", 100), min, max)
	if long != max {
		t.Fatalf("expected very long text to hit max %v, got %v", max, long)
	}

	if d := s.TypingDuration("", min, max); d != min {
		t.Fatalf("empty text should yield min, got %v", d)
	}
}

func TestTypingDurationScalesWithLength(t *testing.T) {
	// With a generous clamp, 10x the text should never type faster.
	min := 10 * time.Millisecond
	max := 10 * time.Minute
	short := newSim(3).TypingDuration("aaaaa", min, max)
	long := newSim(3).TypingDuration(strings.Repeat("a", 50), min, max)
	if long <= short {
		t.Fatalf("longer text should take longer: short=%v long=%v", short, long)
	}
}

func TestReadDelayBounds(t *testing.T) {
	s := newSim(4)
	for i := 0; i < 200; i++ {
		d := s.ReadDelay("a quick plain statement with a handful of words")
		if d < 1*time.Second || d > 8*time.Second {
			t.Fatalf("read delay out of bounds: %v", d)
		}
	}
}

func TestReadDelayQuestionBonus(t *testing.T) {
	plain := newSim(5).ReadDelay("tell me about the weather today please")
	question := newSim(5).ReadDelay("tell me about the weather today please?")
	if question != plain+questionReadBonus {
		t.Fatalf("question bonus not applied: plain=%v question=%v", plain, question)
	}
}

func TestReadDelayLongTextBonus(t *testing.T) {
	// One word repeated so the per-word cost clamps at the max, isolating the bonus.
	longText := strings.Repeat("word ", 120)
	d := newSim(6).ReadDelay(longText)
	if d != readDelayMax+longTextReadBonus {
		t.Fatalf("expected clamp+bonus %v, got %v", readDelayMax+longTextReadBonus, d)
	}
}

func TestThinkingDelayCap(t *testing.T) {
	s := newSim(7)
	long := strings.Repeat("x", 500)
	for i := 0; i < 200; i++ {
		d := s.ThinkingDelay("are you there?", long)
		if d > thinkingDelayCap {
			t.Fatalf("thinking delay above cap: %v", d)
		}
	}
}

func TestThinkingDelayBonuses(t *testing.T) {
	base := newSim(8).ThinkingDelay("hello", "short reply")
	question := newSim(8).ThinkingDelay("hello?", "short reply")
	if question != base+questionThinkBonus {
		t.Fatalf("question bonus not applied: base=%v question=%v", base, question)
	}
}

func TestDeterministicUnderSeed(t *testing.T) {
	a := newSim(42).Jittered(3*time.Second, 0.3)
	b := newSim(42).Jittered(3*time.Second, 0.3)
	if a != b {
		t.Fatalf("same seed should give same draw: %v vs %v", a, b)
	}
}
