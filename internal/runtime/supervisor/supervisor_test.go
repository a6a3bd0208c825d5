package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGoCollectsFirstError(t *testing.T) {
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error { return errors.New("one") })
	s.Go("boom2", func(ctx context.Context) error { return errors.New("two") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatal("expected an error from Stop")
	}
}

func TestCancelOnErrorTearsDownSiblings(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	released := make(chan struct{})
	s.Go0("waiter", func(ctx context.Context) {
		<-ctx.Done()
		close(released)
	})
	s.Go("failer", func(ctx context.Context) error { return errors.New("fatal") })

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("sibling not canceled after first error")
	}
}

func TestGoRestartRecoversFromPanic(t *testing.T) {
	var runs int64
	s := New(context.Background())
	s.GoRestart("flaky", func(ctx context.Context) error {
		n := atomic.AddInt64(&runs, 1)
		if n <= 2 {
			panic("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	waitFor(t, "third run", func() bool { return atomic.LoadInt64(&runs) >= 3 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("cancellation is a clean stop, got %v", err)
	}
}

func TestGoRestartStopsOnCleanReturn(t *testing.T) {
	var runs int64
	s := New(context.Background())
	s.GoRestart("oneshot", func(ctx context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	waitFor(t, "loop exit", func() bool { return s.Active() == 0 })
	if n := atomic.LoadInt64(&runs); n != 1 {
		t.Fatalf("runs = %d, want 1 (nil return must not restart)", n)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	var runs int64
	s := New(context.Background())
	s.GoRestart("hopeless", func(ctx context.Context) error {
		atomic.AddInt64(&runs, 1)
		return errors.New("always")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
	)

	waitFor(t, "give-up", func() bool { return s.Active() == 0 })
	// Initial run plus two restarts.
	if n := atomic.LoadInt64(&runs); n != 3 {
		t.Fatalf("runs = %d, want 3", n)
	}
	if s.Err() == nil {
		t.Fatal("give-up must surface the error")
	}
}
