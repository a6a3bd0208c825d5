package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pacebot/internal/engine/queue"
	"pacebot/internal/engine/reconnect"
	"pacebot/internal/eventbus"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

type fakeClient struct {
	mu         sync.Mutex
	connects   int
	connectErr func(n int) error // n is 1-based connect attempt
	sent       []string
	disc       chan transport.Disconnect
}

func newFakeClient() *fakeClient {
	return &fakeClient{disc: make(chan transport.Disconnect, 8)}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	n := f.connects
	fn := f.connectErr
	f.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return nil
}

func (f *fakeClient) SendMessage(ctx context.Context, dest transport.Destination, text, replyTo string) (transport.SendResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return transport.SendResult{MessageID: "m", SentAt: time.Now()}, nil
}

func (f *fakeClient) SubscribePresence(ctx context.Context, dest transport.Destination) error {
	return transport.ErrUnsupported
}

func (f *fakeClient) UpdatePresence(ctx context.Context, dest transport.Destination, state transport.PresenceState) error {
	return nil
}

func (f *fakeClient) Disconnects() <-chan transport.Disconnect { return f.disc }

func (f *fakeClient) Close(ctx context.Context) error { return nil }

func (f *fakeClient) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func fastEngineConfig() Config {
	cfg := Config{Session: "test"}
	cfg.Governor.AccountAgeWeeks = 10
	cfg.Queue = queue.Config{
		MaxRetries: 2,
		BatchSize:  100,
		BatchPause: time.Millisecond,
		SendDelay:  time.Millisecond,
		DeniedPoll: 5 * time.Millisecond,
		TypingMin:  time.Millisecond,
		TypingMax:  2 * time.Millisecond,
	}
	cfg.Reconnect = reconnect.Config{
		Base:        time.Millisecond,
		Cap:         2 * time.Millisecond,
		MaxAttempts: 3,
	}
	return cfg
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueDeliversThroughTransport(t *testing.T) {
	client := newFakeClient()
	e := New(fastEngineConfig(), client, nil, nil, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	id := e.Enqueue("123", "hello", "", queue.PriorityNormal)
	if id == "" {
		t.Fatal("empty queue id")
	}
	waitUntil(t, "delivery", func() bool { return e.QueueStatus().Sent == 1 })

	if s := e.RateStats(); s.HourlyCount != 1 {
		t.Fatalf("hourly count = %d, want 1 (queue feeds the budget)", s.HourlyCount)
	}
	if m := e.RiskMetrics(); m.Successes != 1 {
		t.Fatalf("successes = %d, want 1", m.Successes)
	}
}

func TestDisconnectTriggersSingleReconnect(t *testing.T) {
	client := newFakeClient()
	client.connectErr = func(n int) error {
		if n == 2 { // first reconnect attempt fails once
			return errors.New("still down")
		}
		return nil
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	e := New(fastEngineConfig(), client, nil, bus, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	// Two disconnect events during one outage: both count as drops, but
	// only one reconnect loop runs.
	client.disc <- transport.Disconnect{Reason: "net", At: time.Now()}
	client.disc <- transport.Disconnect{Reason: "net", At: time.Now()}

	// Wait for both events to land before watching for recovery; the initial
	// state already reads connected.
	waitUntil(t, "drops recorded", func() bool { return e.RiskMetrics().Drops == 2 })
	waitUntil(t, "reconnect", func() bool {
		s := e.Status().Reconnect
		return s.Connected && !s.Pending
	})
	// Initial connect + failed reconnect + successful reconnect.
	if n := client.connectCount(); n != 3 {
		t.Fatalf("connect calls = %d, want 3", n)
	}

	var sawReconnected bool
	deadline := time.After(time.Second)
	for !sawReconnected {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeReconnected {
				sawReconnected = true
			}
		case <-deadline:
			t.Fatal("no reconnected event on the bus")
		}
	}
}

func TestReconnectGiveUpIsTerminalUntilOperatorRetry(t *testing.T) {
	client := newFakeClient()
	client.connectErr = func(n int) error {
		if n == 1 {
			return nil // startup connect
		}
		return errors.New("down hard")
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	e := New(fastEngineConfig(), client, nil, bus, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	client.disc <- transport.Disconnect{Reason: "net", At: time.Now()}

	waitUntil(t, "give-up", func() bool {
		s := e.Status().Reconnect
		return s.Exhausted && !s.Pending
	})

	var sawGiveUp bool
	deadline := time.After(time.Second)
	for !sawGiveUp {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeReconnectGaveUp {
				sawGiveUp = true
			}
		case <-deadline:
			t.Fatal("no give-up event on the bus")
		}
	}

	// Operator rearms; the endpoint is back.
	client.mu.Lock()
	client.connectErr = nil
	client.mu.Unlock()
	if err := e.RetryReconnect(); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "operator reconnect", func() bool { return e.Status().Reconnect.Connected })
}

func TestHibernationDeniesEnqueueDispatch(t *testing.T) {
	client := newFakeClient()
	e := New(fastEngineConfig(), client, nil, nil, nil, logx.Nop())

	// Force CRITICAL before starting the worker.
	for i := 0; i < 6; i++ {
		e.gov.RecordRateLimitHit()
	}
	for i := 0; i < 4; i++ {
		e.gov.RecordConnectionDrop()
	}
	if !e.RiskMetrics().Hibernating {
		t.Fatal("setup: engine should hibernate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())

	e.Enqueue("123", "held", "", queue.PriorityHigh)
	time.Sleep(30 * time.Millisecond)
	if got := e.QueueStatus().Sent; got != 0 {
		t.Fatalf("sent = %d while hibernating, want 0", got)
	}

	e.ExitHibernation()
	waitUntil(t, "post-hibernation delivery", func() bool { return e.QueueStatus().Sent == 1 })
}
