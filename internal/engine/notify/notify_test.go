package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pacebot/internal/clock"
	"pacebot/internal/eventbus"
	"pacebot/internal/storage"
	logx "pacebot/pkg/logx"
)

// webhookStub counts requests and serves a scripted sequence of status
// codes; after the script runs out it keeps serving the last one.
type webhookStub struct {
	mu     sync.Mutex
	codes  []int
	calls  int
	bodies []string
}

func (w *webhookStub) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.mu.Lock()
		w.calls++
		w.bodies = append(w.bodies, string(body))
		code := http.StatusOK
		if len(w.codes) > 0 {
			code = w.codes[0]
			if len(w.codes) > 1 {
				w.codes = w.codes[1:]
			}
		}
		w.mu.Unlock()
		rw.WriteHeader(code)
	}
}

func (w *webhookStub) set(codes ...int) {
	w.mu.Lock()
	w.codes = codes
	w.mu.Unlock()
}

func (w *webhookStub) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func fastCfg(url string) Config {
	return Config{
		Enabled:       true,
		URL:           url,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		MaxAttempts:   10,
		RatePerSec:    1000,
		Timeout:       time.Second,
	}
}

func newTestManager(t *testing.T, cfg Config, store storage.Store, bus eventbus.Bus) *Manager {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	return New(cfg, "test", store, bus, clk, logx.Nop())
}

func TestSendSucceedsFirstAttempt(t *testing.T) {
	stub := &webhookStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	m := newTestManager(t, fastCfg(srv.URL), nil, nil)
	if err := m.Send(context.Background(), json.RawMessage(`{"k":"v"}`)); err != nil {
		t.Fatal(err)
	}
	if stub.count() != 1 {
		t.Fatalf("calls = %d, want 1", stub.count())
	}
	s := m.Status()
	if s.Sent != 1 || s.Backlog != 0 {
		t.Fatalf("status = %+v", s)
	}
}

func TestSendRetriesRetryableStatus(t *testing.T) {
	stub := &webhookStub{}
	stub.set(http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusOK)
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	cfg := fastCfg(srv.URL)
	cfg.RetryMax = 3
	m := newTestManager(t, cfg, nil, nil)
	if err := m.Send(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if stub.count() != 3 {
		t.Fatalf("calls = %d, want 3 (two retries then success)", stub.count())
	}
}

func TestTerminalStatusNotRetried(t *testing.T) {
	stub := &webhookStub{}
	stub.set(http.StatusForbidden)
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	m := newTestManager(t, fastCfg(srv.URL), nil, nil)
	err := m.Send(context.Background(), json.RawMessage(`{}`))
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("err = %v, want ErrTerminal", err)
	}
	if stub.count() != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", stub.count())
	}
	if s := m.Status(); s.Backlog != 0 {
		t.Fatalf("terminal response must not be queued: %+v", s)
	}
}

func TestExhaustionMovesToBackground(t *testing.T) {
	stub := &webhookStub{}
	stub.set(http.StatusInternalServerError)
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	store := storage.NewMemory()
	cfg := fastCfg(srv.URL)
	m := newTestManager(t, cfg, store, nil)
	if err := m.Send(context.Background(), json.RawMessage(`{"owed":true}`)); err != nil {
		t.Fatalf("exhausted send should return nil (delivery deferred), got %v", err)
	}
	if stub.count() != cfg.RetryMax {
		t.Fatalf("calls = %d, want RetryMax (%d)", stub.count(), cfg.RetryMax)
	}

	s := m.Status()
	if s.Backlog != 1 || s.Sent != 0 {
		t.Fatalf("status = %+v, want one queued job", s)
	}

	// The job is durable with attempts equal to the inline budget.
	var jobs []*Job
	if _, ok, err := storage.LoadJSON(context.Background(), store, "session/test/notify", &jobs); err != nil || !ok {
		t.Fatalf("backlog not persisted: ok=%v err=%v", ok, err)
	}
	if len(jobs) != 1 || jobs[0].Attempts != cfg.RetryMax {
		t.Fatalf("persisted jobs = %+v, want one with %d attempts", jobs, cfg.RetryMax)
	}
}

func TestReplayDrainsBacklog(t *testing.T) {
	stub := &webhookStub{}
	stub.set(http.StatusInternalServerError)
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	store := storage.NewMemory()
	m := newTestManager(t, fastCfg(srv.URL), store, nil)
	m.Start()
	defer m.Stop(context.Background())

	_ = m.Send(context.Background(), json.RawMessage(`{}`))
	if s := m.Status(); !s.ReplayActive {
		t.Fatal("replay should activate when a job is queued")
	}

	// Endpoint recovers; one sweep clears the backlog and deactivates.
	stub.set(http.StatusOK)
	m.replay()

	s := m.Status()
	if s.Backlog != 0 || s.Sent != 1 || s.ReplayActive {
		t.Fatalf("status after replay = %+v", s)
	}

	var jobs []*Job
	if _, ok, _ := storage.LoadJSON(context.Background(), store, "session/test/notify", &jobs); ok && len(jobs) != 0 {
		t.Fatalf("persisted backlog not flushed: %+v", jobs)
	}
}

func TestReplayDropsAtCeiling(t *testing.T) {
	stub := &webhookStub{}
	stub.set(http.StatusInternalServerError)
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	cfg := fastCfg(srv.URL)
	cfg.MaxAttempts = 3
	m := newTestManager(t, cfg, nil, bus)
	m.Start()
	defer m.Stop(context.Background())

	_ = m.Send(context.Background(), json.RawMessage(`{}`)) // 2 inline attempts

	// One more failing attempt reaches the ceiling.
	m.replay()

	s := m.Status()
	if s.Backlog != 0 || s.Dropped != 1 {
		t.Fatalf("status = %+v, want dropped job", s)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeNotifyDropped {
			t.Fatalf("event = %s, want %s", ev.Type, eventbus.TypeNotifyDropped)
		}
	case <-time.After(time.Second):
		t.Fatal("no drop event published")
	}
}

func TestReplayKeepsFailingJobUnderCeiling(t *testing.T) {
	stub := &webhookStub{}
	stub.set(http.StatusInternalServerError)
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	m := newTestManager(t, fastCfg(srv.URL), nil, nil)
	m.Start()
	defer m.Stop(context.Background())

	_ = m.Send(context.Background(), json.RawMessage(`{}`)) // attempts: 2
	m.replay()                                              // attempts: 3, under ceiling 10

	s := m.Status()
	if s.Backlog != 1 || s.Dropped != 0 {
		t.Fatalf("status = %+v, want job retained", s)
	}
	if !s.ReplayActive {
		t.Fatal("replay must stay active while the backlog is non-empty")
	}
}

func TestDisabledRejectsSend(t *testing.T) {
	m := newTestManager(t, Config{Enabled: false}, nil, nil)
	if err := m.Send(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestBacklogSurvivesRestart(t *testing.T) {
	stub := &webhookStub{}
	stub.set(http.StatusInternalServerError)
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	store := storage.NewMemory()
	m := newTestManager(t, fastCfg(srv.URL), store, nil)
	_ = m.Send(context.Background(), json.RawMessage(`{}`))

	// A fresh manager loads the backlog and activates replay on Start.
	m2 := newTestManager(t, fastCfg(srv.URL), store, nil)
	if s := m2.Status(); s.Backlog != 1 {
		t.Fatalf("restored backlog = %d, want 1", s.Backlog)
	}
	m2.Start()
	defer m2.Stop(context.Background())
	if s := m2.Status(); !s.ReplayActive {
		t.Fatal("replay should activate on start with a restored backlog")
	}
}
