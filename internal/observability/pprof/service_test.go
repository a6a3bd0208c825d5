package pprof

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	logx "pacebot/pkg/logx"
)

func startService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func (s *Service) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln.Addr().String()
}

func TestHealthz(t *testing.T) {
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0"})

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", s.addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestTokenRequired(t *testing.T) {
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"})
	base := fmt.Sprintf("http://%s", s.addr())

	resp, err := http.Get(base + "/debug/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(base + "/healthz?token=s3cret")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/healthz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer token status = %d, want 200", resp.StatusCode)
	}
}

func TestNonLoopbackNeedsToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	if err := s.Start(); err == nil {
		s.Stop(context.Background())
		t.Fatal("expected refusal on tokenless non-loopback bind")
	}
}

func TestDisabledIsNoop(t *testing.T) {
	s := New(Config{}, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Stop(context.Background())
}

func TestApplyRestartsOnAddrChange(t *testing.T) {
	s := startService(t, Config{Enabled: true, Addr: "127.0.0.1:0"})
	first := s.addr()

	if err := s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"}); err != nil {
		t.Fatal(err)
	}
	second := s.addr()
	if first == second {
		t.Fatalf("listener not restarted: %s", first)
	}

	if err := s.Apply(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	running := s.srv != nil
	s.mu.Unlock()
	if running {
		t.Fatal("server still running after disable")
	}
}
