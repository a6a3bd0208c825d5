package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadJSON(t *testing.T) {
	p := writeConfig(t, "config.json", `{
		"account": {"session": "main", "age_weeks": 6},
		"telegram": {"token": "t", "poll_timeout": "10s"},
		"logging": {"level": "debug", "console": true},
		"governor": {"weekend_delay_factor": 1.25},
		"queue": {"max_retries": 3, "send_delay": "2s"},
		"notify": {"enabled": true, "url": "https://example.com/hook"},
		"timing": {"variance": 0.4},
		"reconnect": {"max_attempts": 5}
	}`)
	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Account.Session != "main" || cfg.Account.AgeWeeks != 6 {
		t.Fatalf("account = %+v", cfg.Account)
	}
	if cfg.Queue.MaxRetries != 3 || cfg.Queue.SendDelay != "2s" {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if !cfg.Notify.Enabled || cfg.Notify.URL != "https://example.com/hook" {
		t.Fatalf("notify = %+v", cfg.Notify)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	p := writeConfig(t, "config.yaml", `
account:
  session: main
  age_weeks: 2
telegram:
  token: t
logging:
  level: info
governor:
  warmup_days: 10
queue: {}
notify:
  enabled: false
timing: {}
reconnect:
  base: 3s
`)
	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Account.AgeWeeks != 2 || cfg.Governor.WarmupDays != 10 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Reconnect.Base != "3s" {
		t.Fatalf("reconnect = %+v", cfg.Reconnect)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeConfig(t, "config.json", `{"account": {}, "telegram": {}, "logging": {}, "governor": {}, "queue": {}, "notify": {}, "timing": {}, "reconnect": {}, "bogus": 1}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeConfig(t, "config.json", `{"account": {}}{"account": {}}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("trailing tokens should be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "ninety"); err == nil {
		t.Fatal("bad duration should error")
	}
	if d, err := ParseDurationOrDefault("x", "", 4*time.Second); err != nil || d != 4*time.Second {
		t.Fatalf("default: d=%v err=%v", d, err)
	}
}

func TestPublishKeepsLatestForSlowSubscriber(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Account: AccountConfig{Session: "latest"}}
	m.publish(first)
	m.publish(second) // buffer full: first is dropped for the newest

	got := <-ch
	if got.Account.Session != "latest" {
		t.Fatalf("got %+v, want the newest config", got.Account)
	}
}
