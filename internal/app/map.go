package app

import (
	"fmt"
	"strings"
	"time"

	"pacebot/internal/config"
	"pacebot/internal/engine"
	"pacebot/internal/engine/governor"
	"pacebot/internal/engine/notify"
	"pacebot/internal/engine/queue"
	"pacebot/internal/engine/reconnect"
	"pacebot/internal/observability/pprof"
	"pacebot/internal/storage"
	telegram "pacebot/internal/transport/telegram"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		if strings.TrimSpace(sc.Addr) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: "redis", Addr: sc.Addr, Password: sc.Password, DB: sc.DB}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, nil
}

func mapGovernorConfig(cfg *config.Config) (governor.Config, error) {
	g := cfg.Governor
	rampWindow, err := config.ParseDurationOrDefault("governor.ramp_window", g.RampWindow, 0)
	if err != nil {
		return governor.Config{}, err
	}
	var warmup time.Duration
	if g.WarmupDays > 0 {
		warmup = time.Duration(g.WarmupDays) * 24 * time.Hour
	}
	return governor.Config{
		AccountAgeWeeks:    cfg.Account.AgeWeeks,
		WarmupPeriod:       warmup,
		WeekendDelayFactor: g.WeekendDelayFactor,
		RampWindow:         rampWindow,
		RampDelayFactor:    g.RampDelayFactor,
		RampBudgetFraction: g.RampBudgetFraction,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	q := cfg.Queue
	batchPause, err := config.ParseDurationOrDefault("queue.batch_pause", q.BatchPause, 0)
	if err != nil {
		return queue.Config{}, err
	}
	sendDelay, err := config.ParseDurationOrDefault("queue.send_delay", q.SendDelay, 0)
	if err != nil {
		return queue.Config{}, err
	}
	if q.MaxRetries < 0 {
		return queue.Config{}, fmt.Errorf("queue.max_retries must be >= 0")
	}
	typingMin, err := config.ParseDurationOrDefault("timing.typing_min", cfg.Timing.TypingMin, 0)
	if err != nil {
		return queue.Config{}, err
	}
	typingMax, err := config.ParseDurationOrDefault("timing.typing_max", cfg.Timing.TypingMax, 0)
	if err != nil {
		return queue.Config{}, err
	}
	if typingMin > 0 && typingMax > 0 && typingMax < typingMin {
		return queue.Config{}, fmt.Errorf("timing.typing_max must be >= timing.typing_min")
	}
	if cfg.Timing.Variance < 0 || cfg.Timing.Variance > 1 {
		return queue.Config{}, fmt.Errorf("timing.variance must be in [0, 1]")
	}
	return queue.Config{
		MaxRetries: q.MaxRetries,
		BatchSize:  q.BatchSize,
		BatchPause: batchPause,
		SendDelay:  sendDelay,
		TypingMin:  typingMin,
		TypingMax:  typingMax,
		Variance:   cfg.Timing.Variance,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notify
	if n.Enabled && strings.TrimSpace(n.URL) == "" {
		return notify.Config{}, fmt.Errorf("notify.url is required when notify.enabled is true")
	}
	retryBase, err := config.ParseDurationOrDefault("notify.retry_base", n.RetryBase, 0)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notify.retry_max_delay", n.RetryMaxDelay, 0)
	if err != nil {
		return notify.Config{}, err
	}
	replay, err := config.ParseDurationOrDefault("notify.replay_interval", n.ReplayInterval, 0)
	if err != nil {
		return notify.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("notify.timeout", n.Timeout, 0)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:        n.Enabled,
		URL:            n.URL,
		RetryMax:       n.RetryMax,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMaxDelay,
		MaxAttempts:    n.MaxAttempts,
		ReplayInterval: replay,
		RatePerSec:     n.RatePerSec,
		Timeout:        timeout,
	}, nil
}

func mapReconnectConfig(cfg *config.Config) (reconnect.Config, error) {
	r := cfg.Reconnect
	base, err := config.ParseDurationOrDefault("reconnect.base", r.Base, 0)
	if err != nil {
		return reconnect.Config{}, err
	}
	cap, err := config.ParseDurationOrDefault("reconnect.cap", r.Cap, 0)
	if err != nil {
		return reconnect.Config{}, err
	}
	return reconnect.Config{
		Base:        base,
		Cap:         cap,
		MaxAttempts: r.MaxAttempts,
		JitterMin:   r.JitterMin,
		JitterMax:   r.JitterMax,
	}, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	gov, err := mapGovernorConfig(cfg)
	if err != nil {
		return engine.Config{}, err
	}
	q, err := mapQueueConfig(cfg)
	if err != nil {
		return engine.Config{}, err
	}
	n, err := mapNotifyConfig(cfg)
	if err != nil {
		return engine.Config{}, err
	}
	r, err := mapReconnectConfig(cfg)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Session:   cfg.Account.Session,
		Governor:  gov,
		Queue:     q,
		Notify:    n,
		Reconnect: r,
	}, nil
}
