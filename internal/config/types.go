package config

type Config struct {
	Account   AccountConfig   `json:"account"`
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Governor  GovernorConfig  `json:"governor"`
	Queue     QueueConfig     `json:"queue"`
	Notify    NotifyConfig    `json:"notify"`
	Timing    TimingConfig    `json:"timing"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Pprof     PprofConfig     `json:"pprof"`
}

// AccountConfig identifies the automated account and its session namespace.
type AccountConfig struct {
	// Session namespaces all persisted snapshots (e.g. "default" ->
	// "session/default/ratebudget"). Required when storage is enabled.
	Session string `json:"session"`
	// AgeWeeks seeds the maturity tier at startup; SetAccountAge overrides
	// it at runtime.
	AgeWeeks int `json:"age_weeks"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec is a hard floor limiter below the governor. 0 uses the default.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the snapshot persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./pacebot_state" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	Addr        string `json:"addr,omitempty"`         // redis
	Password    string `json:"password,omitempty"`     // redis
	DB          int    `json:"db,omitempty"`           // redis
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// GovernorConfig controls admission: rate tiers, contact warmup, and risk
// scoring. Zero values fall back to the built-in tier table and thresholds.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type GovernorConfig struct {
	// WarmupDays is the per-contact warmup period (default 7).
	WarmupDays int `json:"warmup_days,omitempty"`
	// WeekendDelayFactor scales send delays on Saturday/Sunday (default 1.5).
	WeekendDelayFactor float64 `json:"weekend_delay_factor,omitempty"`
	// RampWindow is how long after a long downtime delays stay scaled up.
	RampWindow string `json:"ramp_window,omitempty"`
	// RampDelayFactor scales delays during the ramp window (default 2.0).
	RampDelayFactor float64 `json:"ramp_delay_factor,omitempty"`
	// RampBudgetFraction shrinks the effective hourly budget during the ramp
	// window (default 0.5).
	RampBudgetFraction float64 `json:"ramp_budget_fraction,omitempty"`
}

// QueueConfig controls the delivery queue worker.
type QueueConfig struct {
	MaxRetries int `json:"max_retries,omitempty"` // default 2
	BatchSize  int `json:"batch_size,omitempty"`  // default 8
	// BatchPause is the base long pause after BatchSize consecutive sends.
	BatchPause string `json:"batch_pause,omitempty"` // default "90s"
	// SendDelay is the base inter-send pacing delay.
	SendDelay string `json:"send_delay,omitempty"` // default "4s"
}

// NotifyConfig controls outbound webhook callbacks.
type NotifyConfig struct {
	Enabled bool `json:"enabled"`
	// URL receives engine callbacks as JSON POSTs.
	URL           string `json:"url"`
	RetryMax      int    `json:"retry_max,omitempty"`       // inline attempts, default 5
	RetryBase     string `json:"retry_base,omitempty"`      // default "500ms"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "10s"
	// MaxAttempts is the absolute ceiling across background replays (default 10).
	MaxAttempts int `json:"max_attempts,omitempty"`
	// ReplayInterval is the background replay sweep cadence (default "1m").
	ReplayInterval string `json:"replay_interval,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	Timeout        string `json:"timeout,omitempty"` // per-request, default "10s"
}

// TimingConfig tunes the human-plausible delay simulation.
type TimingConfig struct {
	TypingMin string `json:"typing_min,omitempty"` // default "1s"
	TypingMax string `json:"typing_max,omitempty"` // default "12s"
	// Variance is the jitter fraction applied to base delays (default 0.3).
	Variance float64 `json:"variance,omitempty"`
}

// PprofConfig exposes the net/http/pprof debug listener.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token   string `json:"token,omitempty"` // required for non-loopback binds
}

// ReconnectConfig tunes transport reconnection backoff.
type ReconnectConfig struct {
	Base        string  `json:"base,omitempty"`         // default "2s"
	Cap         string  `json:"cap,omitempty"`          // default "5m"
	MaxAttempts int     `json:"max_attempts,omitempty"` // default 10
	JitterMin   float64 `json:"jitter_min,omitempty"`   // default 0.3
	JitterMax   float64 `json:"jitter_max,omitempty"`   // default 0.5
}
