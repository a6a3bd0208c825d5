// Package app wires configuration, logging, storage, the transport client,
// and the delivery engine into one lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pacebot/internal/config"
	"pacebot/internal/engine"
	"pacebot/internal/eventbus"
	"pacebot/internal/observability/pprof"
	"pacebot/internal/runtime/supervisor"
	"pacebot/internal/storage"
	telegram "pacebot/internal/transport/telegram"
	logx "pacebot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client *telegram.Client
	engine *engine.Engine
	debug  *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(ecfg, client, store, bus, nil, log.With(logx.String("comp", "engine")))
	debug := pprof.New(mapPprofConfig(cfg), log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		client:  client,
		engine:  eng,
		debug:   debug,
	}, nil
}

// Engine exposes the operator surface (CLI/API layers call through this).
func (a *App) Engine() *engine.Engine { return a.engine }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish so a bad
	// edit never reaches the running services.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required")
		}
		if cfg.Account.AgeWeeks < 0 {
			return fmt.Errorf("account.age_weeks must be >= 0")
		}
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}

	// Profiling is optional; a bad bind never blocks the engine.
	if err := a.debug.Start(); err != nil {
		a.log.Warn("pprof disabled", logx.Err(err))
	}

	// Log engine events; the operator layer can subscribe on its own.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out. Governor tunables and logging apply live; storage
	// and transport changes need a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	gov, err := mapGovernorConfig(cfg)
	if err != nil {
		// Validator runs before publish, so this only trips on races.
		a.log.Warn("invalid governor config; keeping previous", logx.Err(err))
		return
	}
	a.engine.ApplyGovernor(gov)
	if err := a.debug.Apply(context.Background(), mapPprofConfig(cfg)); err != nil {
		a.log.Warn("pprof reconfigure failed", logx.Err(err))
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops unwind immediately.
	a.sup.Cancel()

	// Bounded shutdown steps: one stalled component cannot hold the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	}

	step("engine", 5*time.Second, func(c context.Context) error { return a.engine.Stop(c) })
	step("pprof", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
