package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"procd/internal/api"
	"procd/internal/config"
	"procd/internal/eventbus"
	"procd/internal/processes"
	"procd/internal/server"
	"procd/internal/storage"
	logx "procd/pkg/logx"
)

// App wires configuration, storage, the processing server and the
// diagnostics API into one runnable unit.
type App struct {
	cfgm *ConfigManager
	cfg  *Config

	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store storage.Store
	subs  *substrates
	srv   *server.Server
	api   *api.Service

	sup    *Supervisor
	notify func(state string)

	stopOnce sync.Once
	stopErr  error
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	a, err := build(cfgm, cfg, logs, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *ConfigManager, cfg *Config, logs *logx.Service, log logx.Logger) (*App, error) {
	bus := eventbus.New()

	scfg, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	var store storage.Store
	if enabled {
		store, err = storage.Open(scfg, log)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}
	cleanup := func() {
		if store != nil {
			_ = store.Close()
		}
	}

	opts, err := mapServerOptions(cfg)
	if err != nil {
		cleanup()
		return nil, err
	}
	opts.Logger = log
	opts.Bus = bus

	subs := newSubstrates(cfg.Server.Parallelism, log)
	builders, err := buildProcesses(cfg, store, bus, subs, log)
	if err != nil {
		_ = subs.Close()
		cleanup()
		return nil, err
	}
	srv, err := server.New(opts, builders...)
	if err != nil {
		_ = subs.Close()
		cleanup()
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		cfg:    cfg,
		logs:   logs,
		log:    log,
		bus:    bus,
		store:  store,
		subs:   subs,
		srv:    srv,
		notify: sdNotify,
	}
	if cfg.API.Enabled {
		a.api = api.New(api.Config{
			Addr:        cfg.API.Addr,
			ReadTimeout: config.DurationOr(cfg.API.ReadTimeout, 0),
			Pprof:       cfg.API.Pprof,
		}, srv, registryOf(store), subs.Snapshots, log)
	}
	return a, nil
}

// registryOf keeps a nil store from turning into a non-nil interface.
func registryOf(store storage.Store) api.Registry {
	if store == nil {
		return nil
	}
	return store
}

func (a *App) Server() *server.Server { return a.srv }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// APIAddr returns the bound diagnostics address ("" when the API is off).
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = NewSupervisor(ctx, WithName("app"), WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapServerOptions(cfg); err != nil {
			return err
		}
		for _, e := range cfg.Processes.Recurring.Entries {
			if _, err := processes.ParseSchedule(e.Schedule); err != nil {
				return fmt.Errorf("processes.recurring.entries[%s]: %w", e.ID, err)
			}
		}
		return nil
	})

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("start api: %w", err)
		}
	}

	// The server gets its own root so that Stop drives its shutdown sequence
	// instead of the caller's context.
	if err := a.srv.Start(context.Background()); err != nil {
		a.sup.Cancel()
		return err
	}

	if a.bus != nil {
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
					// Keep this debug-level to avoid noise from frequent processes.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = drainLatest(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog()
	a.notify(sdReady)
	a.log.Info("app started", logx.ServerID(a.srv.ID()))
	return nil
}

// drainLatest coalesces bursts: only the newest pending config is applied.
func drainLatest(sub chan *Config, cur *Config) *Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig applies what can change at runtime (logging) and reports
// the rest.
func (a *App) applyConfig(prev, next *Config) {
	sections, attrs, procs := SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(procs) > 0 {
		a.log.Debug("process config changes detected", logx.Any("processes", procs))
	}

	a.logs.Apply(mapLoggingConfig(next))

	if config.RestartRequired(sections) {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
	a.log.Info("config reloaded", fields...)
}

// Stop runs the shutdown sequence: the API stops accepting requests, the
// server stops gracefully (aborting after its stop timeout), then the
// substrates, storage and logging are released. Stop is idempotent.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started: only release what New acquired.
		_ = a.subs.Close()
		if a.store != nil {
			_ = a.store.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(sdStopping)

	step := func(name string, max time.Duration, fn func(context.Context) error) error {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		err := fn(stepCtx)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	}

	if a.api != nil {
		_ = step("api", 3*time.Second, a.api.Stop)
	}

	// Bounded by the server's own stop and shutdown timeouts.
	srvErr := a.srv.Shutdown(ctx)
	if errors.Is(srvErr, server.ErrShutdownTimeout) {
		a.log.Error("processes did not finish before the shutdown timeout", logx.Err(srvErr))
	}

	_ = step("substrates", time.Second, func(context.Context) error { return a.subs.Close() })

	a.sup.Cancel()
	_ = step("supervisor", 2*time.Second, a.sup.Wait)

	if a.store != nil {
		_ = step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return srvErr
}

// Abort raises the forced abort signal: back-off waits end and no further
// attempts start. A pending Stop then completes promptly.
func (a *App) Abort() {
	a.log.Warn("abort requested")
	a.srv.Abort()
}
