package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"procd/internal/config"
	"procd/internal/eventbus"
	"procd/internal/processes"
	"procd/internal/processing"
	"procd/internal/server"
	"procd/internal/storage"
	logx "procd/pkg/logx"
)

// substrates tracks the shared supervisor and every dedicated one created
// for a process, so the diagnostics API can report all of them.
type substrates struct {
	log    logx.Logger
	shared *Supervisor

	mu        sync.Mutex
	dedicated []*Supervisor
}

func newSubstrates(parallelism int, log logx.Logger) *substrates {
	return &substrates{
		log: log,
		shared: NewSupervisor(context.Background(),
			WithName("shared"),
			WithLogger(log.With(logx.Component("substrate"), logx.String("substrate", "shared"))),
			WithParallelism(parallelism),
		),
	}
}

// factory returns the scheduler factory and ownership flag for a process.
// A dedicated process gets a fresh supervisor per Create; the dispatcher owns
// and closes it. Everything else borrows the shared supervisor.
func (s *substrates) factory(name string, dedicated bool) (server.SchedulerFactory, bool) {
	if !dedicated {
		return server.Shared(s.shared), false
	}
	return func() processing.Scheduler {
		sup := NewSupervisor(context.Background(),
			WithName(name),
			WithLogger(s.log.With(logx.Component("substrate"), logx.String("substrate", name))),
		)
		s.mu.Lock()
		s.dedicated = append(s.dedicated, sup)
		s.mu.Unlock()
		return sup
	}, true
}

func (s *substrates) Snapshots() []SupervisorSnapshot {
	s.mu.Lock()
	ds := append([]*Supervisor(nil), s.dedicated...)
	s.mu.Unlock()

	out := make([]SupervisorSnapshot, 0, len(ds)+1)
	out = append(out, s.shared.Snapshot())
	for _, d := range ds {
		out = append(out, d.Snapshot())
	}
	return out
}

// Close releases the shared supervisor. Dedicated ones are closed by their
// dispatchers.
func (s *substrates) Close() error { return s.shared.Close() }

// buildProcesses maps the processes section into dispatcher builders.
// Without storage no process can run and the list is empty.
func buildProcesses(cfg *Config, store storage.Store, bus eventbus.Bus, subs *substrates, log logx.Logger) ([]*server.DispatcherBuilder, error) {
	if cfg == nil {
		return nil, nil
	}
	pc := cfg.Processes
	if store == nil {
		if countEnabledProcesses(pc) > 0 {
			log.Warn("storage disabled; background processes will not run")
		}
		return nil, nil
	}

	type entry struct {
		proc     server.Process
		dispatch config.DispatchConfig
	}
	var entries []entry

	// Names first so the heartbeat can publish them.
	var names []string
	if pc.Heartbeat.IsEnabled() {
		names = append(names, "heartbeat")
	}
	if pc.Watchdog.IsEnabled() {
		names = append(names, "watchdog")
	}
	if pc.Expiration.IsEnabled() {
		names = append(names, "expiration-manager")
	}
	if pc.Recurring.IsEnabled() {
		names = append(names, "recurring-scheduler")
	}

	if pc.Heartbeat.IsEnabled() {
		hb, err := processes.NewHeartbeat(store, processes.HeartbeatOptions{
			ServerName: serverName(cfg),
			Interval:   config.DurationOr(pc.Heartbeat.Interval, processes.DefaultHeartbeatInterval),
			Processes:  names,
		}, log)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{hb, pc.Heartbeat.DispatchConfig})
	}

	if pc.Watchdog.IsEnabled() {
		wd, err := processes.NewWatchdog(store, processes.WatchdogOptions{
			CheckInterval: config.DurationOr(pc.Watchdog.CheckInterval, processes.DefaultWatchdogCheckInterval),
			ServerTimeout: config.DurationOr(pc.Watchdog.ServerTimeout, processes.DefaultServerTimeout),
		}, log)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{wd, pc.Watchdog.DispatchConfig})
	}

	if pc.Expiration.IsEnabled() {
		em, err := processes.NewExpirationManager(store, processes.ExpirationOptions{
			Interval:         config.DurationOr(pc.Expiration.Interval, processes.DefaultExpirationInterval),
			BatchSize:        pc.Expiration.BatchSize,
			BatchesPerSecond: pc.Expiration.BatchesPerSecond,
		}, log)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{em, pc.Expiration.DispatchConfig})
	}

	if pc.Recurring.IsEnabled() {
		rs, err := buildRecurring(pc.Recurring, store, bus, log)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{rs, pc.Recurring.DispatchConfig})
	}

	builders := make([]*server.DispatcherBuilder, 0, len(entries))
	for _, e := range entries {
		factory, owns := subs.factory(e.proc.Name(), e.dispatch.Dedicated)
		b, err := server.NewDispatcherBuilder(e.proc, factory, e.dispatch.EffectiveConcurrency(), owns)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.proc.Name(), err)
		}
		builders = append(builders, b)
	}
	return builders, nil
}

func buildRecurring(rc config.RecurringConfig, store storage.Store, bus eventbus.Bus, log logx.Logger) (*processes.RecurringScheduler, error) {
	loc := time.Local
	if tz := strings.TrimSpace(rc.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("processes.recurring.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	entries := make([]processes.RecurringEntry, 0, len(rc.Entries))
	for _, e := range rc.Entries {
		entries = append(entries, processes.RecurringEntry{ID: e.ID, Schedule: e.Schedule})
	}
	return processes.NewRecurringScheduler(store, bus, entries, processes.RecurringOptions{
		PollInterval: config.DurationOr(rc.PollInterval, processes.DefaultRecurringPollInterval),
		Retention:    config.DurationOr(rc.Retention, processes.DefaultTriggerRetention),
		Location:     loc,
	}, log)
}

func countEnabledProcesses(pc config.ProcessesConfig) int {
	n := 0
	for _, on := range []bool{pc.Heartbeat.IsEnabled(), pc.Watchdog.IsEnabled(), pc.Expiration.IsEnabled(), pc.Recurring.IsEnabled()} {
		if on {
			n++
		}
	}
	return n
}
