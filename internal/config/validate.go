package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Validate checks every field that does not need other packages to interpret.
// All problems are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	s := cfg.Server
	dur("server.stop_timeout", s.StopTimeout)
	dur("server.shutdown_timeout", s.ShutdownTimeout)
	dur("server.retry_base", s.RetryBase)
	dur("server.retry_max_delay", s.RetryMaxDelay)
	dur("server.error_threshold", s.ErrorThreshold)
	if s.Parallelism < 0 {
		add(fmt.Errorf("server.parallelism must be >= 0"))
	}
	if s.RetryJitter != nil && (*s.RetryJitter < 0 || *s.RetryJitter > 1) {
		add(fmt.Errorf("server.retry_jitter must be within [0,1]"))
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(lvl)); err != nil {
			add(fmt.Errorf("logging.level: %w", err))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(fmt.Errorf("logging.file.path is required when logging.file.enabled=true"))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", st.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if cfg.API.Enabled {
		if addr := strings.TrimSpace(cfg.API.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				add(fmt.Errorf("api.addr: %w", err))
			}
		}
		dur("api.read_timeout", cfg.API.ReadTimeout)
	}

	p := cfg.Processes
	dispatch := func(name string, d DispatchConfig) {
		if d.Concurrency < 0 {
			add(fmt.Errorf("processes.%s.concurrency must be >= 0", name))
		}
	}
	dispatch("heartbeat", p.Heartbeat.DispatchConfig)
	dispatch("watchdog", p.Watchdog.DispatchConfig)
	dispatch("expiration", p.Expiration.DispatchConfig)
	dispatch("recurring", p.Recurring.DispatchConfig)

	// Every loop on the shared substrate holds its slot until shutdown, so a
	// ceiling below the loops it must host starves the rest forever.
	if need := SharedConcurrency(p); s.Parallelism > 0 && s.Parallelism < need {
		add(fmt.Errorf("server.parallelism %d is below the %d loops of non-dedicated processes", s.Parallelism, need))
	}

	dur("processes.heartbeat.interval", p.Heartbeat.Interval)
	dur("processes.watchdog.check_interval", p.Watchdog.CheckInterval)
	dur("processes.watchdog.server_timeout", p.Watchdog.ServerTimeout)
	dur("processes.expiration.interval", p.Expiration.Interval)
	if p.Expiration.BatchSize < 0 || p.Expiration.BatchesPerSecond < 0 {
		add(fmt.Errorf("processes.expiration batch settings must be >= 0"))
	}
	dur("processes.recurring.poll_interval", p.Recurring.PollInterval)
	dur("processes.recurring.retention", p.Recurring.Retention)
	if tz := strings.TrimSpace(p.Recurring.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("processes.recurring.timezone: %w", err))
		}
	}
	seen := map[string]bool{}
	for i, e := range p.Recurring.Entries {
		id := strings.TrimSpace(e.ID)
		switch {
		case id == "":
			add(fmt.Errorf("processes.recurring.entries[%d].id is required", i))
		case seen[id]:
			add(fmt.Errorf("processes.recurring.entries[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
		if strings.TrimSpace(e.Schedule) == "" {
			add(fmt.Errorf("processes.recurring.entries[%d].schedule is required", i))
		}
	}

	return errors.Join(errs...)
}

// SharedConcurrency sums the concurrency of enabled processes that run on
// the shared substrate.
func SharedConcurrency(p ProcessesConfig) int {
	n := 0
	for _, d := range []DispatchConfig{
		p.Heartbeat.DispatchConfig,
		p.Watchdog.DispatchConfig,
		p.Expiration.DispatchConfig,
		p.Recurring.DispatchConfig,
	} {
		if d.IsEnabled() && !d.Dedicated {
			n += d.EffectiveConcurrency()
		}
	}
	return n
}
