package config

import (
	"reflect"
	"sort"
	"strings"

	logx "procd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging and (3) the process sections that changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.name", strings.TrimSpace(newCfg.Server.Name)),
			logx.String("server.stop_timeout", strings.TrimSpace(newCfg.Server.StopTimeout)),
			logx.String("server.shutdown_timeout", strings.TrimSpace(newCfg.Server.ShutdownTimeout)),
			logx.Int("server.parallelism", newCfg.Server.Parallelism),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil storage means the memory driver.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
		)
	}

	procs := diffProcesses(oldCfg.Processes, newCfg.Processes)
	if len(procs) > 0 {
		changed = append(changed, "processes")
		attrs = append(attrs,
			logx.Int("processes.changed_count", len(procs)),
			logx.Int("processes.enabled_count", countEnabled(newCfg.Processes)),
			logx.Int("processes.recurring_entries", len(newCfg.Processes.Recurring.Entries)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, procs
}

// RestartRequired reports whether any changed section can only be applied
// by restarting the server. Logging is applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s != "logging" {
			return true
		}
	}
	return false
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{Driver: "memory"}
	}
	out := *s
	out.Driver = strings.ToLower(strings.TrimSpace(out.Driver))
	if out.Driver == "" {
		out.Driver = "memory"
	}
	return out
}

func countEnabled(p ProcessesConfig) int {
	n := 0
	for _, d := range []DispatchConfig{
		p.Heartbeat.DispatchConfig,
		p.Watchdog.DispatchConfig,
		p.Expiration.DispatchConfig,
		p.Recurring.DispatchConfig,
	} {
		if d.IsEnabled() {
			n++
		}
	}
	return n
}

func diffProcesses(o, n ProcessesConfig) []string {
	out := make([]string, 0, 4)
	if !reflect.DeepEqual(o.Heartbeat, n.Heartbeat) {
		out = append(out, "heartbeat")
	}
	if !reflect.DeepEqual(o.Watchdog, n.Watchdog) {
		out = append(out, "watchdog")
	}
	if !reflect.DeepEqual(o.Expiration, n.Expiration) {
		out = append(out, "expiration")
	}
	if !reflect.DeepEqual(o.Recurring, n.Recurring) {
		out = append(out, "recurring")
	}
	return out
}
