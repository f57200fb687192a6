package config

// Config is the procd configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	API       APIConfig       `json:"api"`
	Processes ProcessesConfig `json:"processes"`
}

// ServerConfig controls the processing server and its execution loops.
//
// Defaults (when fields are omitted/zero):
//   - name: hostname
//   - stop_timeout: "5s"
//   - shutdown_timeout: "15s"
//   - parallelism: 0 (shared substrate is unbounded)
//   - retry_base: "1s"
//   - retry_max_delay: "5m"
//   - retry_jitter: 0.2
//   - error_threshold: "15s"
type ServerConfig struct {
	Name            string `json:"name,omitempty"`
	StopTimeout     string `json:"stop_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// Parallelism bounds how many loops the shared substrate runs at once.
	Parallelism int `json:"parallelism,omitempty"`

	RetryBase      string   `json:"retry_base,omitempty"`
	RetryMaxDelay  string   `json:"retry_max_delay,omitempty"`
	RetryJitter    *float64 `json:"retry_jitter,omitempty"`
	ErrorThreshold string   `json:"error_threshold,omitempty"`

	Properties map[string]string `json:"properties,omitempty"`
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

// StorageConfig controls the persistence layer.
// If the section is omitted the memory driver is used.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/procd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// APIConfig controls the read-only diagnostics HTTP API.
//
// Prefer binding to localhost (the default "127.0.0.1:8089").
type APIConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"`
	ReadTimeout string `json:"read_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

// DispatchConfig is shared by every process section.
//
// Enabled is a pointer so an omitted key (enabled) can be told apart from an
// explicit false. Dedicated gives the process its own substrate, released
// when the server shuts down; otherwise it runs on the shared one.
type DispatchConfig struct {
	Enabled     *bool `json:"enabled,omitempty"`
	Concurrency int   `json:"concurrency,omitempty"`
	Dedicated   bool  `json:"dedicated,omitempty"`
}

func (d DispatchConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// EffectiveConcurrency defaults to 1.
func (d DispatchConfig) EffectiveConcurrency() int {
	if d.Concurrency <= 0 {
		return 1
	}
	return d.Concurrency
}

type ProcessesConfig struct {
	Heartbeat  HeartbeatConfig  `json:"heartbeat"`
	Watchdog   WatchdogConfig   `json:"watchdog"`
	Expiration ExpirationConfig `json:"expiration"`
	Recurring  RecurringConfig  `json:"recurring"`
}

type HeartbeatConfig struct {
	DispatchConfig
	Interval string `json:"interval,omitempty"`
}

type WatchdogConfig struct {
	DispatchConfig
	CheckInterval string `json:"check_interval,omitempty"`
	ServerTimeout string `json:"server_timeout,omitempty"`
}

type ExpirationConfig struct {
	DispatchConfig
	Interval         string `json:"interval,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	BatchesPerSecond int    `json:"batches_per_second,omitempty"`
}

// RecurringConfig lists recurring entries. Schedules accept cron
// (optional seconds field, descriptors like "@hourly"), Go durations and HH:MM.
type RecurringConfig struct {
	DispatchConfig
	PollInterval string           `json:"poll_interval,omitempty"`
	Retention    string           `json:"retention,omitempty"`
	Timezone     string           `json:"timezone,omitempty"`
	Entries      []RecurringEntry `json:"entries,omitempty"`
}

type RecurringEntry struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
}
