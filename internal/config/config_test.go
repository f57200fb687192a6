package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  name: worker-a
  stop_timeout: 3s
  retry_jitter: 0.1
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/procd.db
api:
  enabled: true
  addr: 127.0.0.1:8089
processes:
  heartbeat:
    interval: 10s
  watchdog:
    enabled: false
  expiration:
    concurrency: 2
    dedicated: true
  recurring:
    timezone: UTC
    entries:
      - id: nightly
        schedule: "0 3 * * *"
`

const sampleJSON = `{
  "server": {"name": "worker-a", "stop_timeout": "3s", "retry_jitter": 0.1},
  "logging": {"level": "debug", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/procd.db"},
  "api": {"enabled": true, "addr": "127.0.0.1:8089"},
  "processes": {
    "heartbeat": {"interval": "10s"},
    "watchdog": {"enabled": false},
    "expiration": {"concurrency": 2, "dedicated": true},
    "recurring": {"timezone": "UTC", "entries": [{"id": "nightly", "schedule": "0 3 * * *"}]}
  }
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLAndJSONAgree(t *testing.T) {
	dir := t.TempDir()
	y, err := NewConfigManager(writeFile(t, dir, "procd.yaml", sampleYAML)).Load()
	require.NoError(t, err)
	j, err := NewConfigManager(writeFile(t, dir, "procd.json", sampleJSON)).Load()
	require.NoError(t, err)

	assert.Equal(t, j, y)
	assert.Equal(t, Fingerprint(j), Fingerprint(y))

	assert.Equal(t, "worker-a", y.Server.Name)
	assert.False(t, y.Processes.Watchdog.IsEnabled())
	assert.True(t, y.Processes.Heartbeat.IsEnabled())
	assert.Equal(t, 1, y.Processes.Heartbeat.EffectiveConcurrency())
	assert.Equal(t, 2, y.Processes.Expiration.EffectiveConcurrency())
	assert.True(t, y.Processes.Expiration.Dedicated)
	require.Len(t, y.Processes.Recurring.Entries, 1)
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	dir := t.TempDir()
	_, err := NewConfigManager(writeFile(t, dir, "a.json", `{"server": {"workers": 4}}`)).Load()
	require.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "b.json", `{} {}`)).Load()
	require.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "c.yaml", "- just\n- a list\n")).Load()
	require.Error(t, err)

	cfg, err := NewConfigManager(writeFile(t, dir, "d.yaml", "")).Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Storage)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	jitter := 1.5
	cfg := &Config{
		Server:  ServerConfig{StopTimeout: "soon", Parallelism: -1, RetryJitter: &jitter},
		Logging: LoggingConfig{Level: "chatty", File: LoggingFile{Enabled: true}},
		Storage: &StorageConfig{Driver: "sqlite"},
		API:     APIConfig{Enabled: true, Addr: "no-port"},
		Processes: ProcessesConfig{
			Heartbeat: HeartbeatConfig{Interval: "-1s"},
			Recurring: RecurringConfig{
				Timezone: "Mars/Olympus",
				Entries:  []RecurringEntry{{ID: "a", Schedule: "1m"}, {ID: "a"}},
			},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{
		"server.stop_timeout", "server.parallelism", "server.retry_jitter",
		"logging.level", "logging.file.path", "storage.path", "api.addr",
		"processes.heartbeat.interval", "processes.recurring.timezone",
		"duplicate id", "entries[1].schedule",
	} {
		assert.Contains(t, err.Error(), want)
	}

	require.NoError(t, Validate(&Config{}))
	require.Error(t, Validate(nil))
}

func TestSummarizeConfigChange(t *testing.T) {
	dir := t.TempDir()
	oldCfg, err := NewConfigManager(writeFile(t, dir, "procd.yaml", sampleYAML)).Load()
	require.NoError(t, err)

	cp := *oldCfg
	cp.Logging.Level = "warn"
	changed, attrs, procs := SummarizeConfigChange(oldCfg, &cp)
	assert.Equal(t, []string{"logging"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Empty(t, procs)
	assert.False(t, RestartRequired(changed))

	cp.Processes.Recurring.Entries = append([]RecurringEntry{}, RecurringEntry{ID: "hourly", Schedule: "@hourly"})
	cp.Storage = nil
	changed, _, procs = SummarizeConfigChange(oldCfg, &cp)
	assert.Equal(t, []string{"logging", "processes", "storage"}, changed)
	assert.Equal(t, []string{"recurring"}, procs)
	assert.True(t, RestartRequired(changed))

	changed, _, _ = SummarizeConfigChange(nil, &Config{Storage: &StorageConfig{Driver: "Memory"}})
	assert.Empty(t, changed)
}

func TestReloadSkipsUnchangedAndRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "procd.json", sampleJSON)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	fp := m.Fingerprint()

	// Same content, different formatting.
	writeFile(t, dir, "procd.json", `{"server":{"name":"worker-a","stop_timeout":"3s","retry_jitter":0.1},
"logging":{"level":"debug","console":true},"storage":{"driver":"sqlite","path":"./data/procd.db"},
"api":{"enabled":true,"addr":"127.0.0.1:8089"},"processes":{"heartbeat":{"interval":"10s"},
"watchdog":{"enabled":false},"expiration":{"concurrency":2,"dedicated":true},
"recurring":{"timezone":"UTC","entries":[{"id":"nightly","schedule":"0 3 * * *"}]}}}`)
	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	writeFile(t, dir, "procd.json", `{"server": {"stop_timeout": "never"}}`)
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, fp, m.Fingerprint())

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	writeFile(t, dir, "procd.json", `{"logging": {"level": "info"}}`)
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, assert.AnError)
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "procd.yaml", "logging:\n  level: info\n")
	m := NewConfigManager(path)
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// The watcher may not be registered yet; keep rewriting until it sees one.
	var got *Config
	deadline := time.Now().Add(5 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		writeFile(t, dir, "procd.yaml", "logging:\n  level: debug\n")
		select {
		case got = <-ch:
		case <-time.After(100 * time.Millisecond):
		}
	}
	require.NotNil(t, got, "no config published")
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, got, m.Get())

	cancel()
	require.NoError(t, <-done)
}

func TestValidateSharedParallelismCoversProcesses(t *testing.T) {
	off := false
	p := ProcessesConfig{
		Heartbeat:  HeartbeatConfig{DispatchConfig: DispatchConfig{Concurrency: 2}},
		Watchdog:   WatchdogConfig{DispatchConfig: DispatchConfig{Enabled: &off}},
		Expiration: ExpirationConfig{DispatchConfig: DispatchConfig{Concurrency: 4, Dedicated: true}},
	}
	// heartbeat 2 + recurring 1; the disabled and the dedicated one do not count.
	assert.Equal(t, 3, SharedConcurrency(p))

	err := Validate(&Config{Server: ServerConfig{Parallelism: 2}, Processes: p})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.parallelism")

	require.NoError(t, Validate(&Config{Server: ServerConfig{Parallelism: 3}, Processes: p}))
	require.NoError(t, Validate(&Config{Server: ServerConfig{Parallelism: 0}, Processes: p}))
}
