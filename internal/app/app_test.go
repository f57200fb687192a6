package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procd/internal/config"
	"procd/internal/eventbus"
	"procd/internal/processing"
	"procd/internal/server"
	"procd/internal/storage"
	logx "procd/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     *Config
		want    storage.Config
		enabled bool
		wantErr string
	}{
		{name: "omitted", cfg: &Config{}, want: storage.Config{Driver: "memory"}, enabled: true},
		{name: "none", cfg: &Config{Storage: &config.StorageConfig{Driver: "none"}}},
		{name: "file", cfg: &Config{Storage: &config.StorageConfig{Driver: "file", Path: "./data/s.json"}}, want: storage.Config{Driver: "file", Path: "./data/s.json"}, enabled: true},
		{
			name:    "sqlite defaults busy timeout",
			cfg:     &Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}},
			want:    storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: 5 * time.Second},
			enabled: true,
		},
		{name: "sqlite without path", cfg: &Config{Storage: &config.StorageConfig{Driver: "sqlite"}}, wantErr: "storage.path"},
		{name: "unknown", cfg: &Config{Storage: &config.StorageConfig{Driver: "redis"}}, wantErr: "unknown storage.driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, enabled, err := mapStorageConfig(tc.cfg)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.enabled, enabled)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMapServerOptions(t *testing.T) {
	opts, err := mapServerOptions(&Config{Server: config.ServerConfig{
		Name:       "node-a",
		Properties: map[string]string{"zone": "eu"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "node-a", opts.ServerName)
	assert.Equal(t, server.DefaultStopTimeout, opts.StopTimeout)
	assert.Equal(t, server.DefaultShutdownTimeout, opts.ShutdownTimeout)
	assert.Equal(t, processing.DefaultErrorThreshold, opts.ErrorThreshold)
	assert.Equal(t, map[string]any{"zone": "eu"}, opts.Properties)
	require.NotNil(t, opts.RetryDelay)

	zero := 0.0
	opts, err = mapServerOptions(&Config{Server: config.ServerConfig{
		StopTimeout:   "2s",
		RetryBase:     "10ms",
		RetryMaxDelay: "50ms",
		RetryJitter:   &zero,
	}})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, opts.StopTimeout)
	assert.Equal(t, 20*time.Millisecond, opts.RetryDelay(1))
	assert.Equal(t, 40*time.Millisecond, opts.RetryDelay(2))
	assert.Equal(t, 50*time.Millisecond, opts.RetryDelay(10))

	_, err = mapServerOptions(&Config{Server: config.ServerConfig{ShutdownTimeout: "soon"}})
	require.Error(t, err)
}

func TestBuildProcesses(t *testing.T) {
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	off := false
	cfg := &Config{Processes: config.ProcessesConfig{
		Heartbeat: config.HeartbeatConfig{DispatchConfig: config.DispatchConfig{Concurrency: 2}},
		Watchdog:  config.WatchdogConfig{DispatchConfig: config.DispatchConfig{Enabled: &off}},
		Expiration: config.ExpirationConfig{
			DispatchConfig: config.DispatchConfig{Dedicated: true},
		},
		Recurring: config.RecurringConfig{Entries: []config.RecurringEntry{{ID: "tick", Schedule: "every:1m"}}},
	}}

	subs := newSubstrates(0, logx.Nop())
	t.Cleanup(func() { _ = subs.Close() })

	builders, err := buildProcesses(cfg, store, eventbus.Nop(), subs, logx.Nop())
	require.NoError(t, err)

	names := make([]string, 0, len(builders))
	for _, b := range builders {
		names = append(names, b.String())
	}
	assert.Equal(t, []string{"heartbeat", "expiration-manager", "recurring-scheduler"}, names)

	assert.Equal(t, 2, builders[0].MaxConcurrency())
	assert.False(t, builders[0].OwnsScheduler())
	assert.True(t, builders[1].OwnsScheduler())
	assert.False(t, builders[2].OwnsScheduler())

	// No storage: nothing can run.
	builders, err = buildProcesses(cfg, nil, eventbus.Nop(), subs, logx.Nop())
	require.NoError(t, err)
	assert.Empty(t, builders)

	cfg.Processes.Recurring.Timezone = "Mars/Olympus"
	_, err = buildProcesses(cfg, store, eventbus.Nop(), subs, logx.Nop())
	require.Error(t, err)
}

func TestSubstratesTrackDedicated(t *testing.T) {
	subs := newSubstrates(2, logx.Nop())
	t.Cleanup(func() { _ = subs.Close() })

	factory, owns := subs.factory("worker", true)
	require.True(t, owns)
	sched := factory()
	require.NotNil(t, sched)
	t.Cleanup(func() { _ = sched.(*Supervisor).Close() })

	snaps := subs.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "shared", snaps[0].Name)
	assert.Equal(t, "worker", snaps[1].Name)

	_, owns = subs.factory("worker", false)
	assert.False(t, owns)
}

type notifyRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *notifyRecorder) notify(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *notifyRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

const testConfig = `
server:
  name: app-test
  stop_timeout: 500ms
  shutdown_timeout: 1s
logging:
  level: %LEVEL%
  console: false
  file:
    enabled: true
    path: %LOG%
api:
  enabled: true
  addr: 127.0.0.1:0
processes:
  heartbeat:
    interval: 50ms
  watchdog:
    enabled: false
  expiration:
    interval: 1h
  recurring:
    entries:
      - id: tick
        schedule: every:1m
`

func writeConfig(t *testing.T, path, level string) {
	t.Helper()
	logPath := filepath.Join(filepath.Dir(path), "procd.log")
	body := strings.NewReplacer("%LEVEL%", level, "%LOG%", logPath).Replace(testConfig)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestAppLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procd.yaml")
	writeConfig(t, path, "info")

	a, err := New(path)
	require.NoError(t, err)
	rec := &notifyRecorder{}
	a.notify = rec.notify

	require.NoError(t, a.Start(context.Background()))
	id := a.Server().ID()
	assert.True(t, strings.HasPrefix(id, "app-test:"))

	require.Eventually(t, func() bool {
		servers, err := a.Store().ListServers(context.Background())
		return err == nil && len(servers) == 1 && servers[0].ID == id
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + a.APIAddr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, a.Stop(context.Background(), StopAppStop))
	require.NoError(t, a.Stop(context.Background(), StopAppStop))

	assert.Equal(t, []string{sdReady, sdStopping}, rec.seen())
	assert.False(t, a.Server().Snapshot().Running)
	<-a.Done()
}

func TestAppReloadAppliesLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procd.yaml")
	writeConfig(t, path, "info")

	a, err := New(path)
	require.NoError(t, err)
	a.notify = func(string) {}
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	writeConfig(t, path, "debug")
	// The file watcher may publish first; either way the new level lands.
	_, err = a.cfgm.Reload(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.logs.Config().Level == "debug"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAppAbortEndsPendingStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procd.yaml")
	writeConfig(t, path, "info")

	a, err := New(path)
	require.NoError(t, err)
	a.notify = func(string) {}
	require.NoError(t, a.Start(context.Background()))

	a.Abort()
	assert.True(t, a.Server().Context().IsAborted())
	require.NoError(t, a.Stop(context.Background(), StopSIGTERM))
}

func TestStopBeforeStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procd.yaml")
	writeConfig(t, path, "info")

	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
}

func TestNewRejectsStarvingParallelism(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procd.yaml")
	writeConfig(t, path, "info")
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	body = []byte(strings.Replace(string(body), "  name: app-test\n", "  name: app-test\n  parallelism: 1\n", 1))
	require.NoError(t, os.WriteFile(path, body, 0o644))

	_, err = New(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.parallelism")
}
