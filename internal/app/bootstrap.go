package app

import (
	"os"
	"strings"
	"time"

	"procd/internal/config"
	"procd/internal/processing"
	"procd/internal/runtime/supervisor"
	"procd/internal/server"
	logx "procd/pkg/logx"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

type SupervisorSnapshot = supervisor.SupervisorSnapshot

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithName = supervisor.WithName

var WithParallelism = supervisor.WithParallelism

var WithCancelOnError = supervisor.WithCancelOnError

// ---- Mapping ----

func mapLoggingConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapServerOptions turns the server section into processing server options.
// Logger and Bus are filled in by the caller.
func mapServerOptions(cfg *Config) (server.Options, error) {
	if cfg == nil {
		return server.Options{}, nil
	}
	sc := cfg.Server
	stop, err := parseDurationOrDefault("server.stop_timeout", sc.StopTimeout, server.DefaultStopTimeout)
	if err != nil {
		return server.Options{}, err
	}
	shutdown, err := parseDurationOrDefault("server.shutdown_timeout", sc.ShutdownTimeout, server.DefaultShutdownTimeout)
	if err != nil {
		return server.Options{}, err
	}
	threshold, err := parseDurationOrDefault("server.error_threshold", sc.ErrorThreshold, processing.DefaultErrorThreshold)
	if err != nil {
		return server.Options{}, err
	}
	retry, err := mapRetryDelay(sc)
	if err != nil {
		return server.Options{}, err
	}

	var props map[string]any
	if len(sc.Properties) > 0 {
		props = make(map[string]any, len(sc.Properties))
		for k, v := range sc.Properties {
			props[k] = v
		}
	}

	return server.Options{
		ServerName:      serverName(cfg),
		StopTimeout:     stop,
		ShutdownTimeout: shutdown,
		RetryDelay:      retry,
		ErrorThreshold:  threshold,
		Properties:      props,
	}, nil
}

func mapRetryDelay(sc config.ServerConfig) (processing.RetryDelay, error) {
	if strings.TrimSpace(sc.RetryBase) == "" && strings.TrimSpace(sc.RetryMaxDelay) == "" && sc.RetryJitter == nil {
		return processing.DefaultRetryDelay, nil
	}
	base, err := parseDurationOrDefault("server.retry_base", sc.RetryBase, processing.DefaultRetryUnit)
	if err != nil {
		return nil, err
	}
	ceiling, err := parseDurationOrDefault("server.retry_max_delay", sc.RetryMaxDelay, processing.DefaultMaxRetryDelay)
	if err != nil {
		return nil, err
	}
	jitter := processing.DefaultRetryJitter
	if sc.RetryJitter != nil {
		jitter = *sc.RetryJitter
	}
	return processing.Jittered(processing.Exponential(base, ceiling), jitter, ceiling), nil
}

// serverName is server.name, falling back to the hostname.
func serverName(cfg *Config) string {
	if cfg != nil {
		if n := strings.TrimSpace(cfg.Server.Name); n != "" {
			return n
		}
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "procd"
	}
	return host
}
