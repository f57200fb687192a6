package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"procd/internal/eventbus"
	"procd/internal/processing"
	logx "procd/pkg/logx"
)

// Options configures a processing server and the dispatchers it creates.
//
// Defaults (when fields are omitted/zero):
//   - ServerName: hostname
//   - StopTimeout: 5s (graceful window before the abort signal)
//   - ShutdownTimeout: 15s
//   - RetryDelay: processing.DefaultRetryDelay
//   - ErrorThreshold: processing.DefaultErrorThreshold
type Options struct {
	ServerName      string
	StopTimeout     time.Duration
	ShutdownTimeout time.Duration

	RetryDelay     processing.RetryDelay
	ErrorThreshold time.Duration

	Properties map[string]any

	Logger logx.Logger
	Bus    eventbus.Bus
}

const (
	DefaultStopTimeout     = 5 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
)

func (o Options) withDefaults() Options {
	o.ServerName = strings.TrimSpace(o.ServerName)
	if o.ServerName == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "procd"
		}
		o.ServerName = host
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.RetryDelay == nil {
		o.RetryDelay = processing.DefaultRetryDelay
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = processing.DefaultErrorThreshold
	}
	if o.Bus == nil {
		o.Bus = eventbus.Nop()
	}
	return o
}

// newServerID follows the "name:pid:random" convention so ids stay unique
// across restarts of the same host.
func newServerID(name string, random string) string {
	if len(random) > 8 {
		random = random[:8]
	}
	return fmt.Sprintf("%s:%d:%s", strings.ToLower(name), os.Getpid(), random)
}
