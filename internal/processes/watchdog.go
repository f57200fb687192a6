package processes

import (
	"context"
	"fmt"
	"time"

	"procd/internal/server"
	"procd/internal/storage"
	logx "procd/pkg/logx"
)

const (
	DefaultWatchdogCheckInterval = 5 * time.Minute
	DefaultServerTimeout         = 5 * time.Minute
)

type WatchdogOptions struct {
	CheckInterval time.Duration
	ServerTimeout time.Duration
}

// Watchdog removes servers that stopped sending heartbeats.
type Watchdog struct {
	store storage.Store
	opts  WatchdogOptions
	log   logx.Logger
	now   func() time.Time
}

func NewWatchdog(store storage.Store, opts WatchdogOptions, log logx.Logger) (*Watchdog, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: watchdog store is nil", server.ErrInvalidArgument)
	}
	if opts.CheckInterval < 0 || opts.ServerTimeout < 0 {
		return nil, fmt.Errorf("%w: watchdog durations must be >= 0", server.ErrOutOfRange)
	}
	if opts.CheckInterval == 0 {
		opts.CheckInterval = DefaultWatchdogCheckInterval
	}
	if opts.ServerTimeout == 0 {
		opts.ServerTimeout = DefaultServerTimeout
	}
	return &Watchdog{store: store, opts: opts, log: log.With(logx.Component("watchdog")), now: time.Now}, nil
}

func (w *Watchdog) Name() string { return "watchdog" }

func (w *Watchdog) Execute(ctx context.Context, pc *server.Context) error {
	n, err := w.store.RemoveTimedOutServers(ctx, w.now(), w.opts.ServerTimeout)
	if err != nil {
		return fmt.Errorf("remove timed out servers: %w", err)
	}
	if n > 0 {
		w.log.Info("timed out servers removed", logx.Int("count", n), logx.Duration("timeout", w.opts.ServerTimeout))
	}
	if pc.Wait(w.opts.CheckInterval) {
		return pc.StopRequested()
	}
	return nil
}
