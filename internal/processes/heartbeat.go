package processes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"procd/internal/server"
	"procd/internal/storage"
	logx "procd/pkg/logx"
)

const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatOptions configures Heartbeat.
type HeartbeatOptions struct {
	ServerName string
	Interval   time.Duration
	// Processes is published with the server record for diagnostics.
	Processes []string
}

// Heartbeat keeps the server registered in storage while it runs and
// removes the record when the server stops.
type Heartbeat struct {
	store storage.Store
	opts  HeartbeatOptions
	log   logx.Logger
	now   func() time.Time

	startOnce sync.Once
	startedAt time.Time
}

func NewHeartbeat(store storage.Store, opts HeartbeatOptions, log logx.Logger) (*Heartbeat, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: heartbeat store is nil", server.ErrInvalidArgument)
	}
	if opts.Interval < 0 {
		return nil, fmt.Errorf("%w: heartbeat interval %s", server.ErrOutOfRange, opts.Interval)
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		store: store,
		opts:  opts,
		log:   log.With(logx.Component("heartbeat")),
		now:   time.Now,
	}, nil
}

func (h *Heartbeat) Name() string { return "heartbeat" }

func (h *Heartbeat) Execute(ctx context.Context, pc *server.Context) error {
	h.startOnce.Do(func() { h.startedAt = h.now() })
	if err := h.announce(ctx, pc.ServerID); err != nil {
		return err
	}

	for {
		if pc.Wait(h.opts.Interval) {
			h.remove(pc.ServerID)
			return pc.StopRequested()
		}
		err := h.store.Heartbeat(ctx, pc.ServerID, h.now())
		if errors.Is(err, storage.ErrNotFound) {
			// A watchdog removed us while we were unreachable.
			h.log.Warn("server record missing; announcing again", logx.ServerID(pc.ServerID))
			err = h.announce(ctx, pc.ServerID)
		}
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
	}
}

func (h *Heartbeat) announce(ctx context.Context, id string) error {
	now := h.now()
	err := h.store.AnnounceServer(ctx, storage.ServerRecord{
		ID:          id,
		Name:        h.opts.ServerName,
		Processes:   h.opts.Processes,
		StartedAt:   h.startedAt,
		HeartbeatAt: now,
	})
	if err != nil {
		return fmt.Errorf("announce server: %w", err)
	}
	h.log.Debug("server announced", logx.ServerID(id))
	return nil
}

// remove runs after the stop signal, so it uses its own short deadline.
func (h *Heartbeat) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.store.RemoveServer(ctx, id); err != nil {
		h.log.Warn("server record not removed", logx.ServerID(id), logx.Err(err))
		return
	}
	h.log.Debug("server record removed", logx.ServerID(id))
}
