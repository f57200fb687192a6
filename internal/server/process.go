package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"procd/internal/processing"
)

//go:generate mockgen -destination=mocks/mock_process.go -package=mocks procd/internal/server Process

// Process is a unit of recurring background work.
//
// Execute runs once. ctx is done when the server asks the process to stop
// or aborts it; long waits inside Execute must observe it (pc.Wait does).
// Returning nil lets the server call Execute again; returning an error makes
// the server back off before the next call. Return pc.StopRequested() (or
// ctx.Err()) when exiting because of a stop request.
type Process interface {
	Name() string
	Execute(ctx context.Context, pc *Context) error
}

// Context is the runtime context shared by every process of a server.
type Context struct {
	ServerID    string
	ExecutionID uuid.UUID
	Properties  map[string]any

	stopping context.Context
	aborted  context.Context
}

// NewContext binds a server id to its graceful stop and forced abort signals.
// Both signals are owned by the caller.
func NewContext(serverID string, stopping, aborted context.Context, props map[string]any) (*Context, error) {
	if strings.TrimSpace(serverID) == "" {
		return nil, fmt.Errorf("%w: server id is empty", ErrInvalidArgument)
	}
	if stopping == nil {
		return nil, fmt.Errorf("%w: stopping context is nil", ErrInvalidArgument)
	}
	if aborted == nil {
		return nil, fmt.Errorf("%w: aborted context is nil", ErrInvalidArgument)
	}
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return &Context{
		ServerID:    serverID,
		ExecutionID: uuid.New(),
		Properties:  cp,
		stopping:    stopping,
		aborted:     aborted,
	}, nil
}

// Stopping is done once a graceful stop was requested.
func (c *Context) Stopping() context.Context { return c.stopping }

// Aborted is done once a forced abort was requested.
func (c *Context) Aborted() context.Context { return c.aborted }

func (c *Context) IsStopping() bool { return c.stopping.Err() != nil || c.IsAborted() }

func (c *Context) IsAborted() bool { return c.aborted.Err() != nil }

// StopRequested returns the error a process should return when it exits
// because of a stop request.
func (c *Context) StopRequested() error { return processing.ErrStopRequested }

// Wait sleeps for d unless a stop or abort is requested first.
// It reports whether the sleep was cut short by a stop request.
func (c *Context) Wait(d time.Duration) bool {
	if c.IsStopping() {
		return true
	}
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.stopping.Done():
		return true
	case <-c.aborted.Done():
		return true
	case <-t.C:
		return false
	}
}
