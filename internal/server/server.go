package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"procd/internal/eventbus"
	"procd/internal/processing"
	logx "procd/pkg/logx"
)

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	ServerID    string                          `json:"server_id"`
	Name        string                          `json:"name"`
	StartedAt   time.Time                       `json:"started_at"`
	Running     bool                            `json:"running"`
	Stopping    bool                            `json:"stopping"`
	Aborted     bool                            `json:"aborted"`
	Dispatchers []processing.DispatcherSnapshot `json:"dispatchers"`
}

// Server runs a fixed set of background processes until it is shut down.
type Server struct {
	opts     Options
	builders []*DispatcherBuilder
	log      logx.Logger
	bus      eventbus.Bus

	mu          sync.Mutex
	id          string
	pc          *Context
	dispatchers []*processing.Dispatcher
	cancelStop  context.CancelFunc
	cancelAbort context.CancelFunc
	startedAt   time.Time
	started     bool
	shutdown    bool
}

// New validates the builders; processes start with Start.
func New(opts Options, builders ...*DispatcherBuilder) (*Server, error) {
	for i, b := range builders {
		if b == nil {
			return nil, fmt.Errorf("%w: builder %d is nil", ErrInvalidArgument, i)
		}
	}
	o := opts.withDefaults()
	return &Server{
		opts:     o,
		builders: append([]*DispatcherBuilder(nil), builders...),
		log:      o.Logger.With(logx.Component("server")),
		bus:      o.Bus,
	}, nil
}

// Start creates one dispatcher per builder and fills their concurrency
// budgets. Canceling ctx has the same effect as SendStop.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	stopCtx, cancelStop := context.WithCancel(ctx)
	abortCtx, cancelAbort := context.WithCancel(context.Background())
	id := newServerID(s.opts.ServerName, uuid.NewString())

	pc, err := NewContext(id, stopCtx, abortCtx, s.opts.Properties)
	if err != nil {
		cancelStop()
		cancelAbort()
		return err
	}

	dispatchers := make([]*processing.Dispatcher, 0, len(s.builders))
	for _, b := range s.builders {
		d, err := b.Create(pc, &s.opts)
		if err != nil {
			cancelAbort()
			cancelStop()
			for _, created := range dispatchers {
				_ = created.Dispose()
			}
			return fmt.Errorf("create dispatcher %s: %w", b, err)
		}
		dispatchers = append(dispatchers, d)
	}

	s.id = id
	s.pc = pc
	s.cancelStop = cancelStop
	s.cancelAbort = cancelAbort
	s.dispatchers = dispatchers
	s.startedAt = time.Now()
	s.started = true

	for _, d := range dispatchers {
		n := d.Start()
		s.log.Debug("dispatcher started", logx.Process(d.Name()), logx.Int("loops", n))
	}

	s.log.Info("server started", logx.ServerID(id), logx.Int("processes", len(dispatchers)))
	s.bus.Publish(eventbus.Event{Type: eventbus.ServerStarted, Data: eventbus.ProcessEvent{ServerID: id}})
	return nil
}

// ID returns the server id (empty before Start).
func (s *Server) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Context returns the process context shared by all dispatchers (nil before Start).
func (s *Server) Context() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

// SendStop raises the graceful stop signal. Processes finish their current
// attempt and exit.
func (s *Server) SendStop() {
	s.mu.Lock()
	cancel := s.cancelStop
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Abort raises the forced abort signal. Back-off waits are interrupted and
// no further attempts start.
func (s *Server) Abort() {
	s.mu.Lock()
	cancel := s.cancelAbort
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every dispatcher has finished or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	for _, d := range s.snapshotDispatchers() {
		if err := d.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the server:
//
//  1. raise the stop signal and wait up to StopTimeout,
//  2. raise the abort signal and wait up to ShutdownTimeout,
//  3. dispose every dispatcher (owned schedulers are released).
//
// Aborted runs are part of a normal shutdown; ErrShutdownTimeout is returned
// only when loops are still alive after the abort window.
func (s *Server) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	id := s.id
	s.mu.Unlock()

	started := time.Now()
	s.log.Info("server stopping", logx.Duration("stop_timeout", s.opts.StopTimeout), logx.Duration("shutdown_timeout", s.opts.ShutdownTimeout))
	s.SendStop()

	graceful := s.waitFor(ctx, s.opts.StopTimeout) == nil
	var waitErr error
	if !graceful {
		s.log.Warn("processes still running after stop timeout; aborting")
		s.Abort()
		waitErr = s.waitFor(ctx, s.opts.ShutdownTimeout)
	}

	var disposeErr error
	for _, d := range s.snapshotDispatchers() {
		if err := d.Dispose(); err != nil {
			disposeErr = errors.Join(disposeErr, fmt.Errorf("dispose %s: %w", d.Name(), err))
		}
	}
	// Release the abort context; every loop is done or abandoned by now.
	s.Abort()

	s.bus.Publish(eventbus.Event{Type: eventbus.ServerStopped, Data: eventbus.ProcessEvent{ServerID: id}})

	if waitErr != nil {
		s.log.Error("server shutdown timed out", logx.Err(waitErr), logx.Duration("took", time.Since(started)))
		return errors.Join(fmt.Errorf("%w: %v", ErrShutdownTimeout, waitErr), disposeErr)
	}
	s.log.Info("server stopped", logx.Bool("graceful", graceful), logx.Duration("took", time.Since(started)))
	return disposeErr
}

func (s *Server) waitFor(ctx context.Context, d time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return s.Wait(wctx)
}

func (s *Server) snapshotDispatchers() []*processing.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*processing.Dispatcher(nil), s.dispatchers...)
}

// Snapshot returns a point-in-time view of the server.
func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ServerID:  s.id,
		Name:      s.opts.ServerName,
		StartedAt: s.startedAt,
		Running:   s.started && !s.shutdown,
	}
	pc := s.pc
	ds := append([]*processing.Dispatcher(nil), s.dispatchers...)
	s.mu.Unlock()

	if pc != nil {
		snap.Stopping = pc.IsStopping()
		snap.Aborted = pc.IsAborted()
	}
	snap.Dispatchers = make([]processing.DispatcherSnapshot, 0, len(ds))
	for _, d := range ds {
		snap.Dispatchers = append(snap.Dispatchers, d.Snapshot())
	}
	return snap
}
