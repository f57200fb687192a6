// Package supervisor runs named goroutines under a shared context and serves
// as the execution substrate that process dispatchers schedule their loops on.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "procd/pkg/logx"
)

// Supervisor runs goroutines tied to one context.
//
// Go starts auxiliary goroutines (servers, watchers). Schedule runs callables
// under an optional parallelism ceiling and reports completion on a channel;
// together with Close it satisfies the dispatcher's scheduler contract.
// Panics are recovered in both paths and recorded in the task stats.
type Supervisor struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Pointer[error]

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	// slots is nil when parallelism is unlimited.
	slots     chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	started   atomic.Uint64
	active    atomic.Int64
	scheduled atomic.Uint64
	dropped   atomic.Uint64

	tasks *taskTable
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithName labels the supervisor in snapshots.
func WithName(name string) SupervisorOption {
	return func(s *Supervisor) { s.name = name }
}

// WithCancelOnError cancels the supervisor context on the first error or
// panic from any goroutine.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// WithParallelism bounds how many scheduled callables run at once.
// n <= 0 means unlimited. Goroutines started with Go are not bounded.
func WithParallelism(n int) SupervisorOption {
	return func(s *Supervisor) {
		s.slots = nil
		if n > 0 {
			s.slots = make(chan struct{}, n)
		}
	}
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		tasks:  newTaskTable(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Name() string { return s.name }

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error or panic observed, if any.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{
		Active:      s.active.Load(),
		Started:     s.started.Load(),
		Scheduled:   s.scheduled.Load(),
		Dropped:     s.dropped.Load(),
		Parallelism: cap(s.slots),
		Busy:        len(s.slots),
	}
}

// Snapshot is meant for diagnostics output, not for synchronization.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	snap := SupervisorSnapshot{
		Name:     s.name,
		Closed:   s.closed.Load(),
		Counters: s.Counters(),
		Tasks:    s.tasks.list(),
	}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	return snap
}

// Go runs fn in a named goroutine bound to the supervisor context.
// context.Canceled returned by fn is not an error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, KindGoroutine, fn)
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Schedule runs fn asynchronously once a parallelism slot is free.
//
// The returned channel is closed when fn has returned, or when fn was dropped
// because the supervisor closed before a slot became available.
func (s *Supervisor) Schedule(name string, fn func()) <-chan struct{} {
	done := make(chan struct{})
	if fn == nil || s.closed.Load() {
		if fn != nil {
			s.dropped.Add(1)
		}
		close(done)
		return done
	}
	s.scheduled.Add(1)
	s.spawn(name, KindScheduled, func(ctx context.Context) error {
		defer close(done)
		if !s.acquire(ctx) {
			s.dropped.Add(1)
			return nil
		}
		defer s.release()
		fn()
		return nil
	})
	return done
}

func (s *Supervisor) spawn(name, kind string, fn func(ctx context.Context) error) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		startedAt := s.tasks.started(name, kind)
		err := s.call(name, kind, fn)
		s.tasks.stopped(name, kind, startedAt, err)
		if err != nil {
			s.fail(err)
		}
	}()
}

// call runs fn and turns a panic into an error.
func (s *Supervisor) call(name, kind string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.tasks.panicked(name, kind, r)
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	if kind == KindGoroutine && !s.log.IsZero() {
		s.log.Debug("goroutine started", logx.String("name", name))
		defer s.log.Debug("goroutine stopped", logx.String("name", name))
	}
	if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(&err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) acquire(ctx context.Context) bool {
	if s.slots == nil {
		return ctx.Err() == nil
	}
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) release() {
	if s.slots == nil {
		return
	}
	select {
	case <-s.slots:
	default:
	}
}

// Close releases the supervisor: new work is refused and queued work that has
// not started yet is dropped. Running callables are not interrupted.
// Close is idempotent.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if !s.log.IsZero() {
			c := s.Counters()
			s.log.Debug("supervisor closed", logx.String("supervisor", s.name), logx.Int64("active", c.Active), logx.Uint64("dropped", c.Dropped))
		}
	})
	return nil
}

func (s *Supervisor) Closed() bool { return s.closed.Load() }

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done. It returns the
// first recorded error.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
