package processing

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
)

// Scheduler is the execution substrate a Dispatcher runs on.
//
// Schedule runs fn asynchronously and returns a channel that is closed once
// fn has returned (or was dropped by the scheduler). A scheduler that also
// implements io.Closer is closed by a Dispatcher that owns it.
type Scheduler interface {
	Schedule(name string, fn func()) <-chan struct{}
}

// DispatcherSnapshot is a lightweight view for diagnostics.
type DispatcherSnapshot struct {
	Name           string         `json:"name"`
	MaxConcurrency int            `json:"max_concurrency"`
	Active         int            `json:"active"`
	Pending        int            `json:"pending"`
	Scheduled      uint64         `json:"scheduled"`
	OwnsScheduler  bool           `json:"owns_scheduler"`
	Disposed       bool           `json:"disposed"`
	Execution      ExecutionStats `json:"execution"`
}

// Dispatcher runs instances of an execution loop on a Scheduler, never more
// than maxConcurrency at once.
type Dispatcher struct {
	execution      *Execution
	run            RunFunc
	scheduler      Scheduler
	maxConcurrency int
	ownsScheduler  bool

	// slots is a channel semaphore pre-filled with maxConcurrency tokens.
	// reserved counts taken slots; active counts loops whose callable has
	// actually started on the scheduler.
	slots     chan struct{}
	reserved  int32
	active    int32
	scheduled uint64

	mu       sync.Mutex
	handles  []<-chan struct{}
	started  bool
	disposed bool

	disposeOnce sync.Once
	disposeErr  error
}

// NewDispatcher validates its arguments and returns an idle dispatcher.
// Call Start to fill the concurrency budget.
func NewDispatcher(execution *Execution, run RunFunc, scheduler Scheduler, maxConcurrency int, ownsScheduler bool) (*Dispatcher, error) {
	if execution == nil {
		return nil, fmt.Errorf("%w: execution is nil", ErrInvalidArgument)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: run func is nil", ErrInvalidArgument)
	}
	if scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler is nil", ErrInvalidArgument)
	}
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: maxConcurrency must be > 0 (got %d)", ErrOutOfRange, maxConcurrency)
	}

	slots := make(chan struct{}, maxConcurrency)
	for i := 0; i < maxConcurrency; i++ {
		slots <- struct{}{}
	}
	return &Dispatcher{
		execution:      execution,
		run:            run,
		scheduler:      scheduler,
		maxConcurrency: maxConcurrency,
		ownsScheduler:  ownsScheduler,
		slots:          slots,
	}, nil
}

func (d *Dispatcher) Name() string { return d.execution.Name() }

func (d *Dispatcher) MaxConcurrency() int { return d.maxConcurrency }

// Active returns the number of execution loops currently running.
func (d *Dispatcher) Active() int { return int(atomic.LoadInt32(&d.active)) }

// Pending returns the number of loops holding a slot that the scheduler has
// not started yet.
func (d *Dispatcher) Pending() int {
	n := int(atomic.LoadInt32(&d.reserved)) - d.Active()
	if n < 0 {
		return 0
	}
	return n
}

// Start dispatches execution loops until the concurrency budget is full.
// It returns the number of loops scheduled. Start is idempotent.
func (d *Dispatcher) Start() int {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return 0
	}
	d.started = true
	d.mu.Unlock()

	n := 0
	for d.Dispatch() {
		n++
	}
	return n
}

// Dispatch schedules one more execution loop if a slot is free.
// It never blocks and reports whether a loop was scheduled. The slot is
// reserved under the lock; the scheduler is called after it is released.
func (d *Dispatcher) Dispatch() bool {
	d.mu.Lock()
	if d.disposed || d.execution.IsStopping() || d.execution.IsAborted() {
		d.mu.Unlock()
		return false
	}
	select {
	case <-d.slots:
	default:
		d.mu.Unlock()
		return false
	}
	atomic.AddInt32(&d.reserved, 1)
	seq := atomic.AddUint64(&d.scheduled, 1)
	done := make(chan struct{})
	d.handles = append(d.handles, done)
	d.mu.Unlock()

	name := d.execution.Name() + "#" + strconv.FormatUint(seq, 10)

	// The slot is returned either when the loop exits or when the scheduler
	// reports completion without having run it (dropped on close).
	var once sync.Once
	release := func() { once.Do(d.releaseSlot) }

	h := d.scheduler.Schedule(name, func() {
		defer release()
		atomic.AddInt32(&d.active, 1)
		defer atomic.AddInt32(&d.active, -1)
		d.execution.Run(d.run)
	})
	if h == nil {
		// A scheduler that does not report completion cannot be waited on.
		close(done)
		return true
	}
	go func() {
		<-h
		release()
		close(done)
	}()
	return true
}

func (d *Dispatcher) releaseSlot() {
	atomic.AddInt32(&d.reserved, -1)
	select {
	case d.slots <- struct{}{}:
	default:
	}
}

// Stop requests a graceful stop of every loop run by this dispatcher.
func (d *Dispatcher) Stop() { d.execution.Stop() }

// Wait blocks until every scheduled loop has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	handles := append([]<-chan struct{}(nil), d.handles...)
	d.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Dispose refuses further dispatching and, when the dispatcher owns its
// scheduler, closes the scheduler exactly once. A borrowed scheduler is never
// released here; its owner is responsible for it.
func (d *Dispatcher) Dispose() error {
	d.disposeOnce.Do(func() {
		d.mu.Lock()
		d.disposed = true
		d.mu.Unlock()

		if !d.ownsScheduler {
			return
		}
		if c, ok := d.scheduler.(io.Closer); ok {
			d.disposeErr = c.Close()
		}
	})
	return d.disposeErr
}

// Snapshot returns a diagnostic view of the dispatcher.
func (d *Dispatcher) Snapshot() DispatcherSnapshot {
	d.mu.Lock()
	disposed := d.disposed
	d.mu.Unlock()
	return DispatcherSnapshot{
		Name:           d.execution.Name(),
		MaxConcurrency: d.maxConcurrency,
		Active:         d.Active(),
		Pending:        d.Pending(),
		Scheduled:      atomic.LoadUint64(&d.scheduled),
		OwnsScheduler:  d.ownsScheduler,
		Disposed:       disposed,
		Execution:      d.execution.Stats(),
	}
}
