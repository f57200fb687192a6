package processing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"procd/internal/eventbus"
	logx "procd/pkg/logx"
)

// DefaultErrorThreshold is how long a process may keep failing before its
// failures are logged at error level instead of warn.
const DefaultErrorThreshold = 15 * time.Second

// RunFunc is one invocation of a process. ctx is done when either the
// graceful stop or the forced abort signal fires.
type RunFunc func(ctx context.Context) error

// Outcome is the terminal state of an execution loop.
type Outcome int

const (
	OutcomeStopped Outcome = iota + 1
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStopped:
		return "stopped"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ExecutionOptions configures an Execution.
type ExecutionOptions struct {
	Name       string
	RetryDelay RetryDelay

	// ErrorThreshold escalates failure logs from warn to error once a process
	// has been failing for longer than this. 0 applies DefaultErrorThreshold.
	ErrorThreshold time.Duration
}

func (o ExecutionOptions) withDefaults() ExecutionOptions {
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		o.Name = "process"
	}
	if o.RetryDelay == nil {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = DefaultErrorThreshold
	}
	return o
}

// ExecutionStats is a best-effort view for diagnostics.
type ExecutionStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Invocations uint64    `json:"invocations"`
	Failures    uint64    `json:"failures"`
	Retrying    int64     `json:"retrying"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at"`
	Stopping    bool      `json:"stopping"`
	Aborted     bool      `json:"aborted"`
}

// Execution is the retry/back-off/cancellation loop that drives one process.
//
// Run may be called from several goroutines at once (one per dispatched
// instance); per-run state (attempt counter, failure streak) lives on the
// caller's stack.
type Execution struct {
	opts ExecutionOptions
	log  logx.Logger
	bus  eventbus.Bus

	stop       context.Context
	cancelStop context.CancelFunc
	abort      context.Context

	active      int64
	retrying    int64
	invocations uint64
	failures    uint64

	mu          sync.Mutex
	lastErr     string
	lastErrorAt time.Time
}

// NewExecution binds an execution loop to a graceful stop and a forced abort
// signal. Both are owned by the caller; Stop() derives a private stop signal
// so one execution can be stopped without touching the others.
func NewExecution(stop, abort context.Context, opts ExecutionOptions, log logx.Logger, bus eventbus.Bus) (*Execution, error) {
	if stop == nil {
		return nil, fmt.Errorf("%w: stop context is nil", ErrInvalidArgument)
	}
	if abort == nil {
		return nil, fmt.Errorf("%w: abort context is nil", ErrInvalidArgument)
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	opts = opts.withDefaults()
	stopCtx, cancel := context.WithCancel(stop)
	return &Execution{
		opts:       opts,
		log:        log.With(logx.Process(opts.Name)),
		bus:        bus,
		stop:       stopCtx,
		cancelStop: cancel,
		abort:      abort,
	}, nil
}

func (e *Execution) Name() string { return e.opts.Name }

// Stop requests a graceful stop of this execution. Running attempts finish
// normally; no new attempt starts.
func (e *Execution) Stop() { e.cancelStop() }

func (e *Execution) IsStopping() bool { return e.stop.Err() != nil }

func (e *Execution) IsAborted() bool { return e.abort.Err() != nil }

// Stats returns a snapshot of the execution counters.
func (e *Execution) Stats() ExecutionStats {
	e.mu.Lock()
	lastErr, lastAt := e.lastErr, e.lastErrorAt
	e.mu.Unlock()
	return ExecutionStats{
		Name:        e.opts.Name,
		Active:      atomic.LoadInt64(&e.active),
		Invocations: atomic.LoadUint64(&e.invocations),
		Failures:    atomic.LoadUint64(&e.failures),
		Retrying:    atomic.LoadInt64(&e.retrying),
		LastError:   lastErr,
		LastErrorAt: lastAt,
		Stopping:    e.IsStopping(),
		Aborted:     e.IsAborted(),
	}
}

// Run drives fn until the stop or abort signal is observed.
//
//   - nil return: the attempt counter resets and fn runs again.
//   - ErrStopRequested or a context error while a signal is set: clean exit.
//   - any other error or panic: back off RetryDelay(attempt), then retry.
//     The back-off is interrupted by abort only.
//
// Process failures never escape Run.
func (e *Execution) Run(fn RunFunc) Outcome {
	ctx, cancel := e.combined()
	defer cancel()

	atomic.AddInt64(&e.active, 1)
	defer atomic.AddInt64(&e.active, -1)

	e.publish(eventbus.ProcessStarted, eventbus.ProcessEvent{Process: e.opts.Name})
	e.log.Debug("process execution started")

	attempt := 0
	var failingSince time.Time
	for {
		if e.IsAborted() {
			return e.finish(OutcomeAborted)
		}
		if e.IsStopping() {
			return e.finish(OutcomeStopped)
		}

		err := e.invoke(ctx, fn)

		if e.IsAborted() {
			return e.finish(OutcomeAborted)
		}
		if err == nil {
			if attempt > 0 {
				e.log.Info("process recovered", logx.Int("attempts", attempt), logx.Duration("failing_for", time.Since(failingSince)))
				e.publish(eventbus.ProcessRecovered, eventbus.ProcessEvent{Process: e.opts.Name, Attempt: attempt})
			}
			attempt = 0
			failingSince = time.Time{}
			continue
		}
		if e.isStopRequest(ctx, err) {
			return e.finish(OutcomeStopped)
		}

		attempt++
		if failingSince.IsZero() {
			failingSince = time.Now()
		}
		delay := e.opts.RetryDelay(attempt)
		e.noteFailure(err, attempt, delay, failingSince)

		if !e.backoff(delay) {
			return e.finish(OutcomeAborted)
		}
	}
}

// combined returns a context that is done when stop or abort is done.
func (e *Execution) combined() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(e.abort)
	unhook := context.AfterFunc(e.stop, cancel)
	return ctx, func() {
		unhook()
		cancel()
	}
}

func (e *Execution) invoke(ctx context.Context, fn RunFunc) (err error) {
	atomic.AddUint64(&e.invocations, 1)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("process panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", e.opts.Name, r)
		}
	}()
	return fn(ctx)
}

// isStopRequest only honors a stop acknowledgement while a signal is set.
// Without one the error is an ordinary failure and is retried.
func (e *Execution) isStopRequest(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, ErrStopRequested) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// backoff sleeps d unless abort fires first. It reports whether the loop may continue.
func (e *Execution) backoff(d time.Duration) bool {
	if d <= 0 {
		return !e.IsAborted()
	}
	atomic.AddInt64(&e.retrying, 1)
	defer atomic.AddInt64(&e.retrying, -1)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.abort.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Execution) noteFailure(err error, attempt int, delay time.Duration, failingSince time.Time) {
	atomic.AddUint64(&e.failures, 1)
	now := time.Now()
	e.mu.Lock()
	e.lastErr = err.Error()
	e.lastErrorAt = now
	e.mu.Unlock()

	level := logx.LevelWarn
	msg := "process failed; retrying"
	if now.Sub(failingSince) >= e.opts.ErrorThreshold {
		level = logx.LevelError
		msg = "process still failing; retrying"
	}
	e.log.Log(level, msg, logx.Err(err), logx.Int("attempt", attempt), logx.Duration("backoff", delay))
	e.publish(eventbus.ProcessFailed, eventbus.ProcessEvent{Process: e.opts.Name, Attempt: attempt, Delay: delay, Error: err.Error()})
}

func (e *Execution) finish(o Outcome) Outcome {
	e.log.Debug("process execution finished", logx.String("outcome", o.String()))
	e.publish(eventbus.ProcessStopped, eventbus.ProcessEvent{Process: e.opts.Name, Outcome: o.String()})
	return o
}

func (e *Execution) publish(typ string, data eventbus.ProcessEvent) {
	e.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
