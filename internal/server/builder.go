package server

import (
	"context"
	"fmt"
	"io"
	"strings"

	"procd/internal/processing"
	logx "procd/pkg/logx"
)

// SchedulerFactory supplies the execution substrate for a dispatcher.
// It is invoked exactly once per DispatcherBuilder.Create call.
type SchedulerFactory func() processing.Scheduler

// Shared returns a factory that always hands out the same scheduler.
// Pair it with ownsScheduler=false so no dispatcher releases it.
func Shared(s processing.Scheduler) SchedulerFactory {
	if s == nil {
		return nil
	}
	return func() processing.Scheduler { return s }
}

// DispatcherBuilder is a validated process registration.
type DispatcherBuilder struct {
	process        Process
	scheduler      SchedulerFactory
	maxConcurrency int
	ownsScheduler  bool
}

// NewDispatcherBuilder validates a process registration.
//
// ownsScheduler tells the resulting dispatcher to close the scheduler it
// receives when disposed; leave it false for schedulers shared between
// dispatchers.
func NewDispatcherBuilder(process Process, scheduler SchedulerFactory, maxConcurrency int, ownsScheduler bool) (*DispatcherBuilder, error) {
	if process == nil {
		return nil, fmt.Errorf("%w: process is nil", ErrInvalidArgument)
	}
	if scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler factory is nil", ErrInvalidArgument)
	}
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: maxConcurrency must be > 0 (got %d)", ErrOutOfRange, maxConcurrency)
	}
	return &DispatcherBuilder{
		process:        process,
		scheduler:      scheduler,
		maxConcurrency: maxConcurrency,
		ownsScheduler:  ownsScheduler,
	}, nil
}

// Create binds the process to a server context and returns a dispatcher that
// is ready to Start.
func (b *DispatcherBuilder) Create(pc *Context, opts *Options) (*processing.Dispatcher, error) {
	if pc == nil {
		return nil, fmt.Errorf("%w: context is nil", ErrInvalidArgument)
	}
	if opts == nil {
		return nil, fmt.Errorf("%w: options are nil", ErrInvalidArgument)
	}
	o := opts.withDefaults()
	name := b.String()

	sched := b.scheduler()
	if sched == nil {
		return nil, fmt.Errorf("%w: scheduler factory for %s returned nil", ErrInvalidArgument, name)
	}
	release := func() {
		if c, ok := sched.(io.Closer); ok && b.ownsScheduler {
			_ = c.Close()
		}
	}

	exec, err := processing.NewExecution(pc.Stopping(), pc.Aborted(), processing.ExecutionOptions{
		Name:           name,
		RetryDelay:     o.RetryDelay,
		ErrorThreshold: o.ErrorThreshold,
	}, o.Logger.With(logx.Component("execution"), logx.ServerID(pc.ServerID)), o.Bus)
	if err != nil {
		release()
		return nil, err
	}

	process := b.process
	run := func(ctx context.Context) error { return process.Execute(ctx, pc) }

	d, err := processing.NewDispatcher(exec, run, sched, b.maxConcurrency, b.ownsScheduler)
	if err != nil {
		// Detaches the execution's private stop signal from the server's.
		exec.Stop()
		release()
		return nil, err
	}
	return d, nil
}

func (b *DispatcherBuilder) MaxConcurrency() int { return b.maxConcurrency }

func (b *DispatcherBuilder) OwnsScheduler() bool { return b.ownsScheduler }

// String returns the process name.
func (b *DispatcherBuilder) String() string {
	name := strings.TrimSpace(b.process.Name())
	if name == "" {
		return "process"
	}
	return name
}
