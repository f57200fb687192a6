package server_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procd/internal/processing"
	"procd/internal/runtime/supervisor"
	"procd/internal/server"
	"procd/internal/server/mocks"
)

type countingFactory struct {
	calls atomic.Int32
	sched processing.Scheduler
}

func (f *countingFactory) factory() server.SchedulerFactory {
	return func() processing.Scheduler {
		f.calls.Add(1)
		return f.sched
	}
}

func newTestContext(t *testing.T) (*server.Context, context.CancelFunc, context.CancelFunc) {
	t.Helper()
	stop, cancelStop := context.WithCancel(context.Background())
	abort, cancelAbort := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancelAbort()
		cancelStop()
	})
	pc, err := server.NewContext("test:1:abcdef12", stop, abort, nil)
	require.NoError(t, err)
	return pc, cancelStop, cancelAbort
}

func TestNewDispatcherBuilderValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcess(ctrl)
	sup := supervisor.NewSupervisor(context.Background())
	t.Cleanup(func() { _ = sup.Close() })

	cases := []struct {
		name    string
		process server.Process
		factory server.SchedulerFactory
		max     int
		want    error
	}{
		{"nil process", nil, server.Shared(sup), 1, server.ErrInvalidArgument},
		{"nil factory", proc, nil, 1, server.ErrInvalidArgument},
		{"zero concurrency", proc, server.Shared(sup), 0, server.ErrOutOfRange},
		{"negative concurrency", proc, server.Shared(sup), -3, server.ErrOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := server.NewDispatcherBuilder(tc.process, tc.factory, tc.max, false)
			require.ErrorIs(t, err, tc.want)
			assert.Nil(t, b)
		})
	}

	b, err := server.NewDispatcherBuilder(proc, server.Shared(sup), 4, true)
	require.NoError(t, err)
	assert.Equal(t, 4, b.MaxConcurrency())
	assert.True(t, b.OwnsScheduler())
}

func TestCreateRejectsNilArgumentsWithoutCallingFactory(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcess(ctrl)
	proc.EXPECT().Name().Return("cleanup").AnyTimes()

	sup := supervisor.NewSupervisor(context.Background())
	t.Cleanup(func() { _ = sup.Close() })
	f := &countingFactory{sched: sup}
	b, err := server.NewDispatcherBuilder(proc, f.factory(), 1, true)
	require.NoError(t, err)

	pc, _, _ := newTestContext(t)

	d, err := b.Create(nil, &server.Options{})
	require.ErrorIs(t, err, server.ErrInvalidArgument)
	assert.Nil(t, d)

	d, err = b.Create(pc, nil)
	require.ErrorIs(t, err, server.ErrInvalidArgument)
	assert.Nil(t, d)

	assert.Zero(t, f.calls.Load())
}

func TestCreateInvokesFactoryOncePerCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcess(ctrl)
	proc.EXPECT().Name().Return("cleanup").AnyTimes()

	sup := supervisor.NewSupervisor(context.Background())
	t.Cleanup(func() { _ = sup.Close() })
	f := &countingFactory{sched: sup}
	b, err := server.NewDispatcherBuilder(proc, f.factory(), 3, false)
	require.NoError(t, err)

	pc, _, _ := newTestContext(t)

	d1, err := b.Create(pc, &server.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, "cleanup", d1.Name())
	assert.Equal(t, 3, d1.MaxConcurrency())

	d2, err := b.Create(pc, &server.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.NotSame(t, d1, d2)
}

func TestCreateRejectsNilScheduler(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcess(ctrl)
	proc.EXPECT().Name().Return("cleanup").AnyTimes()

	b, err := server.NewDispatcherBuilder(proc, func() processing.Scheduler { return nil }, 1, true)
	require.NoError(t, err)

	pc, _, _ := newTestContext(t)
	_, err = b.Create(pc, &server.Options{})
	require.ErrorIs(t, err, server.ErrInvalidArgument)
}

// watchedContext counts how often something subscribes to its Done channel.
type watchedContext struct {
	context.Context
	subscribed atomic.Int32
}

func (c *watchedContext) Done() <-chan struct{} {
	c.subscribed.Add(1)
	return c.Context.Done()
}

func TestCreateWithNilSchedulerLeavesStopSignalUntouched(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcess(ctrl)
	proc.EXPECT().Name().Return("cleanup").AnyTimes()

	b, err := server.NewDispatcherBuilder(proc, func() processing.Scheduler { return nil }, 1, true)
	require.NoError(t, err)

	base, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stop := &watchedContext{Context: base}
	pc, err := server.NewContext("test:1:abcdef12", stop, context.Background(), nil)
	require.NoError(t, err)

	_, err = b.Create(pc, &server.Options{})
	require.ErrorIs(t, err, server.ErrInvalidArgument)
	assert.Zero(t, stop.subscribed.Load(), "no execution may hook the stop signal")
}

func TestBuilderStringIsProcessName(t *testing.T) {
	ctrl := gomock.NewController(t)
	named := mocks.NewMockProcess(ctrl)
	named.EXPECT().Name().Return("expiration-manager").AnyTimes()
	blank := mocks.NewMockProcess(ctrl)
	blank.EXPECT().Name().Return("  ").AnyTimes()

	sup := supervisor.NewSupervisor(context.Background())
	t.Cleanup(func() { _ = sup.Close() })

	b, err := server.NewDispatcherBuilder(named, server.Shared(sup), 1, false)
	require.NoError(t, err)
	assert.Equal(t, "expiration-manager", b.String())

	b, err = server.NewDispatcherBuilder(blank, server.Shared(sup), 1, false)
	require.NoError(t, err)
	assert.Equal(t, "process", b.String())
}

func TestCreatedDispatcherRunsProcessWithSharedContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	proc := mocks.NewMockProcess(ctrl)
	proc.EXPECT().Name().Return("probe").AnyTimes()

	pc, cancelStop, _ := newTestContext(t)

	seen := make(chan *server.Context, 1)
	proc.EXPECT().Execute(gomock.Any(), pc).DoAndReturn(func(ctx context.Context, got *server.Context) error {
		select {
		case seen <- got:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}).MinTimes(1)

	sup := supervisor.NewSupervisor(context.Background())
	b, err := server.NewDispatcherBuilder(proc, server.Shared(sup), 1, true)
	require.NoError(t, err)

	d, err := b.Create(pc, &server.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, d.Start())

	select {
	case got := <-seen:
		assert.Same(t, pc, got)
	case <-time.After(2 * time.Second):
		t.Fatal("process was not executed")
	}

	cancelStop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	require.NoError(t, d.Dispose())
	assert.True(t, sup.Closed())
}
