package processing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goScheduler runs every callable on its own goroutine and counts Close calls.
type goScheduler struct {
	scheduled int32
	closes    int32
	drop      bool
}

func (s *goScheduler) Schedule(name string, fn func()) <-chan struct{} {
	atomic.AddInt32(&s.scheduled, 1)
	done := make(chan struct{})
	if s.drop {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func (s *goScheduler) Close() error {
	atomic.AddInt32(&s.closes, 1)
	return nil
}

// concurrencyProbe is a process body that records how many invocations overlap.
type concurrencyProbe struct {
	cur, peak int32
	calls     int32
}

func (p *concurrencyProbe) run(ctx context.Context) error {
	n := atomic.AddInt32(&p.cur, 1)
	defer atomic.AddInt32(&p.cur, -1)
	atomic.AddInt32(&p.calls, 1)
	for {
		old := atomic.LoadInt32(&p.peak)
		if n <= old || atomic.CompareAndSwapInt32(&p.peak, old, n) {
			break
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Millisecond):
	}
	return nil
}

func newTestDispatcher(t *testing.T, sig signals, run RunFunc, sched Scheduler, max int, owns bool) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(newTestExecution(t, sig, nil), run, sched, max, owns)
	require.NoError(t, err)
	return d
}

func waitDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()
	sig := newSignals(t)
	e := newTestExecution(t, sig, nil)
	run := func(ctx context.Context) error { return nil }
	sched := &goScheduler{}

	_, err := NewDispatcher(nil, run, sched, 1, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewDispatcher(e, nil, sched, 1, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewDispatcher(e, run, nil, 1, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	for _, n := range []int{0, -1} {
		_, err = NewDispatcher(e, run, sched, n, false)
		assert.ErrorIs(t, err, ErrOutOfRange)
	}
}

func TestDispatcherNeverExceedsMaxConcurrency(t *testing.T) {
	t.Parallel()
	for max := 1; max <= 8; max++ {
		max := max
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			t.Parallel()
			sig := newSignals(t)
			probe := &concurrencyProbe{}
			sched := &goScheduler{}
			d := newTestDispatcher(t, sig, probe.run, sched, max, false)

			require.Equal(t, max, d.Start())
			require.Equal(t, 0, d.Start(), "Start is idempotent")
			require.Eventually(t, func() bool { return d.Active() == max }, time.Second, time.Millisecond)

			// Hammer Dispatch while the budget is full.
			var wg sync.WaitGroup
			var extra int32
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 50; i++ {
						if d.Dispatch() {
							atomic.AddInt32(&extra, 1)
						}
					}
				}()
			}
			wg.Wait()
			assert.Zero(t, atomic.LoadInt32(&extra))

			require.Eventually(t, func() bool { return atomic.LoadInt32(&probe.calls) > int32(2*max) }, 2*time.Second, time.Millisecond)

			d.Stop()
			waitDispatcher(t, d)
			assert.LessOrEqual(t, atomic.LoadInt32(&probe.peak), int32(max))
			assert.Equal(t, int32(max), atomic.LoadInt32(&sched.scheduled))
			assert.Zero(t, d.Active())
			assert.False(t, d.Dispatch(), "no dispatch after stop")
		})
	}
}

func TestDispatcherRecyclesCapacity(t *testing.T) {
	t.Parallel()
	sig := newSignals(t)

	// The first two loops are dropped by the scheduler; their slots come back.
	sched := &goScheduler{drop: true}
	d := newTestDispatcher(t, sig, (&concurrencyProbe{}).run, sched, 2, false)

	require.Equal(t, 2, d.Start())
	require.Eventually(t, func() bool { return d.Pending() == 0 && d.Active() == 0 }, time.Second, time.Millisecond)

	sched.drop = false
	assert.True(t, d.Dispatch())
	assert.True(t, d.Dispatch())
	assert.False(t, d.Dispatch())
	require.Eventually(t, func() bool { return d.Active() == 2 }, time.Second, time.Millisecond)

	d.Stop()
	waitDispatcher(t, d)
	assert.Equal(t, uint64(4), d.Snapshot().Scheduled)
}

// gatedScheduler queues callables until open is closed and lets a hook run
// inside Schedule.
type gatedScheduler struct {
	open       chan struct{}
	onSchedule func()
}

func (s *gatedScheduler) Schedule(name string, fn func()) <-chan struct{} {
	if s.onSchedule != nil {
		s.onSchedule()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-s.open
		fn()
	}()
	return done
}

func TestDispatcherCountsOnlyStartedLoopsAsActive(t *testing.T) {
	t.Parallel()
	sig := newSignals(t)
	sched := &gatedScheduler{open: make(chan struct{})}
	d := newTestDispatcher(t, sig, (&concurrencyProbe{}).run, sched, 1, false)

	require.Equal(t, 1, d.Start())
	snap := d.Snapshot()
	assert.Zero(t, snap.Active)
	assert.Equal(t, 1, snap.Pending)
	assert.False(t, d.Dispatch(), "a queued loop still holds its slot")

	close(sched.open)
	require.Eventually(t, func() bool { return d.Active() == 1 && d.Pending() == 0 }, time.Second, time.Millisecond)

	d.Stop()
	waitDispatcher(t, d)
	assert.Zero(t, d.Active())
}

func TestDispatcherSchedulesOutsideItsLock(t *testing.T) {
	t.Parallel()
	sig := newSignals(t)
	sched := &gatedScheduler{open: make(chan struct{})}
	close(sched.open)
	d := newTestDispatcher(t, sig, (&concurrencyProbe{}).run, sched, 2, false)

	var seen []DispatcherSnapshot
	sched.onSchedule = func() { seen = append(seen, d.Snapshot()) }

	done := make(chan int, 1)
	go func() { done <- d.Start() }()
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("Start blocked on a scheduler that reads the dispatcher")
	}
	require.Len(t, seen, 2)
	assert.Equal(t, uint64(1), seen[0].Scheduled)

	d.Stop()
	waitDispatcher(t, d)
}

func TestDispatcherReturnsSlotWhenSchedulerDrops(t *testing.T) {
	t.Parallel()
	sig := newSignals(t)
	sched := &goScheduler{drop: true}
	d := newTestDispatcher(t, sig, func(ctx context.Context) error { return nil }, sched, 1, false)

	require.True(t, d.Dispatch())
	require.Eventually(t, func() bool { return d.Active() == 0 }, time.Second, time.Millisecond)
	assert.True(t, d.Dispatch())
}

func TestDispatcherOwnershipControlsRelease(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		owns   bool
		closes int32
	}{
		{name: "owned scheduler is closed once", owns: true, closes: 1},
		{name: "borrowed scheduler is never closed", owns: false, closes: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sig := newSignals(t)
			sched := &goScheduler{}
			probe := &concurrencyProbe{}
			d := newTestDispatcher(t, sig, probe.run, sched, 2, tt.owns)
			d.Start()

			sig.cancelAbort()
			waitDispatcher(t, d)

			require.NoError(t, d.Dispose())
			require.NoError(t, d.Dispose())
			assert.Equal(t, tt.closes, atomic.LoadInt32(&sched.closes))
			assert.False(t, d.Dispatch(), "no dispatch after dispose")

			snap := d.Snapshot()
			assert.True(t, snap.Disposed)
			assert.Equal(t, tt.owns, snap.OwnsScheduler)
			assert.True(t, snap.Execution.Aborted)
		})
	}
}

func TestDispatcherWaitHonorsContext(t *testing.T) {
	t.Parallel()
	sig := newSignals(t)
	d := newTestDispatcher(t, sig, (&concurrencyProbe{}).run, &goScheduler{}, 1, false)
	d.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	d.Stop()
	waitDispatcher(t, d)
}
