package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Task kinds reported in snapshots.
const (
	KindGoroutine = "goroutine"
	KindScheduled = "scheduled"
)

// SupervisorCounters exposes best-effort counters.
//
// Scheduled counts callables handed to Schedule; Dropped counts the ones
// released without running because the supervisor closed first. Busy is the
// number of parallelism slots in use.
type SupervisorCounters struct {
	Active      int64  `json:"active"`
	Started     uint64 `json:"started"`
	Scheduled   uint64 `json:"scheduled"`
	Dropped     uint64 `json:"dropped"`
	Parallelism int    `json:"parallelism"`
	Busy        int    `json:"busy"`
}

// TaskStats aggregates every run started under one name.
type TaskStats struct {
	Name         string        `json:"name"`
	Kind         string        `json:"kind"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// SupervisorSnapshot is a point-in-time view for diagnostics.
type SupervisorSnapshot struct {
	Name       string             `json:"name"`
	Closed     bool               `json:"closed"`
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Tasks      []TaskStats        `json:"tasks"`
}

// taskTable records per-name stats. Dispatched execution loops are named
// "<process>#<n>", so names are grouped by their prefix before '#'.
type taskTable struct {
	mu    sync.Mutex
	tasks map[string]*TaskStats
}

func newTaskTable() *taskTable { return &taskTable{tasks: map[string]*TaskStats{}} }

func groupName(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '#' {
			return name[:i]
		}
	}
	return name
}

func (t *taskTable) entry(name, kind string) *TaskStats {
	key := groupName(name)
	st := t.tasks[key]
	if st == nil {
		st = &TaskStats{Name: key, Kind: kind}
		t.tasks[key] = st
	}
	return st
}

func (t *taskTable) started(name, kind string) time.Time {
	now := time.Now()
	t.mu.Lock()
	st := t.entry(name, kind)
	st.Started++
	st.Active++
	st.LastStartAt = now
	t.mu.Unlock()
	return now
}

func (t *taskTable) stopped(name, kind string, startedAt time.Time, err error) {
	now := time.Now()
	run := now.Sub(startedAt)
	t.mu.Lock()
	st := t.entry(name, kind)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.LastRuntime = run
	st.TotalRuntime += run
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = now
	}
	t.mu.Unlock()
}

func (t *taskTable) panicked(name, kind string, p any) {
	t.mu.Lock()
	st := t.entry(name, kind)
	st.Panics++
	st.LastPanicAt = time.Now()
	st.LastPanic = fmt.Sprint(p)
	t.mu.Unlock()
}

// list returns active tasks first, then the most recently started.
func (t *taskTable) list() []TaskStats {
	t.mu.Lock()
	out := make([]TaskStats, 0, len(t.tasks))
	for _, st := range t.tasks {
		out = append(out, *st)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		if !a.LastStartAt.Equal(b.LastStartAt) {
			return a.LastStartAt.After(b.LastStartAt)
		}
		return a.Name < b.Name
	})
	return out
}
