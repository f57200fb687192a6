package processes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"procd/internal/eventbus"
	"procd/internal/server"
	"procd/internal/storage"
	logx "procd/pkg/logx"
)

const (
	DefaultRecurringPollInterval = 15 * time.Second
	DefaultTriggerRetention      = 24 * time.Hour
)

// Action is invoked when a recurring entry fires. A failing action is
// recorded on the entry and does not delay other entries.
type Action func(ctx context.Context, pc *server.Context) error

// RecurringEntry is one configured schedule.
type RecurringEntry struct {
	ID       string
	Schedule string
	// Action is optional; when nil a firing only records the trigger.
	Action Action
}

type RecurringOptions struct {
	PollInterval time.Duration
	// Retention is how long trigger records are kept before the
	// expiration manager deletes them.
	Retention time.Duration
	Location  *time.Location
}

type recurringEntry struct {
	id       string
	spec     string
	schedule cron.Schedule
	action   Action
}

// RecurringScheduler fires due recurring entries. Missed occurrences
// (for example while no server was running) are coalesced into one trigger.
type RecurringScheduler struct {
	store   storage.Store
	bus     eventbus.Bus
	opts    RecurringOptions
	entries []recurringEntry
	log     logx.Logger
	now     func() time.Time

	// One tick at a time, even when dispatched with concurrency > 1.
	mu sync.Mutex
}

func NewRecurringScheduler(store storage.Store, bus eventbus.Bus, entries []RecurringEntry, opts RecurringOptions, log logx.Logger) (*RecurringScheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: recurring store is nil", server.ErrInvalidArgument)
	}
	if opts.PollInterval < 0 || opts.Retention < 0 {
		return nil, fmt.Errorf("%w: recurring durations must be >= 0", server.ErrOutOfRange)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultRecurringPollInterval
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultTriggerRetention
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if bus == nil {
		bus = eventbus.Nop()
	}

	seen := map[string]bool{}
	compiled := make([]recurringEntry, 0, len(entries))
	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: recurring entry id is empty", server.ErrInvalidArgument)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate recurring entry %q", server.ErrInvalidArgument, id)
		}
		seen[id] = true
		p, err := ParseSchedule(e.Schedule)
		if err != nil {
			return nil, fmt.Errorf("recurring %s: %w", id, err)
		}
		compiled = append(compiled, recurringEntry{
			id:       id,
			spec:     strings.TrimSpace(e.Schedule),
			schedule: p.Schedule,
			action:   e.Action,
		})
	}

	return &RecurringScheduler{
		store:   store,
		bus:     bus,
		opts:    opts,
		entries: compiled,
		log:     log.With(logx.Component("recurring")),
		now:     time.Now,
	}, nil
}

func (r *RecurringScheduler) Name() string { return "recurring-scheduler" }

func (r *RecurringScheduler) Execute(ctx context.Context, pc *server.Context) error {
	if err := r.Tick(ctx, pc); err != nil {
		return err
	}
	if pc.Wait(r.opts.PollInterval) {
		return pc.StopRequested()
	}
	return nil
}

// Tick fires every entry that is due.
func (r *RecurringScheduler) Tick(ctx context.Context, pc *server.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if pc.IsStopping() {
			return nil
		}
		if err := r.tickEntry(ctx, pc, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *RecurringScheduler) tickEntry(ctx context.Context, pc *server.Context, e recurringEntry) error {
	now := r.now().In(r.opts.Location)

	st, ok, err := r.store.GetRecurring(ctx, e.id)
	if err != nil {
		return fmt.Errorf("recurring %s: load state: %w", e.id, err)
	}
	if !ok || st.Spec != e.spec || st.NextRun.IsZero() {
		// New or rescheduled entry: first occurrence is strictly after now.
		st = storage.RecurringState{ID: e.id, Spec: e.spec, LastRun: st.LastRun, NextRun: e.schedule.Next(now)}
		if err := r.store.SetRecurring(ctx, st); err != nil {
			return fmt.Errorf("recurring %s: save state: %w", e.id, err)
		}
		r.log.Debug("recurring entry scheduled", logx.String("id", e.id), logx.Time("next_run", st.NextRun))
		return nil
	}
	if now.Before(st.NextRun) {
		return nil
	}

	scheduled := st.NextRun
	st.LastError = ""
	if e.action != nil {
		if aerr := e.action(ctx, pc); aerr != nil {
			st.LastError = aerr.Error()
			r.log.Warn("recurring action failed", logx.String("id", e.id), logx.Err(aerr))
		}
	}

	trigger := storage.Record{
		Key:       "recurring:" + e.id + ":" + strconv.FormatInt(scheduled.UnixMilli(), 10),
		Value:     pc.ServerID,
		ExpiresAt: now.Add(r.opts.Retention),
	}
	if err := r.store.SetRecord(ctx, trigger); err != nil {
		return fmt.Errorf("recurring %s: save trigger: %w", e.id, err)
	}

	st.LastRun = now
	st.NextRun = e.schedule.Next(now)
	st.ServerID = pc.ServerID
	if err := r.store.SetRecurring(ctx, st); err != nil {
		return fmt.Errorf("recurring %s: save state: %w", e.id, err)
	}

	r.log.Info("recurring entry triggered",
		logx.String("id", e.id), logx.Time("scheduled_at", scheduled), logx.Time("next_run", st.NextRun))
	r.bus.Publish(eventbus.Event{Type: eventbus.RecurringTriggered, Time: now, Data: eventbus.RecurringEvent{
		ID:          e.id,
		ScheduledAt: scheduled,
		FiredAt:     now,
		ServerID:    pc.ServerID,
		Error:       st.LastError,
	}})
	return nil
}
