package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ServerRecord describes a running processing server.
type ServerRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Processes   []string  `json:"processes,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Record is a keyed value that is removed once ExpiresAt has passed.
// A zero ExpiresAt never expires.
type Record struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// RecurringState is the persisted progress of one recurring entry.
type RecurringState struct {
	ID        string    `json:"id"`
	Spec      string    `json:"spec"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	LastError string    `json:"last_error,omitempty"`
	ServerID  string    `json:"server_id,omitempty"`
}

// Store is the persistence API used by background processes.
type Store interface {
	// AnnounceServer inserts or replaces a server record.
	AnnounceServer(ctx context.Context, s ServerRecord) error
	// Heartbeat refreshes HeartbeatAt. It returns ErrNotFound when the server
	// is not registered (for example after a watchdog removed it).
	Heartbeat(ctx context.Context, id string, at time.Time) error
	RemoveServer(ctx context.Context, id string) error
	// RemoveTimedOutServers deletes servers whose last heartbeat is older than
	// now-timeout and returns how many were removed.
	RemoveTimedOutServers(ctx context.Context, now time.Time, timeout time.Duration) (int, error)
	ListServers(ctx context.Context) ([]ServerRecord, error)

	SetRecord(ctx context.Context, r Record) error
	GetRecord(ctx context.Context, key string) (Record, bool, error)
	// RemoveExpired deletes at most limit records expired at now.
	RemoveExpired(ctx context.Context, now time.Time, limit int) (int, error)

	GetRecurring(ctx context.Context, id string) (RecurringState, bool, error)
	SetRecurring(ctx context.Context, st RecurringState) error
	ListRecurring(ctx context.Context) ([]RecurringState, error)

	Close() error
}

// ErrInvalidKey is returned when an id or key is empty.
var ErrInvalidKey = errors.New("storage: empty key")

func errEmptyKey(what string) error { return fmt.Errorf("%w: %s", ErrInvalidKey, what) }
