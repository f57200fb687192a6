package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	logx "procd/pkg/logx"
)

// state is the in-memory model shared by the memory and file drivers.
// Callers hold the owning store's lock.
type state struct {
	Servers   map[string]ServerRecord   `json:"servers"`
	Records   map[string]Record         `json:"records"`
	Recurring map[string]RecurringState `json:"recurring"`
}

func newState() *state {
	return &state{
		Servers:   map[string]ServerRecord{},
		Records:   map[string]Record{},
		Recurring: map[string]RecurringState{},
	}
}

func (st *state) putServer(s ServerRecord) { st.Servers[s.ID] = cloneServer(s) }

func (st *state) heartbeat(id string, at time.Time) error {
	s, ok := st.Servers[id]
	if !ok {
		return ErrNotFound
	}
	s.HeartbeatAt = at
	st.Servers[id] = s
	return nil
}

func (st *state) timedOutServers(now time.Time, timeout time.Duration) []string {
	cutoff := now.Add(-timeout)
	var ids []string
	for id, s := range st.Servers {
		if s.HeartbeatAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (st *state) listServers() []ServerRecord {
	out := make([]ServerRecord, 0, len(st.Servers))
	for _, s := range st.Servers {
		out = append(out, cloneServer(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// expiredKeys returns up to limit expired keys, oldest expiry first.
func (st *state) expiredKeys(now time.Time, limit int) []string {
	var expired []Record
	for _, r := range st.Records {
		if r.Expired(now) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].ExpiresAt.Equal(expired[j].ExpiresAt) {
			return expired[i].Key < expired[j].Key
		}
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	keys := make([]string, len(expired))
	for i, r := range expired {
		keys[i] = r.Key
	}
	return keys
}

func (st *state) listRecurring() []RecurringState {
	out := make([]RecurringState, 0, len(st.Recurring))
	for _, r := range st.Recurring {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneServer(s ServerRecord) ServerRecord {
	s.Processes = append([]string(nil), s.Processes...)
	return s
}

// memoryStore keeps everything in process memory.
type memoryStore struct {
	log logx.Logger

	mu     sync.Mutex
	st     *state
	closed bool
}

func openMemory(log logx.Logger) Store {
	return &memoryStore{log: log, st: newState()}
}

func (s *memoryStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memoryStore) AnnounceServer(_ context.Context, rec ServerRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errEmptyKey("server id")
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.st.putServer(rec)
	return nil
}

func (s *memoryStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.st.heartbeat(id, at)
}

func (s *memoryStore) RemoveServer(_ context.Context, id string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.st.Servers, id)
	return nil
}

func (s *memoryStore) RemoveTimedOutServers(_ context.Context, now time.Time, timeout time.Duration) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	ids := s.st.timedOutServers(now, timeout)
	for _, id := range ids {
		delete(s.st.Servers, id)
	}
	return len(ids), nil
}

func (s *memoryStore) ListServers(_ context.Context) ([]ServerRecord, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.st.listServers(), nil
}

func (s *memoryStore) SetRecord(_ context.Context, r Record) error {
	if strings.TrimSpace(r.Key) == "" {
		return errEmptyKey("record key")
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.st.Records[r.Key] = r
	return nil
}

func (s *memoryStore) GetRecord(_ context.Context, key string) (Record, bool, error) {
	if err := s.lock(); err != nil {
		return Record{}, false, err
	}
	defer s.mu.Unlock()
	r, ok := s.st.Records[key]
	return r, ok, nil
}

func (s *memoryStore) RemoveExpired(_ context.Context, now time.Time, limit int) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	keys := s.st.expiredKeys(now, limit)
	for _, k := range keys {
		delete(s.st.Records, k)
	}
	return len(keys), nil
}

func (s *memoryStore) GetRecurring(_ context.Context, id string) (RecurringState, bool, error) {
	if err := s.lock(); err != nil {
		return RecurringState{}, false, err
	}
	defer s.mu.Unlock()
	r, ok := s.st.Recurring[id]
	return r, ok, nil
}

func (s *memoryStore) SetRecurring(_ context.Context, r RecurringState) error {
	if strings.TrimSpace(r.ID) == "" {
		return errEmptyKey("recurring id")
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.st.Recurring[r.ID] = r
	return nil
}

func (s *memoryStore) ListRecurring(_ context.Context) ([]RecurringState, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.st.listRecurring(), nil
}
