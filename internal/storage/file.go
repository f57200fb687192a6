package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "procd/pkg/logx"
)

// fileStore persists the memory model to disk.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of the full state)
//   - <prefix>.journal.jsonl (append-only journal since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	st           *state
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalOp struct {
	Op        string          `json:"op"`
	Server    *ServerRecord   `json:"server,omitempty"`
	Record    *Record         `json:"record,omitempty"`
	Recurring *RecurringState `json:"recurring,omitempty"`
	Keys      []string        `json:"keys,omitempty"`
	At        time.Time       `json:"at,omitempty"`
}

const (
	opServerPut       = "server.put"
	opServerHeartbeat = "server.heartbeat"
	opServerDel       = "server.del"
	opRecordPut       = "record.put"
	opRecordDel       = "record.del"
	opRecurringPut    = "recurring.put"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newState()
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay incomplete", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		st:           st,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

// commitLocked applies op to the in-memory state and appends it to the journal.
func (s *fileStore) commitLocked(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	applyOp(s.st, op)
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AnnounceServer(_ context.Context, rec ServerRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errEmptyKey("server id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec = cloneServer(rec)
	return s.commitLocked(journalOp{Op: opServerPut, Server: &rec})
}

func (s *fileStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.st.Servers[id]; !ok {
		return ErrNotFound
	}
	return s.commitLocked(journalOp{Op: opServerHeartbeat, Keys: []string{id}, At: at})
}

func (s *fileStore) RemoveServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Servers[id]; !ok {
		if s.journal == nil {
			return ErrClosed
		}
		return nil
	}
	return s.commitLocked(journalOp{Op: opServerDel, Keys: []string{id}})
}

func (s *fileStore) RemoveTimedOutServers(_ context.Context, now time.Time, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	ids := s.st.timedOutServers(now, timeout)
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.commitLocked(journalOp{Op: opServerDel, Keys: ids}); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *fileStore) ListServers(_ context.Context) ([]ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.st.listServers(), nil
}

func (s *fileStore) SetRecord(_ context.Context, r Record) error {
	if strings.TrimSpace(r.Key) == "" {
		return errEmptyKey("record key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opRecordPut, Record: &r})
}

func (s *fileStore) GetRecord(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Record{}, false, ErrClosed
	}
	r, ok := s.st.Records[key]
	return r, ok, nil
}

func (s *fileStore) RemoveExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	keys := s.st.expiredKeys(now, limit)
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.commitLocked(journalOp{Op: opRecordDel, Keys: keys}); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *fileStore) GetRecurring(_ context.Context, id string) (RecurringState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return RecurringState{}, false, ErrClosed
	}
	r, ok := s.st.Recurring[id]
	return r, ok, nil
}

func (s *fileStore) SetRecurring(_ context.Context, r RecurringState) error {
	if strings.TrimSpace(r.ID) == "" {
		return errEmptyKey("recurring id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalOp{Op: opRecurringPut, Recurring: &r})
}

func (s *fileStore) ListRecurring(_ context.Context) ([]RecurringState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.st.listRecurring(), nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func applyOp(st *state, op journalOp) {
	switch op.Op {
	case opServerPut:
		if op.Server != nil {
			st.putServer(*op.Server)
		}
	case opServerHeartbeat:
		for _, id := range op.Keys {
			_ = st.heartbeat(id, op.At)
		}
	case opServerDel:
		for _, id := range op.Keys {
			delete(st.Servers, id)
		}
	case opRecordPut:
		if op.Record != nil {
			st.Records[op.Record.Key] = *op.Record
		}
	case opRecordDel:
		for _, k := range op.Keys {
			delete(st.Records, k)
		}
	case opRecurringPut:
		if op.Recurring != nil {
			st.Recurring[op.Recurring.ID] = *op.Recurring
		}
	}
}

func loadSnapshot(path string, out *state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap state
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Servers {
		out.Servers[k] = v
	}
	for k, v := range snap.Records {
		out.Records[k] = v
	}
	for k, v := range snap.Recurring {
		out.Recurring[k] = v
	}
	return nil
}

func replayJournal(path string, out *state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for s.Scan() {
		var op journalOp
		if err := json.Unmarshal(s.Bytes(), &op); err != nil {
			continue
		}
		applyOp(out, op)
	}
	return s.Err()
}
