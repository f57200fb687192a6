package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "procd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AnnounceServer(ctx context.Context, rec ServerRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errEmptyKey("server id")
	}
	procs, err := json.Marshal(rec.Processes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO servers(id, name, processes, started_at, heartbeat_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, processes=excluded.processes,
		   started_at=excluded.started_at, heartbeat_at=excluded.heartbeat_at`,
		rec.ID, rec.Name, string(procs), toMS(rec.StartedAt), toMS(rec.HeartbeatAt),
	)
	return err
}

func (s *sqliteStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE servers SET heartbeat_at = ? WHERE id = ?`, toMS(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RemoveServer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) RemoveTimedOutServers(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE heartbeat_at < ?`, toMS(now.Add(-timeout)))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) ListServers(ctx context.Context) ([]ServerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, processes, started_at, heartbeat_at FROM servers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServerRecord
	for rows.Next() {
		var (
			rec          ServerRecord
			procs        sql.NullString
			started, hbt int64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &procs, &started, &hbt); err != nil {
			return nil, err
		}
		if procs.Valid && procs.String != "" && procs.String != "null" {
			if err := json.Unmarshal([]byte(procs.String), &rec.Processes); err != nil {
				s.log.Debug("bad processes column", logx.ServerID(rec.ID), logx.Err(err))
			}
		}
		rec.StartedAt = fromMS(started)
		rec.HeartbeatAt = fromMS(hbt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetRecord(ctx context.Context, r Record) error {
	if strings.TrimSpace(r.Key) == "" {
		return errEmptyKey("record key")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records(key, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		r.Key, r.Value, toMS(r.ExpiresAt),
	)
	return err
}

func (s *sqliteStore) GetRecord(ctx context.Context, key string) (Record, bool, error) {
	var (
		r  = Record{Key: key}
		ms int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM records WHERE key = ?`, key).Scan(&r.Value, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r.ExpiresAt = fromMS(ms)
	return r, true, nil
}

func (s *sqliteStore) RemoveExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = -1
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE key IN (
		   SELECT key FROM records WHERE expires_at > 0 AND expires_at <= ?
		   ORDER BY expires_at, key LIMIT ?)`,
		toMS(now), limit,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) GetRecurring(ctx context.Context, id string) (RecurringState, bool, error) {
	var (
		st            = RecurringState{ID: id}
		last, next    int64
		lastErr, srvr sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT spec, last_run, next_run, last_error, server_id FROM recurring WHERE id = ?`, id,
	).Scan(&st.Spec, &last, &next, &lastErr, &srvr)
	if errors.Is(err, sql.ErrNoRows) {
		return RecurringState{}, false, nil
	}
	if err != nil {
		return RecurringState{}, false, err
	}
	st.LastRun, st.NextRun = fromMS(last), fromMS(next)
	st.LastError, st.ServerID = lastErr.String, srvr.String
	return st, true, nil
}

func (s *sqliteStore) SetRecurring(ctx context.Context, st RecurringState) error {
	if strings.TrimSpace(st.ID) == "" {
		return errEmptyKey("recurring id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recurring(id, spec, last_run, next_run, last_error, server_id) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET spec=excluded.spec, last_run=excluded.last_run,
		   next_run=excluded.next_run, last_error=excluded.last_error, server_id=excluded.server_id`,
		st.ID, st.Spec, toMS(st.LastRun), toMS(st.NextRun), nullStr(st.LastError), nullStr(st.ServerID),
	)
	return err
}

func (s *sqliteStore) ListRecurring(ctx context.Context) ([]RecurringState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, spec, last_run, next_run, last_error, server_id FROM recurring ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecurringState
	for rows.Next() {
		var (
			st            RecurringState
			last, next    int64
			lastErr, srvr sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.Spec, &last, &next, &lastErr, &srvr); err != nil {
			return nil, err
		}
		st.LastRun, st.NextRun = fromMS(last), fromMS(next)
		st.LastError, st.ServerID = lastErr.String, srvr.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// toMS maps the zero time to 0 so "never" round-trips.
func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
