// Package storage persists the shared state of processing servers:
// the server registry (announce/heartbeat/timeout), records that expire
// after a retention window, and the last-run state of recurring entries.
//
// Drivers:
//   - "memory": process-local maps, nothing survives a restart
//   - "file":   memory state plus an append-only journal and snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
