// Package store persists the gateway's task ledger and agent sessions.
//
// # Models
//
//   - TaskRecord: one dispatched task; pending until its outcome is stored
//   - AgentSession: one registered stream, from connect to disconnect
//
// The ledger is written by the gateway as the correlator dispatches and
// settles tasks. It is a record, not a queue: nothing is re-sent from it.
//
// # Implementations
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no cgo) with WAL journaling.
// The schema is created on open. Timestamps are stored as fixed-width UTC
// strings so ORDER BY on them is chronological.
//
// MemoryStore keeps everything in maps and is used by tests and by gateways
// started without a database path.
package store
