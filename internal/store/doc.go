// Package store provides SQLite-backed durable storage for the rollcall
// ledger and attendance history.
//
// The store keeps three tables:
//   - students: the ledger, one row per enrolled identity
//   - attendance_history: append-only event log
//   - id_sequence: high-water mark of assigned student ids
//
// # Critical Patterns
//
// Ids are never reused: NextID consults id_sequence, which only grows, so
// deleting the newest student does not hand its id out again.
//
// History is append-only and idempotent: event_id is UNIQUE and inserts use
// ON CONFLICT(event_id) DO NOTHING, so a retried append never duplicates a row.
//
// Insertion order is the event order: Scan orders by the autoincrement row
// key, never by timestamp.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: a committed ledger write survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
