// Package engine implements the rollcall attendance engine.
//
// The engine turns identity observations from a camera pipeline into
// durable, deduplicated attendance records, while an edit surface enrolls,
// updates and removes students through the same engine.
//
// ARCHITECTURE:
//
// Single Ledger Owner:
// The engine holds the in-memory ledger (id → StudentRecord) and is the only
// writer of the ledger store. Observations and edits are linearized by one
// mutex that covers the whole ledger, so an admission decision and the
// mutation it implies are never interleaved with another write.
//
// Observation Flow:
//  1. Resolve the candidate id against the ledger (unknown-id otherwise)
//  2. Apply the confidence threshold (low-confidence otherwise)
//  3. Evaluate the eligibility policy (too-soon, outside-window otherwise)
//  4. Write the updated record to the ledger store with a bounded timeout
//  5. Commit the record in memory only after the durable write succeeded
//  6. Append the event to history; failed appends are retried in order
//  7. Hand the snapshot to the archive worker
//
// Every Observe call returns an explicit Outcome: Recorded, Rejected with a
// reason, or Failed with an *ObservationError.
//
// Events are stamped with a monotonic seq from Clock. History timestamps
// never decrease: a wall clock that steps backwards is clamped to the last
// appended timestamp.
package engine
