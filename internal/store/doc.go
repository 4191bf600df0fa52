// Package store provides the SQLite-backed idempotency registry used next to
// the ledgers.
//
// Two tables:
//   - applied_effects: one row per dedupe key. Claiming a key is an
//     INSERT ... ON CONFLICT DO NOTHING; the affected row count tells the
//     caller whether it won the claim. A key is never claimed twice, which
//     gives at-most-once roll-up and apply effects across retries.
//   - gate_runs: one row per (session, gate), for history queries.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - single connection: SQLite allows one writer at a time
//
// Detail and details columns hold canonical JSON (internal/ir).
package store
