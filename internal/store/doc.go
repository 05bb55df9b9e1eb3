// Package store provides SQLite-backed local storage for the pipeline
// editor.
//
// One database file holds three tables:
//   - emergency_snapshots: the snapshot.KV byte store
//   - section_saves: the last saved payload per (record, section), plus an
//     append-only section_history log of every save
//   - entity_states: optimistic mutation targets keyed by cache key
//
// Payloads are stored as canonical JSON TEXT with a content hash, so
// identical saves are detectable without decoding.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
