// Package harness replays scripted editing sessions against a real editor
// on a manual clock and checks the resulting save trace.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: cadence_retry_exhausted
//	description: "Three failed saves leave Cadência in error"
//	policy:
//	  debounce: 1.5s
//	  max_attempts: 3
//	  backoff_base: 1s
//	  backoff_max: 30s
//	stages:
//	  - { name: X, position: 1 }
//	fail:
//	  cadence: 3
//	steps:
//	  - { op: mark_dirty, section: cadence, payload: { stages: {} } }
//	  - { op: advance, duration: 1.5s }
//	assertions:
//	  - { type: status, section: cadence, status: error }
//	  - { type: persist_count, section: cadence, count: 3 }
//
// The persister fails the first N calls for each section listed under
// fail; -1 fails every call. Steps run in order. advance moves the clock
// and fires every timer that falls due, synchronously. Blocking steps
// (flush, save_all, change_section) run in the background while the
// harness advances the clock to each retry deadline.
//
// # Trace
//
// Every step, section transition, persist call, stage placement and
// notification is appended to the trace with its offset from the start
// of the run in milliseconds. Golden files hold one canonical JSON object
// per trace event, one per line:
//
//	go test ./internal/harness -update
package harness
