// Package harness runs governance scenarios end to end.
//
// A scenario initialises a fresh workspace, then approves, submits and
// tampers with work orders, corrupts ledgers and verifies them. Every step
// can carry an expect clause, and the final ledgers and execution plane
// files are checked by assertions. Acceptance commands are scripted, the
// clock steps deterministically and ids are sequential, so the recorded
// trace can be compared against a golden file.
//
// # Scenario Format
//
//	name: apply-and-replay
//	description: "An approved work order applies once"
//	strict: false
//	signed: false
//	work_orders:
//	  greeting: |
//	    id: WO-2026-001
//	    type: code_change
//	    ...
//	steps:
//	  - action: approve
//	    work_order: greeting
//	  - action: submit
//	    work_order: greeting
//	    workspace:
//	      src/app.py: "print('hi')\n"
//	    acceptance:
//	      "test -f src/app.py": 0
//	    expect:
//	      outcome: APPLIED
//	  - action: tamper
//	    work_order: greeting
//	    replace: { "Add greeting": "Add farewell" }
//	  - action: corrupt
//	    ledger: ho3:governance
//	    replace: { "APPROVED": "REJECTED" }
//	  - action: verify
//	    expect: { valid: false }
//	assertions:
//	  - type: ledger_order
//	    ledger: ho2:workorders
//	    events: [WO_RECEIVED, WO_COMPLETED]
//	  - type: file_state
//	    path: src/app.py
//	    content: "print('hi')\n"
//
// Submit steps use the session id s<step>, so instance and session ledger
// references are stable across runs.
//
// # Assertion Types
//
//   - ledger_contains: an entry with the event (and decision) exists
//   - ledger_order: events appear in order, gaps allowed
//   - ledger_count: an event appears exactly N times
//   - file_state: an execution plane file has the content, or is absent
//
// # Golden Files
//
// RunWithGolden snapshots the step trace and each ledger's EVENT:DECISION
// sequence as canonical JSON and compares it with
// testdata/golden/<name>.golden. Regenerate with go test -update.
package harness
