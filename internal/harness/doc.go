// Package harness runs attendance scenarios against a real engine.
//
// Each scenario seeds a ledger, drives the engine through a timed sequence of
// observations and edits, then checks the outcomes, the final ledger and the
// history log.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: cooldown_blocks_repeat
//	description: "What this scenario validates"
//	date: "2026-03-02"
//	timezone: UTC
//	policy:
//	  kind: cooldown
//	  cooldown: 30s
//	  window: { start: "07:00", end: "09:00" }
//	threshold: { value: 70, lower_is_better: true }
//	students:
//	  - { id: 1, name: Alice, group: A }
//	flow:
//	  - at: "08:00:00"
//	    candidate: 1
//	    confidence: 40
//	    expect: { outcome: recorded, total_attendance: 1 }
//	  - at: "08:00:10"
//	    candidate: 1
//	    confidence: 40
//	    expect: { outcome: rejected, reason: too-soon }
//	assertions:
//	  - { type: final_state, student: 1, expect: { total_attendance: 1 } }
//	  - { type: history_count, student: 1, count: 1 }
//
// A step observes by default. A step with enroll or remove edits the ledger
// instead. Step times are "15:04:05" on the scenario date or a full
// "2006-01-02 15:04:05".
//
// # Assertion Types
//
//   - outcome_count: steps with an outcome (and reason) occur exactly N times
//   - final_state: a ledger record matches the expected fields
//   - history_count: history rows for a student and status number N
//   - history_order: present rows for the listed students occur in order
//   - history_monotonic: history timestamps never decrease
//
// # Deterministic Testing
//
// The harness uses:
//   - Step times from the scenario rather than the wall clock
//   - Sequential event ids (testutil.SequentialIDs)
//   - An in-memory SQLite ledger and history (isolated per run)
//
// This keeps traces identical across runs for golden file comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/cooldown.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
