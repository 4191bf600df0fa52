package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/govledger/internal/ir"
)

// TraceSnapshot captures the reproducible part of a scenario execution:
// the step trace and every ledger's event sequence. Ids, hashes and
// timestamps are left out.
type TraceSnapshot struct {
	ScenarioName string              `json:"scenario_name"`
	Trace        []TraceEvent        `json:"trace"`
	Ledgers      map[string][]string `json:"ledgers"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":    event.Seq,
			"action": event.Action,
		}
		if event.WorkOrder != "" {
			eventMap["work_order"] = event.WorkOrder
		}
		if event.Outcome != "" {
			eventMap["outcome"] = event.Outcome
		}
		if event.FailedGate != "" {
			eventMap["failed_gate"] = event.FailedGate
		}
		if len(event.Gates) > 0 {
			eventMap["gates"] = event.Gates
		}
		if event.Ledger != "" {
			eventMap["ledger"] = event.Ledger
		}
		if event.Valid != nil {
			eventMap["valid"] = *event.Valid
		}
		traceList[i] = eventMap
	}

	ledgers := make(map[string]any, len(s.Ledgers))
	for ref, entries := range s.Ledgers {
		ledgers[ref] = entries
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"ledgers":       ledgers,
	}
}

// Snapshot renders a result as canonical JSON for golden comparison.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Ledgers:      result.Ledgers,
	}
	return ir.Canonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
