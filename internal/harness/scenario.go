package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/govledger/internal/plane"
)

// Scenario defines a governance scenario: work orders pushed through
// approval and submission against a fresh workspace, with expectations on
// each step and assertions on the final ledgers and files.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Strict runs the gates in strict mode.
	Strict bool `yaml:"strict,omitempty"`

	// Signed configures a deterministic signing key that is also trusted.
	Signed bool `yaml:"signed,omitempty"`

	// WorkOrders maps a local name to a work order YAML document.
	WorkOrders map[string]string `yaml:"work_orders"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final ledgers and execution plane files.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step actions.
const (
	StepApprove = "approve"
	StepSubmit  = "submit"
	StepTamper  = "tamper"
	StepCorrupt = "corrupt"
	StepVerify  = "verify"
)

var stepActions = []string{StepApprove, StepSubmit, StepTamper, StepCorrupt, StepVerify}

// Step is one action against the workspace.
type Step struct {
	// Action is approve, submit, tamper, corrupt or verify.
	Action string `yaml:"action"`

	// WorkOrder names an entry of Scenario.WorkOrders (approve, submit,
	// tamper).
	WorkOrder string `yaml:"work_order,omitempty"`

	// Workspace holds the submitted files by relative path (submit).
	Workspace map[string]string `yaml:"workspace,omitempty"`

	// Acceptance maps acceptance commands to the exit code they report
	// (submit). Unlisted commands exit 0; -2 reports a timeout.
	Acceptance map[string]int `yaml:"acceptance,omitempty"`

	// Replace maps old to new text, applied to the work order document
	// (tamper) or the ledger file (corrupt).
	Replace map[string]string `yaml:"replace,omitempty"`

	// Ledger is the reference of the ledger to corrupt.
	Ledger string `yaml:"ledger,omitempty"`

	// Expect validates the step outcome. Nil means no validation.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies expected step behavior.
type ExpectClause struct {
	// Outcome is APPLIED, NO_OP or FAILED (submit).
	Outcome string `yaml:"outcome,omitempty"`

	// FailedGate is the id of the gate expected to fail (submit).
	FailedGate string `yaml:"failed_gate,omitempty"`

	// GateOutcome is the failing or final gate's outcome code, such as
	// TAMPERED (submit).
	GateOutcome string `yaml:"gate_outcome,omitempty"`

	// Message is a substring of the failing gate's message (submit).
	Message string `yaml:"message,omitempty"`

	// Valid is the expected verification verdict (verify).
	Valid *bool `yaml:"valid,omitempty"`
}

// Assertion validates the final workspace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "ledger_contains": an entry with the event (and decision) exists
	// - "ledger_order": events appear in order
	// - "ledger_count": an event appears exactly Count times
	// - "file_state": an execution plane file has Content, or is Absent
	Type string `yaml:"type"`

	// Ledger is the ledger reference (ledger_* assertions).
	Ledger string `yaml:"ledger,omitempty"`

	// Event is the event type (ledger_contains, ledger_count).
	Event string `yaml:"event,omitempty"`

	// Decision optionally narrows ledger_contains.
	Decision string `yaml:"decision,omitempty"`

	// Events is the expected event order (ledger_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (ledger_count).
	Count int `yaml:"count,omitempty"`

	// Path is relative to the execution plane root (file_state).
	Path string `yaml:"path,omitempty"`

	// Content is the expected file content (file_state).
	Content string `yaml:"content,omitempty"`

	// Absent expects the file not to exist (file_state).
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertLedgerContains = "ledger_contains"
	AssertLedgerOrder    = "ledger_order"
	AssertLedgerCount    = "ledger_count"
	AssertFileState      = "file_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields so typos like "assertion:" fail loudly
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(s, i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(s *Scenario, i int, step Step) error {
	if !slices.Contains(stepActions, step.Action) {
		return fmt.Errorf("steps[%d]: unknown action %q (want one of %v)", i, step.Action, stepActions)
	}
	switch step.Action {
	case StepApprove, StepSubmit, StepTamper:
		if step.WorkOrder == "" {
			return fmt.Errorf("steps[%d]: work_order is required for %s", i, step.Action)
		}
		if _, ok := s.WorkOrders[step.WorkOrder]; !ok {
			return fmt.Errorf("steps[%d]: unknown work order %q (have %v)", i, step.WorkOrder, workOrderNames(s))
		}
	case StepCorrupt:
		if _, err := plane.ParseRef(step.Ledger); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	if (step.Action == StepTamper || step.Action == StepCorrupt) && len(step.Replace) == 0 {
		return fmt.Errorf("steps[%d]: replace is required for %s", i, step.Action)
	}
	if step.Expect != nil && step.Action == StepVerify && step.Expect.Valid == nil {
		return fmt.Errorf("steps[%d].expect: valid is required for verify", i)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertLedgerContains:
		if a.Ledger == "" || a.Event == "" {
			return fmt.Errorf("assertions[%d]: ledger and event are required for ledger_contains", index)
		}
	case AssertLedgerOrder:
		if a.Ledger == "" || len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: ledger and events are required for ledger_order", index)
		}
	case AssertLedgerCount:
		if a.Ledger == "" || a.Event == "" {
			return fmt.Errorf("assertions[%d]: ledger and event are required for ledger_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for ledger_count", index)
		}
	case AssertFileState:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for file_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

func workOrderNames(s *Scenario) []string {
	names := make([]string, 0, len(s.WorkOrders))
	for name := range s.WorkOrders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
