package harness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Entries  []string // Ledger entries for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Entries) > 0 {
		fmt.Fprintf(&buf, "\nLedger entries:\n")
		for i, entry := range e.Entries {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, entry)
		}
	}

	return buf.String()
}

// AssertionContext carries the final workspace state assertions run
// against.
type AssertionContext struct {
	ExecRoot string
	Ledgers  map[string][]string
}

func (a *AssertionContext) ledger(typ, ref string) ([]string, error) {
	entries, ok := a.Ledgers[ref]
	if !ok {
		return nil, &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("ledger %s", ref),
			Actual:   "ledger does not exist",
		}
	}
	return entries, nil
}

func eventOf(entry string) (event, decision string) {
	event, decision, _ = strings.Cut(entry, ":")
	return event, decision
}

// assertLedgerContains checks that the ledger holds an entry with the event
// and, when given, the decision.
func assertLedgerContains(actx *AssertionContext, assertion Assertion) error {
	entries, err := actx.ledger(AssertLedgerContains, assertion.Ledger)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		event, decision := eventOf(entry)
		if event == assertion.Event && (assertion.Decision == "" || decision == assertion.Decision) {
			return nil
		}
	}

	want := assertion.Event
	if assertion.Decision != "" {
		want += ":" + assertion.Decision
	}
	return &AssertionError{
		Type:     AssertLedgerContains,
		Expected: fmt.Sprintf("%s in %s", want, assertion.Ledger),
		Actual:   "not found",
		Entries:  entries,
	}
}

// assertLedgerOrder checks that the events appear in order. Intervening
// entries are allowed.
func assertLedgerOrder(actx *AssertionContext, assertion Assertion) error {
	entries, err := actx.ledger(AssertLedgerOrder, assertion.Ledger)
	if err != nil {
		return err
	}
	next := 0
	for _, entry := range entries {
		if next == len(assertion.Events) {
			break
		}
		if event, _ := eventOf(entry); event == assertion.Events[next] {
			next++
		}
	}
	if next < len(assertion.Events) {
		return &AssertionError{
			Type:     AssertLedgerOrder,
			Expected: fmt.Sprintf("events in order: %v", assertion.Events),
			Actual:   fmt.Sprintf("%s missing after %v", assertion.Events[next], assertion.Events[:next]),
			Entries:  entries,
		}
	}
	return nil
}

// assertLedgerCount checks that the event appears exactly Count times.
func assertLedgerCount(actx *AssertionContext, assertion Assertion) error {
	entries, err := actx.ledger(AssertLedgerCount, assertion.Ledger)
	if err != nil {
		return err
	}
	count := 0
	for _, entry := range entries {
		if event, _ := eventOf(entry); event == assertion.Event {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertLedgerCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Entries:  entries,
		}
	}
	return nil
}

// assertFileState checks an execution plane file's content or absence.
func assertFileState(actx *AssertionContext, assertion Assertion) error {
	path := filepath.Join(actx.ExecRoot, filepath.FromSlash(assertion.Path))
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if assertion.Absent {
			return nil
		}
		return &AssertionError{
			Type:     AssertFileState,
			Expected: fmt.Sprintf("%s to exist", assertion.Path),
			Actual:   "file does not exist",
		}
	case err != nil:
		return fmt.Errorf("read %s: %w", assertion.Path, err)
	case assertion.Absent:
		return &AssertionError{
			Type:     AssertFileState,
			Expected: fmt.Sprintf("%s to be absent", assertion.Path),
			Actual:   fmt.Sprintf("file exists with %d byte(s)", len(data)),
		}
	case string(data) != assertion.Content:
		return &AssertionError{
			Type:     AssertFileState,
			Expected: fmt.Sprintf("%s to contain %q", assertion.Path, assertion.Content),
			Actual:   fmt.Sprintf("%q", string(data)),
		}
	}
	return nil
}

// checkExpect compares a step's trace event with its expect clause.
func checkExpect(expect *ExpectClause, ev TraceEvent) []string {
	if expect == nil {
		return nil
	}
	var errs []string
	if expect.Outcome != "" && ev.Outcome != expect.Outcome {
		errs = append(errs, fmt.Sprintf("expected outcome %s, got %s (%s)", expect.Outcome, ev.Outcome, ev.Message))
	}
	if expect.FailedGate != "" && ev.FailedGate != expect.FailedGate {
		errs = append(errs, fmt.Sprintf("expected gate %s to fail, got %q (%s)", expect.FailedGate, ev.FailedGate, ev.Message))
	}
	if expect.GateOutcome != "" {
		got := ""
		if n := len(ev.Gates); n > 0 {
			_, got, _ = strings.Cut(ev.Gates[n-1], ":")
		}
		if got != expect.GateOutcome {
			errs = append(errs, fmt.Sprintf("expected gate outcome %s, got %s", expect.GateOutcome, got))
		}
	}
	if expect.Message != "" && !strings.Contains(ev.Message, expect.Message) {
		errs = append(errs, fmt.Sprintf("expected message containing %q, got %q", expect.Message, ev.Message))
	}
	if expect.Valid != nil && (ev.Valid == nil || *ev.Valid != *expect.Valid) {
		errs = append(errs, fmt.Sprintf("expected valid=%t (%s)", *expect.Valid, ev.Message))
	}
	return errs
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertLedgerContains:
			err = assertLedgerContains(actx, a)
		case AssertLedgerOrder:
			err = assertLedgerOrder(actx, a)
		case AssertLedgerCount:
			err = assertLedgerCount(actx, a)
		case AssertFileState:
			err = assertFileState(actx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
