package gate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/plane"
)

// ID identifies a gate.
type ID string

const (
	G0K ID = "G0K"
	G1  ID = "G1"
	G2  ID = "G2"
	G3  ID = "G3"
	G4  ID = "G4"
	G5  ID = "G5"
	G6  ID = "G6"

	// Schema is the structural check that precedes every gate.
	Schema ID = "SCHEMA"
)

// Order lists the gates in pipeline order.
var Order = []ID{G0K, G1, G2, G3, G4, G5, G6}

var names = map[ID]string{
	G0K:    "KERNEL_PARITY",
	G1:     "CHAIN",
	G2:     "WORK_ORDER",
	G3:     "CONSTRAINTS",
	G4:     "ACCEPTANCE",
	G5:     "SIGNATURE",
	G6:     "LEDGER",
	Schema: "SCHEMA",
}

// Name returns the gate's descriptive name.
func (id ID) Name() string {
	if n, ok := names[id]; ok {
		return n
	}
	return string(id)
}

// ParseID accepts "G2", "g2" or the descriptive name ("work_order").
func ParseID(s string) (ID, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for id, name := range names {
		if up == string(id) || up == name {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown gate %q", s)
}

// G2 decisions.
const (
	OutcomeProceed = "PROCEED"
	OutcomeNoOp    = "NO_OP"
)

// G2 failure reasons, distinguishable so callers can react differently.
const (
	ReasonNotApproved   = "NOT_APPROVED"
	ReasonTampered      = "TAMPERED"
	ReasonReplayVariant = "REPLAY_VARIANT"
)

// Result is the structured verdict of one gate. Business failures are
// results with Passed=false, never errors.
type Result struct {
	Gate     ID             `json:"gate"`
	Name     string         `json:"name"`
	Passed   bool           `json:"passed"`
	Outcome  string         `json:"outcome,omitempty"`
	Message  string         `json:"message"`
	Errors   []string       `json:"errors"`
	Warnings []string       `json:"warnings"`
	Details  map[string]any `json:"details,omitempty"`
}

func newResult(id ID) Result {
	return Result{Gate: id, Name: id.Name(), Passed: true, Errors: []string{}, Warnings: []string{}, Details: map[string]any{}}
}

func (r *Result) fail(format string, args ...any) {
	r.Passed = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// finding records a soft finding at the given severity.
func (r *Result) finding(sev Severity, format string, args ...any) {
	switch sev {
	case SeverityFail:
		r.fail(format, args...)
	case SeverityWarn:
		r.warn(format, args...)
	}
}

// conclude fills in Message from the collected errors and warnings.
func (r *Result) conclude(passMsg string) Result {
	switch {
	case !r.Passed && r.Message == "":
		r.Message = r.Errors[0]
	case r.Message == "" && len(r.Warnings) > 0:
		r.Message = fmt.Sprintf("%s (%d warning(s))", passMsg, len(r.Warnings))
	case r.Message == "":
		r.Message = passMsg
	}
	return *r
}

// DetailsObject converts Details for ledger metadata and the gate history.
func (r Result) DetailsObject() ir.Object {
	if len(r.Details) == 0 {
		return nil
	}
	v, err := ir.FromGo(r.Details)
	if err != nil {
		return ir.Object{"unrepresentable": ir.String(err.Error())}
	}
	obj, _ := v.(ir.Object)
	return obj
}

// Severity grades a soft finding.
type Severity string

const (
	SeverityIgnore Severity = "ignore"
	SeverityWarn   Severity = "warn"
	SeverityFail   Severity = "fail"
)

// ParseSeverity accepts ignore, warn or fail.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityIgnore, SeverityWarn, SeverityFail:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Policy tunes the gates. In strict mode environmental findings (missing
// signing key, unsigned approval, acceptance timeout) fail instead of warn.
type Policy struct {
	Strict            bool
	MissingSpec       Severity
	NewFiles          Severity
	Constraints       Severity
	UnsignedApproval  Severity
	AcceptanceTimeout time.Duration
	DeepKernelCheck   bool
}

// DefaultPolicy is permissive with warnings for every soft finding.
func DefaultPolicy() Policy {
	return Policy{
		MissingSpec:       SeverityWarn,
		NewFiles:          SeverityWarn,
		Constraints:       SeverityWarn,
		UnsignedApproval:  SeverityWarn,
		AcceptanceTimeout: 300 * time.Second,
	}
}

// PolicyFromConfig builds a Policy from planes.yaml severities.
func PolicyFromConfig(cfg plane.PolicyConfig, strict bool, timeout time.Duration) (Policy, error) {
	p := DefaultPolicy()
	p.Strict = strict
	if timeout > 0 {
		p.AcceptanceTimeout = timeout
	}
	for _, f := range []struct {
		name string
		in   string
		out  *Severity
	}{
		{"missing_spec", cfg.MissingSpec, &p.MissingSpec},
		{"new_files", cfg.NewFiles, &p.NewFiles},
		{"constraints", cfg.Constraints, &p.Constraints},
		{"unsigned_approval", cfg.UnsignedApproval, &p.UnsignedApproval},
	} {
		if f.in == "" {
			continue
		}
		sev, err := ParseSeverity(f.in)
		if err != nil {
			return Policy{}, fmt.Errorf("policy.%s: %w", f.name, err)
		}
		*f.out = sev
	}
	return p, nil
}

// environmental returns the severity of an environmental finding.
func (p Policy) environmental() Severity {
	if p.Strict {
		return SeverityFail
	}
	return SeverityWarn
}

// InfraError is an infrastructure fault raised while running a gate: ledger
// I/O, transaction or process failures. It is never a gate verdict.
type InfraError struct {
	Gate ID
	Op   string
	Err  error
}

func (e *InfraError) Error() string {
	if e.Gate == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gate %s: %s: %v", e.Gate, e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// IsInfraError reports whether err is an InfraError.
func IsInfraError(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}

func infra(id ID, op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *InfraError
	if errors.As(err, &ie) {
		return err
	}
	return &InfraError{Gate: id, Op: op, Err: err}
}
