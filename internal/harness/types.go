package harness

// TraceEvent records one executed scenario step.
type TraceEvent struct {
	Seq        int      `json:"seq"`
	Action     string   `json:"action"`
	WorkOrder  string   `json:"work_order,omitempty"`
	Outcome    string   `json:"outcome,omitempty"`
	FailedGate string   `json:"failed_gate,omitempty"`
	Gates      []string `json:"gates,omitempty"`
	Ledger     string   `json:"ledger,omitempty"`
	Message    string   `json:"-"`
	Valid      *bool    `json:"valid,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Ledgers maps every ledger reference in the workspace to its entries,
	// each rendered as EVENT_TYPE:DECISION.
	Ledgers map[string][]string `json:"ledgers,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Ledgers: map[string][]string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event, numbering it.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
