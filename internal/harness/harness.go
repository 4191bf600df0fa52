package harness

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/govledger/internal/gate"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/plane"
	"github.com/roach88/govledger/internal/signing"
	"github.com/roach88/govledger/internal/store"
	"github.com/roach88/govledger/internal/testutil"
	"github.com/roach88/govledger/internal/workorder"
)

// signingSeed derives the key used by signed scenarios.
const signingSeed = 0x5a

// Harness is the scenario execution engine. Every scenario runs against a
// freshly initialised workspace with a stepping clock, sequential ids and
// scripted acceptance commands, so traces are reproducible.
type Harness struct {
	root     string
	set      *plane.Set
	pipeline *gate.Pipeline
	runner   *scriptedRunner
	docs     map[string]string
	logger   *slog.Logger
}

// Run executes a scenario in a temporary workspace that is removed
// afterwards.
func Run(scenario *Scenario) (*Result, error) {
	root, err := os.MkdirTemp("", "govledger-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer os.RemoveAll(root)
	return RunIn(scenario, root)
}

// RunIn executes a scenario in root, which should be empty.
//
// Execution flow:
// 1. Initialise the planes and open the execution plane's index
// 2. Build a pipeline with deterministic helpers
// 3. Execute the steps, checking each expect clause
// 4. Snapshot every ledger and evaluate the assertions
func RunIn(scenario *Scenario, root string) (*Result, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in scenarios
	clock := testutil.NewSteppingClock()
	ids := testutil.NewSequenceGenerator("id")

	initRes, err := plane.Init(root, "harness",
		ledger.WithClock(clock),
		ledger.WithIDGenerator(ids),
		ledger.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise planes: %w", err)
	}
	st, err := store.Open(initRes.Set.Execution().IndexDB())
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	defer st.Close()

	pol := gate.DefaultPolicy()
	pol.Strict = scenario.Strict
	runner := &scriptedRunner{}
	opts := []gate.Option{
		gate.WithRunner(runner),
		gate.WithPolicy(pol),
		gate.WithClock(clock),
		gate.WithIDGenerator(ids),
		gate.WithLogger(logger),
	}
	reg := &signing.Registry{}
	if scenario.Signed {
		signer, err := scenarioSigner()
		if err != nil {
			return nil, err
		}
		reg.Add(signer.PublicKey(), "harness", "")
		opts = append(opts, gate.WithSigner(signer))
	}
	opts = append(opts, gate.WithRegistry(reg))

	p, err := gate.NewPipeline(initRes.Set, st, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	h := &Harness{
		root:     root,
		set:      initRes.Set,
		pipeline: p,
		runner:   runner,
		docs:     map[string]string{},
		logger:   logger,
	}
	for name, doc := range scenario.WorkOrders {
		h.docs[name] = doc
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, i+1, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
		result.AddTrace(ev)
		for _, msg := range checkExpect(step.Expect, ev) {
			result.AddError(fmt.Sprintf("step %d (%s): %s", i+1, step.Action, msg))
		}
	}

	ledgers, err := h.snapshotLedgers()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot ledgers: %w", err)
	}
	result.Ledgers = ledgers

	actx := &AssertionContext{ExecRoot: h.set.Execution().Root, Ledgers: ledgers}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func scenarioSigner() (*signing.Signer, error) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = signingSeed
	}
	return signing.NewSigner(ed25519.NewKeyFromSeed(seed))
}

func (h *Harness) workOrder(name string) (*workorder.WorkOrder, error) {
	doc, ok := h.docs[name]
	if !ok {
		return nil, fmt.Errorf("unknown work order %q", name)
	}
	return workorder.Parse([]byte(doc), workorder.FormatYAML)
}

func (h *Harness) execute(ctx context.Context, seq int, step Step) (TraceEvent, error) {
	switch step.Action {
	case StepApprove:
		return h.approve(ctx, step)
	case StepSubmit:
		return h.submit(ctx, seq, step)
	case StepTamper:
		return h.tamper(step)
	case StepCorrupt:
		return h.corrupt(step)
	case StepVerify:
		return h.verify()
	default:
		return TraceEvent{}, fmt.Errorf("unknown action %q", step.Action)
	}
}

func (h *Harness) approve(ctx context.Context, step Step) (TraceEvent, error) {
	wo, err := h.workOrder(step.WorkOrder)
	if err != nil {
		return TraceEvent{}, err
	}
	ev := TraceEvent{Action: StepApprove, WorkOrder: wo.ID, Outcome: "APPROVED"}
	if _, err := h.pipeline.Approve(ctx, wo, "reviewer"); err != nil {
		if !workorder.IsValidationError(err) {
			return TraceEvent{}, err
		}
		ev.Outcome = "REJECTED"
		ev.Message = err.Error()
	}
	return ev, nil
}

func (h *Harness) submit(ctx context.Context, seq int, step Step) (TraceEvent, error) {
	wo, err := h.workOrder(step.WorkOrder)
	if err != nil {
		return TraceEvent{}, err
	}
	session := fmt.Sprintf("s%d", seq)

	var ws string
	if len(step.Workspace) > 0 {
		ws = filepath.Join(h.root, "workspaces", session)
		if err := writeFiles(ws, step.Workspace); err != nil {
			return TraceEvent{}, err
		}
	}
	h.runner.script(step.Acceptance)

	rep, err := h.pipeline.Submit(ctx, gate.Submission{
		WorkOrder: wo,
		Workspace: ws,
		Actor:     "developer",
		SessionID: session,
	})
	if err != nil {
		return TraceEvent{}, err
	}

	ev := TraceEvent{
		Action:     StepSubmit,
		WorkOrder:  wo.ID,
		Outcome:    string(rep.Outcome),
		FailedGate: string(rep.FailedGate),
	}
	for _, res := range rep.Results {
		ev.Gates = append(ev.Gates, gateLabel(res))
	}
	if failed, ok := rep.Failed(); ok {
		ev.Message = failed.Message
	} else if n := len(rep.Results); n > 0 {
		ev.Message = rep.Results[n-1].Message
	}
	return ev, nil
}

// gateLabel renders a result as GATE:VERDICT, where the verdict is the
// gate's outcome code or PASS/FAIL.
func gateLabel(res gate.Result) string {
	verdict := res.Outcome
	if verdict == "" {
		verdict = "PASS"
		if !res.Passed {
			verdict = "FAIL"
		}
	}
	return string(res.Gate) + ":" + verdict
}

func (h *Harness) tamper(step Step) (TraceEvent, error) {
	wo, err := h.workOrder(step.WorkOrder)
	if err != nil {
		return TraceEvent{}, err
	}
	doc, err := replaceAll(h.docs[step.WorkOrder], step.Replace)
	if err != nil {
		return TraceEvent{}, fmt.Errorf("tamper %s: %w", step.WorkOrder, err)
	}
	h.docs[step.WorkOrder] = doc
	return TraceEvent{Action: StepTamper, WorkOrder: wo.ID}, nil
}

func (h *Harness) corrupt(step Step) (TraceEvent, error) {
	ref, err := plane.ParseRef(step.Ledger)
	if err != nil {
		return TraceEvent{}, err
	}
	path, err := h.set.ResolveLedger(ref)
	if err != nil {
		return TraceEvent{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return TraceEvent{}, fmt.Errorf("corrupt %s: %w", ref, err)
	}
	out, err := replaceAll(string(data), step.Replace)
	if err != nil {
		return TraceEvent{}, fmt.Errorf("corrupt %s: %w", ref, err)
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return TraceEvent{}, fmt.Errorf("corrupt %s: %w", ref, err)
	}
	return TraceEvent{Action: StepCorrupt, Ledger: ref.String()}, nil
}

func (h *Harness) verify() (TraceEvent, error) {
	refs, err := h.set.Ledgers()
	if err != nil {
		return TraceEvent{}, err
	}
	valid := true
	ev := TraceEvent{Action: StepVerify}
	for _, ref := range refs {
		path, err := h.set.ResolveLedger(ref)
		if err != nil {
			return TraceEvent{}, err
		}
		rep, err := ledger.Verify(path)
		if err != nil {
			return TraceEvent{}, err
		}
		if !rep.Valid && valid {
			valid = false
			if fails := rep.Failures(); len(fails) > 0 {
				ev.Message = fmt.Sprintf("%s: %s: %s", ref, fails[0].Code, fails[0].Message)
			}
		}
	}
	ev.Valid = &valid
	return ev, nil
}

func (h *Harness) snapshotLedgers() (map[string][]string, error) {
	refs, err := h.set.Ledgers()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(refs))
	for _, ref := range refs {
		l, err := h.set.OpenLedger(ref, ledger.WithLogger(h.logger))
		if err != nil {
			return nil, err
		}
		entries, err := l.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref, err)
		}
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = string(e.EventType) + ":" + e.Decision
		}
		out[ref.String()] = lines
	}
	return out, nil
}

// replaceAll applies every replacement in key order. A replacement that
// matches nothing is an error.
func replaceAll(s string, replace map[string]string) (string, error) {
	keys := make([]string, 0, len(replace))
	for k := range replace {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, old := range keys {
		if !strings.Contains(s, old) {
			return "", fmt.Errorf("text %q not found", old)
		}
		s = strings.ReplaceAll(s, old, replace[old])
	}
	return s, nil
}

func writeFiles(root string, files map[string]string) error {
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// scriptedRunner answers acceptance commands from the current step's
// script instead of running them.
type scriptedRunner struct {
	mu    sync.Mutex
	codes map[string]int
}

func (r *scriptedRunner) script(codes map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = codes
}

func (r *scriptedRunner) Run(_ context.Context, opts gate.ExecOptions) (gate.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code := r.codes[opts.Command]
	res := gate.ExecResult{Command: opts.Command, ExitCode: code}
	switch {
	case code == gate.TimeoutExitCode:
		res.TimedOut = true
	case code != 0:
		res.Stderr = fmt.Sprintf("scripted failure of %s\n", opts.Command)
	}
	return res, nil
}
