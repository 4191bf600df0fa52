package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
)

// TimeoutExitCode is reported for a command killed at its deadline.
const TimeoutExitCode = -2

// maxOutput bounds the command output kept in results and ledger entries.
const maxOutput = 4096

// ExecOptions describes one acceptance command.
type ExecOptions struct {
	Command string
	WorkDir string
	Env     []string
	Timeout time.Duration
}

// ExecResult contains the output of one acceptance command.
type ExecResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Runner executes acceptance commands. A non-zero exit is a result, not an
// error; errors mean the command could not be run at all.
type Runner interface {
	Run(ctx context.Context, opts ExecOptions) (ExecResult, error)
}

// ShellRunner runs commands with sh -c in their own process group. On
// timeout the whole group is killed.
type ShellRunner struct{}

// Run implements Runner.
func (ShellRunner) Run(ctx context.Context, opts ExecOptions) (ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", opts.Command)
	cmd.Dir = opts.WorkDir
	cmd.Env = opts.Env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	killProcessGroup(cmd)
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		Command:  opts.Command,
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
		Duration: time.Since(start),
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = TimeoutExitCode
		res.TimedOut = true
		return res, nil
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("run %q: %w", opts.Command, err)
	}
	return res, nil
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n... (truncated)"
}

// commandEnv returns the process environment with dir prepended to PATH.
func commandEnv(dir string) []string {
	env := os.Environ()
	for i, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			env[i] = "PATH=" + dir + string(os.PathListSeparator) + v
			return env
		}
	}
	return append(env, "PATH="+dir)
}

// acceptance is G4: the work order's tests then checks, stopping at the
// first failure or timeout. A timeout fails only in strict mode.
func (p *Pipeline) acceptance(ctx context.Context, r *run) (Result, error) {
	res := newResult(G4)
	cmds := r.wo.Acceptance.Commands()
	if len(cmds) == 0 {
		res.Details["commands"] = 0
		return res.conclude("no acceptance commands declared"), nil
	}

	dir := r.workspace
	if dir == "" {
		dir = r.exec.Root
	}
	env := commandEnv(dir)
	var ran, passed int
	var runs []any

	for i, c := range cmds {
		kind := "test"
		if i >= len(r.wo.Acceptance.Tests) {
			kind = "check"
		}
		out, err := p.runner.Run(ctx, ExecOptions{Command: c, WorkDir: dir, Env: env, Timeout: p.policy.AcceptanceTimeout})
		if err != nil {
			return res, infra(G4, "run acceptance command", err)
		}
		ran++
		runs = append(runs, map[string]any{
			"kind":      kind,
			"command":   c,
			"exit_code": out.ExitCode,
		})
		if err := p.recordAcceptance(r, kind, out); err != nil {
			return res, err
		}

		if out.TimedOut {
			sev := p.policy.environmental()
			res.finding(sev, "%s %q timed out after %s", kind, c, p.policy.AcceptanceTimeout)
			break
		}
		if out.ExitCode != 0 {
			res.fail("%s %q exited with %d: %s", kind, c, out.ExitCode, firstLine(out.Stderr, out.Stdout))
			break
		}
		passed++
	}
	res.Details["commands"] = len(cmds)
	res.Details["ran"] = ran
	res.Details["skipped"] = len(cmds) - ran
	res.Details["runs"] = runs
	return res.conclude(fmt.Sprintf("%d of %d acceptance command(s) passed", passed, len(cmds))), nil
}

func (p *Pipeline) recordAcceptance(r *run, kind string, out ExecResult) error {
	if r.session == nil {
		return nil
	}
	decision := "PASS"
	switch {
	case out.TimedOut:
		decision = "TIMEOUT"
	case out.ExitCode != 0:
		decision = "FAIL"
	}
	_, err := r.session.Write(ledger.Entry{
		EventType:    ledger.EventAcceptanceResult,
		SubmissionID: r.sub.SessionID,
		Decision:     decision,
		Reason:       out.Command,
		Metadata: ledger.Metadata{
			Provenance: p.provenance(r),
			Extra: ir.Object{
				"kind":        ir.String(kind),
				"exit_code":   ir.Int(out.ExitCode),
				"duration_ms": ir.Int(out.Duration.Milliseconds()),
				"stdout":      ir.String(out.Stdout),
				"stderr":      ir.String(out.Stderr),
			},
		},
	})
	return infra(G4, "record acceptance result", err)
}

func firstLine(candidates ...string) string {
	for _, s := range candidates {
		if s = strings.TrimSpace(s); s != "" {
			line, _, _ := strings.Cut(s, "\n")
			return line
		}
	}
	return "no output"
}
