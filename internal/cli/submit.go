package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/gate"
	"github.com/roach88/govledger/internal/txn"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Workspace string // directory holding the changed files
	Session   string // session id, generated when empty
	Commit    bool   // commit installed files to git
	Email     string // git author email
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <work-order>",
		Short: "Run the gates and apply a work order",
		Long: `Submit a work order with its changed files. The gates G0K..G6 run in order
and the first failure stops the submission. When every gate passes, the
files are installed into the execution plane atomically and the work order
is recorded as completed. A work order already applied with the same payload
is a no-op.

Exit codes:
  0 - Applied, or no-op replay
  1 - A gate failed
  2 - Command error (unreadable work order, uninitialised workspace, etc.)

Examples:
  govledger submit WO-2026-001.yaml --workspace ./changes
  govledger submit WO-2026-001.yaml --workspace ./changes --commit
  govledger submit WO-2026-001.yaml --workspace ./changes --strict --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Workspace, "workspace", "w", "", "directory holding the changed files (required)")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session id (default: generated)")
	cmd.Flags().BoolVar(&opts.Commit, "commit", false, "commit installed files to git")
	cmd.Flags().StringVar(&opts.Email, "email", "govledger@localhost", "git author email for --commit")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

func runSubmit(cmd *cobra.Command, opts *SubmitOptions, path string) error {
	wo, err := loadWorkOrder(path)
	if err != nil {
		return err
	}
	var extra []gate.Option
	if opts.Commit {
		extra = append(extra, gate.WithCommitter(txn.GitCommitter{Author: opts.Actor, Email: opts.Email}))
	}
	ws, err := opts.openWorkspace(cmd, extra...)
	if err != nil {
		return err
	}
	defer ws.Close()

	rep, err := ws.pipeline.Submit(cmd.Context(), gate.Submission{
		WorkOrder: wo,
		Workspace: opts.Workspace,
		Actor:     opts.Actor,
		SessionID: opts.Session,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "submission aborted", err)
	}

	failed, isFailed := rep.Failed()
	message := ""
	if isFailed {
		message = fmt.Sprintf("work order %s failed at %s: %s", rep.WorkOrderID, failed.Gate, failed.Message)
	}
	if err := opts.formatter(cmd).Result(!isFailed, rep, ErrCodeGateFailed, message, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %s (session %s)\n", rep.WorkOrderID, rep.Outcome, rep.SessionID)
		printGateResults(w, rep.Results)
		if rep.Transaction != nil {
			fmt.Fprintf(w, "  installed %d file(s) in transaction %s\n", len(rep.Transaction.Applied), rep.Transaction.ID)
			if rep.Transaction.VCS != nil {
				fmt.Fprintf(w, "  commit: %s\n", rep.Transaction.VCS.Commit)
			}
			if rep.Transaction.VCSError != "" {
				fmt.Fprintf(w, "  commit failed: %s\n", rep.Transaction.VCSError)
			}
		}
		if rep.Attestation != nil {
			fmt.Fprintf(w, "  attestation: %s\n", rep.Attestation.ID)
		}
	}); err != nil {
		return err
	}
	if isFailed {
		return NewExitError(ExitFailure, message)
	}
	return nil
}

// printGateResults prints one line per gate plus its warnings and errors.
func printGateResults(w io.Writer, results []gate.Result) {
	for _, res := range results {
		mark := "✓"
		if !res.Passed {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %-4s %s: %s\n", mark, res.Gate, res.Name, res.Message)
		if res.Outcome != "" && res.Passed {
			fmt.Fprintf(w, "      outcome: %s\n", res.Outcome)
		}
		for _, warning := range res.Warnings {
			fmt.Fprintf(w, "      warning: %s\n", warning)
		}
		if !res.Passed && len(res.Errors) > 1 {
			for _, e := range res.Errors[1:] {
				fmt.Fprintf(w, "      error: %s\n", e)
			}
		}
	}
}
