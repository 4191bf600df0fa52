package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/gate"
)

// GateOptions holds flags for the gate command.
type GateOptions struct {
	*RootOptions
	Workspace string
	Enforce   bool // warnings fail the command
}

// NewGateCommand creates the gate command.
func NewGateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gate <gate> <work-order>",
		Short: "Evaluate a single gate",
		Long: `Evaluate one gate against a work order without recording anything in the
ledgers or the gate history. The gate is named by id (G0K, G1..G6, SCHEMA)
or by its descriptive name (kernel_parity, chain, work_order, constraints,
acceptance, signature, ledger).

Exit codes:
  0 - Gate passed
  1 - Gate failed, or passed with warnings under --enforce
  2 - Command error

Examples:
  govledger gate G3 WO-2026-001.yaml --workspace ./changes
  govledger gate ledger WO-2026-001.yaml --enforce`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGate(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&opts.Workspace, "workspace", "w", "", "directory holding the changed files")
	cmd.Flags().BoolVar(&opts.Enforce, "enforce", false, "treat warnings as failures")

	return cmd
}

func runGate(cmd *cobra.Command, opts *GateOptions, name, path string) error {
	id, err := gate.ParseID(name)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid gate", err)
	}
	wo, err := loadWorkOrder(path)
	if err != nil {
		return err
	}
	ws, err := opts.openWorkspace(cmd)
	if err != nil {
		return err
	}
	defer ws.Close()

	res, err := ws.pipeline.RunGate(cmd.Context(), id, gate.Submission{
		WorkOrder: wo,
		Workspace: opts.Workspace,
		Actor:     opts.Actor,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("gate %s could not run", id), err)
	}

	message := ""
	switch {
	case !res.Passed:
		message = fmt.Sprintf("gate %s failed: %s", id, res.Message)
	case opts.Enforce && len(res.Warnings) > 0:
		message = fmt.Sprintf("gate %s passed with %d warning(s)", id, len(res.Warnings))
	}
	ok := message == ""
	if err := opts.formatter(cmd).Result(ok, res, ErrCodeGateFailed, message, func(w io.Writer) {
		printGateResults(w, []gate.Result{res})
	}); err != nil {
		return err
	}
	if !ok {
		return NewExitError(ExitFailure, message)
	}
	return nil
}
