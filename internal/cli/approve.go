package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/workorder"
)

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <work-order>",
		Short: "Record a work order approval",
		Long: `Validate a work order and append a WO_APPROVED entry carrying its payload
hash to the top plane's governance ledger. With --key the payload hash is
signed and the signature stored alongside the approval.

Exit codes:
  0 - Work order approved
  1 - Work order failed schema validation
  2 - Command error (unreadable file, uninitialised workspace, etc.)

Examples:
  govledger approve work_orders/WO-2026-001.yaml
  govledger approve WO-2026-001.json --key ~/.govledger/ed25519.key`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprove(cmd, rootOpts, args[0])
		},
	}
}

func runApprove(cmd *cobra.Command, opts *RootOptions, path string) error {
	wo, err := loadWorkOrder(path)
	if err != nil {
		return err
	}
	ws, err := opts.openWorkspace(cmd)
	if err != nil {
		return err
	}
	defer ws.Close()

	f := opts.formatter(cmd)
	approval, err := ws.pipeline.Approve(cmd.Context(), wo, opts.Actor)
	if workorder.IsValidationError(err) {
		if outErr := f.Error(ErrCodeInvalidInput, err.Error(), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, fmt.Sprintf("work order %s rejected", path), err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "approval failed", err)
	}

	return f.Result(true, approval, "", "", func(w io.Writer) {
		fmt.Fprintf(w, "Approved %s\n", approval.WorkOrderID)
		fmt.Fprintf(w, "  ledger:  %s\n", approval.Ledger)
		fmt.Fprintf(w, "  entry:   %s\n", approval.EntryID)
		fmt.Fprintf(w, "  payload: %s\n", approval.PayloadHash)
		if approval.Signature != nil {
			fmt.Fprintf(w, "  signer:  %s\n", approval.Signature.Signer)
		}
	})
}
