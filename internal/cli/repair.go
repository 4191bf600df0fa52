package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/ledger/repair"
)

// RepairOptions holds flags for the repair command.
type RepairOptions struct {
	*RootOptions
	Mode    string
	Confirm bool
}

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RepairOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "repair <ledger-ref>",
		Short: "Repair a damaged ledger",
		Long: `Repair a ledger whose hash chain is broken.

Modes:
  verify-only  report the damage, change nothing (default)
  truncate     keep entries up to the first break, back up the rest
  reset        back up every segment and start an empty ledger (needs --confirm)

Exit codes:
  0 - The ledger is valid after the repair
  1 - The ledger is still invalid
  2 - Command error (bad mode, reset without --confirm, etc.)

Examples:
  govledger repair ho2:workorders
  govledger repair ho2:workorders --mode truncate
  govledger repair ho1:sessions --mode reset --confirm`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", string(repair.ModeVerifyOnly), "repair mode (verify-only|truncate|reset)")
	cmd.Flags().BoolVar(&opts.Confirm, "confirm", false, "confirm a destructive reset")

	return cmd
}

func runRepair(cmd *cobra.Command, opts *RepairOptions, arg string) error {
	mode, err := repair.ParseMode(opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid repair mode", err)
	}
	ref, err := parseRef(arg)
	if err != nil {
		return err
	}
	logger := opts.logger(cmd)
	set, err := opts.planes()
	if err != nil {
		return err
	}
	path, err := set.ResolveLedger(ref)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid ledger reference", err)
	}

	res, err := repair.New(repair.WithLogger(logger)).Run(path, mode, opts.Confirm)
	if errors.Is(err, repair.ErrNotConfirmed) {
		return NewExitError(ExitCommandError, "reset discards every entry: pass --confirm to proceed")
	}
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to repair %s", ref), err)
	}

	final := res.Before
	if res.After != nil {
		final = *res.After
	}
	message := ""
	if !final.Valid {
		message = fmt.Sprintf("ledger %s is invalid", ref)
	}
	if err := opts.formatter(cmd).Result(final.Valid, res, ErrCodeLedgerInvalid, message, func(w io.Writer) {
		printLedgerReport(w, ref.String(), res.Before)
		if !res.Changed {
			fmt.Fprintf(w, "%s: no changes\n", res.Mode)
			return
		}
		fmt.Fprintf(w, "%s: kept %d entries, removed %d\n", res.Mode, res.KeptEntries, res.RemovedEntries)
		if res.BackupDir != "" {
			fmt.Fprintf(w, "  backup: %s\n", res.BackupDir)
		}
		if res.After != nil {
			printLedgerReport(w, ref.String(), *res.After)
		}
	}); err != nil {
		return err
	}
	if !final.Valid {
		return NewExitError(ExitFailure, message)
	}
	return nil
}
