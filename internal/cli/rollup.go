package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/cursor"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/store"
)

// NewRollupCommand creates the rollup command.
func NewRollupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollup <source-ref> <target-ref>",
		Short: "Summarise new source entries into a target ledger",
		Long: `Read the entries of the source ledger appended since the target plane's
cursor and append one ROLLUP entry with per-event counts to the target
ledger. A range that was already rolled up only advances the cursor.

Examples:
  govledger rollup ho1:sessions ho2:workorders
  govledger rollup ho2:workorders ho3:governance --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollup(cmd, rootOpts, args[0], args[1])
		},
	}
}

func runRollup(cmd *cobra.Command, opts *RootOptions, sourceArg, targetArg string) error {
	sourceRef, err := parseRef(sourceArg)
	if err != nil {
		return err
	}
	targetRef, err := parseRef(targetArg)
	if err != nil {
		return err
	}
	logger := opts.logger(cmd)
	set, err := opts.planes()
	if err != nil {
		return err
	}
	consumer, err := set.Get(string(targetRef.Tier))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid target", err)
	}

	source, err := set.OpenLedger(sourceRef, ledger.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to open %s", sourceRef), err)
	}
	target, err := set.OpenLedger(targetRef, ledger.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to open %s", targetRef), err)
	}
	st, err := store.Open(consumer.IndexDB())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open index database", err)
	}
	defer st.Close()

	roller := &cursor.Roller{
		Cursors: cursor.NewManager(consumer.CursorDir(), cursor.WithLogger(logger)),
		Effects: st,
		Logger:  logger,
	}
	res, err := roller.Roll(cmd.Context(), source, target, string(consumer.Tier))
	if err != nil {
		return WrapExitError(ExitCommandError, "rollup failed", err)
	}

	return opts.formatter(cmd).Result(true, res, "", "", func(w io.Writer) {
		switch {
		case res.Range.Empty():
			fmt.Fprintf(w, "%s: nothing new since entry %d\n", sourceRef, res.Range.From)
		case res.Skipped:
			fmt.Fprintf(w, "%s: entries [%d, %d) already rolled up, cursor advanced\n", sourceRef, res.Range.From, res.Range.To)
		default:
			fmt.Fprintf(w, "%s: rolled up entries [%d, %d) into %s as %s\n", sourceRef, res.Range.From, res.Range.To, targetRef, res.EntryID)
		}
		if res.Range.WasReset {
			fmt.Fprintf(w, "  cursor was reset from %d\n", res.Range.Previous)
		}
	})
}
