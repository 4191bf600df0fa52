package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/store"
)

// GateRunView is one row of a work order's gate history.
type GateRunView struct {
	Seq        int64     `json:"seq"`
	SessionID  string    `json:"session_id"`
	Plane      string    `json:"plane"`
	Gate       string    `json:"gate"`
	Passed     bool      `json:"passed"`
	Outcome    string    `json:"outcome,omitempty"`
	Message    string    `json:"message"`
	Details    ir.Object `json:"details,omitempty"`
	RecordedAt string    `json:"recorded_at"`
}

// EffectView is one applied effect derived from a work order.
type EffectView struct {
	DedupeKey string `json:"dedupe_key"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	ClaimedAt string `json:"claimed_at"`
	AppliedAt string `json:"applied_at,omitempty"`
}

// HistoryResult is the output of the history command.
type HistoryResult struct {
	WorkOrderID string        `json:"work_order_id"`
	Runs        []GateRunView `json:"runs"`
	Effects     []EffectView  `json:"effects"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <work-order-id>",
		Short: "Show a work order's gate history",
		Long: `List every recorded gate evaluation of a work order, across sessions, and
the effects its submissions claimed in the execution plane's index database.

Examples:
  govledger history WO-2026-001
  govledger history WO-2026-001 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, rootOpts, args[0])
		},
	}
}

func runHistory(cmd *cobra.Command, opts *RootOptions, workOrderID string) error {
	set, err := opts.planes()
	if err != nil {
		return err
	}
	st, err := store.Open(set.Execution().IndexDB())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open index database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	runs, err := st.ReadGateRuns(ctx, workOrderID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read gate history", err)
	}
	effects, err := st.EffectsBySource(ctx, workOrderID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read effects", err)
	}

	out := HistoryResult{
		WorkOrderID: workOrderID,
		Runs:        make([]GateRunView, 0, len(runs)),
		Effects:     make([]EffectView, 0, len(effects)),
	}
	for _, r := range runs {
		out.Runs = append(out.Runs, GateRunView{
			Seq:        r.Seq,
			SessionID:  r.SessionID,
			Plane:      r.Plane,
			Gate:       r.Gate,
			Passed:     r.Passed,
			Outcome:    r.Outcome,
			Message:    r.Message,
			Details:    r.Details,
			RecordedAt: r.RecordedAt,
		})
	}
	for _, e := range effects {
		out.Effects = append(out.Effects, EffectView{
			DedupeKey: e.DedupeKey,
			Kind:      e.Kind,
			Status:    e.Status,
			ClaimedAt: e.ClaimedAt,
			AppliedAt: e.AppliedAt,
		})
	}

	return opts.formatter(cmd).Result(true, out, "", "", func(w io.Writer) {
		if len(out.Runs) == 0 {
			fmt.Fprintf(w, "No gate runs recorded for %s.\n", workOrderID)
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tSESSION\tGATE\tRESULT\tOUTCOME\tMESSAGE")
		for _, r := range out.Runs {
			result := "pass"
			if !r.Passed {
				result = "FAIL"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Seq, r.SessionID, r.Gate, result, r.Outcome, r.Message)
		}
		tw.Flush()
		for _, e := range out.Effects {
			fmt.Fprintf(w, "effect %s %s (%s)\n", e.Kind, e.Status, e.DedupeKey)
		}
	})
}
