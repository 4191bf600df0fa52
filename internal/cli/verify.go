package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/plane"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	All     bool // every ledger, not only the main ledgers
	Enforce bool // warnings fail the command
}

// LedgerVerification is one verified ledger.
type LedgerVerification struct {
	Ref    string        `json:"ref"`
	Report ledger.Report `json:"report"`
}

// VerifyResult is the output of the verify command.
type VerifyResult struct {
	Valid   bool                 `json:"valid"`
	Ledgers []LedgerVerification `json:"ledgers"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify [ledger-ref...]",
		Short: "Verify ledger hash chains",
		Long: `Recompute the hash chain of each ledger. Without arguments every plane's
main ledger is verified; --all adds work order instance and session
ledgers. References take the form <tier>:<name>, e.g. ho3:governance.

Exit codes:
  0 - Every chain is intact
  1 - A chain is broken, or has warnings under --enforce
  2 - Command error

Examples:
  govledger verify
  govledger verify --all --format json
  govledger verify ho2:wo/WO-2026-001/s1`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "verify every ledger on every plane")
	cmd.Flags().BoolVar(&opts.Enforce, "enforce", false, "treat warnings as failures")

	return cmd
}

func runVerify(cmd *cobra.Command, opts *VerifyOptions, args []string) error {
	logger := opts.logger(cmd)
	set, err := opts.planes()
	if err != nil {
		return err
	}
	refs, err := verifyTargets(set, args, opts.All)
	if err != nil {
		return err
	}

	result := VerifyResult{Valid: true, Ledgers: make([]LedgerVerification, 0, len(refs))}
	warnings := 0
	for _, ref := range refs {
		path, err := set.ResolveLedger(ref)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid ledger reference", err)
		}
		rep, err := ledger.Verify(path)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to verify %s", ref), err)
		}
		logger.Debug("ledger verified", "ledger", ref.String(), "entries", rep.Entries, "valid", rep.Valid)
		result.Valid = result.Valid && rep.Valid
		warnings += len(rep.Warnings())
		result.Ledgers = append(result.Ledgers, LedgerVerification{Ref: ref.String(), Report: rep})
	}

	message := ""
	switch {
	case !result.Valid:
		message = "ledger verification failed"
	case opts.Enforce && warnings > 0:
		message = fmt.Sprintf("ledger verification found %d warning(s)", warnings)
	}
	ok := message == ""
	if err := opts.formatter(cmd).Result(ok, result, ErrCodeLedgerInvalid, message, func(w io.Writer) {
		for _, lv := range result.Ledgers {
			printLedgerReport(w, lv.Ref, lv.Report)
		}
	}); err != nil {
		return err
	}
	if !ok {
		return NewExitError(ExitFailure, message)
	}
	return nil
}

func verifyTargets(set *plane.Set, args []string, all bool) ([]plane.Ref, error) {
	if len(args) > 0 {
		refs := make([]plane.Ref, 0, len(args))
		for _, arg := range args {
			ref, err := parseRef(arg)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
		return refs, nil
	}
	if all {
		refs, err := set.Ledgers()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to list ledgers", err)
		}
		return refs, nil
	}
	var refs []plane.Ref
	for _, p := range set.Planes() {
		refs = append(refs, p.MainLedgerRef())
	}
	return refs, nil
}

func printLedgerReport(w io.Writer, ref string, rep ledger.Report) {
	mark := "✓"
	if !rep.Valid {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s: %d entries", mark, ref, rep.Entries)
	if rep.LastHash != "" {
		fmt.Fprintf(w, ", head %s", rep.LastHash)
	}
	fmt.Fprintln(w)
	for _, issue := range rep.Issues {
		fmt.Fprintf(w, "    %s %s at %s line %d: %s\n", issue.Severity, issue.Code, issue.Position.File, issue.Position.Line, issue.Message)
	}
}
