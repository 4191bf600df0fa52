package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/telemetry"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	Root    string
	Strict  bool
	Key     string
	Timeout time.Duration
	Actor   string

	env      config.Env
	shutdown func(context.Context) error
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the govledger CLI. Flag
// defaults come from the GOVLEDGER_* environment.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	env, envErr := config.Load()
	if envErr != nil {
		env = config.Env{Root: ".", AcceptanceTimeout: config.DefaultAcceptanceTimeout, Actor: "govledger"}
	}
	opts.env = env

	cmd := &cobra.Command{
		Use:   "govledger",
		Short: "govledger - governed change control",
		Long: `A governance kernel for multi-plane workspaces.

Work orders are approved into a hash-chained ledger, then submitted through
gates G0K..G6 that check kernel parity, traceability, approval, scope,
acceptance, signatures and ledger integrity before any file is installed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return WrapExitError(ExitCommandError, "invalid environment", envErr)
			}
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			shutdown, err := telemetry.Setup(cmd.Context(), opts.env)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to set up tracing", err)
			}
			opts.shutdown = shutdown
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.shutdown == nil {
				return nil
			}
			if err := opts.shutdown(context.Background()); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", env.Root, "workspace root holding planes.yaml ($GOVLEDGER_ROOT)")
	cmd.PersistentFlags().BoolVar(&opts.Strict, "strict", env.Strict, "treat environmental findings as failures ($GOVLEDGER_STRICT)")
	cmd.PersistentFlags().StringVar(&opts.Key, "key", env.SigningKey, "ed25519 signing key file ($GOVLEDGER_SIGNING_KEY)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", env.AcceptanceTimeout, "per-command acceptance timeout ($GOVLEDGER_ACCEPTANCE_TIMEOUT)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", env.Actor, "actor recorded in ledger provenance ($GOVLEDGER_ACTOR)")

	// Add subcommands
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewApproveCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewGateCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewRepairCommand(opts))
	cmd.AddCommand(NewRollupCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))
	cmd.AddCommand(NewSignCommand(opts))
	cmd.AddCommand(NewVerifySignatureCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
