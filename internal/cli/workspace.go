package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/gate"
	"github.com/roach88/govledger/internal/plane"
	"github.com/roach88/govledger/internal/signing"
	"github.com/roach88/govledger/internal/store"
	"github.com/roach88/govledger/internal/workorder"
)

// workspace is an opened governance root: its planes, the execution plane's
// index database and a gate pipeline configured from the global flags.
type workspace struct {
	set      *plane.Set
	store    *store.Store
	pipeline *gate.Pipeline
	logger   *slog.Logger
}

func (w *workspace) Close() error {
	return w.store.Close()
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logger configures slog on cmd's stderr.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	logLevel := slog.LevelInfo
	if o.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func (o *RootOptions) rootDir() string {
	if o.Root == "" {
		return "."
	}
	return o.Root
}

// planes loads the plane set and checks that init has run.
func (o *RootOptions) planes() (*plane.Set, error) {
	set, err := plane.Load(o.rootDir())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load planes", err)
	}
	if _, err := os.Stat(set.Top().LedgerDir()); errors.Is(err, os.ErrNotExist) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("workspace %s is not initialised: run govledger init", o.rootDir()))
	}
	return set, nil
}

// openWorkspace loads the planes, opens the execution plane's index database
// and builds a pipeline honouring --strict, --timeout and --key.
func (o *RootOptions) openWorkspace(cmd *cobra.Command, extra ...gate.Option) (*workspace, error) {
	logger := o.logger(cmd)
	set, err := o.planes()
	if err != nil {
		return nil, err
	}
	policy, err := gate.PolicyFromConfig(set.Config.Policy, o.Strict, o.Timeout)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid policy in planes.yaml", err)
	}
	opts := []gate.Option{gate.WithPolicy(policy), gate.WithLogger(logger)}
	if o.Key != "" {
		signer, err := signing.LoadSigner(o.Key)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load signing key", err)
		}
		opts = append(opts, gate.WithSigner(signer))
	}
	opts = append(opts, extra...)

	st, err := store.Open(set.Execution().IndexDB())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open index database", err)
	}
	pipeline, err := gate.NewPipeline(set, st, opts...)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to build gate pipeline", err)
	}
	logger.Debug("workspace opened", "root", o.rootDir(), "strict", policy.Strict, "signed", o.Key != "")
	return &workspace{set: set, store: st, pipeline: pipeline, logger: logger}, nil
}

func loadWorkOrder(path string) (*workorder.WorkOrder, error) {
	wo, err := workorder.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to load work order %s", path), err)
	}
	return wo, nil
}

func parseRef(s string) (plane.Ref, error) {
	ref, err := plane.ParseRef(s)
	if err != nil {
		return plane.Ref{}, WrapExitError(ExitCommandError, "invalid ledger reference", err)
	}
	return ref, nil
}
