package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/plane"
)

// InitResult is the output of the init command.
type InitResult struct {
	Root          string            `json:"root"`
	ConfigWritten bool              `json:"config_written"`
	Planes        []string          `json:"planes"`
	Genesis       map[string]string `json:"genesis"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialise a governance workspace",
		Long: `Create planes.yaml (when missing), each plane's directory layout and a
GENESIS entry in every empty main ledger. Each genesis entry is chained to
its parent plane's main ledger. Running init again only fills in what is
missing.

Examples:
  govledger init
  govledger init --root ./workspace --actor operator`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, rootOpts)
		},
	}
}

func runInit(cmd *cobra.Command, opts *RootOptions) error {
	logger := opts.logger(cmd)
	res, err := plane.Init(opts.rootDir(), opts.Actor, ledger.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialise workspace", err)
	}

	out := InitResult{
		Root:          res.Set.Root,
		ConfigWritten: res.ConfigWritten,
		Genesis:       res.Genesis,
	}
	for _, p := range res.Set.Planes() {
		out.Planes = append(out.Planes, string(p.Tier))
	}

	return opts.formatter(cmd).Result(true, out, "", "", func(w io.Writer) {
		fmt.Fprintf(w, "Initialised workspace at %s\n", out.Root)
		if out.ConfigWritten {
			fmt.Fprintln(w, "  wrote planes.yaml")
		}
		refs := make([]string, 0, len(out.Genesis))
		for ref := range out.Genesis {
			refs = append(refs, ref)
		}
		sort.Strings(refs)
		for _, ref := range refs {
			fmt.Fprintf(w, "  %s: genesis %s\n", ref, out.Genesis[ref])
		}
		if len(refs) == 0 {
			fmt.Fprintln(w, "  already initialised, nothing to do")
		}
	})
}
