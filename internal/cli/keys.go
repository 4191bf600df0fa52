package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/signing"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Trust bool
	Owner string
	Force bool
}

// KeygenResult is the output of the keygen command.
type KeygenResult struct {
	KeyID    string `json:"key_id"`
	Path     string `json:"path"`
	Trusted  bool   `json:"trusted"`
	Registry string `json:"registry,omitempty"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen <key-file>",
		Short: "Generate an ed25519 signing key",
		Long: `Generate an ed25519 private key and write it to key-file. With --trust the
public key is also added to the top plane's trusted key registry, so
approvals and attestations signed with it are accepted by G2 and G5.

Examples:
  govledger keygen ~/.govledger/ed25519.key
  govledger keygen ./operator.key --trust --owner operator`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Trust, "trust", false, "add the public key to the trusted key registry")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner recorded in the registry (default: --actor)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing key file")

	return cmd
}

func runKeygen(cmd *cobra.Command, opts *KeygenOptions, path string) error {
	logger := opts.logger(cmd)
	if _, err := os.Stat(path); err == nil && !opts.Force {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s already exists: pass --force to overwrite", path))
	}
	signer, err := signing.GenerateKey(path, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to generate key", err)
	}
	out := KeygenResult{KeyID: signer.ID(), Path: path}

	if opts.Trust {
		set, err := opts.planes()
		if err != nil {
			return err
		}
		out.Registry = set.Top().RegistryPath()
		reg, err := signing.LoadRegistry(out.Registry)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load trusted keys", err)
		}
		owner := opts.Owner
		if owner == "" {
			owner = opts.Actor
		}
		reg.Add(signer.PublicKey(), owner, ledger.FormatTimestamp(time.Now()))
		if err := reg.Save(out.Registry); err != nil {
			return WrapExitError(ExitCommandError, "failed to save trusted keys", err)
		}
		out.Trusted = true
		logger.Info("key trusted", "key_id", out.KeyID, "owner", owner)
	}

	return opts.formatter(cmd).Result(true, out, "", "", func(w io.Writer) {
		fmt.Fprintf(w, "Generated key %s\n", out.KeyID)
		fmt.Fprintf(w, "  private key: %s\n", out.Path)
		if out.Trusted {
			fmt.Fprintf(w, "  trusted in:  %s\n", out.Registry)
		}
	})
}

// NewSignCommand creates the sign command.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sign <artifact>",
		Short: "Sign an artifact",
		Long: `Sign the SHA-256 content hash of an artifact with the --key signing key and
write the detached signature to <artifact>.sig.

Examples:
  govledger sign dist/package.tar.gz --key ./operator.key`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, rootOpts, args[0])
		},
	}
}

func runSign(cmd *cobra.Command, opts *RootOptions, artifact string) error {
	if opts.Key == "" {
		return NewExitError(ExitCommandError, "no signing key: pass --key or set GOVLEDGER_SIGNING_KEY")
	}
	signer, err := signing.LoadSigner(opts.Key)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load signing key", err)
	}
	meta, err := signing.SignArtifact(artifact, signer, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to sign %s", artifact), err)
	}
	return opts.formatter(cmd).Result(true, meta, "", "", func(w io.Writer) {
		fmt.Fprintf(w, "Signed %s\n", artifact)
		fmt.Fprintf(w, "  signer:  %s\n", meta.Signer)
		fmt.Fprintf(w, "  content: %s\n", meta.ContentHash)
	})
}

// SignatureCheck is the output of the verify-signature command.
type SignatureCheck struct {
	Artifact    string                     `json:"artifact"`
	Valid       bool                       `json:"valid"`
	Signature   *signing.SignatureMetadata `json:"signature,omitempty"`
	Attestation *signing.Attestation       `json:"attestation,omitempty"`
	Errors      []string                   `json:"errors"`
}

// NewVerifySignatureCommand creates the verify-signature command.
func NewVerifySignatureCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-signature <artifact>",
		Short: "Verify an artifact's signature and attestation",
		Long: `Check <artifact>.sig against the artifact's current content and the top
plane's trusted key registry. When <artifact>.attestation.json exists its
signature is checked too.

Exit codes:
  0 - Every signature present is valid
  1 - A signature is invalid, untrusted or does not match the content
  2 - Command error (no signature or attestation found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifySignature(cmd, rootOpts, args[0])
		},
	}
}

func runVerifySignature(cmd *cobra.Command, opts *RootOptions, artifact string) error {
	set, err := opts.planes()
	if err != nil {
		return err
	}
	reg, err := signing.LoadRegistry(set.Top().RegistryPath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load trusted keys", err)
	}

	check := SignatureCheck{Artifact: artifact, Errors: []string{}}
	_, statErr := os.Stat(artifact + signing.SignatureSuffix)
	hasSig := statErr == nil
	if hasSig {
		meta, err := signing.VerifyArtifact(artifact, reg)
		check.Signature = &meta
		if err != nil {
			check.Errors = append(check.Errors, fmt.Sprintf("signature: %v", err))
		}
	}
	att, attErr := signing.ReadAttestation(artifact)
	hasAtt := !errors.Is(attErr, fs.ErrNotExist)
	if hasAtt {
		if attErr != nil {
			check.Errors = append(check.Errors, fmt.Sprintf("attestation: %v", attErr))
		} else {
			check.Attestation = &att
			if err := att.Verify(reg); err != nil {
				check.Errors = append(check.Errors, fmt.Sprintf("attestation: %v", err))
			}
		}
	}
	if !hasSig && !hasAtt {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s has no signature or attestation", artifact))
	}
	check.Valid = len(check.Errors) == 0

	message := ""
	if !check.Valid {
		message = check.Errors[0]
	}
	if err := opts.formatter(cmd).Result(check.Valid, check, ErrCodeSignature, message, func(w io.Writer) {
		mark := "✓"
		if !check.Valid {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s\n", mark, artifact)
		if check.Signature != nil {
			fmt.Fprintf(w, "  signer: %s\n", check.Signature.Signer)
		}
		if check.Attestation != nil {
			fmt.Fprintf(w, "  attestation: %s (%d file(s))\n", check.Attestation.ID, len(check.Attestation.Files))
		}
		for _, e := range check.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}); err != nil {
		return err
	}
	if !check.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", artifact, message))
	}
	return nil
}
