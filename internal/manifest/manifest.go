// Package manifest reads installed package manifests and the spec and
// framework catalog of a plane.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/signing"
	"github.com/roach88/govledger/internal/txn"
)

// FileName is the manifest file inside an installed package directory.
const FileName = "manifest.json"

// Asset is one file shipped by a package, relative to the plane root.
type Asset struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// PackageManifest describes an installed package.
type PackageManifest struct {
	PackageID string  `json:"package_id"`
	Version   string  `json:"version"`
	SpecID    string  `json:"spec_id,omitempty"`
	Layer     string  `json:"layer,omitempty"`
	Assets    []Asset `json:"assets"`
	AssetHash string  `json:"asset_hash"`
}

// ComputeAssetHash combines asset hashes, ordered by path, into one digest.
func ComputeAssetHash(assets []Asset) string {
	sorted := slices.Clone(assets)
	slices.SortFunc(sorted, func(a, b Asset) int { return strings.Compare(a.Path, b.Path) })
	parts := make([]string, 0, 2*len(sorted))
	for _, a := range sorted {
		parts = append(parts, a.Path, a.SHA256)
	}
	return ir.DomainHash(ir.DomainAssets, parts...)
}

// Build hashes the given files under root and returns a manifest with its
// asset hash filled in.
func Build(root, packageID, version string, files []string) (*PackageManifest, error) {
	m := &PackageManifest{PackageID: packageID, Version: version}
	for _, rel := range files {
		rel = filepath.ToSlash(filepath.Clean(rel))
		h, err := signing.HashFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("build manifest %s: %w", packageID, err)
		}
		m.Assets = append(m.Assets, Asset{Path: rel, SHA256: h})
	}
	slices.SortFunc(m.Assets, func(a, b Asset) int { return strings.Compare(a.Path, b.Path) })
	m.AssetHash = ComputeAssetHash(m.Assets)
	return m, nil
}

// Path returns the manifest location for a package under installedDir.
func Path(installedDir, packageID string) string {
	return filepath.Join(installedDir, packageID, FileName)
}

// Read loads a manifest file.
func Read(path string) (*PackageManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m PackageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &m, nil
}

// ParseError reports a manifest file that exists but does not decode.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse manifest %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Write stores m atomically at path.
func Write(path string, m *PackageManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return txn.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// ReadInstalled loads every manifest under installedDir, ordered by package
// id. A missing directory yields no manifests.
func ReadInstalled(installedDir string) ([]*PackageManifest, error) {
	entries, err := os.ReadDir(installedDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*PackageManifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := Read(filepath.Join(installedDir, e.Name(), FileName))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *PackageManifest) int { return strings.Compare(a.PackageID, b.PackageID) })
	return out, nil
}

// Mismatch is an asset whose file no longer matches the manifest.
type Mismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Missing  bool   `json:"missing,omitempty"`
}

// VerifyFiles recomputes every asset hash under root, at most limit files at
// a time, and returns the mismatches ordered by path.
func VerifyFiles(ctx context.Context, root string, m *PackageManifest, limit int) ([]Mismatch, error) {
	if limit <= 0 {
		limit = 8
	}
	results := make([]*Mismatch, len(m.Assets))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, a := range m.Assets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := signing.HashFile(filepath.Join(root, filepath.FromSlash(a.Path)))
			switch {
			case errors.Is(err, os.ErrNotExist):
				results[i] = &Mismatch{Path: a.Path, Expected: a.SHA256, Missing: true}
			case err != nil:
				return err
			case h != a.SHA256:
				results[i] = &Mismatch{Path: a.Path, Expected: a.SHA256, Actual: h}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("verify %s assets: %w", m.PackageID, err)
	}
	var out []Mismatch
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b Mismatch) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}
