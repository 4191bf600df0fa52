// Package plane describes the tiers of authority, their on-disk layout and
// the ledger references that link them.
//
// A workspace root holds planes.yaml and one directory per plane:
//
//	<plane root>/
//	├── ledger/       append-only ledgers (<name>.jsonl)
//	├── cursors/      consumer cursor files
//	├── staging/      changesets, signatures and attestations
//	├── installed/    package manifests
//	├── registries/   trusted keys
//	├── specs/        spec catalog
//	├── frameworks/   framework catalog
//	└── index.db      effects registry and gate history
//
// Everything else under a plane root is governed content.
package plane

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/govledger/internal/boundary"
	"github.com/roach88/govledger/internal/ledger"
)

// Plane is one tier's directory.
type Plane struct {
	Tier   Tier
	Root   string
	Parent Tier
}

func (p *Plane) LedgerDir() string { return filepath.Join(p.Root, "ledger") }
func (p *Plane) CursorDir() string { return filepath.Join(p.Root, "cursors") }
func (p *Plane) StagingDir() string { return filepath.Join(p.Root, "staging") }
func (p *Plane) InstalledDir() string { return filepath.Join(p.Root, "installed") }
func (p *Plane) IndexDB() string { return filepath.Join(p.Root, "index.db") }
func (p *Plane) RegistryPath() string { return filepath.Join(p.Root, "registries", "trusted_keys.yaml") }
func (p *Plane) MainLedgerRef() Ref { return Ref{Tier: p.Tier, Name: p.Tier.MainLedger()} }

// LedgerPath returns the file for a ledger name on this plane.
func (p *Plane) LedgerPath(name string) string {
	return filepath.Join(p.LedgerDir(), filepath.FromSlash(name)+".jsonl")
}

// Classifier returns the write-boundary classifier for the plane.
func (p *Plane) Classifier() *boundary.Classifier {
	return &boundary.Classifier{
		Root:       p.Root,
		AppendOnly: []string{"ledger/**"},
		Derived: []string{
			"cursors/**",
			"staging/**",
			"index.db",
			"index.db-wal",
			"index.db-shm",
		},
		BootstrapAllow: []string{
			"installed/**",
			"registries/**",
			"specs/**",
			"frameworks/**",
		},
	}
}

// Layout lists the directories init creates.
func (p *Plane) Layout() []string {
	return []string{
		p.LedgerDir(),
		p.CursorDir(),
		p.StagingDir(),
		p.InstalledDir(),
		filepath.Dir(p.RegistryPath()),
		filepath.Join(p.Root, "specs"),
		filepath.Join(p.Root, "frameworks"),
	}
}

// Set is the configured planes of a workspace.
type Set struct {
	Root   string
	Config Config
	order  []*Plane
	byTier map[Tier]*Plane
}

// Load reads planes.yaml under root (or the defaults) and resolves plane
// roots to absolute paths.
func Load(root string) (*Set, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(abs)
	if err != nil {
		return nil, err
	}
	return NewSet(abs, cfg), nil
}

// NewSet builds a Set from a normalized config.
func NewSet(root string, cfg Config) *Set {
	s := &Set{Root: root, Config: cfg, byTier: map[Tier]*Plane{}}
	for _, pc := range cfg.Planes {
		dir := pc.Root
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, filepath.FromSlash(dir))
		}
		p := &Plane{Tier: Tier(pc.Name), Root: dir, Parent: Tier(pc.Parent)}
		s.order = append(s.order, p)
		s.byTier[p.Tier] = p
	}
	return s
}

// Planes returns the planes top-down.
func (s *Set) Planes() []*Plane {
	return s.order
}

// Get returns the plane for a tier name, legacy aliases included.
func (s *Set) Get(name string) (*Plane, error) {
	t, err := ParseTier(name)
	if err != nil {
		return nil, err
	}
	p, ok := s.byTier[t]
	if !ok {
		return nil, fmt.Errorf("plane %s is not configured", t)
	}
	return p, nil
}

// MustGet is Get for tiers known to be configured.
func (s *Set) MustGet(t Tier) *Plane {
	p, err := s.Get(string(t))
	if err != nil {
		panic(err)
	}
	return p
}

// Execution returns the plane work orders are submitted to.
func (s *Set) Execution() *Plane {
	return s.MustGet(Tier(s.Config.ExecutionTier))
}

// Top returns the most authoritative plane.
func (s *Set) Top() *Plane {
	return s.order[0]
}

// ResolveLedger maps a reference to a ledger file.
func (s *Set) ResolveLedger(ref Ref) (string, error) {
	p, err := s.Get(string(ref.Tier))
	if err != nil {
		return "", err
	}
	return p.LedgerPath(ref.Name), nil
}

// OpenLedger resolves and opens a ledger.
func (s *Set) OpenLedger(ref Ref, opts ...ledger.Option) (*ledger.Ledger, error) {
	path, err := s.ResolveLedger(ref)
	if err != nil {
		return nil, err
	}
	return ledger.Open(path, opts...)
}

// RefFor maps a ledger file back to its reference.
func (s *Set) RefFor(path string) (Ref, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Ref{}, false
	}
	for _, p := range s.order {
		rel, err := filepath.Rel(p.LedgerDir(), abs)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		name, ok := strings.CutSuffix(filepath.ToSlash(rel), ".jsonl")
		if !ok {
			continue
		}
		return Ref{Tier: p.Tier, Name: name}, true
	}
	return Ref{}, false
}

// Ledgers lists every ledger on every plane, sorted by reference. Rotated
// segment files are folded into their base ledger.
func (s *Set) Ledgers() ([]Ref, error) {
	var refs []Ref
	for _, p := range s.order {
		err := filepath.WalkDir(p.LedgerDir(), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			stem, ok := strings.CutSuffix(d.Name(), ".jsonl")
			if !ok || strings.Contains(stem, ".") {
				return nil
			}
			if ref, ok := s.RefFor(path); ok {
				refs = append(refs, ref)
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("list ledgers of %s: %w", p.Tier, err)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs, nil
}
