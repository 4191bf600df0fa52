package plane

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/govledger/internal/txn"
)

// ConfigFile is the plane configuration file at the workspace root.
const ConfigFile = "planes.yaml"

const defaultConfigYAML = `# govledger plane configuration
version: 1

# Planes from most to least authoritative. root is relative to this file.
planes:
  - name: ho3
    root: planes/ho3
  - name: ho2
    root: planes/ho2
    parent: ho3
  - name: ho1
    root: planes/ho1
    parent: ho2

# Package that must be byte-identical on every plane.
kernel:
  package_id: kernel
  reference_tier: ho3
  protected_paths:
    - lib/kernel/**

# A scope touching any of these requires a dependency_add work order.
dependency_manifests:
  - go.mod
  - go.sum
  - package.json
  - requirements.txt
  - pyproject.toml
  - Cargo.toml

# Work orders are submitted to this plane.
execution_tier: ho2

# Severity of soft findings: ignore, warn or fail.
policy:
  missing_spec: warn
  new_files: warn
  constraints: warn
  unsigned_approval: warn
`

// PlaneConfig declares one plane.
type PlaneConfig struct {
	Name   string `yaml:"name"`
	Root   string `yaml:"root"`
	Parent string `yaml:"parent,omitempty"`
}

// KernelConfig names the package checked for cross-plane parity.
type KernelConfig struct {
	PackageID      string   `yaml:"package_id"`
	ReferenceTier  string   `yaml:"reference_tier"`
	ProtectedPaths []string `yaml:"protected_paths"`
}

// PolicyConfig holds severities for soft gate findings.
type PolicyConfig struct {
	MissingSpec      string `yaml:"missing_spec"`
	NewFiles         string `yaml:"new_files"`
	Constraints      string `yaml:"constraints"`
	UnsignedApproval string `yaml:"unsigned_approval"`
}

// Config models planes.yaml.
type Config struct {
	Version             int           `yaml:"version"`
	Planes              []PlaneConfig `yaml:"planes"`
	Kernel              KernelConfig  `yaml:"kernel"`
	DependencyManifests []string      `yaml:"dependency_manifests"`
	ExecutionTier       string        `yaml:"execution_tier"`
	Policy              PolicyConfig  `yaml:"policy"`
}

// DefaultConfig returns the configuration written by init.
func DefaultConfig() Config {
	var c Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &c); err != nil {
		panic(fmt.Sprintf("plane: default config: %v", err))
	}
	return c
}

// LoadConfig reads root/planes.yaml, falling back to the defaults when the
// file does not exist.
func LoadConfig(root string) (Config, error) {
	path := filepath.Join(root, ConfigFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("plane: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("plane: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.normalize(); err != nil {
		return Config{}, fmt.Errorf("plane: %s: %w", path, err)
	}
	return c, nil
}

// EnsureConfig writes the default template when root has no planes.yaml.
// It reports whether a file was written.
func EnsureConfig(root string) (bool, error) {
	path := filepath.Join(root, ConfigFile)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return false, err
	}
	if err := txn.WriteFileAtomic(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return false, fmt.Errorf("plane: write %s: %w", path, err)
	}
	return true, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Version == 0 {
		c.Version = 1
	}
	if len(c.Planes) == 0 {
		c.Planes = def.Planes
	}
	if c.Kernel.PackageID == "" {
		c.Kernel = def.Kernel
	}
	if c.DependencyManifests == nil {
		c.DependencyManifests = def.DependencyManifests
	}
	if c.ExecutionTier == "" {
		c.ExecutionTier = def.ExecutionTier
	}
	p := &c.Policy
	if p.MissingSpec == "" {
		p.MissingSpec = def.Policy.MissingSpec
	}
	if p.NewFiles == "" {
		p.NewFiles = def.Policy.NewFiles
	}
	if p.Constraints == "" {
		p.Constraints = def.Policy.Constraints
	}
	if p.UnsignedApproval == "" {
		p.UnsignedApproval = def.Policy.UnsignedApproval
	}
}

// normalize rewrites legacy tier names to canonical ones and checks that
// every parent is declared before its children.
func (c *Config) normalize() error {
	seen := map[Tier]bool{}
	for i := range c.Planes {
		p := &c.Planes[i]
		t, err := ParseTier(p.Name)
		if err != nil {
			return fmt.Errorf("planes[%d]: %w", i, err)
		}
		if seen[t] {
			return fmt.Errorf("planes[%d]: duplicate plane %s", i, t)
		}
		p.Name = string(t)
		if strings.TrimSpace(p.Root) == "" {
			return fmt.Errorf("planes[%d]: root is required", i)
		}
		if p.Parent != "" {
			pt, err := ParseTier(p.Parent)
			if err != nil {
				return fmt.Errorf("planes[%d].parent: %w", i, err)
			}
			if !seen[pt] {
				return fmt.Errorf("planes[%d]: parent %s must be declared first", i, pt)
			}
			p.Parent = string(pt)
		}
		seen[t] = true
	}
	for _, field := range []*string{&c.Kernel.ReferenceTier, &c.ExecutionTier} {
		t, err := ParseTier(*field)
		if err != nil {
			return err
		}
		if !seen[t] {
			return fmt.Errorf("tier %s is not a configured plane", t)
		}
		*field = string(t)
	}
	return nil
}
