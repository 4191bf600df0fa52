package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Spec is a catalog entry describing what a package implements.
type Spec struct {
	SpecID      string `yaml:"spec_id"`
	FrameworkID string `yaml:"framework_id"`
	Title       string `yaml:"title,omitempty"`
}

// Framework groups specs.
type Framework struct {
	FrameworkID string `yaml:"framework_id"`
	Title       string `yaml:"title,omitempty"`
}

// Catalog reads specs/<id>.yaml and frameworks/<id>.yaml under a plane root,
// and installed package manifests under its installed directory.
type Catalog struct {
	Root         string
	InstalledDir string
}

// Packages returns the installed package manifests.
func (c Catalog) Packages() ([]*PackageManifest, error) {
	return ReadInstalled(c.InstalledDir)
}

// Spec returns the spec with the given id; ok is false when it does not exist.
func (c Catalog) Spec(id string) (Spec, bool, error) {
	var s Spec
	ok, err := readYAML(filepath.Join(c.Root, "specs", id+".yaml"), &s)
	if ok && s.SpecID == "" {
		s.SpecID = id
	}
	return s, ok, err
}

// Framework returns the framework with the given id.
func (c Catalog) Framework(id string) (Framework, bool, error) {
	var f Framework
	ok, err := readYAML(filepath.Join(c.Root, "frameworks", id+".yaml"), &f)
	if ok && f.FrameworkID == "" {
		f.FrameworkID = id
	}
	return f, ok, err
}

func readYAML(path string, out any) (bool, error) {
	if filepath.Base(path) == ".yaml" {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}
