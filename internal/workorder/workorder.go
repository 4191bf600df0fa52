// Package workorder loads, validates and hashes work order documents.
//
// A work order is kept twice: as a typed WorkOrder for the gates, and as the
// raw document (ir.Object) the approval hash is computed over. Every field
// of the document, known or not, contributes to the payload hash, so any
// byte-level change after approval is detected as tampering.
package workorder

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/govledger/internal/boundary"
	"github.com/roach88/govledger/internal/ir"
)

// Known work order types. Other non-empty types are accepted.
const (
	TypeCodeChange    = "code_change"
	TypeDependencyAdd = "dependency_add"
	TypeKernelUpgrade = "kernel_upgrade"
	TypeSpecUpdate    = "spec_update"
	TypeBugfix        = "bugfix"
	TypeDocs          = "docs"
)

// Format selects the document encoding.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// FormatFor picks the format from a file extension. Anything but .json is
// read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Scope declares which files a work order may touch.
type Scope struct {
	AllowedFiles   []string `json:"allowed_files"`
	ForbiddenFiles []string `json:"forbidden_files,omitempty"`
}

// Allows reports whether rel is allowed and not forbidden.
func (s Scope) Allows(rel string) bool {
	return boundary.MatchAny(s.AllowedFiles, rel) && !s.Forbids(rel)
}

// Forbids reports whether rel matches a forbidden pattern.
func (s Scope) Forbids(rel string) bool {
	return boundary.MatchAny(s.ForbiddenFiles, rel)
}

// Acceptance lists the shell commands run by the acceptance gate.
type Acceptance struct {
	Tests  []string `json:"tests,omitempty"`
	Checks []string `json:"checks,omitempty"`
}

// Commands returns tests followed by checks.
func (a Acceptance) Commands() []string {
	out := make([]string, 0, len(a.Tests)+len(a.Checks))
	out = append(out, a.Tests...)
	return append(out, a.Checks...)
}

// WorkOrder is a scoped, approvable unit of change.
type WorkOrder struct {
	ID           string
	Type         string
	Title        string
	SpecID       string
	Plane        string
	Scope        Scope
	Acceptance   Acceptance
	Constraints  ir.Object
	Dependencies []string

	// Raw is the document as loaded; PayloadHash is computed over it.
	Raw ir.Object
	// Source is the file the work order was loaded from, if any.
	Source string
}

// Load reads and parses a work order file. It does not validate.
func Load(path string) (*WorkOrder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read work order: %w", err)
	}
	wo, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	wo.Source = path
	return wo, nil
}

// Parse decodes a work order document.
func Parse(data []byte, format Format) (*WorkOrder, error) {
	var (
		raw ir.Object
		err error
	)
	switch format {
	case FormatJSON:
		raw, err = ir.DecodeObject(bytes.TrimSpace(data))
	default:
		raw, err = decodeYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse work order: %w", err)
	}
	return FromObject(raw), nil
}

// FromObject builds a WorkOrder view over raw. Fields with the wrong type are
// left empty; Validate reports them.
func FromObject(raw ir.Object) *WorkOrder {
	wo := &WorkOrder{Raw: raw}
	wo.ID, _ = raw.Str("id")
	wo.Type, _ = raw.Str("type")
	wo.Title, _ = raw.Str("title")
	wo.SpecID, _ = raw.Str("spec_id")
	wo.Plane, _ = raw.Str("plane")
	if scope, ok := raw.Obj("scope"); ok {
		wo.Scope.AllowedFiles = stringList(scope["allowed_files"])
		wo.Scope.ForbiddenFiles = stringList(scope["forbidden_files"])
	}
	if acc, ok := raw.Obj("acceptance"); ok {
		wo.Acceptance.Tests = stringList(acc["tests"])
		wo.Acceptance.Checks = stringList(acc["checks"])
	}
	if c, ok := raw.Obj("constraints"); ok {
		wo.Constraints = c
	}
	wo.Dependencies = stringList(raw["dependencies"])
	return wo
}

// PayloadHash returns the canonical hash of the raw document. This is the
// value a human approves.
func (w *WorkOrder) PayloadHash() (string, error) {
	return ir.HashCanonical(w.Raw)
}

// IsKernelUpgrade reports whether the work order may touch kernel files.
func (w *WorkOrder) IsKernelUpgrade() bool {
	return w.Type == TypeKernelUpgrade
}

func stringList(v ir.Value) []string {
	arr, ok := v.(ir.Array)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, elem := range arr {
		if s, ok := elem.(ir.String); ok {
			out = append(out, string(s))
		}
	}
	return out
}
