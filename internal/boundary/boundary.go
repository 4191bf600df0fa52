// Package boundary classifies paths of a managed file tree and decides which
// writes are allowed under the current write mode.
//
// Four classes exist:
//
//   - Governed: the authoritative tree. Writable only in install mode, or in
//     bootstrap mode for explicitly allow-listed paths.
//   - AppendOnly: ledgers. Only appends are allowed.
//   - Derived: staging areas, cursors, indexes. Always writable.
//   - External: anything that resolves outside the root, symbolic links
//     included. Denied unless the classifier allows external writes.
//
// The write mode travels on a context.Context; there is no process-wide mode.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Class is a write-boundary classification.
type Class int

const (
	Governed Class = iota
	AppendOnly
	Derived
	External
)

// String returns the lower-case class name.
func (c Class) String() string {
	switch c {
	case Governed:
		return "governed"
	case AppendOnly:
		return "append-only"
	case Derived:
		return "derived"
	case External:
		return "external"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Mode is the write mode a caller operates under.
type Mode int

const (
	ModeNormal Mode = iota
	ModeInstall
	ModeBootstrap
)

// String returns the lower-case mode name.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeInstall:
		return "install"
	case ModeBootstrap:
		return "bootstrap"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Op is a kind of file mutation.
type Op string

const (
	OpWrite  Op = "write"
	OpAppend Op = "append"
	OpDelete Op = "delete"
)

type modeKey struct{}

// WithMode returns a context carrying m.
func WithMode(ctx context.Context, m Mode) context.Context {
	return context.WithValue(ctx, modeKey{}, m)
}

// ModeFrom returns the mode carried by ctx, ModeNormal when none is set.
func ModeFrom(ctx context.Context) Mode {
	if m, ok := ctx.Value(modeKey{}).(Mode); ok {
		return m
	}
	return ModeNormal
}

// BoundaryError reports a denied write.
type BoundaryError struct {
	Path   string
	Class  Class
	Op     Op
	Mode   Mode
	Reason string
}

// Error implements the error interface.
func (e *BoundaryError) Error() string {
	return fmt.Sprintf("write boundary: %s of %s path %s denied in %s mode: %s",
		e.Op, e.Class, e.Path, e.Mode, e.Reason)
}

// IsBoundaryError returns true if err is a BoundaryError.
// Uses errors.As to handle wrapped errors.
func IsBoundaryError(err error) bool {
	var be *BoundaryError
	return errors.As(err, &be)
}

// Classifier classifies paths under Root. Pattern lists are slash-separated
// and relative to Root; see MatchPath for the pattern syntax.
type Classifier struct {
	Root           string
	AppendOnly     []string
	Derived        []string
	BootstrapAllow []string
	AllowExternal  bool
}

// Classify resolves symbolic links and returns the class of path together
// with its slash-separated path relative to Root ("" for External).
func (c *Classifier) Classify(path string) (Class, string, error) {
	root, err := resolve(c.Root)
	if err != nil {
		return External, "", fmt.Errorf("resolve root: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.Root, path)
	}
	target, err := resolve(path)
	if err != nil {
		return External, "", fmt.Errorf("resolve %s: %w", path, err)
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return External, "", nil
	}
	rel = filepath.ToSlash(rel)

	switch {
	case MatchAny(c.AppendOnly, rel):
		return AppendOnly, rel, nil
	case MatchAny(c.Derived, rel):
		return Derived, rel, nil
	default:
		return Governed, rel, nil
	}
}

// Check returns a *BoundaryError when op on path is not allowed under the
// mode carried by ctx.
func (c *Classifier) Check(ctx context.Context, path string, op Op) error {
	mode := ModeFrom(ctx)
	class, rel, err := c.Classify(path)
	if err != nil {
		return err
	}
	deny := func(reason string) error {
		return &BoundaryError{Path: path, Class: class, Op: op, Mode: mode, Reason: reason}
	}

	switch class {
	case Derived:
		return nil
	case AppendOnly:
		if op == OpAppend {
			return nil
		}
		return deny("append-only paths accept appends only")
	case External:
		if c.AllowExternal {
			return nil
		}
		return deny("path resolves outside the managed root")
	default:
		switch {
		case mode == ModeInstall:
			return nil
		case mode == ModeBootstrap && MatchAny(c.BootstrapAllow, rel):
			return nil
		case mode == ModeBootstrap:
			return deny("path is not in the bootstrap allow-list")
		default:
			return deny("governed paths are writable only in install mode")
		}
	}
}

// resolve returns the absolute path with symbolic links evaluated. Missing
// trailing components are kept as-is on top of the deepest existing ancestor.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var rest []string
	cur := abs
	for {
		if _, err := os.Lstat(cur); err == nil {
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
	resolved, err := filepath.EvalSymlinks(cur)
	if err != nil {
		return "", err
	}
	for i := len(rest) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, rest[i])
	}
	return resolved, nil
}
