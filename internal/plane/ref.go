package plane

import (
	"fmt"
	"path"
	"strings"
)

// Ref names a ledger as "<tier>:<name>", where name is the ledger's path
// under the plane's ledger directory without the .jsonl extension.
type Ref struct {
	Tier Tier
	Name string
}

// ParseRef parses "<tier>:<name>". Legacy tier names are accepted.
func ParseRef(s string) (Ref, error) {
	tier, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return Ref{}, fmt.Errorf("invalid ledger reference %q: want <tier>:<name>", s)
	}
	t, err := ParseTier(tier)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid ledger reference %q: %w", s, err)
	}
	clean := path.Clean(name)
	if clean != name || strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
		return Ref{}, fmt.Errorf("invalid ledger reference %q: name must be a clean relative path", s)
	}
	return Ref{Tier: t, Name: name}, nil
}

// String returns the "<tier>:<name>" form.
func (r Ref) String() string {
	return string(r.Tier) + ":" + r.Name
}

// IsZero reports whether r is unset.
func (r Ref) IsZero() bool {
	return r.Tier == "" && r.Name == ""
}

// InstanceRef is the per-submission ledger of a work order on tier.
func InstanceRef(tier Tier, workOrderID, sessionID string) Ref {
	return Ref{Tier: tier, Name: path.Join("wo", workOrderID, sessionID)}
}

// SessionRef is the ledger of one execution session on tier.
func SessionRef(tier Tier, sessionID string) Ref {
	return Ref{Tier: tier, Name: path.Join("sessions", sessionID)}
}
