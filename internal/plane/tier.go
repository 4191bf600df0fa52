package plane

import (
	"fmt"
	"strings"
)

// Tier names a plane in the authority hierarchy.
type Tier string

// Canonical tiers, from most to least authoritative.
const (
	HO3 Tier = "ho3"
	HO2 Tier = "ho2"
	HO1 Tier = "ho1"
)

// Tiers lists the canonical tiers top-down.
var Tiers = []Tier{HO3, HO2, HO1}

// aliases maps legacy tier names onto canonical ones. Lookups are
// case-insensitive.
var aliases = map[string]Tier{
	"ho3":        HO3,
	"hot":        HO3,
	"governance": HO3,
	"ho2":        HO2,
	"workorder":  HO2,
	"ho1":        HO1,
	"session":    HO1,
	"execution":  HO1,
	"first":      HO1,
}

// ParseTier resolves a canonical or legacy tier name.
func ParseTier(name string) (Tier, error) {
	if t, ok := aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", name)
}

// MainLedger is the name of the tier's primary ledger.
func (t Tier) MainLedger() string {
	switch t {
	case HO3:
		return "governance"
	case HO2:
		return "workorders"
	case HO1:
		return "sessions"
	default:
		return "main"
	}
}
