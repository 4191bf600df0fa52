package plane

import (
	"fmt"
	"os"

	"github.com/roach88/govledger/internal/ledger"
)

// InitResult reports what Init created.
type InitResult struct {
	ConfigWritten bool
	// Genesis maps ledger references to the genesis entry id written for them.
	Genesis map[string]string
	Set     *Set
}

// Init prepares a workspace: it writes planes.yaml when missing, creates
// each plane's layout and writes a GENESIS entry to every empty main ledger,
// chained to its parent plane's main ledger. Running it again only fills in
// what is missing.
func Init(root, actor string, opts ...ledger.Option) (*InitResult, error) {
	written, err := EnsureConfig(root)
	if err != nil {
		return nil, err
	}
	set, err := Load(root)
	if err != nil {
		return nil, err
	}
	res := &InitResult{ConfigWritten: written, Genesis: map[string]string{}, Set: set}

	for _, p := range set.Planes() {
		for _, dir := range p.Layout() {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("init %s: %w", p.Tier, err)
			}
		}
		ref := p.MainLedgerRef()
		l, err := set.OpenLedger(ref, opts...)
		if err != nil {
			return nil, err
		}
		if l.Count() > 0 {
			continue
		}
		g := ledger.Genesis{Tier: string(p.Tier), Root: p.Root, Actor: actor}
		if p.Parent != "" {
			parentRef := set.MustGet(p.Parent).MainLedgerRef()
			parent, err := set.OpenLedger(parentRef, opts...)
			if err != nil {
				return nil, err
			}
			g.ParentLedger = parentRef.String()
			g.ParentEventID = parent.LastEntryID()
			g.ParentHash = parent.LastEntryHash()
		}
		id, err := l.WriteGenesis(g)
		if err != nil {
			return nil, fmt.Errorf("init %s: %w", ref, err)
		}
		res.Genesis[ref.String()] = id
	}
	return res, nil
}
