package gate

import (
	"fmt"

	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/plane"
)

// verifyLedgers is G6: every ledger the submission touched verifies on its
// own, and every cross-ledger reference recorded in them resolves to a real
// entry carrying the recorded hash.
func (p *Pipeline) verifyLedgers(r *run) (Result, error) {
	res := newResult(G6)

	refs := []plane.Ref{p.planes.Top().MainLedgerRef(), r.execRef}
	for _, ref := range []plane.Ref{r.instanceRef, r.sessionRef} {
		if !ref.IsZero() {
			refs = append(refs, ref)
		}
	}
	for _, pl := range p.planes.Planes() {
		refs = append(refs, pl.MainLedgerRef())
	}

	v := &refVerifier{p: p, res: &res, open: map[string]*ledger.Ledger{}}
	seen := map[string]bool{}
	var checked []string
	for _, ref := range refs {
		if seen[ref.String()] {
			continue
		}
		seen[ref.String()] = true
		checked = append(checked, ref.String())
		if err := v.verify(ref); err != nil {
			return res, err
		}
	}
	res.Details["ledgers"] = checked
	res.Details["references"] = v.resolved
	return res.conclude(fmt.Sprintf("%d ledger(s) and %d cross-ledger reference(s) verified", len(checked), v.resolved)), nil
}

type refVerifier struct {
	p        *Pipeline
	res      *Result
	open     map[string]*ledger.Ledger
	resolved int
}

func (v *refVerifier) ledger(ref plane.Ref) (*ledger.Ledger, error) {
	if l, ok := v.open[ref.String()]; ok {
		return l, nil
	}
	l, err := v.p.openLedger(ref)
	if err != nil {
		return nil, err
	}
	v.open[ref.String()] = l
	return l, nil
}

func (v *refVerifier) verify(ref plane.Ref) error {
	path, err := v.p.planes.ResolveLedger(ref)
	if err != nil {
		return infra(G6, "resolve ledger", err)
	}
	rep, err := ledger.Verify(path)
	if err != nil {
		return infra(G6, "verify ledger", err)
	}
	for _, is := range rep.Failures() {
		v.res.fail("%s: %s at line %d: %s", ref, is.Code, is.Position.Line, is.Message)
	}
	for _, is := range rep.Warnings() {
		v.res.warn("%s: %s at line %d: %s", ref, is.Code, is.Position.Line, is.Message)
	}
	if !rep.Valid {
		return nil
	}

	l, err := v.ledger(ref)
	if err != nil {
		return infra(G6, "open ledger", err)
	}
	for e, err := range l.All() {
		if err != nil {
			return infra(G6, "read ledger", err)
		}
		rel := e.Metadata.Relational
		if rel.ParentLedger == "" {
			continue
		}
		if err := v.resolve(ref, e, rel); err != nil {
			return err
		}
	}
	return nil
}

func (v *refVerifier) resolve(ref plane.Ref, e ledger.Entry, rel ledger.Relational) error {
	parentRef, err := plane.ParseRef(rel.ParentLedger)
	if err != nil {
		v.res.fail("%s: entry %s references invalid ledger %q", ref, e.ID, rel.ParentLedger)
		return nil
	}
	if rel.ParentEventID == "" {
		if rel.ParentHash != "" {
			v.res.fail("%s: entry %s records parent hash %s without a parent event", ref, e.ID, rel.ParentHash)
		}
		return nil
	}
	if _, err := v.p.planes.Get(string(parentRef.Tier)); err != nil {
		v.res.fail("%s: entry %s references unconfigured plane %s", ref, e.ID, parentRef.Tier)
		return nil
	}
	parent, err := v.ledger(parentRef)
	if err != nil {
		return infra(G6, "open referenced ledger", err)
	}
	target, ok, err := parent.FindByID(rel.ParentEventID)
	if err != nil {
		return infra(G6, "resolve reference", err)
	}
	switch {
	case !ok:
		v.res.fail("%s: entry %s references %s in %s which does not exist", ref, e.ID, rel.ParentEventID, parentRef)
	case rel.ParentHash == "":
		v.res.fail("%s: entry %s references %s in %s without recording its hash", ref, e.ID, rel.ParentEventID, parentRef)
	case rel.ParentHash != target.EntryHash:
		v.res.fail("%s: entry %s records hash %s for %s in %s, actual %s", ref, e.ID, rel.ParentHash, rel.ParentEventID, parentRef, target.EntryHash)
	default:
		v.resolved++
	}
	return nil
}
