package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/signing"
	"github.com/roach88/govledger/internal/workorder"
)

// Approval is the record written by Approve.
type Approval struct {
	EntryID     string                     `json:"entry_id"`
	EntryHash   string                     `json:"entry_hash"`
	Ledger      string                     `json:"ledger"`
	WorkOrderID string                     `json:"work_order_id"`
	PayloadHash string                     `json:"payload_hash"`
	Signature   *signing.SignatureMetadata `json:"signature,omitempty"`
}

// Approve records a WO_APPROVED event for wo in the top plane's main ledger.
// The payload hash is signed when the pipeline has a signer. Approving an
// invalid work order is refused.
func (p *Pipeline) Approve(ctx context.Context, wo *workorder.WorkOrder, actor string) (*Approval, error) {
	if err := wo.Validate(); err != nil {
		return nil, err
	}
	hash, err := wo.PayloadHash()
	if err != nil {
		return nil, fmt.Errorf("payload hash: %w", err)
	}
	top := p.planes.Top()
	ref := top.MainLedgerRef()
	l, err := p.openLedger(ref)
	if err != nil {
		return nil, err
	}

	meta := ledger.Metadata{
		Provenance: ledger.Provenance{Actor: actor, WorkOrderID: wo.ID, Tier: string(top.Tier)},
		Extra: ir.Object{
			"payload_hash": ir.String(hash),
			"wo_type":      ir.String(wo.Type),
		},
	}
	a := &Approval{Ledger: ref.String(), WorkOrderID: wo.ID, PayloadHash: hash}
	if p.signer != nil {
		sig := p.signer.Sign(hash, p.clock.Now())
		obj, err := signatureObject(sig)
		if err != nil {
			return nil, err
		}
		meta.Extra["signature"] = obj
		a.Signature = &sig
	}

	id, err := l.Write(ledger.Entry{
		EventType: ledger.EventWorkOrderApproved,
		Decision:  "APPROVED",
		Reason:    fmt.Sprintf("work order %s approved by %s", wo.ID, actor),
		Metadata:  meta,
	})
	if err != nil {
		return nil, err
	}
	a.EntryID = id
	a.EntryHash = l.LastEntryHash()
	p.logger.InfoContext(ctx, "work order approved", "work_order", wo.ID, "payload_hash", hash, "signed", a.Signature != nil)
	return a, nil
}

func signatureObject(sig signing.SignatureMetadata) (ir.Object, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	return ir.DecodeObject(data)
}

func signatureFrom(obj ir.Object) (signing.SignatureMetadata, error) {
	var sig signing.SignatureMetadata
	data, err := ir.Canonical(obj)
	if err != nil {
		return sig, err
	}
	err = json.Unmarshal(data, &sig)
	return sig, err
}

func forWorkOrder(t ledger.EventType, id string) func(ledger.Entry) bool {
	return func(e ledger.Entry) bool {
		return e.EventType == t && e.Metadata.Provenance.WorkOrderID == id
	}
}

// authorize is G2: approval lookup, tamper check, then replay and
// idempotency against the execution plane's completions.
func (p *Pipeline) authorize(r *run) (Result, error) {
	res := newResult(G2)
	res.Details["payload_hash"] = r.hash

	gov, err := p.openLedger(p.planes.Top().MainLedgerRef())
	if err != nil {
		return res, infra(G2, "open governance ledger", err)
	}
	approval, ok, err := gov.Last(forWorkOrder(ledger.EventWorkOrderApproved, r.wo.ID))
	if err != nil {
		return res, infra(G2, "read approvals", err)
	}
	if !ok {
		res.Outcome = ReasonNotApproved
		res.fail("work order %s is not approved: no %s event in %s", r.wo.ID, ledger.EventWorkOrderApproved, p.planes.Top().MainLedgerRef())
		return res.conclude(""), nil
	}
	r.approval = &approval
	approved := approval.Metadata.Str("payload_hash")
	res.Details["approval_id"] = approval.ID
	res.Details["approved_hash"] = approved

	if approved != r.hash {
		res.Outcome = ReasonTampered
		res.fail("work order %s tampered: payload hash %s does not match approved hash %s", r.wo.ID, r.hash, approved)
		return res.conclude(""), nil
	}

	p.checkApprovalSignature(&res, approval, r.hash)
	if !res.Passed {
		return res.conclude(""), nil
	}

	done, ok, err := r.execLog.Last(forWorkOrder(ledger.EventWorkOrderCompleted, r.wo.ID))
	if err != nil {
		return res, infra(G2, "read completions", err)
	}
	if ok {
		completed := done.Metadata.Str("payload_hash")
		res.Details["completion_id"] = done.ID
		if completed == r.hash {
			res.Outcome = OutcomeNoOp
			return res.conclude(fmt.Sprintf("work order %s already completed with the same hash", r.wo.ID)), nil
		}
		res.Outcome = ReasonReplayVariant
		res.fail("work order %s replay variant: already completed with a different hash %s, submitted %s", r.wo.ID, completed, r.hash)
		return res.conclude(""), nil
	}

	res.Outcome = OutcomeProceed
	return res.conclude(fmt.Sprintf("work order %s approved", r.wo.ID)), nil
}

func (p *Pipeline) checkApprovalSignature(res *Result, approval ledger.Entry, hash string) {
	raw, ok := approval.Metadata.Extra.Obj("signature")
	if !ok {
		sev := p.policy.UnsignedApproval
		if p.policy.Strict {
			sev = SeverityFail
		}
		res.finding(sev, "approval %s is unsigned", approval.ID)
		return
	}
	sig, err := signatureFrom(raw)
	if err != nil {
		res.finding(p.policy.environmental(), "approval %s: unreadable signature: %v", approval.ID, err)
		return
	}
	res.Details["approval_signer"] = sig.Signer
	if sig.ContentHash != hash {
		res.finding(p.policy.environmental(), "approval %s: signature covers %s, not %s", approval.ID, sig.ContentHash, hash)
		return
	}
	if err := p.registry.Verify(sig); err != nil {
		msg := err.Error()
		if errors.Is(err, signing.ErrUntrustedSigner) {
			msg = fmt.Sprintf("signer %s is not in the trusted registry", sig.Signer)
		}
		res.finding(p.policy.environmental(), "approval %s: %s", approval.ID, msg)
	}
}
