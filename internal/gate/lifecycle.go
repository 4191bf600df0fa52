package gate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/roach88/govledger/internal/boundary"
	"github.com/roach88/govledger/internal/cursor"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/plane"
	"github.com/roach88/govledger/internal/store"
	"github.com/roach88/govledger/internal/txn"
)

// listFiles returns the regular files under root as sorted slash-separated
// relative paths. Version control directories are skipped.
func listFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}

func (p *Pipeline) noOp(r *run) error {
	_, err := r.execLog.Write(ledger.Entry{
		EventType:    ledger.EventWorkOrderNoOp,
		SubmissionID: r.sub.SessionID,
		Decision:     OutcomeNoOp,
		Reason:       fmt.Sprintf("work order %s already completed with payload %s", r.wo.ID, r.hash),
		Metadata: ledger.Metadata{
			Provenance: p.provenance(r),
			Extra:      ir.Object{"payload_hash": ir.String(r.hash)},
		},
	})
	return infra(G2, "record no-op", err)
}

// receive records WO_RECEIVED against the approval and creates the
// submission's instance ledger.
func (p *Pipeline) receive(r *run) error {
	top := p.planes.Top().MainLedgerRef()
	_, err := r.execLog.Write(ledger.Entry{
		EventType:    ledger.EventWorkOrderReceived,
		SubmissionID: r.sub.SessionID,
		Decision:     OutcomeProceed,
		Reason:       fmt.Sprintf("work order %s received", r.wo.ID),
		Metadata: ledger.Metadata{
			Provenance: p.provenance(r),
			Relational: ledger.Relational{
				ParentLedger:  top.String(),
				ParentEventID: r.approval.ID,
				ParentHash:    r.approval.EntryHash,
				RootEventID:   r.approval.ID,
			},
			Extra: ir.Object{
				"payload_hash": ir.String(r.hash),
				"wo_type":      ir.String(r.wo.Type),
			},
		},
	})
	if err != nil {
		return infra(G2, "record receipt", err)
	}

	r.instanceRef = plane.InstanceRef(r.exec.Tier, r.wo.ID, r.sub.SessionID)
	r.instance, err = p.createChild(r, r.instanceRef, r.exec, r.execRef, r.execLog)
	return infra(G2, "create instance ledger", err)
}

// openSession creates the session ledger on the plane below the execution
// plane, or on the execution plane itself when it is the lowest.
func (p *Pipeline) openSession(r *run) error {
	host := r.exec
	for _, pl := range p.planes.Planes() {
		if pl.Parent == r.exec.Tier {
			host = pl
			break
		}
	}
	r.sessionRef = plane.SessionRef(host.Tier, r.sub.SessionID)
	var err error
	r.session, err = p.createChild(r, r.sessionRef, host, r.instanceRef, r.instance)
	return infra(G4, "create session ledger", err)
}

func (p *Pipeline) createChild(r *run, ref plane.Ref, host *plane.Plane, parentRef plane.Ref, parent *ledger.Ledger) (*ledger.Ledger, error) {
	l, err := p.openLedger(ref)
	if err != nil {
		return nil, err
	}
	if l.Count() > 0 {
		return nil, fmt.Errorf("ledger %s already exists", ref)
	}
	_, err = l.WriteGenesis(ledger.Genesis{
		Tier:          string(host.Tier),
		Root:          host.Root,
		ParentLedger:  parentRef.String(),
		ParentEventID: parent.LastEntryID(),
		ParentHash:    parent.LastEntryHash(),
		Actor:         r.sub.Actor,
		SubmissionID:  r.sub.SessionID,
		WorkOrderID:   r.wo.ID,
		SessionID:     r.sub.SessionID,
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// apply publishes the workspace files into the execution plane root in one
// transaction. The apply key is claimed first so a payload is applied at
// most once; a clean rollback releases the claim.
func (p *Pipeline) apply(ctx context.Context, r *run) (txn.Result, error) {
	key := cursor.ApplyKey(r.wo.ID, r.hash)
	if p.store != nil {
		inserted, err := p.store.Claim(ctx, store.Effect{
			DedupeKey: key,
			Kind:      "apply",
			Source:    r.wo.ID,
			Detail: ir.Object{
				"session_id": ir.String(r.sub.SessionID),
				"digest":     ir.String(r.digest),
			},
			ClaimedAt: p.now(),
		})
		if err != nil {
			return txn.Result{}, infra("", "claim apply", err)
		}
		if !inserted {
			return txn.Result{}, infra("", "claim apply", fmt.Errorf("payload %s of %s is already claimed", r.hash, r.wo.ID))
		}
	}

	opts := []txn.Option{
		txn.WithClassifier(r.exec.Classifier()),
		txn.WithLogger(p.logger),
		txn.WithID(p.ids.Generate()),
	}
	if p.publisher != nil {
		opts = append(opts, txn.WithPublisher(p.publisher))
	}
	if p.committer != nil {
		opts = append(opts, txn.WithCommitter(p.committer, fmt.Sprintf("%s: %s", r.wo.ID, r.wo.Title)))
	}
	tx := txn.Begin(r.exec.Root, opts...)
	for _, f := range r.changed {
		src := filepath.Join(r.workspace, filepath.FromSlash(f))
		info, err := os.Stat(src)
		if err != nil {
			return txn.Result{}, p.abandon(ctx, key, infra("", "apply", err))
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return txn.Result{}, p.abandon(ctx, key, infra("", "apply", err))
		}
		tx.Write(f, data, info.Mode().Perm())
	}

	res, err := tx.Commit(boundary.WithMode(ctx, boundary.ModeInstall))
	if err != nil {
		p.logger.Error("apply failed", "work_order", r.wo.ID, "txn", tx.ID(), "error", err)
		if txn.IsRollbackError(err) {
			return res, infra("", "apply", err)
		}
		return res, p.abandon(ctx, key, infra("", "apply", err))
	}
	return res, nil
}

// abandon releases the apply claim after a failure that left no changes.
func (p *Pipeline) abandon(ctx context.Context, key string, cause error) error {
	if p.store == nil {
		return cause
	}
	if err := p.store.Release(ctx, key); err != nil {
		p.logger.Error("release apply claim failed", "key", key, "error", err)
	}
	return cause
}

func (p *Pipeline) complete(ctx context.Context, r *run, tx txn.Result) error {
	extra := ir.Object{
		"payload_hash":   ir.String(r.hash),
		"digest":         ir.String(r.digest),
		"transaction_id": ir.String(tx.ID),
		"files":          stringArray(tx.Applied),
	}
	if r.attestation != nil {
		extra["attestation_id"] = ir.String(r.attestation.ID)
	}
	if tx.VCS != nil {
		extra["commit"] = ir.String(tx.VCS.Commit)
	}
	_, err := r.execLog.Write(ledger.Entry{
		EventType:    ledger.EventWorkOrderCompleted,
		SubmissionID: r.sub.SessionID,
		Decision:     "COMPLETED",
		Reason:       fmt.Sprintf("work order %s applied %d file(s)", r.wo.ID, len(tx.Applied)),
		Metadata: ledger.Metadata{
			Provenance: p.provenance(r),
			Relational: ledger.Relational{
				ParentLedger:  r.instanceRef.String(),
				ParentEventID: r.instance.LastEntryID(),
				ParentHash:    r.instance.LastEntryHash(),
				RootEventID:   r.approval.ID,
			},
			Extra: extra,
		},
	})
	if err != nil {
		return infra("", "record completion", err)
	}
	if p.store != nil {
		if err := p.store.MarkApplied(ctx, cursor.ApplyKey(r.wo.ID, r.hash), p.now()); err != nil {
			return infra("", "mark applied", err)
		}
	}
	return nil
}
