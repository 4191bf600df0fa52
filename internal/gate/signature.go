package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/signing"
	"github.com/roach88/govledger/internal/txn"
)

// ChangesetFile is the name of the changeset manifest written by G5.
const ChangesetFile = "changeset.json"

// Changeset is the manifest of files a submission applies.
type Changeset struct {
	WorkOrderID string               `json:"work_order_id"`
	SessionID   string               `json:"session_id"`
	PayloadHash string               `json:"payload_hash"`
	Digest      string               `json:"digest"`
	Files       []signing.FileDigest `json:"files"`
}

// ChangesetPath returns where G5 writes the changeset manifest of a session.
func ChangesetPath(stagingDir, workOrderID, sessionID string) string {
	return filepath.Join(stagingDir, workOrderID, sessionID, ChangesetFile)
}

// signature is G5: digest the changeset, write its manifest, and attest it.
// An attestation is always written; without a signing key it is marked
// waived.
func (p *Pipeline) signature(r *run) (Result, error) {
	res := newResult(G5)

	root := r.workspace
	if root == "" {
		root = r.exec.Root
	}
	digest, files, err := signing.ChangesetDigest(root, r.changed)
	if err != nil {
		return res, infra(G5, "digest changeset", err)
	}
	r.digest, r.files = digest, files
	res.Details["digest"] = digest
	res.Details["files"] = len(files)

	artifact := ChangesetPath(r.exec.StagingDir(), r.wo.ID, r.sub.SessionID)
	data, err := json.MarshalIndent(Changeset{
		WorkOrderID: r.wo.ID,
		SessionID:   r.sub.SessionID,
		PayloadHash: r.hash,
		Digest:      digest,
		Files:       files,
	}, "", "  ")
	if err != nil {
		return res, infra(G5, "encode changeset", err)
	}
	if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
		return res, infra(G5, "create staging dir", err)
	}
	if err := txn.WriteFileAtomic(artifact, append(data, '\n'), 0o644); err != nil {
		return res, infra(G5, "write changeset", err)
	}
	res.Details["changeset"] = artifact

	now := p.clock.Now()
	att := signing.NewAttestation(p.ids.Generate(), r.wo.ID, r.wo.SpecID, digest, files, now)
	att.SourceRepository = r.workspace
	reason := ""
	if p.signer == nil {
		reason = "no signing key configured"
		res.finding(p.policy.environmental(), "attestation %s unsigned: %s", att.ID, reason)
	} else if _, err := signing.SignArtifact(artifact, p.signer, now); err != nil {
		return res, infra(G5, "sign changeset", err)
	}
	if err := att.Seal(p.signer, now, reason); err != nil {
		return res, infra(G5, "seal attestation", err)
	}
	if att.Signature != nil {
		if err := att.Verify(p.registry); err != nil {
			res.finding(p.policy.environmental(), "attestation %s: %v", att.ID, err)
		}
		res.Details["signer"] = att.Signature.Signer
	}
	if _, err := signing.WriteAttestation(artifact, att); err != nil {
		return res, infra(G5, "write attestation", err)
	}
	r.attestation = &att
	res.Details["attestation_id"] = att.ID
	res.Details["signature_waived"] = att.SignatureWaived

	if r.instance != nil {
		extra := ir.Object{
			"attestation_id":   ir.String(att.ID),
			"digest":           ir.String(digest),
			"changeset":        ir.String(filepath.ToSlash(mustRel(r.exec.Root, artifact))),
			"signature_waived": ir.Bool(att.SignatureWaived),
		}
		if att.Signature != nil {
			extra["signer"] = ir.String(att.Signature.Signer)
		}
		if att.WaiverReason != "" {
			extra["waiver_reason"] = ir.String(att.WaiverReason)
		}
		_, err := r.instance.Write(ledger.Entry{
			EventType:    ledger.EventAttestationRecorded,
			SubmissionID: r.sub.SessionID,
			Decision:     attestationDecision(att),
			Reason:       fmt.Sprintf("changeset %s attested", digest),
			Metadata:     ledger.Metadata{Provenance: p.provenance(r), Extra: extra},
		})
		if err != nil {
			return res, infra(G5, "record attestation", err)
		}
	}

	msg := fmt.Sprintf("changeset %s signed by %s", digest, p.signerID())
	if att.SignatureWaived {
		msg = fmt.Sprintf("changeset %s attested, signature waived", digest)
	}
	return res.conclude(msg), nil
}

func (p *Pipeline) signerID() string {
	if p.signer == nil {
		return ""
	}
	return p.signer.ID()
}

func attestationDecision(a signing.Attestation) string {
	if a.SignatureWaived {
		return "WAIVED"
	}
	return "SIGNED"
}

func mustRel(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return target
	}
	return rel
}
