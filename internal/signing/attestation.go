package signing

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/txn"
)

// Attestation asserts what was built for a work order, from which source,
// with which resulting digest.
type Attestation struct {
	ID               string             `json:"id"`
	WorkOrderID      string             `json:"work_order_id"`
	SpecID           string             `json:"spec_id,omitempty"`
	Digest           string             `json:"digest"`
	Files            []FileDigest       `json:"files"`
	SourceRepository string             `json:"source_repository,omitempty"`
	SourceRevision   string             `json:"source_revision,omitempty"`
	Timestamp        string             `json:"timestamp"`
	Signature        *SignatureMetadata `json:"signature,omitempty"`
	SignatureWaived  bool               `json:"signature_waived"`
	WaiverReason     string             `json:"waiver_reason,omitempty"`
}

// NewAttestation builds an unsigned attestation.
func NewAttestation(id, workOrderID, specID, digest string, files []FileDigest, at time.Time) Attestation {
	if files == nil {
		files = []FileDigest{}
	}
	return Attestation{
		ID:          id,
		WorkOrderID: workOrderID,
		SpecID:      specID,
		Digest:      digest,
		Files:       files,
		Timestamp:   at.UTC().Format(time.RFC3339Nano),
	}
}

// ContentHash returns the canonical hash of the attestation with its
// signature, waiver flag and waiver reason removed. That hash is what gets signed.
func (a Attestation) ContentHash() (string, error) {
	body := a
	body.Signature = nil
	body.SignatureWaived = false
	body.WaiverReason = ""
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	obj, err := ir.DecodeObject(data)
	if err != nil {
		return "", err
	}
	delete(obj, "signature_waived")
	return ir.HashCanonical(obj)
}

// Seal signs the attestation with s, or marks the signature waived with
// reason when s is nil.
func (a *Attestation) Seal(s *Signer, at time.Time, reason string) error {
	if s == nil {
		a.Signature = nil
		a.SignatureWaived = true
		a.WaiverReason = reason
		return nil
	}
	hash, err := a.ContentHash()
	if err != nil {
		return fmt.Errorf("seal attestation: %w", err)
	}
	meta := s.Sign(hash, at)
	a.Signature = &meta
	a.SignatureWaived = false
	a.WaiverReason = ""
	return nil
}

// Verify checks the attestation signature against the registry. A waived
// attestation has nothing to verify and returns nil.
func (a Attestation) Verify(r *Registry) error {
	if a.Signature == nil {
		if a.SignatureWaived {
			return nil
		}
		return fmt.Errorf("%w: attestation %s carries no signature", ErrBadSignature, a.ID)
	}
	hash, err := a.ContentHash()
	if err != nil {
		return err
	}
	if hash != a.Signature.ContentHash {
		return fmt.Errorf("%w: attestation %s", ErrContentMismatch, a.ID)
	}
	return r.Verify(*a.Signature)
}

// WriteAttestation writes a next to artifact and returns the sidecar path.
func WriteAttestation(artifact string, a Attestation) (string, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", err
	}
	path := artifact + AttestationSuffix
	if err := txn.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write attestation: %w", err)
	}
	return path, nil
}

// ReadAttestation reads the attestation sidecar of artifact.
func ReadAttestation(artifact string) (Attestation, error) {
	data, err := os.ReadFile(artifact + AttestationSuffix)
	if err != nil {
		return Attestation{}, err
	}
	var a Attestation
	if err := json.Unmarshal(data, &a); err != nil {
		return Attestation{}, fmt.Errorf("parse attestation: %w", err)
	}
	return a, nil
}
