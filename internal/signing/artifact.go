package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/txn"
)

// Sidecar suffixes.
const (
	SignatureSuffix   = ".sig"
	AttestationSuffix = ".attestation.json"
)

// HashFile returns "sha256:<hex>" of the file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return ir.DigestPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// SignArtifact signs the content hash of path and writes <path>.sig.
func SignArtifact(path string, s *Signer, at time.Time) (SignatureMetadata, error) {
	hash, err := HashFile(path)
	if err != nil {
		return SignatureMetadata{}, err
	}
	meta := s.Sign(hash, at)
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return SignatureMetadata{}, err
	}
	if err := txn.WriteFileAtomic(path+SignatureSuffix, append(data, '\n'), 0o644); err != nil {
		return SignatureMetadata{}, err
	}
	return meta, nil
}

// ReadSignature reads <path>.sig.
func ReadSignature(path string) (SignatureMetadata, error) {
	data, err := os.ReadFile(path + SignatureSuffix)
	if err != nil {
		return SignatureMetadata{}, err
	}
	var meta SignatureMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return SignatureMetadata{}, fmt.Errorf("parse %s%s: %w", path, SignatureSuffix, err)
	}
	return meta, nil
}

// VerifyArtifact checks that <path>.sig signs the current content of path
// with a trusted key.
func VerifyArtifact(path string, r *Registry) (SignatureMetadata, error) {
	meta, err := ReadSignature(path)
	if err != nil {
		return SignatureMetadata{}, err
	}
	hash, err := HashFile(path)
	if err != nil {
		return meta, err
	}
	if hash != meta.ContentHash {
		return meta, fmt.Errorf("%w: file %s, signed %s", ErrContentMismatch, hash, meta.ContentHash)
	}
	return meta, r.Verify(meta)
}

// FileDigest is the hash of one changed file.
type FileDigest struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// ChangesetDigest hashes every file (paths relative to root, slash-separated)
// and combines the per-file hashes, sorted by path, into one digest.
func ChangesetDigest(root string, paths []string) (string, []FileDigest, error) {
	sorted := make([]string, len(paths))
	for i, p := range paths {
		sorted[i] = filepath.ToSlash(filepath.Clean(p))
	}
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	files := make([]FileDigest, 0, len(sorted))
	parts := make([]string, 0, 2*len(sorted))
	for _, rel := range sorted {
		if strings.HasPrefix(rel, "../") || rel == ".." {
			return "", nil, fmt.Errorf("changeset path %s escapes root", rel)
		}
		h, err := HashFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", nil, fmt.Errorf("changeset digest: %w", err)
		}
		files = append(files, FileDigest{Path: rel, SHA256: h})
		parts = append(parts, rel, h)
	}
	return ir.DomainHash(ir.DomainChangeset, parts...), files, nil
}
