// Package signing produces and checks detached ed25519 signatures over
// content hashes, and the attestation records emitted for every applied
// work order.
//
// Signatures and attestations are sidecar files stored next to the artifact
// they describe (<artifact>.sig, <artifact>.attestation.json); the artifact
// itself is never modified.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Algorithm is the only supported signature algorithm.
const Algorithm = "ed25519"

// signingDomain separates govledger signatures from any other use of a key.
const signingDomain = "govledger/signature/v1"

// SignatureMetadata is a detached signature over a content hash.
type SignatureMetadata struct {
	Algorithm   string `json:"algorithm"`
	ContentHash string `json:"content_hash"`
	Signer      string `json:"signer"`
	Timestamp   string `json:"timestamp"`
	Signature   string `json:"signature"`
}

// Signer holds a private key.
type Signer struct {
	priv ed25519.PrivateKey
	id   string
}

// NewSigner wraps an ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{priv: priv, id: KeyID(pub)}, nil
}

// LoadSigner reads a key file holding a hex-encoded 32-byte seed.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode signing key %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key %s: want %d-byte seed, got %d", path, ed25519.SeedSize, len(seed))
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed))
}

// GenerateKey writes a new hex-encoded seed to path (mode 0600) and returns
// its signer. reader defaults to crypto/rand.
func GenerateKey(path string, reader io.Reader) (*Signer, error) {
	if reader == nil {
		reader = rand.Reader
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("generate random bytes: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed))
}

// KeyID returns "ed25519:" plus the first 16 hex characters of the SHA-256
// of the public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return Algorithm + ":" + hex.EncodeToString(sum[:])[:16]
}

// ID returns the signer's key id.
func (s *Signer) ID() string {
	return s.id
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign signs contentHash.
func (s *Signer) Sign(contentHash string, at time.Time) SignatureMetadata {
	sig := ed25519.Sign(s.priv, message(contentHash))
	return SignatureMetadata{
		Algorithm:   Algorithm,
		ContentHash: contentHash,
		Signer:      s.id,
		Timestamp:   at.UTC().Format(time.RFC3339Nano),
		Signature:   base64.StdEncoding.EncodeToString(sig),
	}
}

func message(contentHash string) []byte {
	return []byte(signingDomain + "\x00" + contentHash)
}

// Verification failures.
var (
	ErrUntrustedSigner   = errors.New("signer is not in the trusted key registry")
	ErrBadSignature      = errors.New("signature does not verify")
	ErrContentMismatch   = errors.New("content hash does not match signed hash")
	ErrUnsupportedFormat = errors.New("unsupported signature algorithm")
)

func verifyWith(pub ed25519.PublicKey, meta SignatureMetadata) error {
	if meta.Algorithm != Algorithm {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, meta.Algorithm)
	}
	sig, err := base64.StdEncoding.DecodeString(meta.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(pub, message(meta.ContentHash), sig) {
		return ErrBadSignature
	}
	return nil
}
