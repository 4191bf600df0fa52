package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/govledger/internal/txn"
)

// RegistryPath is the trusted-key registry location relative to a plane root.
const RegistryPath = "registries/trusted_keys.yaml"

// TrustedKey is one entry of the registry.
type TrustedKey struct {
	KeyID     string `yaml:"key_id"`
	PublicKey string `yaml:"public_key"`
	Owner     string `yaml:"owner,omitempty"`
	AddedAt   string `yaml:"added_at,omitempty"`
}

// Registry is the set of public keys whose signatures are trusted.
type Registry struct {
	Keys []TrustedKey `yaml:"keys"`
}

// LoadRegistry reads a registry file. A missing file is an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Registry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trusted keys: %w", err)
	}
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse trusted keys %s: %w", path, err)
	}
	return &r, nil
}

// Save writes the registry atomically.
func (r *Registry) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return txn.WriteFileAtomic(path, data, 0o644)
}

// Add trusts pub. Adding a key twice is a no-op.
func (r *Registry) Add(pub ed25519.PublicKey, owner, addedAt string) string {
	id := KeyID(pub)
	if _, ok := r.lookup(id); ok {
		return id
	}
	r.Keys = append(r.Keys, TrustedKey{
		KeyID:     id,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Owner:     owner,
		AddedAt:   addedAt,
	})
	return id
}

func (r *Registry) lookup(id string) (ed25519.PublicKey, bool) {
	for _, k := range r.Keys {
		if k.KeyID != id {
			continue
		}
		pub, err := base64.StdEncoding.DecodeString(k.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, false
		}
		// The id must be derived from the key it names.
		if KeyID(pub) != id {
			return nil, false
		}
		return ed25519.PublicKey(pub), true
	}
	return nil, false
}

// Trusted reports whether id names a usable registry key.
func (r *Registry) Trusted(id string) bool {
	_, ok := r.lookup(id)
	return ok
}

// Verify checks meta against the registry.
func (r *Registry) Verify(meta SignatureMetadata) error {
	pub, ok := r.lookup(meta.Signer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUntrustedSigner, meta.Signer)
	}
	return verifyWith(pub, meta)
}
