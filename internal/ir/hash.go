package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestPrefix tags every digest with its algorithm.
const DigestPrefix = "sha256:"

// Domain prefixes for derived identifiers. The version suffix leaves room
// for an algorithm migration without colliding with old keys.
const (
	DomainDedupe    = "govledger/dedupe/v1"
	DomainChangeset = "govledger/changeset/v1"
	DomainAssets    = "govledger/assets/v1"
)

// Digest returns "sha256:<hex>" of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// HashCanonical digests the canonical JSON form of v.
func HashCanonical(v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", fmt.Errorf("hash canonical: %w", err)
	}
	return Digest(data), nil
}

// DomainHash computes SHA-256 over domain, a 0x00 separator, then each part
// followed by its own 0x00 separator. The separators keep part boundaries
// unambiguous ("ab"+"c" never collides with "a"+"bc").
func DomainHash(domain string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0x00})
	}
	return DigestPrefix + hex.EncodeToString(h.Sum(nil))
}

// IsDigest reports whether s has the form "sha256:<64 lowercase hex>".
func IsDigest(s string) bool {
	hexPart, ok := strings.CutPrefix(s, DigestPrefix)
	if !ok || len(hexPart) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ShortHex returns the first n hex characters of a digest, without its prefix.
func ShortHex(digest string, n int) string {
	hexPart := strings.TrimPrefix(digest, DigestPrefix)
	if n > len(hexPart) {
		n = len(hexPart)
	}
	return hexPart[:n]
}
