// Package ir provides the constrained value model and canonical encoding that
// every hash in govledger is computed over.
//
// This package imports nothing internal. Ledger entries, work order payloads,
// attestations and dedupe keys all pass through it, so two processes that see
// the same logical document always derive the same digest.
//
// Key design constraints:
//   - NO float types anywhere - integers are int64, floats are rejected
//   - null is admitted and encodes as the literal null
//   - canonical JSON follows RFC 8785: keys sorted by UTF-16 code units,
//     no insignificant whitespace, minimal string escaping, UTF-8 text hashed
//     as given (invalid UTF-8 is rejected, nothing is normalized)
//   - digests are rendered as "sha256:<64 lowercase hex>"
package ir
