package cursor

import (
	"path/filepath"
	"strconv"

	"github.com/roach88/govledger/internal/ir"
)

// DedupeKey derives an opaque, deterministic key from an identity tuple.
func DedupeKey(parts ...string) string {
	return ir.DomainHash(ir.DomainDedupe, parts...)
}

// RollupKey identifies the roll-up of entries [from, to) of a ledger into a
// consumer tier. lastHash is the entry_hash of entry to-1, so a rewritten
// ledger yields new keys for the same range.
func RollupKey(ledgerPath string, from, to int, lastHash, consumerTier string) string {
	if abs, err := filepath.Abs(ledgerPath); err == nil {
		ledgerPath = abs
	}
	return DedupeKey("rollup", ledgerPath, strconv.Itoa(from), strconv.Itoa(to), lastHash, consumerTier)
}

// PolicyKey identifies one application of a policy version to an instance.
func PolicyKey(policyID, version, instance string) string {
	return DedupeKey("policy", policyID, version, instance)
}

// ApplyKey identifies the application of an approved work order payload.
func ApplyKey(workOrderID, payloadHash string) string {
	return DedupeKey("apply", workOrderID, payloadHash)
}
