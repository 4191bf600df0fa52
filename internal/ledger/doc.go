// Package ledger implements the append-only, hash-chained event log owned by
// each plane and each work-order or session instance.
//
// One JSON object per line. Every entry carries the hash of its predecessor
// (previous_hash) and its own hash (entry_hash), computed over the RFC 8785
// canonical form of the entry with entry_hash removed:
//
//	entry_hash = "sha256:" + hex(sha256(canonical(entry \ entry_hash)))
//
// The first entry of a child ledger is a GENESIS entry whose previous_hash is
// the parent ledger's last hash at creation time. That anchors the child under
// the parent and forms the ledger forest that G6 walks.
//
// # Segments
//
// A ledger may span several files. The base file (name.jsonl) is segment 0,
// later segments are name.000001.jsonl, name.000002.jsonl and so on, and
// name.index.json records the sealed segments with their entry counts and last
// hashes. The index is a cache: it is rebuilt from the segment files when
// missing or stale. Rotation only happens when WithMaxSegmentEntries is set.
//
// # Concurrency
//
// A Ledger serializes its own writes with a mutex. There is no cross-process
// lock; exactly one process may write a given ledger at a time.
package ledger
