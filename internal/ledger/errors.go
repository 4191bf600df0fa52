package ledger

import (
	"errors"
	"fmt"
)

// Code categorizes a ledger integrity problem.
type Code string

const (
	// CodeMalformed marks a line that is not a JSON object without floats.
	CodeMalformed Code = "MALFORMED"

	// CodeHashMismatch marks an entry whose stored entry_hash differs from the recomputed one.
	CodeHashMismatch Code = "HASH_MISMATCH"

	// CodeBrokenLink marks an entry whose previous_hash is not its predecessor's entry_hash.
	CodeBrokenLink Code = "BROKEN_LINK"

	// CodeCorruptTail marks a ledger whose final line is partial or unreadable.
	// Writes are refused until the ledger is repaired.
	CodeCorruptTail Code = "CORRUPT_TAIL"

	// CodeUnhashed marks a legacy entry without entry_hash. Reported as a warning.
	CodeUnhashed Code = "UNHASHED"
)

// IntegrityError reports a ledger that cannot be trusted at a given position.
type IntegrityError struct {
	Code    Code
	Path    string
	Index   int
	Message string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: %s (ledger=%s, entry=%d)", e.Code, e.Message, e.Path, e.Index)
	}
	return fmt.Sprintf("%s: %s (ledger=%s)", e.Code, e.Message, e.Path)
}

// IsIntegrityError returns true if err is an IntegrityError of any code.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsCorruptTail returns true if err reports a corrupt ledger tail.
func IsCorruptTail(err error) bool {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie.Code == CodeCorruptTail
	}
	return false
}

// ErrNotEmpty is returned by WriteGenesis on a ledger that already has entries.
var ErrNotEmpty = errors.New("ledger is not empty")
