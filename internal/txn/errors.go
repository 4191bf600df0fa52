package txn

import (
	"errors"
	"fmt"
	"strings"
)

// TransactionError reports a transaction that failed and was rolled back.
// The tree is in its pre-transaction state.
type TransactionError struct {
	ID    string
	Phase string // "check", "stage" or "publish"
	Path  string
	Err   error
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("transaction %s failed during %s of %s: %v", e.ID, e.Phase, e.Path, e.Err)
	}
	return fmt.Sprintf("transaction %s failed during %s: %v", e.ID, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransactionError) Unwrap() error {
	return e.Err
}

// RollbackError reports a transaction whose rollback did not complete. The
// tree may be inconsistent and needs operator attention.
type RollbackError struct {
	ID       string
	Cause    error
	Failures []error
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("transaction %s rollback incomplete after %v: %s", e.ID, e.Cause, strings.Join(msgs, "; "))
}

// Unwrap returns the original failure and every rollback failure.
func (e *RollbackError) Unwrap() []error {
	return append([]error{e.Cause}, e.Failures...)
}

// SyncError reports a publish or remove that took effect but whose
// directory could not be synced. The change is visible yet may not survive
// a crash.
type SyncError struct {
	Dir string
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Dir, e.Err)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsSyncError returns true if err is a SyncError.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}

// IsTransactionError returns true if err is a TransactionError.
func IsTransactionError(err error) bool {
	var te *TransactionError
	return errors.As(err, &te)
}

// IsRollbackError returns true if err is a RollbackError.
func IsRollbackError(err error) bool {
	var re *RollbackError
	return errors.As(err, &re)
}
