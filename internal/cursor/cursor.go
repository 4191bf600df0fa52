// Package cursor tracks how far a consuming tier has read a source ledger.
//
// One small JSON file per source ledger lives in the cursor directory, named
// by the first 16 hex characters of the SHA-256 of the ledger's absolute path.
// Cursors only move forward. When the source ledger shrinks (rewrite or
// truncation) the cursor is reset to zero and the reset is logged.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/txn"
)

// State is the persisted position of one consumer in one source ledger.
type State struct {
	SourceLedger  string `json:"source_ledger"`
	Cursor        int    `json:"cursor"`
	LastEntryHash string `json:"last_entry_hash"`
	UpdatedAt     string `json:"updated_at"`
}

// Range is a half-open range [From, To) of unprocessed entries.
type Range struct {
	From     int  `json:"from"`
	To       int  `json:"to"`
	WasReset bool `json:"was_reset"`
	// Previous is the stored cursor before a reset.
	Previous int `json:"previous,omitempty"`
}

// Empty reports whether there is nothing to process.
func (r Range) Empty() bool {
	return r.From >= r.To
}

// MonotonicityError is returned by Save when the cursor would move backwards.
type MonotonicityError struct {
	Source    string
	Stored    int
	Requested int
}

// Error implements the error interface.
func (e *MonotonicityError) Error() string {
	return fmt.Sprintf("cursor for %s cannot move backwards from %d to %d; reset it first",
		e.Source, e.Stored, e.Requested)
}

// IsMonotonicityError returns true if err is a MonotonicityError.
func IsMonotonicityError(err error) bool {
	var me *MonotonicityError
	return errors.As(err, &me)
}

// Manager reads and writes cursor files in one directory.
type Manager struct {
	mu     sync.Mutex
	dir    string
	clock  ledger.Clock
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the updated_at source.
func WithClock(c ledger.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager returns a manager storing cursors in dir.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{dir: dir, clock: ledger.SystemClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FileName returns the cursor file name for a source ledger path.
func FileName(source string) (string, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return "", err
	}
	return ir.ShortHex(ir.Digest([]byte(abs)), 16) + ".json", nil
}

func (m *Manager) file(source string) (string, string, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return "", "", fmt.Errorf("cursor path: %w", err)
	}
	name, err := FileName(abs)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(m.dir, name), abs, nil
}

// Load returns the stored state for source. ok is false when no cursor exists.
func (m *Manager) Load(source string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(source)
}

func (m *Manager) load(source string) (State, bool, error) {
	path, _, err := m.file(source)
	if err != nil {
		return State{}, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load cursor: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("load cursor %s: %w", path, err)
	}
	return st, true, nil
}

// Save stores a new position. It fails with *MonotonicityError when cursor is
// lower than the stored one.
func (m *Manager) Save(source string, cursor int, lastHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok, err := m.load(source)
	if err != nil {
		return err
	}
	if ok && cursor < prev.Cursor {
		return &MonotonicityError{Source: source, Stored: prev.Cursor, Requested: cursor}
	}
	return m.write(source, cursor, lastHash)
}

// Reset sets the cursor for source back to zero.
func (m *Manager) Reset(source string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, _, err := m.load(source)
	if err != nil {
		return err
	}
	m.logger.Warn("cursor reset", "source", source, "previous", prev.Cursor, "reason", reason)
	return m.write(source, 0, "")
}

func (m *Manager) write(source string, cursor int, lastHash string) error {
	path, abs, err := m.file(source)
	if err != nil {
		return err
	}
	st := State{
		SourceLedger:  abs,
		Cursor:        cursor,
		LastEntryHash: lastHash,
		UpdatedAt:     ledger.FormatTimestamp(m.clock.Now()),
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := txn.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// GetUnprocessedRange returns the entries of source not yet consumed, given
// the source's current entry count and last hash.
//
// Without a stored cursor the whole ledger is returned. When the stored
// cursor exceeds count the source shrank: the cursor is reset to zero, the
// range covers the whole ledger and WasReset is set.
func (m *Manager) GetUnprocessedRange(source string, count int, lastHash string) (Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok, err := m.load(source)
	if err != nil {
		return Range{}, err
	}
	if !ok {
		return Range{From: 0, To: count}, nil
	}
	if st.Cursor > count {
		m.logger.Warn("source ledger shrank, resetting cursor",
			"source", source,
			"cursor", st.Cursor,
			"count", count,
		)
		if err := m.write(source, 0, ""); err != nil {
			return Range{}, err
		}
		return Range{From: 0, To: count, WasReset: true, Previous: st.Cursor}, nil
	}
	if st.Cursor == count && st.LastEntryHash != "" && st.LastEntryHash != lastHash {
		m.logger.Warn("source ledger rewritten without growing",
			"source", source,
			"cursor", st.Cursor,
			"stored_hash", st.LastEntryHash,
			"current_hash", lastHash,
		)
	}
	return Range{From: st.Cursor, To: count}, nil
}
