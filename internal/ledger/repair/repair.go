// Package repair restores a damaged ledger to a usable state.
//
// It is deliberately separate from the ledger write path: nothing in normal
// operation repairs a ledger. Every mode starts by verifying the chain and
// returns the report it acted on.
package repair

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/txn"
)

// Mode selects what Run does.
type Mode string

const (
	ModeVerifyOnly Mode = "verify-only"
	ModeTruncate   Mode = "truncate"
	ModeReset      Mode = "reset"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeVerifyOnly, ModeTruncate, ModeReset:
		return m, nil
	default:
		return "", fmt.Errorf("unknown repair mode %q (want verify-only, truncate or reset)", s)
	}
}

// ErrNotConfirmed is returned by Reset without confirmation.
var ErrNotConfirmed = errors.New("reset requires explicit confirmation")

// Result describes what a repair did.
type Result struct {
	Mode           Mode           `json:"mode"`
	Path           string         `json:"path"`
	Before         ledger.Report  `json:"before"`
	After          *ledger.Report `json:"after,omitempty"`
	Changed        bool           `json:"changed"`
	KeptEntries    int            `json:"kept_entries"`
	RemovedEntries int            `json:"removed_entries"`
	RemovedFiles   []string       `json:"removed_files,omitempty"`
	BackupDir      string         `json:"backup_dir,omitempty"`
}

// Repairer runs repairs.
type Repairer struct {
	clock  ledger.Clock
	logger *slog.Logger
}

// Option configures a Repairer.
type Option func(*Repairer)

// WithClock sets the clock used to name backup directories.
func WithClock(c ledger.Clock) Option {
	return func(r *Repairer) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repairer) { r.logger = logger }
}

// New creates a Repairer.
func New(opts ...Option) *Repairer {
	r := &Repairer{clock: ledger.SystemClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run dispatches to the mode's operation.
func (r *Repairer) Run(path string, mode Mode, confirm bool) (Result, error) {
	switch mode {
	case ModeVerifyOnly:
		return r.VerifyOnly(path)
	case ModeTruncate:
		return r.TruncateToLastValid(path)
	case ModeReset:
		return r.Reset(path, confirm)
	default:
		_, err := ParseMode(string(mode))
		return Result{}, err
	}
}

// VerifyOnly reports the chain state without touching any file.
func (r *Repairer) VerifyOnly(path string) (Result, error) {
	rep, err := ledger.Verify(path)
	if err != nil {
		return Result{}, err
	}
	return Result{Mode: ModeVerifyOnly, Path: rep.Path, Before: rep, KeptEntries: rep.Entries}, nil
}

// TruncateToLastValid keeps the longest prefix of the ledger that verifies
// and discards everything from the first break on: the breaking segment is
// rewritten atomically, later segments are deleted and the index rebuilt.
// A valid ledger whose last line lacks its newline gets the newline back.
func (r *Repairer) TruncateToLastValid(path string) (Result, error) {
	rep, err := ledger.Verify(path)
	if err != nil {
		return Result{}, err
	}
	res := Result{Mode: ModeTruncate, Path: rep.Path, Before: rep, KeptEntries: rep.Entries}
	files, err := ledger.SegmentFiles(rep.Path)
	if err != nil {
		return res, err
	}

	if rep.FirstBreak == nil {
		if len(files) == 0 {
			return res, nil
		}
		last := files[len(files)-1]
		fixed, err := terminateLastLine(last)
		if err != nil {
			return res, err
		}
		if fixed {
			res.Changed = true
			r.logger.Warn("ledger tail terminated", "ledger", rep.Path, "file", last)
		}
		return r.finish(res)
	}

	brk := *rep.FirstBreak
	res.KeptEntries = brk.Index
	res.RemovedEntries = rep.Entries - brk.Index
	res.Changed = true

	for i := len(files) - 1; i > brk.Segment; i-- {
		if err := os.Remove(files[i]); err != nil {
			return res, fmt.Errorf("remove segment: %w", err)
		}
		res.RemovedFiles = append(res.RemovedFiles, filepath.Base(files[i]))
	}

	target := files[brk.Segment]
	kept, err := headLines(target, brk.Line-1)
	if err != nil {
		return res, err
	}
	if len(bytes.TrimSpace(kept)) == 0 && brk.Segment > 0 {
		if err := os.Remove(target); err != nil {
			return res, fmt.Errorf("remove segment: %w", err)
		}
		res.RemovedFiles = append(res.RemovedFiles, filepath.Base(target))
	} else if err := txn.WriteFileAtomic(target, kept, 0o644); err != nil {
		return res, fmt.Errorf("rewrite segment: %w", err)
	}

	r.logger.Warn("ledger truncated",
		"ledger", rep.Path,
		"kept", res.KeptEntries,
		"removed", res.RemovedEntries,
		"segment", brk.Segment,
		"line", brk.Line,
	)
	return r.finish(res)
}

// Reset moves every segment and the index into <dir>/backup-<timestamp>/
// and leaves an empty ledger behind. It refuses to run unless confirm is set.
func (r *Repairer) Reset(path string, confirm bool) (Result, error) {
	rep, err := ledger.Verify(path)
	if err != nil {
		return Result{}, err
	}
	res := Result{Mode: ModeReset, Path: rep.Path, Before: rep}
	if !confirm {
		return res, ErrNotConfirmed
	}
	files, err := ledger.SegmentFiles(rep.Path)
	if err != nil {
		return res, err
	}
	stamp := r.clock.Now().UTC().Format("20060102T150405.000000000Z")
	backup := filepath.Join(filepath.Dir(rep.Path), "backup-"+stamp)
	if err := os.MkdirAll(backup, 0o755); err != nil {
		return res, err
	}
	if _, err := os.Stat(ledger.IndexPath(rep.Path)); err == nil {
		files = append(files, ledger.IndexPath(rep.Path))
	}
	for _, f := range files {
		if err := os.Rename(f, filepath.Join(backup, filepath.Base(f))); err != nil {
			return res, fmt.Errorf("move %s to backup: %w", f, err)
		}
		res.RemovedFiles = append(res.RemovedFiles, filepath.Base(f))
	}
	if err := txn.WriteFileAtomic(rep.Path, nil, 0o644); err != nil {
		return res, fmt.Errorf("recreate ledger: %w", err)
	}
	res.BackupDir = backup
	res.Changed = true
	res.RemovedEntries = rep.Entries
	r.logger.Warn("ledger reset", "ledger", rep.Path, "backup", backup, "entries", rep.Entries)
	return r.finish(res)
}

func (r *Repairer) finish(res Result) (Result, error) {
	if err := ledger.RebuildIndex(res.Path); err != nil {
		return res, fmt.Errorf("rebuild index: %w", err)
	}
	after, err := ledger.Verify(res.Path)
	if err != nil {
		return res, err
	}
	res.After = &after
	return res, nil
}

// headLines returns the first n physical lines of file, each terminated by a
// newline.
func headLines(file string, n int) ([]byte, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out bytes.Buffer
	rd := bufio.NewReader(f)
	for i := 0; i < n; i++ {
		line, err := rd.ReadBytes('\n')
		if len(line) > 0 {
			out.Write(line)
			if line[len(line)-1] != '\n' {
				out.WriteByte('\n')
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

func terminateLastLine(file string) (bool, error) {
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return false, nil
	}
	return true, txn.WriteFileAtomic(file, append(data, '\n'), 0o644)
}
