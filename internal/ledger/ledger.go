package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/govledger/internal/ir"
)

// Ledger is an append-only hash-chained log backed by one or more JSONL files.
type Ledger struct {
	mu sync.Mutex

	path     string
	segments []Segment // last element is the active segment
	count    int
	lastHash string
	lastID   string
	tailErr  error

	maxSegmentEntries int
	clock             Clock
	ids               IDGenerator
	logger            *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the timestamp source.
func WithClock(c Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithIDGenerator sets the entry id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(l *Ledger) {
		l.ids = g
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMaxSegmentEntries rotates to a new segment file once the active one
// holds n entries. Zero disables rotation.
func WithMaxSegmentEntries(n int) Option {
	return func(l *Ledger) {
		l.maxSegmentEntries = n
	}
}

// Open opens the ledger whose base file is path. Nothing is created on disk
// until the first write.
func Open(path string, opts ...Option) (*Ledger, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := &Ledger{
		path:   abs,
		clock:  SystemClock{},
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return l, nil
}

// load rebuilds the cached segment table, count and last hash from disk.
func (l *Ledger) load() error {
	files, err := SegmentFiles(l.path)
	if err != nil {
		return err
	}
	l.segments = nil
	l.count = 0
	l.lastHash = ""
	l.lastID = ""
	l.tailErr = nil

	if len(files) == 0 {
		l.segments = []Segment{{File: filepath.Base(l.path)}}
		return nil
	}

	idx, err := readIndex(l.path)
	if err != nil {
		return err
	}
	trusted := map[string]Segment{}
	if idx != nil {
		for _, s := range idx.Segments {
			trusted[s.File] = s
		}
	}

	stale := len(files) > 1 && idx == nil
	for i, file := range files {
		name := filepath.Base(file)
		active := i == len(files)-1
		if s, ok := trusted[name]; ok && !active {
			l.segments = append(l.segments, s)
			l.count += s.Entries
			continue
		}
		count, last, tailOK, err := summarize(file)
		if err != nil {
			return err
		}
		if !active {
			stale = true
		}
		seg := Segment{File: name, Entries: count, LastHash: lastHashOf(last)}
		l.segments = append(l.segments, seg)
		l.count += count

		if active {
			l.checkTail(file, last, tailOK)
		}
	}

	// An empty active segment inherits the chain head from the sealed ones.
	for i := len(l.segments) - 1; i >= 0; i-- {
		if l.segments[i].Entries > 0 {
			l.lastHash = l.segments[i].LastHash
			break
		}
	}

	if stale {
		if err := writeIndex(l.path, l.segments[:len(l.segments)-1]); err != nil {
			l.logger.Warn("rewrite segment index failed", "ledger", l.path, "error", err)
		}
	}
	return nil
}

func (l *Ledger) checkTail(file string, last []byte, tailOK bool) {
	if len(last) == 0 {
		return
	}
	e, err := ParseEntry(last)
	if err != nil || !tailOK {
		msg := "final line is partial"
		if err != nil {
			msg = fmt.Sprintf("final line is unreadable: %v", err)
		}
		l.tailErr = &IntegrityError{Code: CodeCorruptTail, Path: file, Index: l.count - 1, Message: msg}
		l.logger.Warn("ledger tail is corrupt", "ledger", file, "reason", msg)
		return
	}
	l.lastID = e.ID
}

// Path returns the absolute path of the base file.
func (l *Ledger) Path() string {
	return l.path
}

// Count returns the number of entries across all segments.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// LastEntryHash returns the entry_hash of the most recent entry, or "" for an
// empty ledger.
func (l *Ledger) LastEntryHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// LastEntryID returns the id of the most recent entry, or "".
func (l *Ledger) LastEntryID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// Segments returns a copy of the segment table.
func (l *Ledger) Segments() []Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Segment, len(l.segments))
	copy(out, l.segments)
	return out
}

// Refresh reloads cached state from disk, e.g. after an operator repair.
func (l *Ledger) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Write appends entry to the ledger and returns its id. ID and Timestamp are
// filled when empty; PreviousHash and EntryHash are always computed.
func (l *Ledger) Write(entry Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.append(entry, l.lastHash)
}

// Genesis describes the first entry of a ledger.
type Genesis struct {
	// Tier is the canonical tier name of the plane owning the ledger.
	Tier string
	// Root is the plane root directory.
	Root string
	// ParentLedger references the parent ledger ("ho2:workorders"), if any.
	ParentLedger string
	// ParentEventID is the id of the parent's last entry at creation time.
	ParentEventID string
	// ParentHash is the parent's last hash at creation time; it becomes
	// the genesis entry's previous_hash.
	ParentHash string
	Actor      string
	// SubmissionID ties instance ledgers to the submission that created them.
	SubmissionID string
	WorkOrderID  string
	SessionID    string
	Extra        ir.Object
}

// WriteGenesis writes the first entry of an empty ledger.
func (l *Ledger) WriteGenesis(g Genesis) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count > 0 {
		return "", fmt.Errorf("write genesis %s: %w", l.path, ErrNotEmpty)
	}
	meta := Metadata{
		Provenance: Provenance{
			Actor:       g.Actor,
			WorkOrderID: g.WorkOrderID,
			SessionID:   g.SessionID,
			Tier:        g.Tier,
		},
		Relational: Relational{
			ParentLedger:  g.ParentLedger,
			ParentEventID: g.ParentEventID,
			ParentHash:    g.ParentHash,
		},
		Extra: g.Extra.Clone(),
	}
	meta = meta.With("root", ir.String(g.Root)).
		With("format_version", ir.String(ir.FormatVersion)).
		With("tool_version", ir.String(ir.ToolVersion))

	entry := Entry{
		EventType:    EventGenesis,
		SubmissionID: g.SubmissionID,
		Decision:     "CREATED",
		Reason:       "ledger created",
		Metadata:     meta,
	}
	return l.append(entry, g.ParentHash)
}

// append writes one entry with the given previous hash. Caller holds mu.
func (l *Ledger) append(entry Entry, prev string) (string, error) {
	if l.tailErr != nil {
		return "", l.tailErr
	}
	if entry.ID == "" {
		entry.ID = l.ids.Generate()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = FormatTimestamp(l.clock.Now())
	}
	entry.PreviousHash = prev
	entry.EntryHash = ""

	line, err := seal(&entry)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", entry.EventType, err)
	}

	if err := l.rotateIfFull(); err != nil {
		return "", err
	}
	active := len(l.segments) - 1
	file := SegmentPath(l.path, active)
	if torn, err := appendLine(file, line); err != nil {
		if torn {
			l.tailErr = &IntegrityError{Code: CodeCorruptTail, Path: file, Index: l.count, Message: "partial write could not be undone"}
			l.logger.Error("ledger append left a partial line", "ledger", file, "error", err)
		}
		return "", fmt.Errorf("write %s to %s: %w", entry.EventType, file, err)
	}

	l.segments[active].Entries++
	l.segments[active].LastHash = entry.EntryHash
	l.count++
	l.lastHash = entry.EntryHash
	l.lastID = entry.ID

	l.logger.Debug("ledger append",
		"ledger", l.path,
		"event_type", entry.EventType,
		"id", entry.ID,
		"entry_hash", entry.EntryHash,
	)
	return entry.ID, nil
}

func (l *Ledger) rotateIfFull() error {
	if l.maxSegmentEntries <= 0 {
		return nil
	}
	active := l.segments[len(l.segments)-1]
	if active.Entries < l.maxSegmentEntries {
		return nil
	}
	next := len(l.segments)
	l.segments = append(l.segments, Segment{File: filepath.Base(SegmentPath(l.path, next))})
	if err := writeIndex(l.path, l.segments[:next]); err != nil {
		l.segments = l.segments[:next]
		return fmt.Errorf("rotate segment: %w", err)
	}
	l.logger.Debug("ledger segment rotated", "ledger", l.path, "segment", next)
	return nil
}

// segmentFile is the subset of *os.File used to append to a segment.
type segmentFile interface {
	Write(b []byte) (int, error)
	Sync() error
	Stat() (fs.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

var openSegment = func(file string) (segmentFile, error) {
	return os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// appendLine writes line and a newline to file and syncs it. A failed write
// is truncated back to the previous size; torn reports that the truncation
// also failed and partial bytes may remain.
func appendLine(file string, line []byte) (torn bool, err error) {
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return false, err
	}
	f, err := openSegment(file)
	if err != nil {
		return false, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return false, err
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err = f.Write(buf)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		if terr := f.Truncate(info.Size()); terr != nil {
			f.Close()
			return true, errors.Join(err, fmt.Errorf("truncate partial write: %w", terr))
		}
		f.Close()
		return false, err
	}
	return false, f.Close()
}
