package ledger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/testutil"
)

func openTest(t *testing.T, path string, opts ...Option) *Ledger {
	t.Helper()
	base := []Option{
		WithClock(testutil.NewSteppingClock()),
		WithIDGenerator(testutil.NewSequenceGenerator("e")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	l, err := Open(path, append(base, opts...)...)
	require.NoError(t, err)
	return l
}

func writeN(t *testing.T, l *Ledger, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		id, err := l.Write(Entry{
			EventType: EventGatePassed,
			Decision:  "PASSED",
			Reason:    "ok",
			Metadata:  Metadata{Provenance: Provenance{Actor: "tester"}}.With("n", ir.Int(i)),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestWriteChainsEntries(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "governance.jsonl"))

	writeN(t, l, 3)
	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "", entries[0].PreviousHash)
	assert.Equal(t, entries[0].EntryHash, entries[1].PreviousHash)
	assert.Equal(t, entries[1].EntryHash, entries[2].PreviousHash)
	assert.Equal(t, entries[2].EntryHash, l.LastEntryHash())
	assert.Equal(t, "e-0003", l.LastEntryID())
	assert.Equal(t, 3, l.Count())

	for _, e := range entries {
		assert.True(t, ir.IsDigest(e.EntryHash))
		h, err := e.ComputeHash()
		require.NoError(t, err)
		assert.Equal(t, e.EntryHash, h)
	}
}

func TestWriteFillsIDAndTimestamp(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "l.jsonl"))

	id, err := l.Write(Entry{EventType: EventRollup})
	require.NoError(t, err)
	assert.Equal(t, "e-0001", id)

	e, ok, err := l.FindByID(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-01-15T09:00:00Z", e.Timestamp)

	id, err = l.Write(Entry{ID: "custom", Timestamp: "2020-01-01T00:00:00Z", EventType: EventRollup})
	require.NoError(t, err)
	assert.Equal(t, "custom", id)
}

func TestWriteIgnoresCallerHashes(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "l.jsonl"))

	_, err := l.Write(Entry{EventType: EventRollup, PreviousHash: "sha256:bogus", EntryHash: "sha256:bogus"})
	require.NoError(t, err)

	rep, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, rep.Valid)
}

func TestMetadataRoundTrip(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "l.jsonl"))

	meta := Metadata{
		Provenance: Provenance{Actor: "alice", WorkOrderID: "WO-1", SessionID: "s1", Tier: "ho2"},
		Relational: Relational{ParentLedger: "ho3:governance", ParentEventID: "a1", ParentHash: "sha256:00"},
	}.With("payload_hash", ir.String("sha256:abc")).With("count", ir.Int(2)).With("note", ir.Null{})

	id, err := l.Write(Entry{EventType: EventWorkOrderReceived, Metadata: meta})
	require.NoError(t, err)

	got, ok, err := l.FindByID(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta, got.Metadata)
	assert.Equal(t, "sha256:abc", got.Metadata.Str("payload_hash"))
}

func TestLinesAreCanonical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l.jsonl")
	l := openTest(t, path)
	writeN(t, l, 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSuffix(string(data), "\n")

	v, err := ir.Decode([]byte(line))
	require.NoError(t, err)
	canon, err := ir.Canonical(v)
	require.NoError(t, err)
	assert.Equal(t, line, string(canon))
	assert.True(t, strings.HasPrefix(line, `{"decision":"PASSED","entry_hash":"sha256:`))
}

func TestReopenRestoresState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l.jsonl")
	l := openTest(t, path)
	writeN(t, l, 2)
	last := l.LastEntryHash()

	reopened := openTest(t, path)
	assert.Equal(t, 2, reopened.Count())
	assert.Equal(t, last, reopened.LastEntryHash())
	assert.Equal(t, "e-0002", reopened.LastEntryID())
}

func TestReadByEventTypeAndRange(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "l.jsonl"))
	writeN(t, l, 2)
	_, err := l.Write(Entry{EventType: EventRollup})
	require.NoError(t, err)
	writeN(t, l, 1)

	rollups, err := l.ReadByEventType(EventRollup)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, "e-0003", rollups[0].ID)

	mid, err := l.ReadRange(1, 3)
	require.NoError(t, err)
	require.Len(t, mid, 2)
	assert.Equal(t, "e-0002", mid[0].ID)
	assert.Equal(t, "e-0003", mid[1].ID)

	last, ok, err := l.Last(func(e Entry) bool { return e.EventType == EventGatePassed })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "e-0004", last.ID)
}

func TestAllIsRestartable(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "l.jsonl"))
	writeN(t, l, 3)

	count := func() int {
		n := 0
		for _, err := range l.All() {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 3, count())
	assert.Equal(t, 3, count())

	// Early break stops cleanly.
	for e, err := range l.All() {
		require.NoError(t, err)
		assert.Equal(t, "e-0001", e.ID)
		break
	}
}

func TestWriteGenesisAnchorsToParent(t *testing.T) {
	dir := t.TempDir()
	parent := openTest(t, filepath.Join(dir, "workorders.jsonl"))
	writeN(t, parent, 2)

	child := openTest(t, filepath.Join(dir, "wo", "WO-1", "s1.jsonl"))
	_, err := child.WriteGenesis(Genesis{
		Tier:          "ho2",
		Root:          dir,
		ParentLedger:  "ho2:workorders",
		ParentEventID: parent.LastEntryID(),
		ParentHash:    parent.LastEntryHash(),
		Actor:         "pipeline",
		WorkOrderID:   "WO-1",
		SessionID:     "s1",
	})
	require.NoError(t, err)

	entries, err := child.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	g := entries[0]
	assert.Equal(t, EventGenesis, g.EventType)
	assert.Equal(t, parent.LastEntryHash(), g.PreviousHash)
	assert.Equal(t, parent.LastEntryHash(), g.Metadata.Relational.ParentHash)
	assert.Equal(t, "ho2:workorders", g.Metadata.Relational.ParentLedger)
	assert.Equal(t, dir, g.Metadata.Str("root"))
	assert.Equal(t, "ho2", g.Metadata.Provenance.Tier)

	rep, err := child.VerifyChain()
	require.NoError(t, err)
	assert.True(t, rep.Valid, "%+v", rep.Issues)

	_, err = child.WriteGenesis(Genesis{Tier: "ho2"})
	assert.ErrorIs(t, err, ErrNotEmpty)
}

func TestCorruptTailRefusesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l.jsonl")
	l := openTest(t, path)
	writeN(t, l, 2)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"partial","event_ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openTest(t, path)
	_, err = reopened.Write(Entry{EventType: EventRollup})
	require.Error(t, err)
	assert.True(t, IsCorruptTail(err))
	assert.True(t, IsIntegrityError(err))
}

// shortWriteFile writes half of the buffer and then fails.
type shortWriteFile struct {
	*os.File
	failTruncate bool
}

func (f *shortWriteFile) Write(b []byte) (int, error) {
	n, _ := f.File.Write(b[:len(b)/2])
	return n, errors.New("disk full")
}

func (f *shortWriteFile) Truncate(size int64) error {
	if f.failTruncate {
		return errors.New("read-only filesystem")
	}
	return f.File.Truncate(size)
}

func withShortWrites(t *testing.T, failTruncate bool) {
	t.Helper()
	orig := openSegment
	openSegment = func(file string) (segmentFile, error) {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return &shortWriteFile{File: f, failTruncate: failTruncate}, nil
	}
	t.Cleanup(func() { openSegment = orig })
}

func TestFailedWriteLeavesNoPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l.jsonl")
	l := openTest(t, path)
	writeN(t, l, 2)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	withShortWrites(t, false)
	_, err = l.Write(Entry{EventType: EventRollup})
	require.Error(t, err)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 2, l.Count())

	openSegment = func(file string) (segmentFile, error) {
		return os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	}
	writeN(t, l, 1)
	rep, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, 3, rep.Entries)
}

func TestUnrecoverablePartialWriteRefusesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l.jsonl")
	l := openTest(t, path)
	writeN(t, l, 1)

	withShortWrites(t, true)
	_, err := l.Write(Entry{EventType: EventRollup})
	require.Error(t, err)

	_, err = l.Write(Entry{EventType: EventRollup})
	require.Error(t, err)
	assert.True(t, IsCorruptTail(err))
}

func TestSegmentRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.jsonl")
	l := openTest(t, path, WithMaxSegmentEntries(2))
	writeN(t, l, 5)

	files, err := SegmentFiles(path)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, SegmentPath(path, 2), files[2])
	assert.FileExists(t, IndexPath(path))

	entries, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].EntryHash, entries[i].PreviousHash)
	}

	rep, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, 5, rep.Entries)

	reopened := openTest(t, path, WithMaxSegmentEntries(2))
	assert.Equal(t, 5, reopened.Count())
	assert.Equal(t, l.LastEntryHash(), reopened.LastEntryHash())
	assert.Len(t, reopened.Segments(), 3)
}

func TestMissingIndexIsRebuilt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.jsonl")
	l := openTest(t, path, WithMaxSegmentEntries(2))
	writeN(t, l, 4)
	require.NoError(t, os.Remove(IndexPath(path)))

	reopened := openTest(t, path)
	assert.Equal(t, 4, reopened.Count())
	assert.FileExists(t, IndexPath(path))
}

func TestOpenDoesNotCreateFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "l.jsonl")
	l := openTest(t, path)

	assert.Equal(t, 0, l.Count())
	assert.Equal(t, "", l.LastEntryHash())
	assert.NoFileExists(t, path)

	entries, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
