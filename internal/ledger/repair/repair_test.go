package repair

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newRepairer() *Repairer {
	return New(WithClock(testutil.NewSteppingClock()), WithLogger(discard))
}

func seed(t *testing.T, n, perSegment int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger", "workorders.jsonl")
	l, err := ledger.Open(path,
		ledger.WithClock(testutil.NewSteppingClock()),
		ledger.WithIDGenerator(testutil.NewSequenceGenerator("e")),
		ledger.WithLogger(discard),
		ledger.WithMaxSegmentEntries(perSegment),
	)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := l.Write(ledger.Entry{EventType: ledger.EventGatePassed, Reason: fmt.Sprintf("r%d", i)})
		require.NoError(t, err)
	}
	return path
}

func tamper(t *testing.T, file, old, new string) {
	t.Helper()
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(data), old)
	require.NoError(t, os.WriteFile(file, []byte(strings.Replace(string(data), old, new, 1)), 0o644))
}

func TestVerifyOnlyDoesNotModify(t *testing.T) {
	path := seed(t, 3, 0)
	tamper(t, path, `"r1"`, `"rX"`)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	res, err := newRepairer().VerifyOnly(path)
	require.NoError(t, err)
	assert.False(t, res.Before.Valid)
	require.NotNil(t, res.Before.FirstBreak)
	assert.Equal(t, 1, res.Before.FirstBreak.Index)
	assert.Equal(t, 2, res.Before.FirstBreak.Line)
	assert.False(t, res.Changed)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTruncateKeepsValidPrefix(t *testing.T) {
	path := seed(t, 4, 0)
	tamper(t, path, `"r2"`, `"rX"`)

	res, err := newRepairer().TruncateToLastValid(path)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, res.KeptEntries)
	assert.Equal(t, 2, res.RemovedEntries)
	require.NotNil(t, res.After)
	assert.True(t, res.After.Valid)
	assert.Equal(t, 2, res.After.Entries)

	l, err := ledger.Open(path, ledger.WithLogger(discard))
	require.NoError(t, err)
	_, err = l.Write(ledger.Entry{EventType: ledger.EventGatePassed})
	require.NoError(t, err)
	rep, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, rep.Valid)
}

func TestTruncateAcrossSegments(t *testing.T) {
	path := seed(t, 5, 2)
	files, err := ledger.SegmentFiles(path)
	require.NoError(t, err)
	require.Len(t, files, 3)
	tamper(t, files[1], `"r2"`, `"rX"`)

	res, err := newRepairer().TruncateToLastValid(path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.KeptEntries)
	assert.ElementsMatch(t, []string{filepath.Base(files[1]), filepath.Base(files[2])}, res.RemovedFiles)

	files, err = ledger.SegmentFiles(path)
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.NoFileExists(t, ledger.IndexPath(path))
	assert.True(t, res.After.Valid)
}

func TestTruncateDropsTornTail(t *testing.T) {
	path := seed(t, 2, 0)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","event_type":"GATE_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	torn, err := ledger.Open(path, ledger.WithLogger(discard))
	require.NoError(t, err)
	_, err = torn.Write(ledger.Entry{EventType: ledger.EventGatePassed})
	require.Error(t, err)
	assert.True(t, ledger.IsCorruptTail(err))

	res, err := newRepairer().TruncateToLastValid(path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.KeptEntries)
	assert.Equal(t, 1, res.RemovedEntries)

	l, err := ledger.Open(path, ledger.WithLogger(discard))
	require.NoError(t, err)
	_, err = l.Write(ledger.Entry{EventType: ledger.EventGatePassed})
	require.NoError(t, err)
}

func TestTruncateValidLedgerIsNoop(t *testing.T) {
	path := seed(t, 3, 0)
	res, err := newRepairer().TruncateToLastValid(path)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 3, res.KeptEntries)
}

func TestResetRequiresConfirm(t *testing.T) {
	path := seed(t, 3, 2)
	r := newRepairer()

	_, err := r.Reset(path, false)
	require.ErrorIs(t, err, ErrNotConfirmed)
	assert.FileExists(t, path)

	res, err := r.Reset(path, true)
	require.NoError(t, err)
	assert.DirExists(t, res.BackupDir)
	assert.FileExists(t, filepath.Join(res.BackupDir, filepath.Base(path)))
	assert.FileExists(t, filepath.Join(res.BackupDir, filepath.Base(ledger.IndexPath(path))))
	assert.Equal(t, 0, res.After.Entries)

	l, err := ledger.Open(path, ledger.WithLogger(discard))
	require.NoError(t, err)
	assert.Equal(t, 0, l.Count())
}

func TestParseMode(t *testing.T) {
	for _, m := range []string{"verify-only", "truncate", "reset"} {
		_, err := ParseMode(m)
		assert.NoError(t, err)
	}
	_, err := ParseMode("fix")
	assert.Error(t, err)
}
