package cursor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/store"
	"github.com/roach88/govledger/internal/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "cursors"),
		WithClock(testutil.NewSteppingClock()),
		WithLogger(discard),
	)
}

func TestFileNameIsShortPathHash(t *testing.T) {
	name, err := FileName("/planes/ho1/ledger/sessions.jsonl")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}\.json$`), name)

	other, err := FileName("/planes/ho1/ledger/other.jsonl")
	require.NoError(t, err)
	assert.NotEqual(t, name, other)
}

func TestLoadMissing(t *testing.T) {
	m := newManager(t)
	_, ok, err := m.Load("/x/ledger.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAndLoad(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Save("/x/ledger.jsonl", 3, "sha256:aa"))

	st, ok, err := m.Load("/x/ledger.jsonl")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/x/ledger.jsonl", st.SourceLedger)
	assert.Equal(t, 3, st.Cursor)
	assert.Equal(t, "sha256:aa", st.LastEntryHash)
	assert.Equal(t, "2026-01-15T09:00:00Z", st.UpdatedAt)
}

func TestSaveRejectsBackwardsMove(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Save("/x/l.jsonl", 5, "h5"))

	err := m.Save("/x/l.jsonl", 4, "h4")
	require.Error(t, err)
	assert.True(t, IsMonotonicityError(err))

	require.NoError(t, m.Save("/x/l.jsonl", 5, "h5"), "equal cursor is allowed")

	require.NoError(t, m.Reset("/x/l.jsonl", "operator"))
	require.NoError(t, m.Save("/x/l.jsonl", 2, "h2"))
}

func TestGetUnprocessedRange(t *testing.T) {
	m := newManager(t)
	src := "/x/l.jsonl"

	rng, err := m.GetUnprocessedRange(src, 4, "h4")
	require.NoError(t, err)
	assert.Equal(t, Range{From: 0, To: 4}, rng)

	require.NoError(t, m.Save(src, 4, "h4"))
	rng, err = m.GetUnprocessedRange(src, 7, "h7")
	require.NoError(t, err)
	assert.Equal(t, Range{From: 4, To: 7}, rng)

	rng, err = m.GetUnprocessedRange(src, 4, "other")
	require.NoError(t, err)
	assert.True(t, rng.Empty())
	assert.False(t, rng.WasReset)
}

func TestGetUnprocessedRangeResetsOnShrink(t *testing.T) {
	m := newManager(t)
	src := "/x/l.jsonl"
	require.NoError(t, m.Save(src, 6, "h6"))

	rng, err := m.GetUnprocessedRange(src, 2, "h2")
	require.NoError(t, err)
	assert.Equal(t, Range{From: 0, To: 2, WasReset: true, Previous: 6}, rng)

	st, ok, err := m.Load(src)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, st.Cursor)
}

// from is never below the saved cursor unless the source shrank.
func TestRangeNeverRewindsWithoutShrink(t *testing.T) {
	m := newManager(t)
	src := "/x/l.jsonl"
	saved := 0
	for count := 0; count <= 20; count += 3 {
		rng, err := m.GetUnprocessedRange(src, count, "h")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rng.From, saved)
		assert.False(t, rng.WasReset)
		require.NoError(t, m.Save(src, rng.To, "h"))
		saved = rng.To
	}
}

func TestKeysAreDeterministicAndDistinct(t *testing.T) {
	a := RollupKey("/l.jsonl", 0, 3, "sha256:a", "ho2")
	assert.Equal(t, a, RollupKey("/l.jsonl", 0, 3, "sha256:a", "ho2"))
	assert.NotEqual(t, a, RollupKey("/l.jsonl", 0, 4, "sha256:a", "ho2"))
	assert.NotEqual(t, a, RollupKey("/l.jsonl", 0, 3, "sha256:b", "ho2"))
	assert.NotEqual(t, a, RollupKey("/l.jsonl", 0, 3, "sha256:a", "ho3"))
	assert.NotEqual(t, PolicyKey("p", "1", "i"), PolicyKey("p", "1i", ""))
	assert.NotEqual(t, ApplyKey("WO-1", "sha256:a"), ApplyKey("WO-1", "sha256:b"))
}

type rollFixture struct {
	roller *Roller
	source *ledger.Ledger
	target *ledger.Ledger
}

func newRollFixture(t *testing.T) rollFixture {
	t.Helper()
	dir := t.TempDir()
	clock := testutil.NewSteppingClock()
	open := func(name string) *ledger.Ledger {
		l, err := ledger.Open(filepath.Join(dir, name),
			ledger.WithClock(clock),
			ledger.WithIDGenerator(testutil.NewSequenceGenerator(name)),
			ledger.WithLogger(discard),
		)
		require.NoError(t, err)
		return l
	}
	st, err := store.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return rollFixture{
		roller: &Roller{
			Cursors: NewManager(filepath.Join(dir, "cursors"), WithClock(clock), WithLogger(discard)),
			Effects: st,
			Clock:   clock,
			Logger:  discard,
		},
		source: open("sessions.jsonl"),
		target: open("workorders.jsonl"),
	}
}

func (f rollFixture) append(t *testing.T, types ...ledger.EventType) {
	t.Helper()
	for _, et := range types {
		_, err := f.source.Write(ledger.Entry{EventType: et})
		require.NoError(t, err)
	}
}

func TestRollWritesOneRollupPerRange(t *testing.T) {
	f := newRollFixture(t)
	ctx := context.Background()
	f.append(t, ledger.EventGatePassed, ledger.EventGatePassed, ledger.EventAcceptanceResult)

	res, err := f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, Range{From: 0, To: 3}, res.Range)
	assert.Equal(t, map[string]int{"GATE_PASSED": 2, "ACCEPTANCE_RESULT": 1}, res.Counts)

	rollups, err := f.target.ReadByEventType(ledger.EventRollup)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, f.source.LastEntryHash(), rollups[0].Metadata.Str("source_last_hash"))

	// Nothing new: no second entry.
	res, err = f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, f.target.Count())

	f.append(t, ledger.EventGateFailed)
	res, err = f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)
	assert.Equal(t, Range{From: 3, To: 4}, res.Range)
	assert.Equal(t, 2, f.target.Count())
}

func TestRollClaimedKeyIsNeverAppliedTwice(t *testing.T) {
	f := newRollFixture(t)
	ctx := context.Background()
	f.append(t, ledger.EventGatePassed, ledger.EventGatePassed)

	_, err := f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)

	// Simulate a crash before the cursor was saved.
	require.NoError(t, f.roller.Cursors.Reset(f.source.Path(), "test"))

	res, err := f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, f.target.Count())

	st, _, err := f.roller.Cursors.Load(f.source.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Cursor)
}

func TestRollRecordsCursorReset(t *testing.T) {
	f := newRollFixture(t)
	ctx := context.Background()
	f.append(t, ledger.EventGatePassed, ledger.EventGatePassed, ledger.EventGatePassed)
	_, err := f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)

	// Rewrite the source with a single entry.
	require.NoError(t, os.Remove(f.source.Path()))
	require.NoError(t, f.source.Refresh())
	f.append(t, ledger.EventGateFailed)

	res, err := f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)
	assert.True(t, res.Range.WasReset)
	assert.Equal(t, 0, res.Range.From)

	resets, err := f.target.ReadByEventType(ledger.EventCursorReset)
	require.NoError(t, err)
	require.Len(t, resets, 1)

	rep, err := f.target.VerifyChain()
	require.NoError(t, err)
	assert.True(t, rep.Valid)
}

func TestRollReleasesClaimWhenTargetWriteFails(t *testing.T) {
	f := newRollFixture(t)
	ctx := context.Background()
	f.append(t, ledger.EventGatePassed, ledger.EventGatePassed)

	require.NoError(t, os.WriteFile(f.target.Path(), []byte(`{"id":"partial","event_ty`), 0o644))
	require.NoError(t, f.target.Refresh())
	_, err := f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.Error(t, err)
	assert.True(t, ledger.IsCorruptTail(err))

	require.NoError(t, os.Remove(f.target.Path()))
	require.NoError(t, f.target.Refresh())
	res, err := f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	rollups, err := f.target.ReadByEventType(ledger.EventRollup)
	require.NoError(t, err)
	assert.Len(t, rollups, 1)
}

func TestRollAfterRewriteDoesNotReuseOldKeys(t *testing.T) {
	f := newRollFixture(t)
	ctx := context.Background()
	f.append(t, ledger.EventGatePassed, ledger.EventGatePassed)
	_, err := f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)
	f.append(t, ledger.EventGatePassed)
	_, err = f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)

	// Rewrite the source with two different entries covering [0, 2) again.
	require.NoError(t, os.Remove(f.source.Path()))
	require.NoError(t, f.source.Refresh())
	f.append(t, ledger.EventGateFailed, ledger.EventGateFailed)

	res, err := f.roller.Roll(ctx, f.source, f.target, "ho2")
	require.NoError(t, err)
	assert.Equal(t, Range{From: 0, To: 2, WasReset: true, Previous: 3}, res.Range)
	assert.False(t, res.Skipped)
	assert.Equal(t, map[string]int{"GATE_FAILED": 2}, res.Counts)

	rollups, err := f.target.ReadByEventType(ledger.EventRollup)
	require.NoError(t, err)
	assert.Len(t, rollups, 3)
}
