package gate

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/plane"
	"github.com/roach88/govledger/internal/signing"
	"github.com/roach88/govledger/internal/store"
	"github.com/roach88/govledger/internal/testutil"
	"github.com/roach88/govledger/internal/workorder"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const baseWorkOrder = `id: WO-2026-001
type: code_change
title: Add greeting
scope:
  allowed_files:
    - src/**
  forbidden_files:
    - src/secrets/**
acceptance:
  tests:
    - test -f src/app.py
`

type fakeRunner struct {
	mu      sync.Mutex
	results map[string]ExecResult
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, opts ExecOptions) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts.Command)
	res := f.results[opts.Command]
	res.Command = opts.Command
	return res, nil
}

type fixture struct {
	t      *testing.T
	root   string
	set    *plane.Set
	store  *store.Store
	runner *fakeRunner
	clock  *testutil.SteppingClock
	ids    *testutil.SequenceGenerator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	res, err := plane.Init(root, "operator",
		ledger.WithClock(testutil.NewSteppingClock()),
		ledger.WithIDGenerator(testutil.NewSequenceGenerator("g")),
		ledger.WithLogger(discard),
	)
	require.NoError(t, err)
	st, err := store.Open(res.Set.Execution().IndexDB())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &fixture{
		t:      t,
		root:   root,
		set:    res.Set,
		store:  st,
		runner: &fakeRunner{results: map[string]ExecResult{}},
		clock:  testutil.NewSteppingClock(),
		ids:    testutil.NewSequenceGenerator("e"),
	}
}

func (f *fixture) pipeline(opts ...Option) *Pipeline {
	f.t.Helper()
	base := []Option{
		WithRunner(f.runner),
		WithClock(f.clock),
		WithIDGenerator(f.ids),
		WithLogger(discard),
	}
	p, err := NewPipeline(f.set, f.store, append(base, opts...)...)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) workOrder(doc string) *workorder.WorkOrder {
	f.t.Helper()
	wo, err := workorder.Parse([]byte(doc), workorder.FormatYAML)
	require.NoError(f.t, err)
	return wo
}

func (f *fixture) workspace(files map[string]string) string {
	f.t.Helper()
	dir := f.t.TempDir()
	testutil.WriteTree(f.t, dir, files)
	return dir
}

func (f *fixture) entries(ref plane.Ref) []ledger.Entry {
	f.t.Helper()
	l, err := f.set.OpenLedger(ref, ledger.WithLogger(discard))
	require.NoError(f.t, err)
	out, err := l.ReadAll()
	require.NoError(f.t, err)
	return out
}

func (f *fixture) execPath(rel string) string {
	return filepath.Join(f.set.Execution().Root, filepath.FromSlash(rel))
}

func (f *fixture) signer(fill byte) *signing.Signer {
	f.t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = fill
	}
	s, err := signing.NewSigner(ed25519.NewKeyFromSeed(seed))
	require.NoError(f.t, err)
	return s
}

func eventTypes(entries []ledger.Entry) []ledger.EventType {
	out := make([]ledger.EventType, len(entries))
	for i, e := range entries {
		out[i] = e.EventType
	}
	return out
}

func countEvents(entries []ledger.Entry, t ledger.EventType) int {
	n := 0
	for _, e := range entries {
		if e.EventType == t {
			n++
		}
	}
	return n
}
