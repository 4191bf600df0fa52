package txn_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/boundary"
	"github.com/roach88/govledger/internal/testutil"
	"github.com/roach88/govledger/internal/txn"
)

var quiet = txn.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

func TestCommitAppliesAllOperations(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"a.txt":    "old a",
		"log.txt":  "line1\n",
		"gone.txt": "bye",
	})

	tx := txn.Begin(root, quiet, txn.WithID("tx-1"))
	tx.Write("a.txt", []byte("new a"), 0o644)
	tx.Write("nested/dir/b.txt", []byte("b"), 0o600)
	tx.Append("log.txt", []byte("line2\n"))
	tx.Delete("gone.txt")
	require.Len(t, tx.Pending(), 4)

	res, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.ID)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 1, res.Appended)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, []string{"a.txt", "nested/dir/b.txt", "log.txt", "gone.txt"}, res.Applied)

	assert.Equal(t, map[string]string{
		"a.txt":            "new a",
		"log.txt":          "line1\nline2\n",
		"nested":           "/",
		"nested/dir":       "/",
		"nested/dir/b.txt": "b",
	}, testutil.SnapshotTree(t, root))

	info, err := os.Stat(filepath.Join(root, "nested", "dir", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCommitKeepsExistingMode(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	tx := txn.Begin(root, quiet)
	tx.Write("run.sh", []byte("#!/bin/sh\necho hi\n"), 0)
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

// A transaction of N writes that fails after k<N leaves the tree
// byte-identical to its pre-transaction state.
func TestAtomicityAfterPartialPublish(t *testing.T) {
	const n = 5
	for k := 1; k < n; k++ {
		t.Run(fmt.Sprintf("fail_publish_%d", k+1), func(t *testing.T) {
			root := t.TempDir()
			testutil.WriteTree(t, root, map[string]string{
				"f0.txt":     "zero",
				"f2.txt":     "two",
				"keep/x.txt": "x",
			})
			before := testutil.SnapshotTree(t, root)

			pub := testutil.NewFaultPublisher()
			pub.FailPublishAt = k + 1
			tx := txn.Begin(root, quiet, txn.WithPublisher(pub))
			for i := 0; i < n; i++ {
				tx.Write(fmt.Sprintf("sub%d/f%d.txt", i%2, i), []byte(fmt.Sprintf("new %d", i)), 0o644)
			}
			tx.Write("f0.txt", []byte("changed"), 0o644)
			tx.Delete("f2.txt")

			_, err := tx.Commit(context.Background())
			require.Error(t, err)
			assert.True(t, txn.IsTransactionError(err))
			assert.False(t, txn.IsRollbackError(err))
			assert.ErrorIs(t, err, testutil.ErrInjected)

			assert.Equal(t, before, testutil.SnapshotTree(t, root))
		})
	}
}

func TestAtomicityAfterStageFailure(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"a.txt": "a", "b.txt": "b"})
	before := testutil.SnapshotTree(t, root)

	pub := testutil.NewFaultPublisher()
	pub.FailStageAt = 4
	tx := txn.Begin(root, quiet, txn.WithPublisher(pub))
	tx.Write("a.txt", []byte("A"), 0o644)
	tx.Write("b.txt", []byte("B"), 0o644)
	tx.Write("new/c.txt", []byte("C"), 0o644)

	_, err := tx.Commit(context.Background())
	require.Error(t, err)
	var te *txn.TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "stage", te.Phase)

	assert.Equal(t, before, testutil.SnapshotTree(t, root))
}

func TestSyncFailureAfterRenameRestoresBackup(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"a.txt": "a", "b.txt": "b"})
	before := testutil.SnapshotTree(t, root)

	pub := testutil.NewFaultPublisher()
	pub.FailSyncAt = 2
	tx := txn.Begin(root, quiet, txn.WithPublisher(pub))
	tx.Write("a.txt", []byte("A"), 0o644)
	tx.Write("b.txt", []byte("B"), 0o644)

	_, err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, txn.IsTransactionError(err))
	assert.True(t, txn.IsSyncError(err))
	assert.False(t, txn.IsRollbackError(err))

	assert.Equal(t, before, testutil.SnapshotTree(t, root))
}

func TestRollbackFailureIsDistinct(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"a.txt": "a", "b.txt": "b"})

	pub := testutil.NewFaultPublisher()
	pub.FailPublishAt = 2
	pub.FailRestore = true
	tx := txn.Begin(root, quiet, txn.WithPublisher(pub))
	tx.Write("a.txt", []byte("A"), 0o644)
	tx.Write("b.txt", []byte("B"), 0o644)

	_, err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, txn.IsRollbackError(err))
	assert.ErrorIs(t, err, testutil.ErrInjected)
}

func TestBoundaryDenialTouchesNothing(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"ledger/g.jsonl": "{}\n"})
	before := testutil.SnapshotTree(t, root)

	classifier := &boundary.Classifier{Root: root, AppendOnly: []string{"ledger/**"}}
	tx := txn.Begin(root, quiet, txn.WithClassifier(classifier))
	tx.Write("src/a.go", []byte("package a"), 0o644)

	_, err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, boundary.IsBoundaryError(err))
	assert.Equal(t, before, testutil.SnapshotTree(t, root))

	install := boundary.WithMode(context.Background(), boundary.ModeInstall)
	tx = txn.Begin(root, quiet, txn.WithClassifier(classifier))
	tx.Write("src/a.go", []byte("package a"), 0o644)
	tx.Append("ledger/g.jsonl", []byte("{}\n"))
	_, err = tx.Commit(install)
	require.NoError(t, err)

	tx = txn.Begin(root, quiet, txn.WithClassifier(classifier))
	tx.Write("ledger/g.jsonl", []byte(""), 0o644)
	_, err = tx.Commit(install)
	assert.True(t, boundary.IsBoundaryError(err))
}

func TestDuplicatePathRejected(t *testing.T) {
	tx := txn.Begin(t.TempDir(), quiet)
	tx.Write("a", []byte("1"), 0o644)
	tx.Append("./a", []byte("2"))

	_, err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, txn.IsTransactionError(err))
}

type failingCommitter struct{}

func (failingCommitter) Commit(context.Context, string, []string, string) (*txn.VCSResult, error) {
	return nil, fmt.Errorf("no repository")
}

func TestCommitterFailureKeepsFileResult(t *testing.T) {
	root := t.TempDir()
	tx := txn.Begin(root, quiet, txn.WithCommitter(failingCommitter{}, "apply"))
	tx.Write("a.txt", []byte("a"), 0o644)

	res, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Nil(t, res.VCS)
	assert.Contains(t, res.VCSError, "no repository")
	assert.FileExists(t, filepath.Join(root, "a.txt"))
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "state.json")
	require.NoError(t, txn.WriteFileAtomic(path, []byte("one"), 0o644))
	require.NoError(t, txn.WriteFileAtomic(path, []byte("two"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no staging files left behind")
}
