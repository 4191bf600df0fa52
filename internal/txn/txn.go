// Package txn commits a batch of file mutations so that either all of them
// become visible or none do.
//
// Commit runs in three phases:
//
//  1. check: every operation is checked against the write boundary; a denial
//     fails the transaction before anything is touched.
//  2. stage: for each operation, any existing target is copied to a backup
//     and the new content is staged next to the target.
//  3. publish: staged files are renamed over their targets and deletions are
//     applied, in order.
//
// Any failure while staging or publishing restores every backup, removes
// every file and directory the transaction created and returns a
// *TransactionError. If restoring fails too, a *RollbackError is returned.
package txn

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/roach88/govledger/internal/boundary"
)

// Kind is the type of a WriteOperation.
type Kind string

const (
	KindWrite  Kind = "write"
	KindAppend Kind = "append"
	KindDelete Kind = "delete"
)

func (k Kind) op() boundary.Op {
	switch k {
	case KindAppend:
		return boundary.OpAppend
	case KindDelete:
		return boundary.OpDelete
	default:
		return boundary.OpWrite
	}
}

// WriteOperation is one pending mutation.
type WriteOperation struct {
	Kind Kind
	Path string
	Data []byte
	Perm fs.FileMode
}

// Result describes a committed transaction.
type Result struct {
	ID       string     `json:"id"`
	Applied  []string   `json:"applied"`
	Written  int        `json:"written"`
	Appended int        `json:"appended"`
	Deleted  int        `json:"deleted"`
	VCS      *VCSResult `json:"vcs,omitempty"`
	VCSError string     `json:"vcs_error,omitempty"`
}

// Tx is a pending transaction rooted at a directory.
// A Tx is not safe for concurrent use.
type Tx struct {
	id         string
	root       string
	ops        []WriteOperation
	classifier *boundary.Classifier
	publisher  Publisher
	committer  Committer
	message    string
	logger     *slog.Logger
}

// Option configures a Tx.
type Option func(*Tx)

// WithClassifier checks every operation against c before staging.
func WithClassifier(c *boundary.Classifier) Option {
	return func(t *Tx) {
		t.classifier = c
	}
}

// WithPublisher replaces the default RenamePublisher.
func WithPublisher(p Publisher) Option {
	return func(t *Tx) {
		t.publisher = p
	}
}

// WithCommitter records the batch in version control after a successful
// file-level commit, using message as the commit message.
func WithCommitter(c Committer, message string) Option {
	return func(t *Tx) {
		t.committer = c
		t.message = message
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tx) {
		t.logger = logger
	}
}

// WithID sets the transaction id instead of a generated UUIDv7.
func WithID(id string) Option {
	return func(t *Tx) {
		t.id = id
	}
}

// Begin starts a transaction. Relative operation paths resolve against root.
func Begin(root string, opts ...Option) *Tx {
	t := &Tx{
		root:      root,
		publisher: RenamePublisher{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.id == "" {
		t.id = uuid.Must(uuid.NewV7()).String()
	}
	return t
}

// ID returns the transaction id.
func (t *Tx) ID() string {
	return t.id
}

// Write queues a full replacement of path.
func (t *Tx) Write(path string, data []byte, perm fs.FileMode) {
	t.ops = append(t.ops, WriteOperation{Kind: KindWrite, Path: path, Data: data, Perm: perm})
}

// Append queues data to be appended to path.
func (t *Tx) Append(path string, data []byte) {
	t.ops = append(t.ops, WriteOperation{Kind: KindAppend, Path: path, Data: data})
}

// Delete queues the removal of path.
func (t *Tx) Delete(path string) {
	t.ops = append(t.ops, WriteOperation{Kind: KindDelete, Path: path})
}

// Pending returns the queued operations.
func (t *Tx) Pending() []WriteOperation {
	out := make([]WriteOperation, len(t.ops))
	copy(out, t.ops)
	return out
}

// step tracks one operation through staging and publishing.
type step struct {
	op        WriteOperation
	target    string
	existed   bool
	staged    string
	backup    string
	published bool
}

// Commit applies every queued operation atomically.
func (t *Tx) Commit(ctx context.Context) (Result, error) {
	res := Result{ID: t.id, Applied: []string{}}
	steps, err := t.resolve()
	if err != nil {
		return res, &TransactionError{ID: t.id, Phase: "check", Err: err}
	}

	if t.classifier != nil {
		for _, s := range steps {
			if err := t.classifier.Check(ctx, s.target, s.op.Kind.op()); err != nil {
				return res, &TransactionError{ID: t.id, Phase: "check", Path: s.op.Path, Err: err}
			}
		}
	}

	var createdDirs []string
	for _, s := range steps {
		dirs, err := mkdirAll(filepath.Dir(s.target))
		createdDirs = append(createdDirs, dirs...)
		if err == nil {
			err = t.stage(s)
		}
		if err != nil {
			return res, t.rollback(steps, createdDirs, &TransactionError{ID: t.id, Phase: "stage", Path: s.op.Path, Err: err})
		}
	}

	for _, s := range steps {
		var err error
		if s.op.Kind == KindDelete {
			if s.existed {
				err = t.publisher.Remove(s.target)
			}
		} else {
			err = t.publisher.Publish(s.staged, s.target)
		}
		if err == nil || IsSyncError(err) {
			s.published = true
			s.staged = ""
		}
		if err != nil {
			return res, t.rollback(steps, createdDirs, &TransactionError{ID: t.id, Phase: "publish", Path: s.op.Path, Err: err})
		}
	}

	for _, s := range steps {
		if s.backup != "" {
			if err := t.publisher.Discard(s.backup); err != nil {
				t.logger.Warn("discard backup failed", "txn", t.id, "path", s.target, "error", err)
			}
		}
		res.Applied = append(res.Applied, s.op.Path)
		switch s.op.Kind {
		case KindWrite:
			res.Written++
		case KindAppend:
			res.Appended++
		case KindDelete:
			res.Deleted++
		}
	}
	t.logger.Debug("transaction committed", "txn", t.id, "operations", len(steps))

	if t.committer != nil && len(steps) > 0 {
		vcs, err := t.committer.Commit(ctx, t.root, res.Applied, t.message)
		if err != nil {
			res.VCSError = err.Error()
			t.logger.Warn("version control commit failed", "txn", t.id, "error", err)
		} else {
			res.VCS = vcs
		}
	}
	return res, nil
}

func (t *Tx) resolve() ([]*step, error) {
	seen := map[string]bool{}
	steps := make([]*step, 0, len(t.ops))
	for _, op := range t.ops {
		target := op.Path
		if !filepath.IsAbs(target) {
			target = filepath.Join(t.root, target)
		}
		target = filepath.Clean(target)
		if seen[target] {
			return nil, fmt.Errorf("path %s appears twice in one transaction", op.Path)
		}
		seen[target] = true
		steps = append(steps, &step{op: op, target: target})
	}
	return steps, nil
}

// stage backs up the current content of the target and stages the new one.
func (t *Tx) stage(s *step) error {
	old, err := os.ReadFile(s.target)
	var mode fs.FileMode = 0o644
	switch {
	case err == nil:
		s.existed = true
		if info, serr := os.Stat(s.target); serr == nil {
			mode = info.Mode().Perm()
		}
		if s.backup, err = t.publisher.Stage(s.target, old, mode); err != nil {
			return fmt.Errorf("back up: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return err
	}

	var data []byte
	perm := s.op.Perm
	switch s.op.Kind {
	case KindDelete:
		return nil
	case KindAppend:
		data = append(append([]byte{}, old...), s.op.Data...)
		perm = mode
	default:
		data = s.op.Data
		if perm == 0 {
			perm = mode
		}
	}
	s.staged, err = t.publisher.Stage(s.target, data, perm)
	return err
}

// rollback restores the pre-transaction tree and returns cause, or a
// RollbackError when restoration fails.
func (t *Tx) rollback(steps []*step, createdDirs []string, cause *TransactionError) error {
	var failures []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.staged != "" {
			if err := t.publisher.Discard(s.staged); err != nil {
				failures = append(failures, fmt.Errorf("discard staged %s: %w", s.target, err))
			}
		}
		if !s.published {
			if s.backup != "" {
				if err := t.publisher.Discard(s.backup); err != nil {
					failures = append(failures, fmt.Errorf("discard backup %s: %w", s.target, err))
				}
			}
			continue
		}
		if s.existed {
			if err := t.publisher.Publish(s.backup, s.target); err != nil && !t.restoredUnsynced(s, err) {
				failures = append(failures, fmt.Errorf("restore %s: %w", s.target, err))
			}
		} else if err := t.publisher.Remove(s.target); err != nil && !t.restoredUnsynced(s, err) {
			failures = append(failures, fmt.Errorf("remove created %s: %w", s.target, err))
		}
	}
	for i := len(createdDirs) - 1; i >= 0; i-- {
		if err := os.Remove(createdDirs[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			failures = append(failures, fmt.Errorf("remove created dir %s: %w", createdDirs[i], err))
		}
	}

	if len(failures) > 0 {
		t.logger.Error("transaction rollback incomplete", "txn", t.id, "cause", cause, "failures", len(failures))
		return &RollbackError{ID: t.id, Cause: cause, Failures: failures}
	}
	t.logger.Error("transaction rolled back", "txn", t.id, "cause", cause)
	return cause
}

// restoredUnsynced reports whether err only says the restore of s is not yet
// durable. The tree is back in its prior state, so it is logged, not failed.
func (t *Tx) restoredUnsynced(s *step, err error) bool {
	if !IsSyncError(err) {
		return false
	}
	t.logger.Warn("restored file not synced", "txn", t.id, "path", s.target, "error", err)
	return true
}

// mkdirAll creates dir and returns the directories it created, outermost first.
func mkdirAll(dir string) ([]string, error) {
	var missing []string
	for cur := dir; ; {
		if _, err := os.Stat(cur); err == nil {
			break
		}
		missing = append(missing, cur)
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	var created []string
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return created, err
		}
		created = append(created, missing[i])
	}
	return created, nil
}
