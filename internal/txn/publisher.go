package txn

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Publisher is the atomic-publish primitive a transaction is built on.
//
// Stage writes data somewhere invisible to readers of target and returns a
// handle for it. Publish makes staged content visible at target in one step.
// Remove deletes target. Discard drops a staged handle that will not be
// published. Publish and Remove return a *SyncError when the change took
// effect but could not be made durable.
type Publisher interface {
	Stage(target string, data []byte, perm fs.FileMode) (string, error)
	Publish(staged, target string) error
	Remove(target string) error
	Discard(staged string) error
}

// RenamePublisher stages into a temporary file in the target's directory and
// publishes with os.Rename, which is atomic on the same volume.
type RenamePublisher struct{}

// Stage implements Publisher.
func (RenamePublisher) Stage(target string, data []byte, perm fs.FileMode) (string, error) {
	dir := filepath.Dir(target)
	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+".stage-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		return fail(err)
	}
	if err := f.Chmod(perm); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// Publish implements Publisher.
func (RenamePublisher) Publish(staged, target string) error {
	if err := os.Rename(staged, target); err != nil {
		return err
	}
	return syncDir(filepath.Dir(target))
}

// Remove implements Publisher. Removing a missing file is not an error.
func (RenamePublisher) Remove(target string) error {
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return syncDir(filepath.Dir(target))
}

// Discard implements Publisher.
func (RenamePublisher) Discard(staged string) error {
	if err := os.Remove(staged); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return &SyncError{Dir: dir, Err: err}
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return &SyncError{Dir: dir, Err: err}
	}
	return nil
}

// WriteFileAtomic replaces path with data in one rename, creating parent
// directories as needed.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var p RenamePublisher
	staged, err := p.Stage(path, data, perm)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := p.Publish(staged, path); err != nil {
		p.Discard(staged)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
