package testutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/roach88/govledger/internal/txn"
)

// ErrInjected is the error returned by FaultPublisher.
var ErrInjected = errors.New("injected fault")

// FaultPublisher wraps a txn.Publisher and fails a chosen call.
//
// FailStageAt, FailPublishAt and FailSyncAt are 1-based call counts; zero
// disables the fault. FailSyncAt publishes and then reports a directory sync
// failure. FailRestore makes every Publish after the first injected failure
// fail too, which simulates a rollback that cannot complete.
type FaultPublisher struct {
	Inner         txn.Publisher
	FailStageAt   int
	FailPublishAt int
	FailSyncAt    int
	FailRestore   bool

	mu       sync.Mutex
	stages   int
	publish  int
	tripped  bool
	Staged   []string
	Released []string
}

// NewFaultPublisher wraps the default rename publisher.
func NewFaultPublisher() *FaultPublisher {
	return &FaultPublisher{Inner: txn.RenamePublisher{}}
}

// Stage implements txn.Publisher.
func (p *FaultPublisher) Stage(target string, data []byte, perm fs.FileMode) (string, error) {
	p.mu.Lock()
	p.stages++
	fail := p.FailStageAt > 0 && p.stages == p.FailStageAt
	if fail {
		p.tripped = true
	}
	p.mu.Unlock()
	if fail {
		return "", ErrInjected
	}
	staged, err := p.Inner.Stage(target, data, perm)
	if err == nil {
		p.mu.Lock()
		p.Staged = append(p.Staged, staged)
		p.mu.Unlock()
	}
	return staged, err
}

// Publish implements txn.Publisher.
func (p *FaultPublisher) Publish(staged, target string) error {
	p.mu.Lock()
	p.publish++
	fail := (p.FailPublishAt > 0 && p.publish == p.FailPublishAt) || (p.FailRestore && p.tripped)
	failSync := p.FailSyncAt > 0 && p.publish == p.FailSyncAt
	if fail || failSync {
		p.tripped = true
	}
	p.mu.Unlock()
	if fail {
		return ErrInjected
	}
	if err := p.Inner.Publish(staged, target); err != nil {
		return err
	}
	if failSync {
		return &txn.SyncError{Dir: filepath.Dir(target), Err: ErrInjected}
	}
	return nil
}

// Remove implements txn.Publisher.
func (p *FaultPublisher) Remove(target string) error {
	return p.Inner.Remove(target)
}

// Discard implements txn.Publisher.
func (p *FaultPublisher) Discard(staged string) error {
	p.mu.Lock()
	p.Released = append(p.Released, staged)
	p.mu.Unlock()
	return p.Inner.Discard(staged)
}
