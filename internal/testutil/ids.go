package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator returns prefix-0001, prefix-0002, ... in order.
//
// This enables deterministic test execution and golden snapshot comparison:
// the same scenario with a fresh SequenceGenerator produces byte-identical
// ledgers.
//
// Thread-safety: SequenceGenerator is safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix defaults to "id".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next identifier.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// FixedGenerator returns the same identifier every time.
type FixedGenerator struct {
	id string
}

// NewFixedGenerator creates a fixed identifier generator.
func NewFixedGenerator(id string) *FixedGenerator {
	return &FixedGenerator{id: id}
}

// Generate returns the fixed identifier.
func (g *FixedGenerator) Generate() string {
	return g.id
}
