package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable event ids: "<prefix>-0001",
// "<prefix>-0002", ...
//
// This enables golden trace comparison: the same scenario always produces
// byte-identical history.
//
// Implements engine.IDGenerator. Safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix becomes "evt".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "evt"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
