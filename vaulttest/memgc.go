package vaulttest

import (
	"sync"

	"github.com/sharedcode/logvault"
)

// MemGC is a no-op garbage collector that just records what it was told,
// so tests can assert on suspend/resume/feed call sequences.
type MemGC struct {
	mu        sync.Mutex
	suspended bool
	closed    bool
	woken     int
	fed       []vault.Loggable
}

// NewMemGC returns a fresh, running collector.
func NewMemGC() *MemGC {
	return &MemGC{}
}

func (g *MemGC) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = true
}

func (g *MemGC) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = false
}

func (g *MemGC) Wake() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.woken++
}

func (g *MemGC) Feed(expired []vault.Loggable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fed = append(g.fed, expired...)
}

func (g *MemGC) FetchExpiredLoggables() []vault.Loggable {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.fed
	g.fed = nil
	return out
}

func (g *MemGC) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// Suspended reports whether Suspend was the last call (test helper).
func (g *MemGC) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended
}

// WakeCount reports how many times Wake has been called (test helper).
func (g *MemGC) WakeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.woken
}

// Closed reports whether Close has been called (test helper).
func (g *MemGC) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
