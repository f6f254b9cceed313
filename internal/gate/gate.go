// Package gate provides the per-user single-flight guard that keeps at most
// one chat turn in progress for each user.
package gate

import "sync"

// Gate admits or rejects work for a key. Implementations must never grant
// two acquisitions for the same key without a Release in between.
type Gate interface {
	// TryAcquire marks key as held and returns true, or returns false when
	// key is already held. It never blocks.
	TryAcquire(key string) bool

	// Release clears the hold on key. Releasing a key that is not held is a
	// no-op.
	Release(key string)
}

// Local is an in-process Gate. Its state does not survive a restart.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty in-process gate.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (g *Local) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return false
	}
	g.held[key] = struct{}{}
	return true
}

func (g *Local) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, key)
}

// InFlight returns the number of keys currently held.
func (g *Local) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
