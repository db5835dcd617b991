package sync

import (
	"sync"
	"time"
)

// Guard state constants for the status surface.
const (
	GuardIdle    = "idle"
	GuardPending = "pending"
)

// RetryAfterHint is the suggested wait before retrying a rejected trigger.
const RetryAfterHint = 30 * time.Second

// Guard serializes sync passes per integration. The IDLE to PENDING
// transition is a single test-and-set under the mutex; a second caller is
// rejected immediately rather than queued. Passes for different integrations
// run fully in parallel.
type Guard struct {
	mu      sync.Mutex
	running map[string]time.Time
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{running: make(map[string]time.Time)}
}

// TryAcquire attempts the IDLE to PENDING transition for an integration.
// Returns false if a pass is already pending.
func (g *Guard) TryAcquire(integrationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.running[integrationID]; held {
		return false
	}
	g.running[integrationID] = time.Now().UTC()
	return true
}

// Release returns the integration to IDLE. Safe to call on an already-idle
// integration.
func (g *Guard) Release(integrationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, integrationID)
}

// State returns the guard state for an integration.
func (g *Guard) State(integrationID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.running[integrationID]; held {
		return GuardPending
	}
	return GuardIdle
}

// RunningSince returns when the pending pass started, if one is running.
func (g *Guard) RunningSince(integrationID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	since, held := g.running[integrationID]
	return since, held
}
