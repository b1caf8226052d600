package guardrail

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"bastion/internal/action"
)

// InMemoryCounter tracks action executions in trailing windows. The pipeline
// records an execution only after it succeeds, so evaluation stays idempotent.
type InMemoryCounter struct {
	mu     sync.Mutex
	events map[counterKey][]time.Time
}

type counterKey struct {
	tenantID   uuid.UUID
	actorID    uuid.UUID
	actionType action.Type
}

// NewInMemoryCounter constructs an empty counter.
func NewInMemoryCounter() *InMemoryCounter {
	return &InMemoryCounter{events: make(map[counterKey][]time.Time)}
}

// Record notes one executed action at the given time.
func (c *InMemoryCounter) Record(tenantID, actorID uuid.UUID, actionType action.Type, at time.Time) {
	key := counterKey{tenantID: tenantID, actorID: actorID, actionType: actionType}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[key] = append(c.events[key], at)
}

// Count returns how many recorded executions fall inside the trailing window
// ending at now, pruning anything older as it goes.
func (c *InMemoryCounter) Count(tenantID, actorID uuid.UUID, actionType action.Type, window time.Duration, now time.Time) (int, error) {
	key := counterKey{tenantID: tenantID, actorID: actorID, actionType: actionType}
	cutoff := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.events[key][:0]
	for _, at := range c.events[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(c.events, key)
		return 0, nil
	}
	c.events[key] = kept
	return len(kept), nil
}
