package guardrail

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"bastion/internal/action"
)

// Snapshot is an immutable, versioned view of every tenant's guardrail rules.
type Snapshot struct {
	Version int64
	rules   map[uuid.UUID][]Rule
}

// RulesFor returns the tenant's active rules for the action type. The slice
// is freshly allocated; callers may sort it.
func (s *Snapshot) RulesFor(tenantID uuid.UUID, actionType action.Type) []Rule {
	var out []Rule
	for _, r := range s.rules[tenantID] {
		if r.Active && r.ActionType == actionType {
			out = append(out, r)
		}
	}
	return out
}

// InMemoryStore holds rule configuration behind an atomic snapshot pointer,
// mirroring the grant store: lock-free reads, serialized versioned writes.
type InMemoryStore struct {
	mu    sync.Mutex
	snap  atomic.Pointer[Snapshot]
	rules map[uuid.UUID][]Rule
}

// NewInMemoryStore constructs an empty rule store at version 1.
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{rules: make(map[uuid.UUID][]Rule)}
	s.snap.Store(&Snapshot{Version: 1, rules: map[uuid.UUID][]Rule{}})
	return s
}

// Snapshot returns the current immutable rule snapshot.
func (s *InMemoryStore) Snapshot() *Snapshot {
	return s.snap.Load()
}

// ReplaceTenantRules swaps one tenant's rule set and publishes a new snapshot
// version. Guardrail configuration changes arrive here only through the
// pipeline's own guardrail-update action.
func (s *InMemoryStore) ReplaceTenantRules(tenantID uuid.UUID, rules []Rule) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[tenantID] = append([]Rule(nil), rules...)
	return s.publish()
}

// TenantRules returns a copy of one tenant's configured rules.
func (s *InMemoryStore) TenantRules(tenantID uuid.UUID) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Rule(nil), s.rules[tenantID]...)
}

func (s *InMemoryStore) publish() int64 {
	version := s.snap.Load().Version + 1
	rules := make(map[uuid.UUID][]Rule, len(s.rules))
	for tenant, tenantRules := range s.rules {
		rules[tenant] = append([]Rule(nil), tenantRules...)
	}
	s.snap.Store(&Snapshot{Version: version, rules: rules})
	return version
}
