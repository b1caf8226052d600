package permission

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"bastion/internal/identity"
)

// InMemoryStore holds the grant configuration behind an atomic snapshot
// pointer. Reads never block; updates build a fresh snapshot with a bumped
// version and swap it in, so in-flight evaluations keep their consistent view.
type InMemoryStore struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[Snapshot]

	roles     map[identity.Role][]Capability
	overrides map[uuid.UUID][]Capability
}

// NewInMemoryStore constructs a store seeded with the given role grants.
func NewInMemoryStore(roles map[identity.Role][]Capability) *InMemoryStore {
	s := &InMemoryStore{
		roles:     make(map[identity.Role][]Capability, len(roles)),
		overrides: make(map[uuid.UUID][]Capability),
	}
	for role, caps := range roles {
		s.roles[role] = append([]Capability(nil), caps...)
	}
	s.snap.Store(NewSnapshot(1, s.roles, s.overrides))
	return s
}

// Snapshot returns the current immutable grant snapshot.
func (s *InMemoryStore) Snapshot() *Snapshot {
	return s.snap.Load()
}

// SetRoleGrants replaces one role's capability set and publishes a new
// snapshot version.
func (s *InMemoryStore) SetRoleGrants(role identity.Role, caps []Capability) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role] = append([]Capability(nil), caps...)
	return s.publish()
}

// SetOverride replaces one identity's explicit capability overrides and
// publishes a new snapshot version.
func (s *InMemoryStore) SetOverride(id uuid.UUID, caps []Capability) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(caps) == 0 {
		delete(s.overrides, id)
	} else {
		s.overrides[id] = append([]Capability(nil), caps...)
	}
	return s.publish()
}

// RoleGrants returns a copy of one role's current capability set.
func (s *InMemoryStore) RoleGrants(role identity.Role) []Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Capability(nil), s.roles[role]...)
}

func (s *InMemoryStore) publish() int64 {
	version := s.snap.Load().Version + 1
	s.snap.Store(NewSnapshot(version, s.roles, s.overrides))
	return version
}
