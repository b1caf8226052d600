package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bastion/pkg/platform/sentinel"
)

// Store defines the persistence interface for identities.
// Error Contract: all Find methods return sentinel.ErrNotFound (wrapped) when
// the identity does not exist.
type Store interface {
	Save(ctx context.Context, ident *Identity) error
	FindByID(ctx context.Context, id uuid.UUID) (*Identity, error)
	Deactivate(ctx context.Context, id uuid.UUID, now time.Time) error
}

// InMemoryStore stores identities in memory for tests/dev.
type InMemoryStore struct {
	mu         sync.RWMutex
	identities map[uuid.UUID]*Identity
}

// NewInMemoryStore constructs an empty in-memory identity store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{identities: make(map[uuid.UUID]*Identity)}
}

func (s *InMemoryStore) Save(_ context.Context, ident *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ident
	s.identities[ident.ID] = &cp
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id uuid.UUID) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ident, ok := s.identities[id]; ok {
		cp := *ident
		return &cp, nil
	}
	return nil, fmt.Errorf("identity not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryStore) Deactivate(_ context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return fmt.Errorf("identity not found: %w", sentinel.ErrNotFound)
	}
	if !ident.Active {
		return fmt.Errorf("identity already deactivated: %w", sentinel.ErrInvalidState)
	}
	ident.Active = false
	ident.UpdatedAt = now
	return nil
}
