package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bastion/pkg/platform/sentinel"
)

// Store persists approval requests. Transition is the single mutation path
// out of Pending and must be atomic: of N concurrent transitions for the same
// request, exactly one succeeds and the rest observe sentinel.ErrConflict.
type Store interface {
	Create(ctx context.Context, req *Request) error
	FindByID(ctx context.Context, id string) (*Request, error)
	ListPending(ctx context.Context, tenantID uuid.UUID) ([]*Request, error)
	Transition(ctx context.Context, id string, to Status, deciderID uuid.UUID, reason string, at time.Time) error
}

// InMemoryStore keeps approval requests in a map guarded by one mutex.
type InMemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
}

// NewInMemoryStore creates an empty in-memory approval store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[string]*Request)}
}

// Create inserts a new request. Duplicate IDs conflict.
func (s *InMemoryStore) Create(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return sentinel.ErrConflict
	}
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

// FindByID returns a copy of the stored request.
func (s *InMemoryStore) FindByID(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *req
	return &clone, nil
}

// ListPending returns the tenant's pending requests, oldest first. ULIDs sort
// lexicographically in creation order so ID order is time order.
func (s *InMemoryStore) ListPending(_ context.Context, tenantID uuid.UUID) ([]*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Request
	for _, req := range s.requests {
		if req.TenantID == tenantID && req.Status == StatusPending {
			clone := *req
			pending = append(pending, &clone)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return pending, nil
}

// Transition moves a pending request to a terminal status. The check and the
// write happen under the same lock, so a second decider loses with
// sentinel.ErrConflict rather than silently overwriting the first decision.
func (s *InMemoryStore) Transition(_ context.Context, id string, to Status, deciderID uuid.UUID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if req.Status.Terminal() {
		return sentinel.ErrConflict
	}

	req.Status = to
	req.Reason = reason
	req.DeciderID = &deciderID
	req.DecidedAt = &at
	return nil
}
