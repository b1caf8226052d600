package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var errStoreDown = errors.New("audit store unavailable")

// Store persists audit records. Append is the only mutation; there is no
// update or delete on purpose.
type Store interface {
	Append(ctx context.Context, rec *Record) error
}

// InMemoryStore keeps records in an append-only slice. The query helpers
// exist for tests and the in-process deployment mode.
type InMemoryStore struct {
	mu      sync.Mutex
	records []*Record
	failing bool
}

// NewInMemoryStore creates an empty in-memory audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Append adds one record.
func (s *InMemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		return errStoreDown
	}
	clone := *rec
	s.records = append(s.records, &clone)
	return nil
}

// ListByTenant returns the tenant's records in append order.
func (s *InMemoryStore) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, rec := range s.records {
		if rec.TenantID == tenantID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

// ListByCorrelation returns every record sharing a correlation id.
func (s *InMemoryStore) ListByCorrelation(_ context.Context, correlationID string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, rec := range s.records {
		if rec.CorrelationID == correlationID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

// Len reports the total number of records.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// SetFailing toggles simulated storage failure so tests can exercise the
// fail-closed path.
func (s *InMemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// Health reports whether appends would currently succeed. The readiness
// probe surfaces this because the engine fails closed when the sink is down.
func (s *InMemoryStore) Health(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errStoreDown
	}
	return nil
}
