package stepup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bastion/pkg/platform/sentinel"
	platformsync "bastion/pkg/platform/sync"
	"bastion/pkg/secrets"
)

// SessionStore persists step-up sessions and pending challenges.
// Error Contract: Find methods return sentinel.ErrNotFound (wrapped) when no
// record exists.
type SessionStore interface {
	// PutSession overwrites the identity's session; one session per identity.
	PutSession(ctx context.Context, session *Session) error
	FindSession(ctx context.Context, identityID uuid.UUID) (*Session, error)
	// PutChallenge records that a challenge was issued.
	PutChallenge(ctx context.Context, challenge *Challenge) error
	FindChallenge(ctx context.Context, identityID uuid.UUID) (*Challenge, error)
	// DeleteChallenge clears the pending challenge after a successful verify.
	DeleteChallenge(ctx context.Context, identityID uuid.UUID) error
}

// RecoveryCodeStore persists single-use recovery codes as bcrypt hashes.
type RecoveryCodeStore interface {
	// Replace installs a fresh batch of code hashes, discarding any previous
	// batch including consumed entries.
	Replace(ctx context.Context, identityID uuid.UUID, hashes []string) error
	// Consume atomically marks the code matching the normalized plaintext as
	// used. Exactly one concurrent caller can consume a given code:
	// a second match on a used code returns sentinel.ErrAlreadyUsed and no
	// match at all returns sentinel.ErrNotFound.
	Consume(ctx context.Context, identityID uuid.UUID, code string) error
	// Remaining counts unconsumed codes, for enrollment status displays.
	Remaining(ctx context.Context, identityID uuid.UUID) (int, error)
}

// InMemorySessionStore stores sessions and challenges in memory for tests/dev.
type InMemorySessionStore struct {
	locks      *platformsync.ShardedMutex
	sessions   map[uuid.UUID]Session
	challenges map[uuid.UUID]Challenge
}

// NewInMemorySessionStore constructs an empty in-memory session store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		locks:      platformsync.NewShardedMutex(),
		sessions:   make(map[uuid.UUID]Session),
		challenges: make(map[uuid.UUID]Challenge),
	}
}

func (s *InMemorySessionStore) PutSession(_ context.Context, session *Session) error {
	key := session.IdentityID.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)
	s.sessions[session.IdentityID] = *session
	return nil
}

func (s *InMemorySessionStore) FindSession(_ context.Context, identityID uuid.UUID) (*Session, error) {
	key := identityID.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)
	if session, ok := s.sessions[identityID]; ok {
		return &session, nil
	}
	return nil, fmt.Errorf("step-up session not found: %w", sentinel.ErrNotFound)
}

func (s *InMemorySessionStore) PutChallenge(_ context.Context, challenge *Challenge) error {
	key := challenge.IdentityID.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)
	s.challenges[challenge.IdentityID] = *challenge
	return nil
}

func (s *InMemorySessionStore) FindChallenge(_ context.Context, identityID uuid.UUID) (*Challenge, error) {
	key := identityID.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)
	if challenge, ok := s.challenges[identityID]; ok {
		return &challenge, nil
	}
	return nil, fmt.Errorf("step-up challenge not found: %w", sentinel.ErrNotFound)
}

func (s *InMemorySessionStore) DeleteChallenge(_ context.Context, identityID uuid.UUID) error {
	key := identityID.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)
	delete(s.challenges, identityID)
	return nil
}

type recoveryCode struct {
	hash   string
	usedAt *time.Time
}

// InMemoryRecoveryCodeStore stores recovery-code hashes in memory. Per-identity
// sharded locking makes Consume linearizable: under concurrent attempts with
// the same code exactly one caller wins.
type InMemoryRecoveryCodeStore struct {
	locks *platformsync.ShardedMutex
	codes map[uuid.UUID][]recoveryCode
	clock func() time.Time
}

// NewInMemoryRecoveryCodeStore constructs an empty in-memory code store.
func NewInMemoryRecoveryCodeStore() *InMemoryRecoveryCodeStore {
	return &InMemoryRecoveryCodeStore{
		locks: platformsync.NewShardedMutex(),
		codes: make(map[uuid.UUID][]recoveryCode),
		clock: time.Now,
	}
}

func (s *InMemoryRecoveryCodeStore) Replace(_ context.Context, identityID uuid.UUID, hashes []string) error {
	key := identityID.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	batch := make([]recoveryCode, 0, len(hashes))
	for _, h := range hashes {
		batch = append(batch, recoveryCode{hash: h})
	}
	s.codes[identityID] = batch
	return nil
}

func (s *InMemoryRecoveryCodeStore) Consume(_ context.Context, identityID uuid.UUID, code string) error {
	normalized := secrets.Normalize(code)
	key := identityID.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	for i := range s.codes[identityID] {
		rc := &s.codes[identityID][i]
		if secrets.Verify(normalized, rc.hash) != nil {
			continue
		}
		if rc.usedAt != nil {
			return fmt.Errorf("recovery code consumed at %s: %w", rc.usedAt.Format(time.RFC3339), sentinel.ErrAlreadyUsed)
		}
		now := s.clock()
		rc.usedAt = &now
		return nil
	}
	return fmt.Errorf("recovery code not found: %w", sentinel.ErrNotFound)
}

func (s *InMemoryRecoveryCodeStore) Remaining(_ context.Context, identityID uuid.UUID) (int, error) {
	key := identityID.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	remaining := 0
	for _, rc := range s.codes[identityID] {
		if rc.usedAt == nil {
			remaining++
		}
	}
	return remaining, nil
}
