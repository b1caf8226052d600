package stepup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bastion/pkg/platform/sentinel"
	"bastion/pkg/secrets"
)

// PostgresStore persists step-up sessions, challenges, and recovery codes in
// PostgreSQL. It implements both SessionStore and RecoveryCodeStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed step-up store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) PutSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO stepup_sessions (identity_id, verified_at)
		VALUES ($1, $2)
		ON CONFLICT (identity_id) DO UPDATE SET verified_at = EXCLUDED.verified_at
	`
	if _, err := s.db.ExecContext(ctx, query, session.IdentityID, session.VerifiedAt); err != nil {
		return fmt.Errorf("put step-up session: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindSession(ctx context.Context, identityID uuid.UUID) (*Session, error) {
	query := `SELECT identity_id, verified_at FROM stepup_sessions WHERE identity_id = $1`
	var session Session
	err := s.db.QueryRowContext(ctx, query, identityID).Scan(&session.IdentityID, &session.VerifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step-up session not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find step-up session: %w", err)
	}
	return &session, nil
}

func (s *PostgresStore) PutChallenge(ctx context.Context, challenge *Challenge) error {
	query := `
		INSERT INTO stepup_challenges (identity_id, requested_at)
		VALUES ($1, $2)
		ON CONFLICT (identity_id) DO UPDATE SET requested_at = EXCLUDED.requested_at
	`
	if _, err := s.db.ExecContext(ctx, query, challenge.IdentityID, challenge.RequestedAt); err != nil {
		return fmt.Errorf("put step-up challenge: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindChallenge(ctx context.Context, identityID uuid.UUID) (*Challenge, error) {
	query := `SELECT identity_id, requested_at FROM stepup_challenges WHERE identity_id = $1`
	var challenge Challenge
	err := s.db.QueryRowContext(ctx, query, identityID).Scan(&challenge.IdentityID, &challenge.RequestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step-up challenge not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find step-up challenge: %w", err)
	}
	return &challenge, nil
}

func (s *PostgresStore) DeleteChallenge(ctx context.Context, identityID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stepup_challenges WHERE identity_id = $1`, identityID); err != nil {
		return fmt.Errorf("delete step-up challenge: %w", err)
	}
	return nil
}

func (s *PostgresStore) Replace(ctx context.Context, identityID uuid.UUID, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace recovery codes: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_codes WHERE identity_id = $1`, identityID); err != nil {
		return fmt.Errorf("clear recovery codes: %w", err)
	}
	for _, hash := range hashes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recovery_codes (id, identity_id, code_hash) VALUES ($1, $2, $3)`,
			uuid.New(), identityID, hash,
		)
		if err != nil {
			return fmt.Errorf("insert recovery code: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace recovery codes: %w", err)
	}
	return nil
}

// Consume finds the matching code and claims it with a conditional update on
// the not-yet-used precondition. Under concurrent attempts the database
// serializes the claim: exactly one caller's UPDATE touches the row.
func (s *PostgresStore) Consume(ctx context.Context, identityID uuid.UUID, code string) error {
	normalized := secrets.Normalize(code)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code_hash, used_at FROM recovery_codes WHERE identity_id = $1`,
		identityID,
	)
	if err != nil {
		return fmt.Errorf("list recovery codes: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var (
		matchedID uuid.UUID
		matched   bool
		usedAt    sql.NullTime
	)
	for rows.Next() {
		var (
			id   uuid.UUID
			hash string
			used sql.NullTime
		)
		if err := rows.Scan(&id, &hash, &used); err != nil {
			return fmt.Errorf("scan recovery code: %w", err)
		}
		if secrets.Verify(normalized, hash) == nil {
			matchedID, matched, usedAt = id, true, used
			break
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate recovery codes: %w", err)
	}
	if !matched {
		return fmt.Errorf("recovery code not found: %w", sentinel.ErrNotFound)
	}
	if usedAt.Valid {
		return fmt.Errorf("recovery code consumed at %s: %w", usedAt.Time.Format(time.RFC3339), sentinel.ErrAlreadyUsed)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE recovery_codes SET used_at = NOW() WHERE id = $1 AND used_at IS NULL`,
		matchedID,
	)
	if err != nil {
		return fmt.Errorf("consume recovery code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume recovery code rows: %w", err)
	}
	if affected == 0 {
		// Lost the race: someone else claimed the row between read and update.
		return fmt.Errorf("recovery code already consumed: %w", sentinel.ErrAlreadyUsed)
	}
	return nil
}

func (s *PostgresStore) Remaining(ctx context.Context, identityID uuid.UUID) (int, error) {
	var remaining int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recovery_codes WHERE identity_id = $1 AND used_at IS NULL`,
		identityID,
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("count recovery codes: %w", err)
	}
	return remaining, nil
}
