package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bastion/pkg/platform/sentinel"
)

// PostgresStore persists identities in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed identity store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, ident *Identity) error {
	query := `
		INSERT INTO identities (id, email, role, tenants, totp_secret, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			tenants = EXCLUDED.tenants,
			totp_secret = EXCLUDED.totp_secret,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`
	tenants, err := json.Marshal(ident.Tenants)
	if err != nil {
		return fmt.Errorf("marshal tenant memberships: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		ident.ID,
		ident.Email,
		string(ident.Role),
		tenants,
		ident.TOTPSecret,
		ident.Active,
		ident.CreatedAt,
		ident.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	query := `
		SELECT id, email, role, tenants, totp_secret, active, created_at, updated_at
		FROM identities
		WHERE id = $1
	`
	var (
		ident   Identity
		role    string
		tenants []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&ident.ID,
		&ident.Email,
		&role,
		&tenants,
		&ident.TOTPSecret,
		&ident.Active,
		&ident.CreatedAt,
		&ident.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}

	ident.Role = Role(role)
	if err := json.Unmarshal(tenants, &ident.Tenants); err != nil {
		return nil, fmt.Errorf("unmarshal tenant memberships: %w", err)
	}
	return &ident, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, id uuid.UUID, now time.Time) error {
	query := `
		UPDATE identities
		SET active = FALSE, updated_at = $2
		WHERE id = $1 AND active = TRUE
	`
	res, err := s.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("deactivate identity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate identity rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("identity missing or already deactivated: %w", sentinel.ErrInvalidState)
	}
	return nil
}
