package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bastion/internal/action"
	"bastion/pkg/platform/sentinel"
)

// PostgresStore persists approval requests in Postgres. The payload snapshot
// is stored as JSONB so the approved action replays byte-for-byte.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed approval store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new pending request.
func (s *PostgresStore) Create(ctx context.Context, req *Request) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("encode payload snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, tenant_id, requester_id, action_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.TenantID, req.RequesterID, string(req.ActionType), payload, string(req.Status), req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

// FindByID loads one request.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, requester_id, action_type, payload, status, reason, decider_id, decided_at, created_at
		FROM approval_requests
		WHERE id = $1`,
		id,
	)
	return scanRequest(row)
}

// ListPending returns the tenant's pending requests, oldest first.
func (s *PostgresStore) ListPending(ctx context.Context, tenantID uuid.UUID) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, requester_id, action_type, payload, status, reason, decider_id, decided_at, created_at
		FROM approval_requests
		WHERE tenant_id = $1 AND status = 'pending'
		ORDER BY id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var pending []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, req)
	}
	return pending, rows.Err()
}

// Transition moves a pending request to a terminal status. The status guard
// in the WHERE clause makes the transition a compare-and-swap: concurrent
// deciders race on the row and only one UPDATE takes effect.
func (s *PostgresStore) Transition(ctx context.Context, id string, to Status, deciderID uuid.UUID, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $2, reason = $3, decider_id = $4, decided_at = $5
		WHERE id = $1 AND status = 'pending'`,
		id, string(to), reason, deciderID, at,
	)
	if err != nil {
		return fmt.Errorf("transition approval request: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition approval request: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Lost the race or the request never existed; look again to tell which.
	if _, err := s.FindByID(ctx, id); err != nil {
		return err
	}
	return sentinel.ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req       Request
		payload   []byte
		reason    sql.NullString
		deciderID uuid.NullUUID
		decidedAt sql.NullTime
		status    string
		actType   string
	)
	err := row.Scan(&req.ID, &req.TenantID, &req.RequesterID, &actType, &payload,
		&status, &reason, &deciderID, &decidedAt, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval request: %w", err)
	}

	if err := json.Unmarshal(payload, &req.Payload); err != nil {
		return nil, fmt.Errorf("decode payload snapshot: %w", err)
	}
	req.ActionType = action.Type(actType)
	req.Status = Status(status)
	req.Reason = reason.String
	if deciderID.Valid {
		req.DeciderID = &deciderID.UUID
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return &req, nil
}
