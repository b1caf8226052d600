package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore writes audit records to Postgres. It deliberately implements
// nothing but INSERT; querying the log is a reporting concern served outside
// this service.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Health verifies the sink can reach its database.
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts one record.
func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, correlation_id, tenant_id, actor_id, action_type, outcome,
			reason, approval_id, before_state, after_state,
			origin_ip, origin_user_agent, origin_signature, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.CorrelationID, rec.TenantID, rec.ActorID,
		string(rec.ActionType), string(rec.Outcome),
		rec.Reason, rec.ApprovalID, []byte(rec.BeforeState), []byte(rec.AfterState),
		rec.Origin.IP, rec.Origin.UserAgent, rec.Origin.Signature, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}
