package approval

import (
	"time"

	"github.com/google/uuid"

	"bastion/internal/action"
)

// Status is the lifecycle state of an approval request. Pending is the only
// non-terminal state; a request transitions out of it exactly once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Request is a dual-control approval request. Payload is the envelope
// snapshot captured when the requester attempted the action; the approved
// action executes with exactly these parameters even if the requester would
// ask for something else today.
type Request struct {
	ID          string          `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	RequesterID uuid.UUID       `json:"requester_id"`
	ActionType  action.Type     `json:"action_type"`
	Payload     action.Envelope `json:"payload"`
	Status      Status          `json:"status"`

	// Reason explains a rejection or cancellation. Empty on approval.
	Reason    string     `json:"reason,omitempty"`
	DeciderID *uuid.UUID `json:"decider_id,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Decision is the input to a decide call.
type Decision struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}
