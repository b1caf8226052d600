package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"bastion/internal/action"
)

// Outcome records what the pipeline concluded for the attempted action.
type Outcome string

const (
	OutcomeAllowed          Outcome = "allowed"
	OutcomeDenied           Outcome = "denied"
	OutcomeStepUpRequired   Outcome = "step_up_required"
	OutcomeApprovalRequired Outcome = "approval_required"

	// OutcomeExecutionFailed is the compensating entry written when the
	// action was recorded as allowed but its apply step failed afterwards.
	OutcomeExecutionFailed Outcome = "execution_failed"
)

// Origin captures where the request came from. Signature is the parsed,
// human-readable form of the raw user agent.
type Origin struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Record is one immutable audit log entry. Records are append-only; nothing
// in this codebase updates or deletes one once written.
type Record struct {
	ID            string      `json:"id"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	TenantID      uuid.UUID   `json:"tenant_id"`
	ActorID       uuid.UUID   `json:"actor_id"`
	ActionType    action.Type `json:"action_type"`
	Outcome       Outcome     `json:"outcome"`

	// Reason names the rule, capability, or decision that produced the
	// outcome. Empty for an unconditional allow.
	Reason string `json:"reason,omitempty"`

	// ApprovalID links the record to a dual-control request when the
	// outcome involved one.
	ApprovalID string `json:"approval_id,omitempty"`

	// BeforeState and AfterState snapshot the affected resource around an
	// executed mutation. Both are empty for denials.
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`

	Origin     Origin    `json:"origin"`
	RecordedAt time.Time `json:"recorded_at"`
}
