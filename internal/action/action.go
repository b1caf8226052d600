// Package action defines the tagged union of sensitive back-office actions.
// Every mutation gated by the authorization pipeline is one of these types
// with a typed payload, so a guardrail predicate that cannot read the data it
// needs is a typed case rather than a runtime guess against a loose blob.
package action

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	dErrors "bastion/pkg/domain-errors"
)

// Type names a sensitive back-office action. The name doubles as the
// capability required to attempt the action.
type Type string

const (
	TypePaymentRefund    Type = "payments.refund"
	TypePayoutRelease    Type = "settlements.release_payout"
	TypeWebhookReplay    Type = "webhooks.replay"
	TypeUserDeactivate   Type = "users.deactivate"
	TypeCommissionAdjust Type = "commissions.adjust"
	TypeDisputeSubmit    Type = "disputes.submit_evidence"

	// Administration of the pipeline's own configuration goes through the
	// pipeline as well.
	TypeGuardrailUpdate Type = "platform.update_guardrails"
	TypeGrantUpdate     Type = "platform.update_grants"
)

// Types lists every known action type.
func Types() []Type {
	return []Type{
		TypePaymentRefund,
		TypePayoutRelease,
		TypeWebhookReplay,
		TypeUserDeactivate,
		TypeCommissionAdjust,
		TypeDisputeSubmit,
		TypeGuardrailUpdate,
		TypeGrantUpdate,
	}
}

// ParseType validates and parses an action type string.
//
// Errors: returns CodeBadRequest for unknown action types.
func ParseType(s string) (Type, error) {
	for _, t := range Types() {
		if Type(s) == t {
			return t, nil
		}
	}
	return "", dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown action type: %s", s))
}

// Payload is the typed parameter set of one action.
type Payload interface {
	Type() Type
	Validate() error
}

// Amounter is implemented by payloads carrying a monetary amount in integer
// minor units. Guardrail amount predicates read through this; a payload that
// does not implement it has no amount to compare.
type Amounter interface {
	AmountMinor() int64
}

// RefundPayload reverses a captured payment up to its original amount.
type RefundPayload struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount_minor"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason,omitempty"`
}

func (RefundPayload) Type() Type           { return TypePaymentRefund }
func (p RefundPayload) AmountMinor() int64 { return p.Amount }

func (p RefundPayload) Validate() error {
	if p.PaymentID == "" {
		return dErrors.New(dErrors.CodeValidation, "payment_id is required")
	}
	if p.Amount <= 0 {
		return dErrors.New(dErrors.CodeValidation, "amount_minor must be positive")
	}
	if len(p.Currency) != 3 {
		return dErrors.New(dErrors.CodeValidation, "currency must be a 3-letter code")
	}
	return nil
}

// PayoutPayload releases a held settlement payout to a merchant.
type PayoutPayload struct {
	SettlementID string `json:"settlement_id"`
	Amount       int64  `json:"amount_minor"`
	Currency     string `json:"currency"`
}

func (PayoutPayload) Type() Type           { return TypePayoutRelease }
func (p PayoutPayload) AmountMinor() int64 { return p.Amount }

func (p PayoutPayload) Validate() error {
	if p.SettlementID == "" {
		return dErrors.New(dErrors.CodeValidation, "settlement_id is required")
	}
	if p.Amount <= 0 {
		return dErrors.New(dErrors.CodeValidation, "amount_minor must be positive")
	}
	if len(p.Currency) != 3 {
		return dErrors.New(dErrors.CodeValidation, "currency must be a 3-letter code")
	}
	return nil
}

// WebhookReplayPayload re-delivers previously failed webhook events.
type WebhookReplayPayload struct {
	EndpointID string   `json:"endpoint_id"`
	EventIDs   []string `json:"event_ids"`
}

func (WebhookReplayPayload) Type() Type { return TypeWebhookReplay }

func (p WebhookReplayPayload) Validate() error {
	if p.EndpointID == "" {
		return dErrors.New(dErrors.CodeValidation, "endpoint_id is required")
	}
	if len(p.EventIDs) == 0 {
		return dErrors.New(dErrors.CodeValidation, "at least one event_id is required")
	}
	return nil
}

// UserDeactivatePayload deactivates an identity. Identities are never hard
// deleted.
type UserDeactivatePayload struct {
	IdentityID uuid.UUID `json:"identity_id"`
}

func (UserDeactivatePayload) Type() Type { return TypeUserDeactivate }

func (p UserDeactivatePayload) Validate() error {
	if p.IdentityID == uuid.Nil {
		return dErrors.New(dErrors.CodeValidation, "identity_id is required")
	}
	return nil
}

// CommissionAdjustPayload changes a merchant's commission rate.
type CommissionAdjustPayload struct {
	MerchantID string `json:"merchant_id"`
	NewRateBps int64  `json:"new_rate_bps"`
}

func (CommissionAdjustPayload) Type() Type { return TypeCommissionAdjust }

func (p CommissionAdjustPayload) Validate() error {
	if p.MerchantID == "" {
		return dErrors.New(dErrors.CodeValidation, "merchant_id is required")
	}
	if p.NewRateBps < 0 || p.NewRateBps > 10_000 {
		return dErrors.New(dErrors.CodeValidation, "new_rate_bps must be between 0 and 10000")
	}
	return nil
}

// DisputeSubmitPayload submits evidence for a dispute before its deadline.
type DisputeSubmitPayload struct {
	DisputeID  string `json:"dispute_id"`
	EvidenceID string `json:"evidence_id"`
}

func (DisputeSubmitPayload) Type() Type { return TypeDisputeSubmit }

func (p DisputeSubmitPayload) Validate() error {
	if p.DisputeID == "" {
		return dErrors.New(dErrors.CodeValidation, "dispute_id is required")
	}
	if p.EvidenceID == "" {
		return dErrors.New(dErrors.CodeValidation, "evidence_id is required")
	}
	return nil
}

// GuardrailUpdatePayload replaces a tenant's guardrail rule set. The rules are
// carried opaque here and parsed by the executor; the guardrail package owns
// their schema.
type GuardrailUpdatePayload struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	Rules    json.RawMessage `json:"rules"`
}

func (GuardrailUpdatePayload) Type() Type { return TypeGuardrailUpdate }

func (p GuardrailUpdatePayload) Validate() error {
	if p.TenantID == uuid.Nil {
		return dErrors.New(dErrors.CodeValidation, "tenant_id is required")
	}
	if len(p.Rules) == 0 {
		return dErrors.New(dErrors.CodeValidation, "rules are required")
	}
	return nil
}

// GrantUpdatePayload replaces a role's capability grants.
type GrantUpdatePayload struct {
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
}

func (GrantUpdatePayload) Type() Type { return TypeGrantUpdate }

func (p GrantUpdatePayload) Validate() error {
	if p.Role == "" {
		return dErrors.New(dErrors.CodeValidation, "role is required")
	}
	return nil
}
