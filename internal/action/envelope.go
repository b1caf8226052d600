package action

import (
	"encoding/json"
	"fmt"

	dErrors "bastion/pkg/domain-errors"
)

// Envelope is the wire form of an action: a type tag plus the raw payload.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses an envelope into its typed payload and validates it.
//
// Usage: call at trust boundaries for external input; the rest of the
// pipeline only ever sees typed payloads.
func Decode(env Envelope) (Payload, error) {
	typ, err := ParseType(string(env.Type))
	if err != nil {
		return nil, err
	}

	var payload Payload
	switch typ {
	case TypePaymentRefund:
		payload, err = decodeInto[RefundPayload](env.Payload)
	case TypePayoutRelease:
		payload, err = decodeInto[PayoutPayload](env.Payload)
	case TypeWebhookReplay:
		payload, err = decodeInto[WebhookReplayPayload](env.Payload)
	case TypeUserDeactivate:
		payload, err = decodeInto[UserDeactivatePayload](env.Payload)
	case TypeCommissionAdjust:
		payload, err = decodeInto[CommissionAdjustPayload](env.Payload)
	case TypeDisputeSubmit:
		payload, err = decodeInto[DisputeSubmitPayload](env.Payload)
	case TypeGuardrailUpdate:
		payload, err = decodeInto[GuardrailUpdatePayload](env.Payload)
	case TypeGrantUpdate:
		payload, err = decodeInto[GrantUpdatePayload](env.Payload)
	default:
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown action type: %s", typ))
	}
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// Encode serializes a typed payload back into its wire envelope. Approval
// requests persist this snapshot so the approved action executes with the
// parameters captured at request time.
func Encode(payload Payload) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, dErrors.Wrap(err, dErrors.CodeInternal, "could not encode action payload")
	}
	return Envelope{Type: payload.Type(), Payload: raw}, nil
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "action payload is required")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed action payload")
	}
	return p, nil
}
