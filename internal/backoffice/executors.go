package backoffice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bastion/internal/action"
	"bastion/internal/engine"
	dErrors "bastion/pkg/domain-errors"
)

// mutation is the staged form every executor here produces: precomputed
// snapshots plus a deferred apply closure.
type mutation struct {
	before json.RawMessage
	after  json.RawMessage
	apply  func(ctx context.Context) error
}

func (m *mutation) Before() json.RawMessage         { return m.before }
func (m *mutation) After() json.RawMessage          { return m.after }
func (m *mutation) Apply(ctx context.Context) error { return m.apply(ctx) }

func snapshot(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func wrongPayload(got action.Payload, want action.Type) error {
	return dErrors.New(dErrors.CodeInternal,
		fmt.Sprintf("executor for %s received %s payload", want, got.Type()))
}

// RefundExecutor refunds captured payments up to the remaining refundable
// amount.
type RefundExecutor struct {
	ledger *Ledger
}

// NewRefundExecutor binds the executor to the ledger.
func NewRefundExecutor(ledger *Ledger) *RefundExecutor {
	return &RefundExecutor{ledger: ledger}
}

// Stage validates the refund against the current payment state.
func (e *RefundExecutor) Stage(_ context.Context, payload action.Payload) (engine.Mutation, error) {
	p, ok := payload.(action.RefundPayload)
	if !ok {
		return nil, wrongPayload(payload, action.TypePaymentRefund)
	}

	payment, ok := e.ledger.Payment(p.PaymentID)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "payment not found: "+p.PaymentID)
	}
	if payment.Currency != p.Currency {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "refund currency does not match the payment")
	}
	if remaining := payment.CapturedMinor - payment.RefundedMinor; p.Amount > remaining {
		return nil, dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("refund of %d exceeds refundable %d", p.Amount, remaining))
	}

	updated := payment
	updated.RefundedMinor += p.Amount
	return &mutation{
		before: snapshot(payment),
		after:  snapshot(updated),
		apply: func(context.Context) error {
			e.ledger.mu.Lock()
			defer e.ledger.mu.Unlock()
			current, ok := e.ledger.payments[p.PaymentID]
			if !ok {
				return dErrors.New(dErrors.CodeNotFound, "payment disappeared: "+p.PaymentID)
			}
			if current.CapturedMinor-current.RefundedMinor < p.Amount {
				return dErrors.New(dErrors.CodeConflict, "payment no longer refundable for this amount")
			}
			current.RefundedMinor += p.Amount
			return nil
		},
	}, nil
}

// PayoutExecutor releases held settlement payouts.
type PayoutExecutor struct {
	ledger *Ledger
	clock  func() time.Time
}

// NewPayoutExecutor binds the executor to the ledger.
func NewPayoutExecutor(ledger *Ledger, clock func() time.Time) *PayoutExecutor {
	if clock == nil {
		clock = time.Now
	}
	return &PayoutExecutor{ledger: ledger, clock: clock}
}

// Stage validates the release against the held payout.
func (e *PayoutExecutor) Stage(_ context.Context, payload action.Payload) (engine.Mutation, error) {
	p, ok := payload.(action.PayoutPayload)
	if !ok {
		return nil, wrongPayload(payload, action.TypePayoutRelease)
	}

	payout, ok := e.ledger.Payout(p.SettlementID)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "payout not found: "+p.SettlementID)
	}
	if payout.Released {
		return nil, dErrors.New(dErrors.CodeConflict, "payout already released")
	}
	if payout.AmountMinor != p.Amount || payout.Currency != p.Currency {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "release does not match the held payout")
	}

	at := e.clock()
	updated := payout
	updated.Released = true
	updated.ReleasedAt = &at
	return &mutation{
		before: snapshot(payout),
		after:  snapshot(updated),
		apply: func(context.Context) error {
			e.ledger.mu.Lock()
			defer e.ledger.mu.Unlock()
			current, ok := e.ledger.payouts[p.SettlementID]
			if !ok {
				return dErrors.New(dErrors.CodeNotFound, "payout disappeared: "+p.SettlementID)
			}
			if current.Released {
				return dErrors.New(dErrors.CodeConflict, "payout already released")
			}
			current.Released = true
			current.ReleasedAt = &at
			return nil
		},
	}, nil
}

// WebhookReplayExecutor re-delivers failed webhook events.
type WebhookReplayExecutor struct {
	ledger *Ledger
}

// NewWebhookReplayExecutor binds the executor to the ledger.
func NewWebhookReplayExecutor(ledger *Ledger) *WebhookReplayExecutor {
	return &WebhookReplayExecutor{ledger: ledger}
}

// Stage checks that every requested event is actually in the failed backlog.
func (e *WebhookReplayExecutor) Stage(_ context.Context, payload action.Payload) (engine.Mutation, error) {
	p, ok := payload.(action.WebhookReplayPayload)
	if !ok {
		return nil, wrongPayload(payload, action.TypeWebhookReplay)
	}

	endpoint, ok := e.ledger.Endpoint(p.EndpointID)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "webhook endpoint not found: "+p.EndpointID)
	}
	failed := make(map[string]bool, len(endpoint.FailedEvents))
	for _, id := range endpoint.FailedEvents {
		failed[id] = true
	}
	for _, id := range p.EventIDs {
		if !failed[id] {
			return nil, dErrors.New(dErrors.CodeInvalidInput, "event not in failed backlog: "+id)
		}
	}

	updated := endpoint
	updated.FailedEvents = without(endpoint.FailedEvents, p.EventIDs)
	updated.Replayed = append(append([]string(nil), endpoint.Replayed...), p.EventIDs...)
	return &mutation{
		before: snapshot(endpoint),
		after:  snapshot(updated),
		apply: func(context.Context) error {
			e.ledger.mu.Lock()
			defer e.ledger.mu.Unlock()
			current, ok := e.ledger.endpoints[p.EndpointID]
			if !ok {
				return dErrors.New(dErrors.CodeNotFound, "webhook endpoint disappeared: "+p.EndpointID)
			}
			current.FailedEvents = without(current.FailedEvents, p.EventIDs)
			current.Replayed = append(current.Replayed, p.EventIDs...)
			return nil
		},
	}, nil
}

func without(events, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, id := range remove {
		drop[id] = true
	}
	var kept []string
	for _, id := range events {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	return kept
}

// CommissionExecutor adjusts a merchant's commission rate.
type CommissionExecutor struct {
	ledger *Ledger
}

// NewCommissionExecutor binds the executor to the ledger.
func NewCommissionExecutor(ledger *Ledger) *CommissionExecutor {
	return &CommissionExecutor{ledger: ledger}
}

// Stage validates the merchant exists.
func (e *CommissionExecutor) Stage(_ context.Context, payload action.Payload) (engine.Mutation, error) {
	p, ok := payload.(action.CommissionAdjustPayload)
	if !ok {
		return nil, wrongPayload(payload, action.TypeCommissionAdjust)
	}

	merchant, ok := e.ledger.Merchant(p.MerchantID)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "merchant not found: "+p.MerchantID)
	}

	updated := merchant
	updated.CommissionBps = p.NewRateBps
	return &mutation{
		before: snapshot(merchant),
		after:  snapshot(updated),
		apply: func(context.Context) error {
			e.ledger.mu.Lock()
			defer e.ledger.mu.Unlock()
			current, ok := e.ledger.merchants[p.MerchantID]
			if !ok {
				return dErrors.New(dErrors.CodeNotFound, "merchant disappeared: "+p.MerchantID)
			}
			current.CommissionBps = p.NewRateBps
			return nil
		},
	}, nil
}

// DisputeExecutor submits evidence before the dispute deadline.
type DisputeExecutor struct {
	ledger *Ledger
	clock  func() time.Time
}

// NewDisputeExecutor binds the executor to the ledger.
func NewDisputeExecutor(ledger *Ledger, clock func() time.Time) *DisputeExecutor {
	if clock == nil {
		clock = time.Now
	}
	return &DisputeExecutor{ledger: ledger, clock: clock}
}

// Stage validates the dispute is still open and its deadline has not passed.
func (e *DisputeExecutor) Stage(_ context.Context, payload action.Payload) (engine.Mutation, error) {
	p, ok := payload.(action.DisputeSubmitPayload)
	if !ok {
		return nil, wrongPayload(payload, action.TypeDisputeSubmit)
	}

	dispute, ok := e.ledger.Dispute(p.DisputeID)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "dispute not found: "+p.DisputeID)
	}
	if dispute.Submitted {
		return nil, dErrors.New(dErrors.CodeConflict, "evidence already submitted")
	}
	if e.clock().After(dispute.Deadline) {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "dispute deadline has passed")
	}

	updated := dispute
	updated.EvidenceID = p.EvidenceID
	updated.Submitted = true
	return &mutation{
		before: snapshot(dispute),
		after:  snapshot(updated),
		apply: func(context.Context) error {
			e.ledger.mu.Lock()
			defer e.ledger.mu.Unlock()
			current, ok := e.ledger.disputes[p.DisputeID]
			if !ok {
				return dErrors.New(dErrors.CodeNotFound, "dispute disappeared: "+p.DisputeID)
			}
			if current.Submitted {
				return dErrors.New(dErrors.CodeConflict, "evidence already submitted")
			}
			current.EvidenceID = p.EvidenceID
			current.Submitted = true
			return nil
		},
	}, nil
}
