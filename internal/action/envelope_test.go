package action

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "bastion/pkg/domain-errors"
)

func TestDecode_RefundRoundTrip(t *testing.T) {
	env := Envelope{
		Type:    TypePaymentRefund,
		Payload: json.RawMessage(`{"payment_id":"pay_123","amount_minor":100000,"currency":"EUR"}`),
	}

	payload, err := Decode(env)
	require.NoError(t, err)

	refund, ok := payload.(RefundPayload)
	require.True(t, ok)
	assert.Equal(t, "pay_123", refund.PaymentID)
	assert.Equal(t, int64(100000), refund.Amount)

	encoded, err := Encode(refund)
	require.NoError(t, err)
	assert.Equal(t, TypePaymentRefund, encoded.Type)

	again, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, refund, again)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode(Envelope{Type: "payments.launder", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func TestDecode_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{
			name: "refund without payment id",
			env:  Envelope{Type: TypePaymentRefund, Payload: json.RawMessage(`{"amount_minor":100,"currency":"EUR"}`)},
		},
		{
			name: "refund with zero amount",
			env:  Envelope{Type: TypePaymentRefund, Payload: json.RawMessage(`{"payment_id":"p","amount_minor":0,"currency":"EUR"}`)},
		},
		{
			name: "webhook replay without events",
			env:  Envelope{Type: TypeWebhookReplay, Payload: json.RawMessage(`{"endpoint_id":"we_1","event_ids":[]}`)},
		},
		{
			name: "commission rate above 100 percent",
			env:  Envelope{Type: TypeCommissionAdjust, Payload: json.RawMessage(`{"merchant_id":"m_1","new_rate_bps":10001}`)},
		},
		{
			name: "empty payload",
			env:  Envelope{Type: TypePayoutRelease},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.env)
			assert.Error(t, err)
		})
	}
}

func TestAmounter_OnlyMonetaryPayloads(t *testing.T) {
	var payload Payload = RefundPayload{PaymentID: "p", Amount: 500, Currency: "EUR"}
	amounter, ok := payload.(Amounter)
	require.True(t, ok)
	assert.Equal(t, int64(500), amounter.AmountMinor())

	payload = WebhookReplayPayload{EndpointID: "we_1", EventIDs: []string{"ev_1"}}
	_, ok = payload.(Amounter)
	assert.False(t, ok, "webhook replay carries no amount")
}
