package guardrail

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"bastion/internal/action"
)

// EngineSuite tests rule matching, outcome priority, and the fail-safe path.
type EngineSuite struct {
	suite.Suite
	store    *InMemoryStore
	counter  *InMemoryCounter
	engine   *Engine
	tenantID uuid.UUID
	actorID  uuid.UUID
	now      time.Time
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.counter = NewInMemoryCounter()
	s.engine = NewEngine(s.store)
	s.tenantID = uuid.New()
	s.actorID = uuid.New()
	// A Tuesday at noon UTC.
	s.now = time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)
}

func (s *EngineSuite) input(payload action.Payload) Input {
	return Input{
		TenantID:   s.tenantID,
		ActorID:    s.actorID,
		ActionType: payload.Type(),
		Payload:    payload,
		Now:        s.now,
		Counter:    s.counter,
	}
}

func (s *EngineSuite) refund(amountMinor int64) action.Payload {
	return action.RefundPayload{PaymentID: "pay_1", Amount: amountMinor, Currency: "EUR"}
}

func (s *EngineSuite) addRule(id string, priority int, predicate Predicate, outcome Outcome) {
	rules := s.store.TenantRules(s.tenantID)
	rules = append(rules, Rule{
		ID:         id,
		TenantID:   s.tenantID,
		ActionType: action.TypePaymentRefund,
		Priority:   priority,
		Predicate:  predicate,
		Outcome:    outcome,
		Active:     true,
	})
	s.store.ReplaceTenantRules(s.tenantID, rules)
}

func (s *EngineSuite) TestNoRulesDefaultsToAllow() {
	result := s.engine.Evaluate(s.input(s.refund(100_000)))
	s.Equal(OutcomeAllow, result.Outcome)
	s.Empty(result.RuleID)
}

func (s *EngineSuite) TestAmountThreshold() {
	s.addRule("r-amount", 10, AmountAbove{ThresholdMinor: 50_000}, OutcomeRequireApproval)

	s.Run("amount above threshold requires approval", func() {
		result := s.engine.Evaluate(s.input(s.refund(100_000)))
		s.Equal(OutcomeRequireApproval, result.Outcome)
		s.Equal("r-amount", result.RuleID)
	})

	s.Run("amount at threshold passes", func() {
		result := s.engine.Evaluate(s.input(s.refund(50_000)))
		s.Equal(OutcomeAllow, result.Outcome)
	})
}

func (s *EngineSuite) TestMostRestrictiveOutcomeWins() {
	s.addRule("r-stepup", 10, AmountAbove{ThresholdMinor: 1_000}, OutcomeRequireStepUp)
	s.addRule("r-deny", 20, AmountAbove{ThresholdMinor: 500_000}, OutcomeDeny)
	s.addRule("r-approval", 30, AmountAbove{ThresholdMinor: 50_000}, OutcomeRequireApproval)

	s.Run("all three match, deny wins", func() {
		result := s.engine.Evaluate(s.input(s.refund(600_000)))
		s.Equal(OutcomeDeny, result.Outcome)
		s.Equal("r-deny", result.RuleID)
	})

	s.Run("approval beats step-up", func() {
		result := s.engine.Evaluate(s.input(s.refund(60_000)))
		s.Equal(OutcomeRequireApproval, result.Outcome)
	})

	s.Run("step-up alone", func() {
		result := s.engine.Evaluate(s.input(s.refund(2_000)))
		s.Equal(OutcomeRequireStepUp, result.Outcome)
	})
}

func (s *EngineSuite) TestBusinessHoursWindow() {
	s.addRule("r-hours", 10, OutsideBusinessHours{OpenHour: 9, CloseHour: 17, Timezone: "UTC"}, OutcomeRequireStepUp)

	s.Run("inside hours", func() {
		result := s.engine.Evaluate(s.input(s.refund(100)))
		s.Equal(OutcomeAllow, result.Outcome)
	})

	s.Run("outside hours", func() {
		in := s.input(s.refund(100))
		in.Now = time.Date(2025, 3, 11, 22, 30, 0, 0, time.UTC)
		result := s.engine.Evaluate(in)
		s.Equal(OutcomeRequireStepUp, result.Outcome)
	})
}

func (s *EngineSuite) TestBusinessHoursEdgeWindows() {
	at := func(hour int) Input {
		in := s.input(s.refund(100))
		in.Now = time.Date(2025, 3, 11, hour, 30, 0, 0, time.UTC)
		return in
	}

	s.Run("window ending at midnight", func() {
		s.addRule("r-midnight", 10, OutsideBusinessHours{OpenHour: 9, CloseHour: 24, Timezone: "UTC"}, OutcomeRequireStepUp)
		s.Equal(OutcomeAllow, s.engine.Evaluate(at(23)).Outcome)
		s.Equal(OutcomeRequireStepUp, s.engine.Evaluate(at(3)).Outcome)
	})

	s.Run("overnight window wraps past midnight", func() {
		s.store.ReplaceTenantRules(s.tenantID, nil)
		s.addRule("r-night", 10, OutsideBusinessHours{OpenHour: 22, CloseHour: 6, Timezone: "UTC"}, OutcomeRequireStepUp)
		s.Equal(OutcomeAllow, s.engine.Evaluate(at(23)).Outcome)
		s.Equal(OutcomeAllow, s.engine.Evaluate(at(5)).Outcome)
		s.Equal(OutcomeRequireStepUp, s.engine.Evaluate(at(12)).Outcome)
	})
}

func (s *EngineSuite) TestRateLimit() {
	s.addRule("r-rate", 10, RateExceeded{Max: 3, Window: 3600}, OutcomeDeny)

	for i := 0; i < 3; i++ {
		s.counter.Record(s.tenantID, s.actorID, action.TypePaymentRefund, s.now.Add(-10*time.Minute))
	}

	result := s.engine.Evaluate(s.input(s.refund(100)))
	s.Equal(OutcomeDeny, result.Outcome)

	// Another actor in the same tenant is unaffected.
	in := s.input(s.refund(100))
	in.ActorID = uuid.New()
	s.Equal(OutcomeAllow, s.engine.Evaluate(in).Outcome)
}

func (s *EngineSuite) TestUnevaluablePredicateFailsSafe() {
	// Amount rule applied to an action type that carries no amount.
	rules := []Rule{{
		ID:         "r-misconfigured",
		TenantID:   s.tenantID,
		ActionType: action.TypeWebhookReplay,
		Priority:   10,
		Predicate:  AmountAbove{ThresholdMinor: 100},
		Outcome:    OutcomeDeny,
		Active:     true,
	}}
	s.store.ReplaceTenantRules(s.tenantID, rules)

	payload := action.WebhookReplayPayload{EndpointID: "we_1", EventIDs: []string{"ev_1"}}
	result := s.engine.Evaluate(s.input(payload))

	s.Equal(OutcomeRequireApproval, result.Outcome, "missing data escalates, never allows or hard-denies")
	s.Equal("r-misconfigured", result.RuleID)
}

func (s *EngineSuite) TestInactiveRulesIgnored() {
	rules := []Rule{{
		ID:         "r-disabled",
		TenantID:   s.tenantID,
		ActionType: action.TypePaymentRefund,
		Priority:   10,
		Predicate:  AmountAbove{ThresholdMinor: 1},
		Outcome:    OutcomeDeny,
		Active:     false,
	}}
	s.store.ReplaceTenantRules(s.tenantID, rules)

	result := s.engine.Evaluate(s.input(s.refund(100_000)))
	s.Equal(OutcomeAllow, result.Outcome)
}

func (s *EngineSuite) TestEvaluationIsIdempotent() {
	s.addRule("r-amount", 10, AmountAbove{ThresholdMinor: 50_000}, OutcomeRequireApproval)

	first := s.engine.Evaluate(s.input(s.refund(100_000)))
	second := s.engine.Evaluate(s.input(s.refund(100_000)))
	s.Equal(first, second)
}

func (s *EngineSuite) TestParseRulesRoundTrip() {
	specs := []RuleSpec{{
		ID:         "r-1",
		ActionType: string(action.TypePaymentRefund),
		Priority:   10,
		Kind:       KindAmountAbove,
		Params:     json.RawMessage(`{"threshold_minor":50000}`),
		Outcome:    "require_approval",
		Active:     true,
	}}

	rules, err := ParseRules(s.tenantID, specs)
	s.Require().NoError(err)
	s.Require().Len(rules, 1)
	s.Equal(OutcomeRequireApproval, rules[0].Outcome)

	s.store.ReplaceTenantRules(s.tenantID, rules)
	result := s.engine.Evaluate(s.input(s.refund(100_000)))
	s.Equal(OutcomeRequireApproval, result.Outcome)
}

func (s *EngineSuite) TestParseRulesRejectsBadConfig() {
	cases := []struct {
		name string
		spec RuleSpec
	}{
		{"unknown kind", RuleSpec{ID: "r", ActionType: string(action.TypePaymentRefund), Kind: "phase_of_moon", Params: json.RawMessage(`{}`), Outcome: "deny"}},
		{"unknown outcome", RuleSpec{ID: "r", ActionType: string(action.TypePaymentRefund), Kind: KindAmountAbove, Params: json.RawMessage(`{"threshold_minor":1}`), Outcome: "shrug"}},
		{"unknown action", RuleSpec{ID: "r", ActionType: "nope", Kind: KindAmountAbove, Params: json.RawMessage(`{"threshold_minor":1}`), Outcome: "deny"}},
		{"missing id", RuleSpec{ActionType: string(action.TypePaymentRefund), Kind: KindAmountAbove, Params: json.RawMessage(`{"threshold_minor":1}`), Outcome: "deny"}},
		{"zero-length hours window", RuleSpec{ID: "r", ActionType: string(action.TypePaymentRefund), Kind: KindOutsideHours, Params: json.RawMessage(`{"open_hour":9,"close_hour":9,"timezone":"UTC"}`), Outcome: "deny"}},
		{"close past midnight", RuleSpec{ID: "r", ActionType: string(action.TypePaymentRefund), Kind: KindOutsideHours, Params: json.RawMessage(`{"open_hour":9,"close_hour":25,"timezone":"UTC"}`), Outcome: "deny"}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := ParseRules(s.tenantID, []RuleSpec{tc.spec})
			s.Error(err)
		})
	}
}
