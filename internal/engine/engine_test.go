package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"bastion/internal/action"
	"bastion/internal/approval"
	"bastion/internal/audit"
	"bastion/internal/guardrail"
	"bastion/internal/identity"
	"bastion/internal/permission"
	"bastion/internal/stepup"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/secrets"
)

// fakeMutation stages a canned state change and can be told to fail on apply.
type fakeMutation struct {
	before, after json.RawMessage
	applyErr      error
	applied       *int
}

func (m *fakeMutation) Before() json.RawMessage { return m.before }
func (m *fakeMutation) After() json.RawMessage  { return m.after }

func (m *fakeMutation) Apply(context.Context) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	*m.applied++
	return nil
}

type fakeExecutor struct {
	applied  int
	applyErr error
	stageErr error
}

func (e *fakeExecutor) Stage(_ context.Context, payload action.Payload) (Mutation, error) {
	if e.stageErr != nil {
		return nil, e.stageErr
	}
	raw, _ := json.Marshal(payload)
	return &fakeMutation{
		before:   json.RawMessage(`{"status":"held"}`),
		after:    raw,
		applyErr: e.applyErr,
		applied:  &e.applied,
	}, nil
}

type EngineSuite struct {
	suite.Suite
	identities *identity.InMemoryStore
	grants     *permission.InMemoryStore
	rules      *guardrail.InMemoryStore
	counter    *guardrail.InMemoryCounter
	sessions   *stepup.InMemorySessionStore
	codes      *stepup.InMemoryRecoveryCodeStore
	approvals  *approval.InMemoryStore
	auditLog   *audit.InMemoryStore
	engine     *Engine
	executor   *fakeExecutor
	tenantID   uuid.UUID
	adminA     *identity.Identity
	adminB     *identity.Identity
	now        time.Time
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.now = time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }

	s.identities = identity.NewInMemoryStore()
	s.grants = permission.NewInMemoryStore(permission.DefaultRoleGrants())
	s.rules = guardrail.NewInMemoryStore()
	s.counter = guardrail.NewInMemoryCounter()
	s.sessions = stepup.NewInMemorySessionStore()
	s.codes = stepup.NewInMemoryRecoveryCodeStore()
	s.approvals = approval.NewInMemoryStore()
	s.auditLog = audit.NewInMemoryStore()

	s.tenantID = uuid.New()
	s.adminA = s.addIdentity(identity.RoleAdmin)
	s.adminB = s.addIdentity(identity.RoleAdmin)

	stepups := stepup.NewService(s.identities, s.sessions, s.codes, stepup.WithClock(clock))
	s.engine = New(
		permission.NewEvaluator(s.grants),
		guardrail.NewEngine(s.rules),
		stepups,
		approval.NewService(s.approvals, approval.WithClock(clock)),
		audit.NewWriter(s.auditLog, audit.WithClock(clock)),
		WithClock(clock),
		WithExecutionRecorder(s.counter),
	)
	s.executor = &fakeExecutor{}
	s.engine.RegisterExecutor(action.TypePaymentRefund, s.executor)
	s.engine.RegisterExecutor(action.TypeWebhookReplay, s.executor)
}

func (s *EngineSuite) addIdentity(role identity.Role) *identity.Identity {
	ident := &identity.Identity{
		ID:         uuid.New(),
		Role:       role,
		Tenants:    []uuid.UUID{s.tenantID},
		TOTPSecret: "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP",
		Active:     true,
	}
	s.Require().NoError(s.identities.Save(context.Background(), ident))
	return ident
}

func (s *EngineSuite) refundEnvelope(amountMinor int64) action.Envelope {
	env, err := action.Encode(action.RefundPayload{
		PaymentID: "pay_8812", Amount: amountMinor, Currency: "EUR",
	})
	s.Require().NoError(err)
	return env
}

func (s *EngineSuite) installRule(spec guardrail.RuleSpec) {
	rules, err := guardrail.ParseRules(s.tenantID, []guardrail.RuleSpec{spec})
	s.Require().NoError(err)
	s.rules.ReplaceTenantRules(s.tenantID, rules)
}

func (s *EngineSuite) tenantRecords() []*audit.Record {
	records, err := s.auditLog.ListByTenant(context.Background(), s.tenantID)
	s.Require().NoError(err)
	return records
}

func (s *EngineSuite) TestAllowedActionExecutesAndAudits() {
	result, err := s.engine.Authorize(context.Background(), s.adminA, s.tenantID, s.refundEnvelope(2_000))
	s.Require().NoError(err)
	s.True(result.Executed)
	s.Equal(1, s.executor.applied)

	records := s.tenantRecords()
	s.Require().Len(records, 1)
	s.Equal(audit.OutcomeAllowed, records[0].Outcome)
	s.JSONEq(`{"status":"held"}`, string(records[0].BeforeState))
	s.NotEmpty(records[0].AfterState)
}

func (s *EngineSuite) TestPermissionDenied() {
	viewer := s.addIdentity(identity.RoleViewer)

	_, err := s.engine.Authorize(context.Background(), viewer, s.tenantID, s.refundEnvelope(2_000))
	s.True(dErrors.HasCode(err, dErrors.CodePermissionDenied))
	s.Equal(0, s.executor.applied)

	records := s.tenantRecords()
	s.Require().Len(records, 1)
	s.Equal(audit.OutcomeDenied, records[0].Outcome)
	s.Contains(records[0].Reason, "insufficient_role")
}

func (s *EngineSuite) TestGuardrailDeny() {
	s.installRule(guardrail.RuleSpec{
		ID: "refund-cap", ActionType: string(action.TypePaymentRefund), Priority: 1,
		Kind: "amount_above", Params: json.RawMessage(`{"threshold_minor":500000}`),
		Outcome: "deny", Reason: "refunds above 5000.00 are blocked", Active: true,
	})

	_, err := s.engine.Authorize(context.Background(), s.adminA, s.tenantID, s.refundEnvelope(600_000))
	s.True(dErrors.HasCode(err, dErrors.CodeGuardrailDenied))
	s.Equal(0, s.executor.applied)

	records := s.tenantRecords()
	s.Require().Len(records, 1)
	s.Equal(audit.OutcomeDenied, records[0].Outcome)
	s.Contains(records[0].Reason, "refunds above 5000.00 are blocked")
}

func (s *EngineSuite) TestStepUpGate() {
	s.installRule(guardrail.RuleSpec{
		ID: "refund-stepup", ActionType: string(action.TypePaymentRefund), Priority: 1,
		Kind: "amount_above", Params: json.RawMessage(`{"threshold_minor":1000}`),
		Outcome: "require_step_up", Active: true,
	})

	_, err := s.engine.Authorize(context.Background(), s.adminA, s.tenantID, s.refundEnvelope(5_000))
	s.True(dErrors.HasCode(err, dErrors.CodeStepUpRequired))
	s.Equal(0, s.executor.applied)

	// A fresh verification lets the same attempt through.
	s.Require().NoError(s.sessions.PutSession(context.Background(), &stepup.Session{
		IdentityID: s.adminA.ID,
		VerifiedAt: s.now.Add(-time.Minute),
	}))

	result, err := s.engine.Authorize(context.Background(), s.adminA, s.tenantID, s.refundEnvelope(5_000))
	s.Require().NoError(err)
	s.True(result.Executed)

	records := s.tenantRecords()
	s.Require().Len(records, 2)
	s.Equal(audit.OutcomeStepUpRequired, records[0].Outcome)
	s.Equal(audit.OutcomeAllowed, records[1].Outcome)
}

// TestDualControlFlow walks the whole approval story: a large refund parks,
// the requester cannot approve it (and that refusal is audited), a second
// admin can, and the executed action uses the snapshot payload.
func (s *EngineSuite) TestDualControlFlow() {
	ctx := context.Background()
	s.installRule(guardrail.RuleSpec{
		ID: "refund-approval", ActionType: string(action.TypePaymentRefund), Priority: 1,
		Kind: "amount_above", Params: json.RawMessage(`{"threshold_minor":50000}`),
		Outcome: "require_approval", Reason: "large refunds need a second operator", Active: true,
	})

	_, err := s.engine.Authorize(ctx, s.adminA, s.tenantID, s.refundEnvelope(100_000))
	s.Require().True(dErrors.HasCode(err, dErrors.CodeApprovalRequired))
	approvalID, ok := ApprovalIDOf(err)
	s.Require().True(ok)
	s.Equal(0, s.executor.applied)

	_, err = s.engine.DecideApproval(ctx, s.adminA, approvalID, approval.Decision{Approve: true})
	s.True(dErrors.HasCode(err, dErrors.CodePermissionDenied), "requester may not approve their own action")

	result, err := s.engine.DecideApproval(ctx, s.adminB, approvalID, approval.Decision{
		Approve: true, Reason: "verified manually",
	})
	s.Require().NoError(err)
	s.True(result.Executed)
	s.Equal(1, s.executor.applied)

	records := s.tenantRecords()
	s.Require().Len(records, 3, "creation, refused self-approval, decision")
	s.Equal(audit.OutcomeApprovalRequired, records[0].Outcome)
	s.Equal(approvalID, records[0].ApprovalID)
	s.Equal(audit.OutcomeDenied, records[1].Outcome)
	s.Contains(records[1].Reason, "self-approval")
	s.Equal(audit.OutcomeAllowed, records[2].Outcome)
	s.Equal(approvalID, records[2].ApprovalID)
	s.Equal(s.adminA.ID, records[2].ActorID, "the action executes on behalf of the requester")

	// The executed payload is the snapshot captured at request time.
	var after action.RefundPayload
	s.Require().NoError(json.Unmarshal(records[2].AfterState, &after))
	s.Equal(int64(100_000), after.Amount)
}

func (s *EngineSuite) TestDecideApproval_UngrantedDeciderAudited() {
	ctx := context.Background()
	req, err := s.engine.approvals.Create(ctx, s.tenantID, s.adminA.ID, action.RefundPayload{
		PaymentID: "pay_3", Amount: 75_000, Currency: "EUR",
	})
	s.Require().NoError(err)

	viewer := s.addIdentity(identity.RoleViewer)
	_, err = s.engine.DecideApproval(ctx, viewer, req.ID, approval.Decision{Approve: true})
	s.True(dErrors.HasCode(err, dErrors.CodePermissionDenied))
	s.Equal(0, s.executor.applied)

	records := s.tenantRecords()
	s.Require().Len(records, 1)
	s.Equal(audit.OutcomeDenied, records[0].Outcome)
	s.Equal(viewer.ID, records[0].ActorID)
	s.Equal(req.ID, records[0].ApprovalID)
	s.Contains(records[0].Reason, "permission:")

	current, err := s.engine.approvals.Get(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(approval.StatusPending, current.Status, "a refused decider leaves the request open")
}

func (s *EngineSuite) TestDecideApproval_Rejection() {
	ctx := context.Background()
	req, err := s.engine.approvals.Create(ctx, s.tenantID, s.adminA.ID, action.RefundPayload{
		PaymentID: "pay_1", Amount: 75_000, Currency: "EUR",
	})
	s.Require().NoError(err)

	result, err := s.engine.DecideApproval(ctx, s.adminB, req.ID, approval.Decision{
		Approve: false, Reason: "refund already settled",
	})
	s.Require().NoError(err)
	s.False(result.Executed)
	s.Equal(0, s.executor.applied)

	records := s.tenantRecords()
	s.Require().Len(records, 1)
	s.Equal(audit.OutcomeDenied, records[0].Outcome)
	s.Contains(records[0].Reason, "refund already settled")
}

func (s *EngineSuite) TestCancelApproval() {
	ctx := context.Background()
	req, err := s.engine.approvals.Create(ctx, s.tenantID, s.adminA.ID, action.RefundPayload{
		PaymentID: "pay_2", Amount: 75_000, Currency: "EUR",
	})
	s.Require().NoError(err)

	result, err := s.engine.CancelApproval(ctx, s.adminA, req.ID, "duplicate request")
	s.Require().NoError(err)
	s.False(result.Executed)

	_, err = s.engine.DecideApproval(ctx, s.adminB, req.ID, approval.Decision{Approve: true})
	s.True(dErrors.HasCode(err, dErrors.CodeApprovalConflict))
}

func (s *EngineSuite) TestAuditOutageBlocksExecution() {
	s.auditLog.SetFailing(true)

	_, err := s.engine.Authorize(context.Background(), s.adminA, s.tenantID, s.refundEnvelope(2_000))
	s.True(dErrors.HasCode(err, dErrors.CodeAuditUnavailable))
	s.Equal(0, s.executor.applied, "nothing mutates when the log cannot record it")
}

func (s *EngineSuite) TestApplyFailureAppendsCompensatingRecord() {
	s.executor.applyErr = errors.New("refund processor timeout")

	_, err := s.engine.Authorize(context.Background(), s.adminA, s.tenantID, s.refundEnvelope(2_000))
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	records := s.tenantRecords()
	s.Require().Len(records, 2)
	s.Equal(audit.OutcomeAllowed, records[0].Outcome)
	s.Equal(audit.OutcomeExecutionFailed, records[1].Outcome)
	s.Contains(records[1].Reason, "refund processor timeout")
}

func (s *EngineSuite) TestRateCounterAdvancesOnlyAfterExecution() {
	ctx := context.Background()
	s.installRule(guardrail.RuleSpec{
		ID: "refund-rate", ActionType: string(action.TypePaymentRefund), Priority: 1,
		Kind: "rate_exceeded", Params: json.RawMessage(`{"max":2,"window_seconds":3600}`),
		Outcome: "deny", Active: true,
	})

	for i := 0; i < 2; i++ {
		_, err := s.engine.Authorize(ctx, s.adminA, s.tenantID, s.refundEnvelope(1_000))
		s.Require().NoError(err)
		s.now = s.now.Add(time.Minute)
	}

	_, err := s.engine.Authorize(ctx, s.adminA, s.tenantID, s.refundEnvelope(1_000))
	s.True(dErrors.HasCode(err, dErrors.CodeGuardrailDenied), "third execution inside the window is blocked")
	s.Equal(2, s.executor.applied)
}

func (s *EngineSuite) TestUnknownActionType() {
	_, err := s.engine.Authorize(context.Background(), s.adminA, s.tenantID, action.Envelope{
		Type: "payments.mint_money", Payload: json.RawMessage(`{}`),
	})
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	s.Empty(s.tenantRecords(), "nothing to audit before the action even parses")
}

func (s *EngineSuite) TestRecoveryCodeVerifySatisfiesStepUp() {
	ctx := context.Background()
	s.installRule(guardrail.RuleSpec{
		ID: "replay-stepup", ActionType: string(action.TypeWebhookReplay), Priority: 1,
		Kind: "outside_business_hours", Params: json.RawMessage(`{"open_hour":12,"close_hour":18,"timezone":"UTC"}`),
		Outcome: "require_step_up", Active: true,
	})

	env, err := action.Encode(action.WebhookReplayPayload{EndpointID: "whe_1", EventIDs: []string{"evt_1"}})
	s.Require().NoError(err)

	_, err = s.engine.Authorize(ctx, s.adminA, s.tenantID, env)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeStepUpRequired))

	hash, err := secrets.Hash(secrets.Normalize("AAAA1111-BBBB2222"))
	s.Require().NoError(err)
	s.Require().NoError(s.codes.Replace(ctx, s.adminA.ID, []string{hash}))

	stepups := stepup.NewService(s.identities, s.sessions, s.codes, stepup.WithClock(func() time.Time { return s.now }))
	_, err = stepups.Verify(ctx, s.adminA.ID, "AAAA1111-BBBB2222", stepup.KindRecovery)
	s.Require().NoError(err)

	result, err := s.engine.Authorize(ctx, s.adminA, s.tenantID, env)
	s.Require().NoError(err)
	s.True(result.Executed)
}
