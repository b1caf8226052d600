package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/suite"

	"bastion/internal/action"
	"bastion/internal/approval"
	"bastion/internal/audit"
	"bastion/internal/backoffice"
	"bastion/internal/engine"
	"bastion/internal/guardrail"
	"bastion/internal/identity"
	"bastion/internal/permission"
	"bastion/internal/platform/health"
	"bastion/internal/stepup"
	"bastion/pkg/platform/middleware/auth"
)

const (
	testSigningKey = "transport-test-signing-key-0123456789"
	testTOTPSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
)

type TransportSuite struct {
	suite.Suite
	router     http.Handler
	identities *identity.InMemoryStore
	rules      *guardrail.InMemoryStore
	sessions   *stepup.InMemorySessionStore
	auditLog   *audit.InMemoryStore
	ledger     *backoffice.Ledger
	tenantID   uuid.UUID
	adminA     *identity.Identity
	adminB     *identity.Identity
}

func TestTransportSuite(t *testing.T) {
	suite.Run(t, new(TransportSuite))
}

func (s *TransportSuite) SetupTest() {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	s.identities = identity.NewInMemoryStore()
	s.rules = guardrail.NewInMemoryStore()
	s.sessions = stepup.NewInMemorySessionStore()
	s.auditLog = audit.NewInMemoryStore()
	s.ledger = backoffice.NewLedger()
	s.ledger.SeedPayment(backoffice.Payment{
		ID: "pay_8812", CapturedMinor: 1_000_000, Currency: "EUR",
	})

	s.tenantID = uuid.New()
	s.adminA = s.addIdentity(identity.RoleAdmin)
	s.adminB = s.addIdentity(identity.RoleAdmin)

	stepups := stepup.NewService(s.identities, s.sessions, stepup.NewInMemoryRecoveryCodeStore())
	approvals := approval.NewService(approval.NewInMemoryStore())
	eng := engine.New(
		permission.NewEvaluator(permission.NewInMemoryStore(permission.DefaultRoleGrants())),
		guardrail.NewEngine(s.rules),
		stepups,
		approvals,
		audit.NewWriter(s.auditLog),
	)
	eng.RegisterExecutor(action.TypePaymentRefund, backoffice.NewRefundExecutor(s.ledger))

	s.router = NewRouter(RouterConfig{
		Handler: NewHandler(eng, stepups, approvals, logger),
		Health:  health.New("test"),
		Auth:    auth.New([]byte(testSigningKey), s.identities, logger),
		Logger:  logger,
	})
}

func (s *TransportSuite) addIdentity(role identity.Role) *identity.Identity {
	ident := &identity.Identity{
		ID:         uuid.New(),
		Role:       role,
		Tenants:    []uuid.UUID{s.tenantID},
		TOTPSecret: testTOTPSecret,
		Active:     true,
	}
	s.Require().NoError(s.identities.Save(context.Background(), ident))
	return ident
}

func (s *TransportSuite) token(ident *identity.Identity) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   ident.ID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSigningKey))
	s.Require().NoError(err)
	return signed
}

func (s *TransportSuite) do(ident *identity.Identity, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ident != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(ident))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *TransportSuite) decode(rec *httptest.ResponseRecorder, out any) {
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(out))
}

func (s *TransportSuite) refundBody(amountMinor int64) actionRequest {
	return actionRequest{
		TenantID: s.tenantID.String(),
		Action: action.Envelope{
			Type: action.TypePaymentRefund,
			Payload: json.RawMessage(fmt.Sprintf(
				`{"payment_id":"pay_8812","amount_minor":%d,"currency":"EUR"}`, amountMinor)),
		},
	}
}

func (s *TransportSuite) installRule(spec guardrail.RuleSpec) {
	rules, err := guardrail.ParseRules(s.tenantID, []guardrail.RuleSpec{spec})
	s.Require().NoError(err)
	s.rules.ReplaceTenantRules(s.tenantID, rules)
}

func (s *TransportSuite) TestAuthorize_Executes() {
	rec := s.do(s.adminA, http.MethodPost, "/actions", s.refundBody(2_000))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var resp actionResponse
	s.decode(rec, &resp)
	s.True(resp.Executed)
	s.Equal("allowed", resp.Outcome)
	s.NotEmpty(resp.RecordID)

	payment, ok := s.ledger.Payment("pay_8812")
	s.Require().True(ok)
	s.Equal(int64(2_000), payment.RefundedMinor)
}

func (s *TransportSuite) TestAuthorize_RequiresToken() {
	rec := s.do(nil, http.MethodPost, "/actions", s.refundBody(2_000))
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *TransportSuite) TestAuthorize_GuardrailDenied() {
	s.installRule(guardrail.RuleSpec{
		ID: "refund-cap", ActionType: string(action.TypePaymentRefund), Priority: 1,
		Kind: "amount_above", Params: json.RawMessage(`{"threshold_minor":500000}`),
		Outcome: "deny", Reason: "refunds above 5000.00 are blocked", Active: true,
	})

	rec := s.do(s.adminA, http.MethodPost, "/actions", s.refundBody(600_000))
	s.Equal(http.StatusForbidden, rec.Code)

	var resp struct {
		Error string `json:"error"`
	}
	s.decode(rec, &resp)
	s.Equal("guardrail_denied", resp.Error)
}

func (s *TransportSuite) TestStepUpFlow() {
	s.installRule(guardrail.RuleSpec{
		ID: "refund-stepup", ActionType: string(action.TypePaymentRefund), Priority: 1,
		Kind: "amount_above", Params: json.RawMessage(`{"threshold_minor":1000}`),
		Outcome: "require_step_up", Active: true,
	})

	rec := s.do(s.adminA, http.MethodPost, "/actions", s.refundBody(5_000))
	s.Require().Equal(http.StatusUnauthorized, rec.Code)
	var denial struct {
		Error string `json:"error"`
	}
	s.decode(rec, &denial)
	s.Equal("step_up_required", denial.Error)

	rec = s.do(s.adminA, http.MethodPost, "/stepup/challenge", struct{}{})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var status stepUpStatusResponse
	s.decode(rec, &status)
	s.Equal("pending", status.State)
	s.Contains(status.Methods, stepup.KindTOTP)

	code, err := totp.GenerateCode(testTOTPSecret, time.Now())
	s.Require().NoError(err)
	rec = s.do(s.adminA, http.MethodPost, "/stepup/verify", stepUpVerifyRequest{Code: code})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var verified stepUpVerifyResponse
	s.decode(rec, &verified)
	s.Equal("verified", verified.State)
	s.False(verified.FreshUntil.IsZero())

	rec = s.do(s.adminA, http.MethodPost, "/actions", s.refundBody(5_000))
	s.Equal(http.StatusOK, rec.Code, rec.Body.String())
}

func (s *TransportSuite) TestStepUpVerify_WrongCode() {
	rec := s.do(s.adminA, http.MethodPost, "/stepup/verify", stepUpVerifyRequest{Code: "000000"})
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *TransportSuite) TestApprovalFlow() {
	s.installRule(guardrail.RuleSpec{
		ID: "refund-approval", ActionType: string(action.TypePaymentRefund), Priority: 1,
		Kind: "amount_above", Params: json.RawMessage(`{"threshold_minor":50000}`),
		Outcome: "require_approval", Reason: "large refunds need a second operator", Active: true,
	})

	rec := s.do(s.adminA, http.MethodPost, "/actions", s.refundBody(100_000))
	s.Require().Equal(http.StatusAccepted, rec.Code, rec.Body.String())
	var parked actionResponse
	s.decode(rec, &parked)
	s.False(parked.Executed)
	s.Require().NotEmpty(parked.ApprovalID)

	rec = s.do(s.adminB, http.MethodGet, "/approvals/pending?tenant_id="+s.tenantID.String(), nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var listing struct {
		Approvals []approvalSummary `json:"approvals"`
	}
	s.decode(rec, &listing)
	s.Require().Len(listing.Approvals, 1)
	s.Equal(parked.ApprovalID, listing.Approvals[0].ID)
	s.Equal(s.adminA.ID, listing.Approvals[0].RequesterID)

	// The requester may not approve their own action.
	rec = s.do(s.adminA, http.MethodPost, "/approvals/"+parked.ApprovalID+"/decision",
		decisionRequest{Approve: true})
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(s.adminB, http.MethodPost, "/approvals/"+parked.ApprovalID+"/decision",
		decisionRequest{Approve: true, Reason: "verified manually"})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var decided actionResponse
	s.decode(rec, &decided)
	s.True(decided.Executed)

	payment, ok := s.ledger.Payment("pay_8812")
	s.Require().True(ok)
	s.Equal(int64(100_000), payment.RefundedMinor)
}

func (s *TransportSuite) TestApprovalCancel() {
	s.installRule(guardrail.RuleSpec{
		ID: "refund-approval", ActionType: string(action.TypePaymentRefund), Priority: 1,
		Kind: "amount_above", Params: json.RawMessage(`{"threshold_minor":50000}`),
		Outcome: "require_approval", Active: true,
	})

	rec := s.do(s.adminA, http.MethodPost, "/actions", s.refundBody(100_000))
	s.Require().Equal(http.StatusAccepted, rec.Code)
	var parked actionResponse
	s.decode(rec, &parked)

	rec = s.do(s.adminA, http.MethodPost, "/approvals/"+parked.ApprovalID+"/cancel",
		cancelRequest{Reason: "fat fingered the amount"})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	// A decision on the cancelled request conflicts.
	rec = s.do(s.adminB, http.MethodPost, "/approvals/"+parked.ApprovalID+"/decision",
		decisionRequest{Approve: true})
	s.Equal(http.StatusConflict, rec.Code)
}

func (s *TransportSuite) TestPendingListing_ForeignTenantForbidden() {
	rec := s.do(s.adminA, http.MethodGet, "/approvals/pending?tenant_id="+uuid.NewString(), nil)
	s.Equal(http.StatusForbidden, rec.Code)
}

func (s *TransportSuite) TestHealthNeedsNoToken() {
	rec := s.do(nil, http.MethodGet, "/health/live", nil)
	s.Equal(http.StatusOK, rec.Code)
}

func (s *TransportSuite) TestMetricsNeedsNoToken() {
	rec := s.do(nil, http.MethodGet, "/metrics", nil)
	s.Equal(http.StatusOK, rec.Code)
}

func (s *TransportSuite) TestMalformedBodyRejected() {
	req := httptest.NewRequest(http.MethodPost, "/actions", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token(s.adminA))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	s.Equal(http.StatusBadRequest, rec.Code)
}
