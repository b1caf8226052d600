package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"bastion/internal/action"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/sentinel"
	"bastion/pkg/testutil"
)

type ServiceSuite struct {
	suite.Suite
	store     *InMemoryStore
	service   *Service
	tenantID  uuid.UUID
	requester uuid.UUID
	approver  uuid.UUID
	now       time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.now = time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC)
	s.service = NewService(s.store, WithClock(func() time.Time { return s.now }))
	s.tenantID = uuid.New()
	s.requester = uuid.New()
	s.approver = uuid.New()
}

func (s *ServiceSuite) createRefundRequest() *Request {
	req, err := s.service.Create(context.Background(), s.tenantID, s.requester, action.RefundPayload{
		PaymentID: "pay_0192", Amount: 100_000, Currency: "EUR",
	})
	s.Require().NoError(err)
	return req
}

func (s *ServiceSuite) TestCreateSnapshotsPayload() {
	req := s.createRefundRequest()

	s.Equal(StatusPending, req.Status)
	s.Equal(action.TypePaymentRefund, req.ActionType)
	s.Equal(s.now, req.CreatedAt)
	s.NotEmpty(req.ID)

	// The snapshot round-trips through the envelope unchanged.
	payload, err := action.Decode(req.Payload)
	s.Require().NoError(err)
	refund, ok := payload.(action.RefundPayload)
	s.Require().True(ok)
	s.Equal(int64(100_000), refund.Amount)
}

func (s *ServiceSuite) TestDecide_Approve() {
	req := s.createRefundRequest()

	decided, err := s.service.Decide(context.Background(), req.ID, s.approver, Decision{Approve: true})
	s.Require().NoError(err)
	s.Equal(StatusApproved, decided.Status)
	s.Require().NotNil(decided.DeciderID)
	s.Equal(s.approver, *decided.DeciderID)
	s.Require().NotNil(decided.DecidedAt)
	s.Equal(s.now, *decided.DecidedAt)
}

func (s *ServiceSuite) TestDecide_SelfApprovalForbidden() {
	req := s.createRefundRequest()

	_, err := s.service.Decide(context.Background(), req.ID, s.requester, Decision{Approve: true})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodePermissionDenied))

	// The request stays pending for a legitimate second operator.
	current, err := s.service.Get(context.Background(), req.ID)
	s.Require().NoError(err)
	s.Equal(StatusPending, current.Status)
}

func (s *ServiceSuite) TestDecide_RejectionRequiresReason() {
	req := s.createRefundRequest()

	_, err := s.service.Decide(context.Background(), req.ID, s.approver, Decision{Approve: false})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	decided, err := s.service.Decide(context.Background(), req.ID, s.approver, Decision{
		Approve: false, Reason: "amount does not match the dispute ledger",
	})
	s.Require().NoError(err)
	s.Equal(StatusRejected, decided.Status)
	s.Equal("amount does not match the dispute ledger", decided.Reason)
}

func (s *ServiceSuite) TestDecide_AlreadyDecided() {
	req := s.createRefundRequest()

	_, err := s.service.Decide(context.Background(), req.ID, s.approver, Decision{Approve: true})
	s.Require().NoError(err)

	second := uuid.New()
	_, err = s.service.Decide(context.Background(), req.ID, second, Decision{Approve: false, Reason: "changed my mind"})
	s.True(dErrors.HasCode(err, dErrors.CodeApprovalConflict))
	s.True(errors.Is(err, sentinel.ErrConflict), "conflicts stay classifiable through the error chain")
}

func (s *ServiceSuite) TestDecide_ConcurrentDecidersExactlyOneWins() {
	req := s.createRefundRequest()

	const deciders = 6
	result := testutil.RunConcurrent(deciders, func(i int) error {
		_, err := s.service.Decide(context.Background(), req.ID, uuid.New(), Decision{
			Approve: i%2 == 0, Reason: "race entrant",
		})
		return err
	})

	s.Equal(int32(1), result.Successes)
	s.Equal(int32(deciders-1), result.Conflicts)

	current, err := s.service.Get(context.Background(), req.ID)
	s.Require().NoError(err)
	s.True(current.Status.Terminal())
}

func (s *ServiceSuite) TestCancel() {
	req := s.createRefundRequest()

	s.Run("only the requester may cancel", func() {
		_, err := s.service.Cancel(context.Background(), req.ID, s.approver, "not mine")
		s.True(dErrors.HasCode(err, dErrors.CodePermissionDenied))
	})

	cancelled, err := s.service.Cancel(context.Background(), req.ID, s.requester, "fat-fingered the amount")
	s.Require().NoError(err)
	s.Equal(StatusCancelled, cancelled.Status)

	s.Run("cancelled is terminal", func() {
		_, err := s.service.Decide(context.Background(), req.ID, s.approver, Decision{Approve: true})
		s.True(dErrors.HasCode(err, dErrors.CodeApprovalConflict))
	})
}

func (s *ServiceSuite) TestDecide_NotFound() {
	_, err := s.service.Decide(context.Background(), "01JDOESNOTEXIST0000000000A", s.approver, Decision{Approve: true})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestPendingListsOldestFirst() {
	first := s.createRefundRequest()
	s.now = s.now.Add(time.Minute)
	second := s.createRefundRequest()

	_, err := s.service.Decide(context.Background(), second.ID, s.approver, Decision{Approve: true})
	s.Require().NoError(err)

	other, err := s.service.Create(context.Background(), uuid.New(), s.requester, action.WebhookReplayPayload{
		EndpointID: "whe_3321", EventIDs: []string{"evt_1"},
	})
	s.Require().NoError(err)

	pending, err := s.service.Pending(context.Background(), s.tenantID)
	s.Require().NoError(err)
	s.Require().Len(pending, 1, "decided and foreign-tenant requests are excluded")
	s.Equal(first.ID, pending[0].ID)
	s.NotEqual(other.ID, pending[0].ID)
}
