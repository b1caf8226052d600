package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"bastion/internal/action"
	"bastion/internal/approval/metrics"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/sentinel"
)

// Service coordinates the dual-control approval workflow. It owns the two
// invariants no store can express on its own: the requester never decides
// their own request, and a rejection always carries a reason.
type Service struct {
	store   Store
	clock   func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the Service.
type Option func(*Service)

// WithClock injects the time source for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService constructs the approval workflow service.
func NewService(store Store, opts ...Option) *Service {
	svc := &Service{store: store, clock: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	return svc
}

// Create snapshots the attempted action into a pending request. The snapshot
// is what executes on approval, regardless of anything the requester does in
// the meantime.
func (s *Service) Create(ctx context.Context, tenantID, requesterID uuid.UUID, payload action.Payload) (*Request, error) {
	env, err := action.Encode(payload)
	if err != nil {
		return nil, err
	}

	req := &Request{
		ID:          ulid.Make().String(),
		TenantID:    tenantID,
		RequesterID: requesterID,
		ActionType:  payload.Type(),
		Payload:     env,
		Status:      StatusPending,
		CreatedAt:   s.clock(),
	}
	if err := s.store.Create(ctx, req); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not create approval request")
	}

	if s.metrics != nil {
		s.metrics.RequestsCreated.WithLabelValues(string(req.ActionType)).Inc()
	}
	s.logger.InfoContext(ctx, "approval request created",
		"approval_id", req.ID,
		"tenant_id", tenantID.String(),
		"requester_id", requesterID.String(),
		"action_type", string(req.ActionType),
	)
	return req, nil
}

// Get loads one request.
//
// Errors: CodeNotFound when no request carries the ID.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	req, err := s.store.FindByID(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "approval request not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not load approval request")
	}
	return req, nil
}

// Pending lists a tenant's undecided requests, oldest first.
func (s *Service) Pending(ctx context.Context, tenantID uuid.UUID) ([]*Request, error) {
	pending, err := s.store.ListPending(ctx, tenantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not list pending approvals")
	}
	return pending, nil
}

// Decide records an approve or reject decision. Self-approval is forbidden
// for every role including platform operators, and a rejection must say why.
//
// Errors: CodeNotFound, CodePermissionDenied on self-approval,
// CodeInvalidInput on a reasonless rejection, CodeApprovalConflict when the
// request was already decided or cancelled.
func (s *Service) Decide(ctx context.Context, id string, deciderID uuid.UUID, dec Decision) (*Request, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RequesterID == deciderID {
		return nil, dErrors.New(dErrors.CodePermissionDenied, "the requester of an action may not decide it")
	}
	if !dec.Approve && dec.Reason == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "a rejection requires a reason")
	}
	if req.Status.Terminal() {
		return nil, s.conflict(req.Status)
	}

	to := StatusApproved
	if !dec.Approve {
		to = StatusRejected
	}

	if err := s.store.Transition(ctx, id, to, deciderID, dec.Reason, s.clock()); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			if s.metrics != nil {
				s.metrics.DecideConflicts.Inc()
			}
			current, getErr := s.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return nil, s.conflict(current.Status)
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.New(dErrors.CodeNotFound, "approval request not found")
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not record decision")
		}
	}

	if s.metrics != nil {
		s.metrics.Decisions.WithLabelValues(string(to)).Inc()
	}
	s.logger.InfoContext(ctx, "approval decided",
		"approval_id", id,
		"decider_id", deciderID.String(),
		"status", string(to),
	)
	return s.Get(ctx, id)
}

// Cancel withdraws a pending request. Only the requester may cancel; a
// cancelled request is terminal and can never be decided afterwards.
func (s *Service) Cancel(ctx context.Context, id string, actorID uuid.UUID, reason string) (*Request, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != actorID {
		return nil, dErrors.New(dErrors.CodePermissionDenied, "only the requester may cancel an approval request")
	}
	if req.Status.Terminal() {
		return nil, s.conflict(req.Status)
	}

	if err := s.store.Transition(ctx, id, StatusCancelled, actorID, reason, s.clock()); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			current, getErr := s.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return nil, s.conflict(current.Status)
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.New(dErrors.CodeNotFound, "approval request not found")
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not cancel approval request")
		}
	}

	if s.metrics != nil {
		s.metrics.Decisions.WithLabelValues(string(StatusCancelled)).Inc()
	}
	s.logger.InfoContext(ctx, "approval cancelled", "approval_id", id, "requester_id", actorID.String())
	return s.Get(ctx, id)
}

// conflict keeps sentinel.ErrConflict in the chain so callers can classify
// with errors.Is while the domain code drives the HTTP mapping.
func (s *Service) conflict(current Status) error {
	return dErrors.Wrap(sentinel.ErrConflict, dErrors.CodeApprovalConflict, "approval request is already "+string(current))
}
