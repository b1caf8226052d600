package stepup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bastion/internal/identity"
	"bastion/internal/stepup/metrics"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/sentinel"
	"bastion/pkg/secrets"
)

const defaultWindow = 5 * time.Minute

// IdentityStore resolves identities and persists enrollment changes.
type IdentityStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*identity.Identity, error)
	Save(ctx context.Context, ident *identity.Identity) error
}

// Service drives the step-up state machine.
type Service struct {
	identities IdentityStore
	sessions   SessionStore
	codes      RecoveryCodeStore
	window     time.Duration
	clock      func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures the Service.
type Option func(*Service)

// WithWindow configures the freshness window. Zero or negative values keep
// the 5-minute default.
func WithWindow(window time.Duration) Option {
	return func(s *Service) {
		if window > 0 {
			s.window = window
		}
	}
}

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

// NewService constructs the step-up controller.
func NewService(identities IdentityStore, sessions SessionStore, codes RecoveryCodeStore, opts ...Option) *Service {
	svc := &Service{
		identities: identities,
		sessions:   sessions,
		codes:      codes,
		window:     defaultWindow,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	return svc
}

// Window exposes the configured freshness window.
func (s *Service) Window() time.Duration {
	return s.window
}

// Require reports whether the identity is freshly verified or must answer a
// challenge first. Freshness is recomputed from the stored timestamp on every
// call; nothing is cached.
func (s *Service) Require(ctx context.Context, identityID uuid.UUID) (*Status, error) {
	now := s.clock()

	session, err := s.sessions.FindSession(ctx, identityID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not load step-up session")
	}

	if session.FreshAt(now, s.window) {
		s.countFreshness("fresh")
		return &Status{
			State:      StateVerified,
			Fresh:      true,
			FreshUntil: session.VerifiedAt.Add(s.window),
		}, nil
	}

	s.countFreshness("challenge_required")
	status := &Status{State: s.staleState(ctx, identityID, session), Methods: s.methods(ctx, identityID)}
	return status, nil
}

// Challenge moves the identity into Pending and tells the UI collaborator
// which factors it may prompt for.
//
// Errors: CodeStepUpInvalid when the identity is not enrolled.
func (s *Service) Challenge(ctx context.Context, identityID uuid.UUID) (*Status, error) {
	ident, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not load identity")
	}
	if !ident.Enrolled() {
		return nil, invalid(ReasonNotEnrolled)
	}

	challenge := &Challenge{IdentityID: identityID, RequestedAt: s.clock()}
	if err := s.sessions.PutChallenge(ctx, challenge); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not record challenge")
	}

	if s.metrics != nil {
		s.metrics.ChallengesIssued.Inc()
	}
	s.logger.InfoContext(ctx, "step-up challenge issued", "identity_id", identityID.String())

	return &Status{State: StatePending, Methods: s.methods(ctx, identityID)}, nil
}

// Verify validates a one-time code or atomically consumes a recovery code.
// On success the identity's session is overwritten with verified_at = now.
func (s *Service) Verify(ctx context.Context, identityID uuid.UUID, code string, kind Kind) (*Session, error) {
	ident, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not load identity")
	}
	if !ident.Enrolled() {
		s.countVerification(kind, "not_enrolled")
		return nil, invalid(ReasonNotEnrolled)
	}

	switch kind {
	case KindTOTP:
		if !validateTOTP(code, ident.TOTPSecret, s.clock()) {
			s.countVerification(kind, "mismatch")
			return nil, invalid(ReasonCodeMismatch)
		}
	case KindRecovery:
		if err := s.codes.Consume(ctx, identityID, code); err != nil {
			switch {
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				s.countVerification(kind, "already_used")
				return nil, invalid(ReasonRecoveryCodeAlreadyUsed)
			case errors.Is(err, sentinel.ErrNotFound):
				s.countVerification(kind, "not_found")
				return nil, invalid(ReasonRecoveryCodeNotFound)
			default:
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not consume recovery code")
			}
		}
		if s.metrics != nil {
			s.metrics.RecoveryCodesConsumed.Inc()
		}
	default:
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unsupported verification kind: %s", kind))
	}

	session := &Session{IdentityID: identityID, VerifiedAt: s.clock()}
	if err := s.sessions.PutSession(ctx, session); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not persist step-up session")
	}
	if err := s.sessions.DeleteChallenge(ctx, identityID); err != nil {
		s.logger.WarnContext(ctx, "could not clear answered challenge",
			"identity_id", identityID.String(),
			"error", err,
		)
	}

	s.countVerification(kind, "verified")
	s.logger.InfoContext(ctx, "step-up verified",
		"identity_id", identityID.String(),
		"kind", string(kind),
	)
	return session, nil
}

// Enroll installs a fresh TOTP secret and recovery-code batch for the
// identity, hashing codes before they hit the store.
func (s *Service) Enroll(ctx context.Context, identityID uuid.UUID, totpSecret string, recoveryCodes []string) error {
	ident, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not load identity")
	}

	hashes := make([]string, 0, len(recoveryCodes))
	for _, code := range recoveryCodes {
		hash, err := secrets.Hash(secrets.Normalize(code))
		if err != nil {
			return err
		}
		hashes = append(hashes, hash)
	}
	if err := s.codes.Replace(ctx, identityID, hashes); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not store recovery codes")
	}

	ident.TOTPSecret = totpSecret
	ident.UpdatedAt = s.clock()
	if err := s.identities.Save(ctx, ident); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not persist enrollment")
	}
	return nil
}

func (s *Service) staleState(ctx context.Context, identityID uuid.UUID, session *Session) State {
	if session != nil {
		return StateExpired
	}
	if _, err := s.sessions.FindChallenge(ctx, identityID); err == nil {
		return StatePending
	}
	return StateUnchallenged
}

func (s *Service) methods(ctx context.Context, identityID uuid.UUID) []Kind {
	ident, err := s.identities.FindByID(ctx, identityID)
	if err != nil || !ident.Enrolled() {
		return nil
	}
	methods := []Kind{KindTOTP}
	if remaining, err := s.codes.Remaining(ctx, identityID); err == nil && remaining > 0 {
		methods = append(methods, KindRecovery)
	}
	return methods
}

func (s *Service) countVerification(kind Kind, result string) {
	if s.metrics != nil {
		s.metrics.Verifications.WithLabelValues(string(kind), result).Inc()
	}
}

func (s *Service) countFreshness(result string) {
	if s.metrics != nil {
		s.metrics.FreshnessChecks.WithLabelValues(result).Inc()
	}
}

func invalid(reason InvalidReason) error {
	return dErrors.New(dErrors.CodeStepUpInvalid, string(reason))
}

// InvalidReasonOf extracts the invalid reason from a CodeStepUpInvalid error.
func InvalidReasonOf(err error) (InvalidReason, bool) {
	var e *dErrors.Error
	if errors.As(err, &e) && e.Code == dErrors.CodeStepUpInvalid {
		return InvalidReason(e.Message), true
	}
	return "", false
}
