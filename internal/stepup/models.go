// Package stepup manages the short-lived "freshly verified" window an
// identity earns by re-proving possession of its second factor. Validity is
// always computed from the verification timestamp; there is no stored "valid"
// flag and no expiry timer to drift across processes.
package stepup

import (
	"time"

	"github.com/google/uuid"
)

// State is the client-visible step-up state of one identity.
type State string

const (
	StateUnchallenged State = "unchallenged"
	StatePending      State = "pending"
	StateVerified     State = "verified"
	StateExpired      State = "expired"
)

// Kind selects the second factor presented to Verify.
type Kind string

const (
	KindTOTP     Kind = "totp"
	KindRecovery Kind = "recovery"
)

// Session records one identity's most recent successful verification. One
// session per identity: a new verification overwrites, sessions never
// accumulate.
type Session struct {
	IdentityID uuid.UUID
	VerifiedAt time.Time
}

// FreshAt reports whether the session is still inside the window at the given
// instant. The boundary is inclusive: exactly `window` old is still fresh.
func (s *Session) FreshAt(now time.Time, window time.Duration) bool {
	if s == nil {
		return false
	}
	return now.Sub(s.VerifiedAt) <= window
}

// Challenge marks that a code has been requested but not yet confirmed. A
// challenge that is never answered simply never produces a session; nothing
// needs to time it out.
type Challenge struct {
	IdentityID  uuid.UUID
	RequestedAt time.Time
}

// Status is what Require reports to the pipeline and the UI collaborator.
type Status struct {
	State State
	// Fresh is true when the identity may proceed without a new challenge.
	Fresh bool
	// FreshUntil is the instant the current window closes; zero unless Fresh.
	FreshUntil time.Time
	// Methods lists the factors the identity can answer, for the challenge
	// prompt. Empty when the identity is not enrolled.
	Methods []Kind
}

// InvalidReason encodes why a verification attempt failed.
type InvalidReason string

const (
	ReasonNotEnrolled             InvalidReason = "not_enrolled"
	ReasonCodeMismatch            InvalidReason = "code_mismatch"
	ReasonRecoveryCodeAlreadyUsed InvalidReason = "recovery_code_already_used"
	ReasonRecoveryCodeNotFound    InvalidReason = "recovery_code_not_found"
)
