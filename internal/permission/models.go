// Package permission decides whether an identity's role and grants allow a
// capability on a tenant-scoped resource. Evaluation is pure: callers audit
// the outcome themselves.
package permission

import (
	"github.com/google/uuid"

	"bastion/internal/action"
	"bastion/internal/identity"
)

// Capability is a named permission such as "payments.refund". Action types
// double as capability names; a few capabilities exist without a direct
// action (approval queue access).
type Capability string

const (
	// CapabilityDecideApprovals gates acting on the dual-control queue.
	CapabilityDecideApprovals Capability = "approvals.decide"
)

// KnownCapabilities returns every registered capability name.
func KnownCapabilities() []Capability {
	caps := make([]Capability, 0, len(action.Types())+1)
	for _, t := range action.Types() {
		caps = append(caps, Capability(t))
	}
	return append(caps, CapabilityDecideApprovals)
}

// Snapshot is an immutable, versioned view of the grant configuration. An
// in-flight evaluation always reads one consistent snapshot.
type Snapshot struct {
	Version   int64
	roles     map[identity.Role]map[Capability]struct{}
	overrides map[uuid.UUID]map[Capability]struct{}
	known     map[Capability]struct{}
}

// NewSnapshot builds a snapshot from role grants and per-identity overrides.
// Capability names are deduplicated within a role.
func NewSnapshot(version int64, roles map[identity.Role][]Capability, overrides map[uuid.UUID][]Capability) *Snapshot {
	s := &Snapshot{
		Version:   version,
		roles:     make(map[identity.Role]map[Capability]struct{}, len(roles)),
		overrides: make(map[uuid.UUID]map[Capability]struct{}, len(overrides)),
		known:     make(map[Capability]struct{}),
	}
	for _, c := range KnownCapabilities() {
		s.known[c] = struct{}{}
	}
	for role, caps := range roles {
		s.roles[role] = toSet(caps)
	}
	for id, caps := range overrides {
		s.overrides[id] = toSet(caps)
	}
	return s
}

// Registered reports whether the capability name is known to the platform.
func (s *Snapshot) Registered(cap Capability) bool {
	_, ok := s.known[cap]
	return ok
}

// RoleHas reports whether the role's default grants include the capability.
func (s *Snapshot) RoleHas(role identity.Role, cap Capability) bool {
	caps, ok := s.roles[role]
	if !ok {
		return false
	}
	_, ok = caps[cap]
	return ok
}

// OverrideHas reports whether an explicit per-identity override grants the
// capability. Overrides take precedence over role defaults.
func (s *Snapshot) OverrideHas(id uuid.UUID, cap Capability) bool {
	caps, ok := s.overrides[id]
	if !ok {
		return false
	}
	_, ok = caps[cap]
	return ok
}

func toSet(caps []Capability) map[Capability]struct{} {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// DefaultRoleGrants is the grant matrix a fresh deployment starts with.
// Administrators change it through the pipeline's own grant-update action.
func DefaultRoleGrants() map[identity.Role][]Capability {
	return map[identity.Role][]Capability{
		identity.RoleViewer: {},
		identity.RoleAnalyst: {
			Capability(action.TypeWebhookReplay),
			Capability(action.TypeDisputeSubmit),
		},
		identity.RoleAdmin: {
			Capability(action.TypePaymentRefund),
			Capability(action.TypePayoutRelease),
			Capability(action.TypeWebhookReplay),
			Capability(action.TypeDisputeSubmit),
			Capability(action.TypeCommissionAdjust),
			Capability(action.TypeUserDeactivate),
			CapabilityDecideApprovals,
		},
		identity.RoleOwner: {
			Capability(action.TypePaymentRefund),
			Capability(action.TypePayoutRelease),
			Capability(action.TypeWebhookReplay),
			Capability(action.TypeDisputeSubmit),
			Capability(action.TypeCommissionAdjust),
			Capability(action.TypeUserDeactivate),
			Capability(action.TypeGuardrailUpdate),
			Capability(action.TypeGrantUpdate),
			CapabilityDecideApprovals,
		},
	}
}
