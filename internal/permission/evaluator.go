package permission

import (
	"github.com/google/uuid"

	"bastion/internal/identity"
)

// DenyReason encodes why an evaluation denied.
type DenyReason string

const (
	ReasonUnknownCapability DenyReason = "unknown_capability"
	ReasonNotTenantMember   DenyReason = "not_tenant_member"
	ReasonInsufficientRole  DenyReason = "insufficient_role"
	ReasonInactiveIdentity  DenyReason = "inactive_identity"
)

// Decision is the outcome of a permission evaluation.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

func allowed() Decision            { return Decision{Allowed: true} }
func denied(r DenyReason) Decision { return Decision{Reason: r} }

// SnapshotSource supplies the current versioned grant snapshot.
type SnapshotSource interface {
	Snapshot() *Snapshot
}

// Evaluator applies the grant snapshot to an identity, tenant, and capability.
type Evaluator struct {
	source SnapshotSource
}

// NewEvaluator constructs an evaluator over the given snapshot source.
func NewEvaluator(source SnapshotSource) *Evaluator {
	return &Evaluator{source: source}
}

// Evaluate decides whether the identity may exercise the capability within the
// tenant. Order of checks:
//  1. capability must be registered (unknown names are never silently allowed)
//  2. identity must be active
//  3. identity must belong to the tenant or hold platform scope
//  4. explicit override, then platform-operator bypass, then role grants
//
// The platform-operator bypass is scoped strictly to capability matching;
// step-up and guardrail requirements are evaluated elsewhere and are never
// skipped for any role.
func (e *Evaluator) Evaluate(ident *identity.Identity, tenantID uuid.UUID, cap Capability) Decision {
	snap := e.source.Snapshot()

	if !snap.Registered(cap) {
		return denied(ReasonUnknownCapability)
	}
	if !ident.Active {
		return denied(ReasonInactiveIdentity)
	}
	if !ident.MemberOf(tenantID) {
		return denied(ReasonNotTenantMember)
	}
	if snap.OverrideHas(ident.ID, cap) {
		return allowed()
	}
	if ident.Role == identity.RolePlatformOperator {
		return allowed()
	}
	if snap.RoleHas(ident.Role, cap) {
		return allowed()
	}
	return denied(ReasonInsufficientRole)
}
