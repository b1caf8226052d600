// Package identity models the authenticated actors of the back office.
// Identities arrive pre-authenticated by the upstream session mechanism; this
// package only resolves their tenant memberships, role, and step-up
// enrollment state.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// Role is the coarse role an identity holds within its tenants.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
	RoleOwner   Role = "owner"

	// RolePlatformOperator is the platform-level override role. It bypasses
	// per-capability matching only; step-up and guardrails always apply.
	RolePlatformOperator Role = "platform_operator"
)

// KnownRoles lists every role the platform recognizes.
func KnownRoles() []Role {
	return []Role{RoleViewer, RoleAnalyst, RoleAdmin, RoleOwner, RolePlatformOperator}
}

// Identity is an authenticated actor. Identities are deactivated, never hard
// deleted, so audit records keep a resolvable actor.
type Identity struct {
	ID      uuid.UUID
	Email   string
	Role    Role
	Tenants []uuid.UUID

	// TOTPSecret is the base32 enrollment secret; empty when not enrolled.
	TOTPSecret string

	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Enrolled reports whether the identity can answer a step-up challenge.
func (i *Identity) Enrolled() bool {
	return i.TOTPSecret != ""
}

// MemberOf reports whether the identity belongs to the given tenant.
// Platform operators hold platform scope rather than per-tenant memberships.
func (i *Identity) MemberOf(tenantID uuid.UUID) bool {
	if i.Role == RolePlatformOperator {
		return true
	}
	for _, t := range i.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}
