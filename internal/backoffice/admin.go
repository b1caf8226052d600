package backoffice

import (
	"context"
	"encoding/json"
	"time"

	"bastion/internal/action"
	"bastion/internal/engine"
	"bastion/internal/guardrail"
	"bastion/internal/identity"
	"bastion/internal/permission"
	dErrors "bastion/pkg/domain-errors"
)

// DeactivateExecutor turns an identity off. Identities are never deleted;
// their audit trail has to keep resolving.
type DeactivateExecutor struct {
	identities identity.Store
	clock      func() time.Time
}

// NewDeactivateExecutor binds the executor to the identity store.
func NewDeactivateExecutor(identities identity.Store, clock func() time.Time) *DeactivateExecutor {
	if clock == nil {
		clock = time.Now
	}
	return &DeactivateExecutor{identities: identities, clock: clock}
}

// Stage validates the target identity is currently active.
func (e *DeactivateExecutor) Stage(ctx context.Context, payload action.Payload) (engine.Mutation, error) {
	p, ok := payload.(action.UserDeactivatePayload)
	if !ok {
		return nil, wrongPayload(payload, action.TypeUserDeactivate)
	}

	target, err := e.identities.FindByID(ctx, p.IdentityID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "target identity not found")
	}
	if !target.Active {
		return nil, dErrors.New(dErrors.CodeConflict, "identity already deactivated")
	}

	type state struct {
		IdentityID string `json:"identity_id"`
		Active     bool   `json:"active"`
	}
	return &mutation{
		before: snapshot(state{IdentityID: target.ID.String(), Active: true}),
		after:  snapshot(state{IdentityID: target.ID.String(), Active: false}),
		apply: func(ctx context.Context) error {
			return e.identities.Deactivate(ctx, p.IdentityID, e.clock())
		},
	}, nil
}

// GuardrailUpdateExecutor replaces a tenant's guardrail rule set through the
// pipeline, which is the only write path into the rule store.
type GuardrailUpdateExecutor struct {
	rules *guardrail.InMemoryStore
}

// NewGuardrailUpdateExecutor binds the executor to the rule store.
func NewGuardrailUpdateExecutor(rules *guardrail.InMemoryStore) *GuardrailUpdateExecutor {
	return &GuardrailUpdateExecutor{rules: rules}
}

// Stage parses and validates the new rule set. A configuration error fails
// the stage; nothing replaces a working rule set with a broken one.
func (e *GuardrailUpdateExecutor) Stage(_ context.Context, payload action.Payload) (engine.Mutation, error) {
	p, ok := payload.(action.GuardrailUpdatePayload)
	if !ok {
		return nil, wrongPayload(payload, action.TypeGuardrailUpdate)
	}

	var specs []guardrail.RuleSpec
	if err := json.Unmarshal(p.Rules, &specs); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "malformed guardrail rules")
	}
	parsed, err := guardrail.ParseRules(p.TenantID, specs)
	if err != nil {
		return nil, err
	}

	type state struct {
		TenantID string `json:"tenant_id"`
		Version  int64  `json:"ruleset_version"`
		Rules    int    `json:"rule_count"`
	}
	current := e.rules.Snapshot()
	return &mutation{
		before: snapshot(state{
			TenantID: p.TenantID.String(),
			Version:  current.Version,
			Rules:    len(e.rules.TenantRules(p.TenantID)),
		}),
		after: snapshot(state{
			TenantID: p.TenantID.String(),
			Version:  current.Version + 1,
			Rules:    len(parsed),
		}),
		apply: func(context.Context) error {
			e.rules.ReplaceTenantRules(p.TenantID, parsed)
			return nil
		},
	}, nil
}

// GrantUpdateExecutor replaces a role's capability grants through the
// pipeline.
type GrantUpdateExecutor struct {
	grants *permission.InMemoryStore
}

// NewGrantUpdateExecutor binds the executor to the grant store.
func NewGrantUpdateExecutor(grants *permission.InMemoryStore) *GrantUpdateExecutor {
	return &GrantUpdateExecutor{grants: grants}
}

// Stage validates the role and every capability name against the registry.
func (e *GrantUpdateExecutor) Stage(_ context.Context, payload action.Payload) (engine.Mutation, error) {
	p, ok := payload.(action.GrantUpdatePayload)
	if !ok {
		return nil, wrongPayload(payload, action.TypeGrantUpdate)
	}

	role := identity.Role(p.Role)
	known := false
	for _, r := range identity.KnownRoles() {
		if r == role {
			known = true
			break
		}
	}
	if !known {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown role: "+p.Role)
	}

	registered := make(map[permission.Capability]bool)
	for _, c := range permission.KnownCapabilities() {
		registered[c] = true
	}
	caps := make([]permission.Capability, 0, len(p.Capabilities))
	for _, name := range p.Capabilities {
		c := permission.Capability(name)
		if !registered[c] {
			return nil, dErrors.New(dErrors.CodeValidation, "unknown capability: "+name)
		}
		caps = append(caps, c)
	}

	type state struct {
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	before := e.grants.RoleGrants(role)
	beforeNames := make([]string, 0, len(before))
	for _, c := range before {
		beforeNames = append(beforeNames, string(c))
	}
	return &mutation{
		before: snapshot(state{Role: p.Role, Capabilities: beforeNames}),
		after:  snapshot(state{Role: p.Role, Capabilities: p.Capabilities}),
		apply: func(context.Context) error {
			e.grants.SetRoleGrants(role, caps)
			return nil
		},
	}, nil
}
