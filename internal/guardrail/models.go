// Package guardrail evaluates configurable business rules against an
// attempted action. Rules are tenant-scoped and opt-in: a tenant with no
// matching rule gets Allow. The most restrictive matching outcome wins.
package guardrail

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bastion/internal/action"
	dErrors "bastion/pkg/domain-errors"
)

// Outcome orders guardrail results by restrictiveness:
// Deny > RequireApproval > RequireStepUp > Allow.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeRequireStepUp
	OutcomeRequireApproval
	OutcomeDeny
)

// String renders the outcome for logs and audit records.
func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeRequireStepUp:
		return "require_step_up"
	case OutcomeRequireApproval:
		return "require_approval"
	case OutcomeDeny:
		return "deny"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ParseOutcome parses a configured outcome string. Allow is not configurable:
// it is only ever the default when nothing matches.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "deny":
		return OutcomeDeny, nil
	case "require_approval":
		return OutcomeRequireApproval, nil
	case "require_step_up":
		return OutcomeRequireStepUp, nil
	default:
		return OutcomeAllow, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unsupported rule outcome: %s", s))
	}
}

// Input carries everything a predicate may inspect. Evaluation must not
// mutate anything reachable from here.
type Input struct {
	TenantID   uuid.UUID
	ActorID    uuid.UUID
	ActionType action.Type
	Payload    action.Payload
	Now        time.Time
	Counter    ActionCounter
}

// ActionCounter reports how many times the actor performed the action type
// within a trailing window. Evaluation only reads; the pipeline records
// executions after they happen.
type ActionCounter interface {
	Count(tenantID, actorID uuid.UUID, actionType action.Type, window time.Duration, now time.Time) (int, error)
}

// Predicate matches an attempted action. A non-nil error means the predicate
// could not be evaluated (missing data); the engine treats that as
// RequireApproval, fail-safe rather than fail-open.
type Predicate interface {
	Match(in Input) (bool, error)
	// Describe renders the predicate for audit reasons and config listings.
	Describe() string
}

// Rule is one tenant-scoped guardrail: a predicate plus the outcome applied
// when it matches. Rules evaluate in ascending Priority order; ties break by
// ID for determinism.
type Rule struct {
	ID         string
	TenantID   uuid.UUID
	ActionType action.Type
	Priority   int
	Predicate  Predicate
	Outcome    Outcome
	Reason     string
	Active     bool
}

// RuleSpec is the serialized form of a rule, used by the configuration update
// action and the Postgres store.
type RuleSpec struct {
	ID         string          `json:"id"`
	ActionType string          `json:"action_type"`
	Priority   int             `json:"priority"`
	Kind       string          `json:"kind"`
	Params     json.RawMessage `json:"params"`
	Outcome    string          `json:"outcome"`
	Reason     string          `json:"reason,omitempty"`
	Active     bool            `json:"active"`
}

// ParseRules materializes rule specs for one tenant. Unknown predicate kinds
// and outcomes are configuration errors surfaced to the administrator, never
// silently dropped.
func ParseRules(tenantID uuid.UUID, specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, dErrors.New(dErrors.CodeValidation, "rule id is required")
		}
		actionType, err := action.ParseType(spec.ActionType)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("rule %s: bad action type", spec.ID))
		}
		outcome, err := ParseOutcome(spec.Outcome)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("rule %s: bad outcome", spec.ID))
		}
		predicate, err := ParsePredicate(spec.Kind, spec.Params)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("rule %s: bad predicate", spec.ID))
		}
		rules = append(rules, Rule{
			ID:         spec.ID,
			TenantID:   tenantID,
			ActionType: actionType,
			Priority:   spec.Priority,
			Predicate:  predicate,
			Outcome:    outcome,
			Reason:     spec.Reason,
			Active:     spec.Active,
		})
	}
	return rules, nil
}
