package guardrail

import (
	"log/slog"
	"sort"
)

// Result is the engine's verdict on one attempted action.
type Result struct {
	Outcome Outcome
	// Reason explains the winning rule, or the fail-safe escalation.
	Reason string
	// RuleID identifies the winning rule; empty for the default Allow.
	RuleID string
	// RulesetVersion is the configuration version the evaluation used.
	RulesetVersion int64
}

// SnapshotSource supplies the current versioned rule snapshot for a tenant.
type SnapshotSource interface {
	Snapshot() *Snapshot
}

// Engine evaluates guardrail rules against attempted actions.
type Engine struct {
	source SnapshotSource
	logger *slog.Logger
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets a logger for unevaluable-predicate escalations.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine constructs an engine over the given rule source.
func NewEngine(source SnapshotSource, opts ...Option) *Engine {
	e := &Engine{source: source}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Evaluate applies the tenant's active rules for the action type and returns
// the most restrictive matching outcome. Evaluation is idempotent: identical
// input against an unchanged snapshot yields an identical result, and nothing
// is mutated on the read path.
//
// A rule whose predicate cannot be evaluated escalates to RequireApproval
// (fail-safe); it never silently allows and never hard-denies on missing data.
func (e *Engine) Evaluate(in Input) Result {
	snap := e.source.Snapshot()
	rules := snap.RulesFor(in.TenantID, in.ActionType)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	result := Result{Outcome: OutcomeAllow, RulesetVersion: snap.Version}
	for _, rule := range rules {
		matched, err := rule.Predicate.Match(in)
		if err != nil {
			e.logger.Warn("guardrail predicate unevaluable, escalating to approval",
				"rule_id", rule.ID,
				"tenant_id", in.TenantID.String(),
				"action_type", string(in.ActionType),
				"error", err,
			)
			result = mostRestrictive(result, Result{
				Outcome:        OutcomeRequireApproval,
				Reason:         "rule " + rule.ID + " could not be evaluated",
				RuleID:         rule.ID,
				RulesetVersion: snap.Version,
			})
			continue
		}
		if !matched {
			continue
		}
		reason := rule.Reason
		if reason == "" {
			reason = rule.Predicate.Describe()
		}
		result = mostRestrictive(result, Result{
			Outcome:        rule.Outcome,
			Reason:         reason,
			RuleID:         rule.ID,
			RulesetVersion: snap.Version,
		})
	}
	return result
}

// mostRestrictive keeps the stricter of two results; on a tie the earlier
// (lower priority value) rule wins because candidate arrives second.
func mostRestrictive(current, candidate Result) Result {
	if candidate.Outcome > current.Outcome {
		return candidate
	}
	return current
}
