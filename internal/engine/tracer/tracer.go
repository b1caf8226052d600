// Package tracer provides a lightweight tracing abstraction for the
// authorization pipeline.
//
// It defines an internal tracer interface that does not depend directly on
// OpenTelemetry APIs, so the pipeline can emit distributed traces while
// remaining decoupled from a specific tracing implementation.
//
// Implementations:
//   - NoopTracer: for tests (zero overhead)
//   - OTelTracer: OpenTelemetry adapter for production
package tracer

import (
	"context"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span, recording any error that occurred.
	// End must be called exactly once, typically via defer.
	End(err error)

	// SetAttributes adds key-value pairs to the span.
	SetAttributes(attrs ...Attribute)

	// AddEvent records a timestamped event within the span.
	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans for distributed tracing.
// Implementations must be safe for concurrent use.
type Tracer interface {
	// Start creates a new span with the given name and attributes.
	// The returned context contains the new span and should be passed to
	// child operations. The span must be ended by calling Span.End().
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

// String creates a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Bool creates a boolean attribute.
func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int64 creates an int64 attribute.
func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// Span names used by the authorization pipeline.
const (
	SpanAuthorize  = "authorize.action"
	SpanPermission = "authorize.permission"
	SpanGuardrail  = "authorize.guardrail"
	SpanStepUp     = "authorize.stepup"
	SpanApproval   = "authorize.approval"
	SpanExecute    = "authorize.execute"
	SpanDecide     = "approval.decide"
)

// Attribute keys used by the authorization pipeline.
const (
	AttrTenantID       = "tenant_id"
	AttrActorID        = "actor_id"
	AttrActionType     = "action_type"
	AttrOutcome        = "outcome"
	AttrRuleID         = "guardrail.rule_id"
	AttrRulesetVersion = "guardrail.ruleset_version"
	AttrApprovalID     = "approval_id"
	AttrStepUpFresh    = "stepup.fresh"
)

// Event names used by the authorization pipeline.
const (
	EventAuditAppended = "audit.appended"
	EventApplyFailed   = "execute.apply_failed"
)
