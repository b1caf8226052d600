// Package engine composes the authorization pipeline: permission evaluation,
// guardrails, step-up, dual-control approval, and the audit log, in that
// strict order. Every sensitive action enters through Authorize and nothing
// mutates business state without an audit record written first.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bastion/internal/action"
	"bastion/internal/approval"
	"bastion/internal/audit"
	"bastion/internal/engine/metrics"
	"bastion/internal/engine/tracer"
	"bastion/internal/guardrail"
	"bastion/internal/identity"
	"bastion/internal/permission"
	"bastion/internal/stepup"
	dErrors "bastion/pkg/domain-errors"
)

// Mutation is a staged, not-yet-applied state change. Executors compute the
// before and after snapshots up front so the audit record can be written
// before anything changes.
type Mutation interface {
	Before() json.RawMessage
	After() json.RawMessage
	Apply(ctx context.Context) error
}

// Executor stages the mutation for one action type.
type Executor interface {
	Stage(ctx context.Context, payload action.Payload) (Mutation, error)
}

// ExecutionRecorder is notified after a mutation applies, advancing the
// trailing-window counters that rate guardrails read.
type ExecutionRecorder interface {
	Record(tenantID, actorID uuid.UUID, actionType action.Type, at time.Time)
}

// Result reports a completed Authorize or DecideApproval call.
type Result struct {
	Executed bool
	Record   *audit.Record
}

// Engine is the authorization pipeline.
type Engine struct {
	permissions *permission.Evaluator
	guardrails  *guardrail.Engine
	stepups     *stepup.Service
	approvals   *approval.Service
	auditor     *audit.Writer
	recorder    ExecutionRecorder
	executors   map[action.Type]Executor

	clock   func() time.Time
	logger  *slog.Logger
	tracer  tracer.Tracer
	metrics *metrics.Metrics
}

// Option configures the Engine.
type Option func(*Engine)

// WithClock injects the time source for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer sets the tracer. Defaults to the no-op tracer.
func WithTracer(t tracer.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithExecutionRecorder sets the post-execution counter sink.
func WithExecutionRecorder(r ExecutionRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// New constructs the pipeline over its five collaborators.
func New(
	permissions *permission.Evaluator,
	guardrails *guardrail.Engine,
	stepups *stepup.Service,
	approvals *approval.Service,
	auditor *audit.Writer,
	opts ...Option,
) *Engine {
	e := &Engine{
		permissions: permissions,
		guardrails:  guardrails,
		stepups:     stepups,
		approvals:   approvals,
		auditor:     auditor,
		executors:   make(map[action.Type]Executor),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = tracer.NewNoop()
	}
	return e
}

// RegisterExecutor binds the executor for one action type. Registration
// happens once at composition time, before the engine serves traffic.
func (e *Engine) RegisterExecutor(t action.Type, ex Executor) {
	e.executors[t] = ex
}

// Authorize runs the full pipeline for one attempted action. The stages run
// in strict order and each produces exactly one audit record for its
// decision, denials included.
//
// Errors: CodePermissionDenied, CodeGuardrailDenied, CodeStepUpRequired,
// CodeApprovalRequired (carrying the request id, see ApprovalIDOf),
// CodeAuditUnavailable, plus validation errors from payload decoding.
func (e *Engine) Authorize(ctx context.Context, ident *identity.Identity, tenantID uuid.UUID, env action.Envelope) (result *Result, err error) {
	started := e.clock()
	ctx, span := e.tracer.Start(ctx, tracer.SpanAuthorize,
		tracer.String(tracer.AttrTenantID, tenantID.String()),
		tracer.String(tracer.AttrActorID, ident.ID.String()),
		tracer.String(tracer.AttrActionType, string(env.Type)),
	)
	defer func() {
		span.End(err)
		if e.metrics != nil {
			e.metrics.AuthorizeDuration.WithLabelValues(string(env.Type)).
				Observe(e.clock().Sub(started).Seconds())
		}
	}()

	payload, err := action.Decode(env)
	if err != nil {
		return nil, err
	}

	if err := e.checkPermission(ctx, ident, tenantID, payload); err != nil {
		return nil, err
	}

	verdict, err := e.checkGuardrails(ctx, ident, tenantID, payload)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		tracer.String(tracer.AttrOutcome, verdict.Outcome.String()),
		tracer.Int64(tracer.AttrRulesetVersion, verdict.RulesetVersion),
	)

	if verdict.Outcome == guardrail.OutcomeRequireStepUp {
		if err := e.checkStepUp(ctx, ident, tenantID, payload, verdict); err != nil {
			return nil, err
		}
	}

	if verdict.Outcome == guardrail.OutcomeRequireApproval {
		return e.parkForApproval(ctx, ident, tenantID, payload, verdict)
	}

	return e.execute(ctx, ident.ID, tenantID, payload, "", "")
}

// checkPermission evaluates capability grants and audits a denial.
func (e *Engine) checkPermission(ctx context.Context, ident *identity.Identity, tenantID uuid.UUID, payload action.Payload) error {
	_, span := e.tracer.Start(ctx, tracer.SpanPermission)
	dec := e.permissions.Evaluate(ident, tenantID, permission.Capability(payload.Type()))
	span.End(nil)
	if dec.Allowed {
		return nil
	}

	e.countDecision(payload.Type(), audit.OutcomeDenied)
	if _, err := e.auditor.Append(ctx, &audit.Record{
		TenantID:   tenantID,
		ActorID:    ident.ID,
		ActionType: payload.Type(),
		Outcome:    audit.OutcomeDenied,
		Reason:     "permission: " + string(dec.Reason),
	}); err != nil {
		return err
	}
	return dErrors.New(dErrors.CodePermissionDenied, "capability not granted: "+string(dec.Reason))
}

// checkGuardrails evaluates rules and audits a hard deny.
func (e *Engine) checkGuardrails(ctx context.Context, ident *identity.Identity, tenantID uuid.UUID, payload action.Payload) (guardrail.Result, error) {
	_, span := e.tracer.Start(ctx, tracer.SpanGuardrail)
	verdict := e.guardrails.Evaluate(guardrail.Input{
		TenantID:   tenantID,
		ActorID:    ident.ID,
		ActionType: payload.Type(),
		Payload:    payload,
		Now:        e.clock(),
		Counter:    e.counter(),
	})
	span.SetAttributes(tracer.String(tracer.AttrRuleID, verdict.RuleID))
	span.End(nil)

	if verdict.Outcome != guardrail.OutcomeDeny {
		return verdict, nil
	}

	e.countDecision(payload.Type(), audit.OutcomeDenied)
	if _, err := e.auditor.Append(ctx, &audit.Record{
		TenantID:   tenantID,
		ActorID:    ident.ID,
		ActionType: payload.Type(),
		Outcome:    audit.OutcomeDenied,
		Reason:     "guardrail: " + verdict.Reason,
	}); err != nil {
		return verdict, err
	}
	return verdict, dErrors.New(dErrors.CodeGuardrailDenied, verdict.Reason)
}

// checkStepUp lets a fresh verification through and otherwise audits the
// challenge demand. Freshness is recomputed here on every call; no role
// skips this stage.
func (e *Engine) checkStepUp(ctx context.Context, ident *identity.Identity, tenantID uuid.UUID, payload action.Payload, verdict guardrail.Result) error {
	_, span := e.tracer.Start(ctx, tracer.SpanStepUp)
	status, err := e.stepups.Require(ctx, ident.ID)
	if err != nil {
		span.End(err)
		return err
	}
	span.SetAttributes(tracer.Bool(tracer.AttrStepUpFresh, status.Fresh))
	span.End(nil)

	if status.Fresh {
		return nil
	}

	e.countDecision(payload.Type(), audit.OutcomeStepUpRequired)
	if _, err := e.auditor.Append(ctx, &audit.Record{
		TenantID:   tenantID,
		ActorID:    ident.ID,
		ActionType: payload.Type(),
		Outcome:    audit.OutcomeStepUpRequired,
		Reason:     verdict.Reason,
	}); err != nil {
		return err
	}
	return dErrors.New(dErrors.CodeStepUpRequired, "action requires a fresh step-up verification")
}

// parkForApproval snapshots the payload into a pending request and audits it.
func (e *Engine) parkForApproval(ctx context.Context, ident *identity.Identity, tenantID uuid.UUID, payload action.Payload, verdict guardrail.Result) (*Result, error) {
	_, span := e.tracer.Start(ctx, tracer.SpanApproval)
	req, err := e.approvals.Create(ctx, tenantID, ident.ID, payload)
	if err != nil {
		span.End(err)
		return nil, err
	}
	span.SetAttributes(tracer.String(tracer.AttrApprovalID, req.ID))
	span.End(nil)

	e.countDecision(payload.Type(), audit.OutcomeApprovalRequired)
	rec, err := e.auditor.Append(ctx, &audit.Record{
		TenantID:   tenantID,
		ActorID:    ident.ID,
		ActionType: payload.Type(),
		Outcome:    audit.OutcomeApprovalRequired,
		Reason:     verdict.Reason,
		ApprovalID: req.ID,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Record: rec}, approvalRequired(req.ID)
}

// execute stages the mutation, audits the allowed decision, and only then
// applies. An apply failure after the audit append produces a compensating
// record rather than touching the one already written.
func (e *Engine) execute(ctx context.Context, actorID uuid.UUID, tenantID uuid.UUID, payload action.Payload, approvalID, reason string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, tracer.SpanExecute)
	var spanErr error
	defer func() { span.End(spanErr) }()

	ex, ok := e.executors[payload.Type()]
	if !ok {
		spanErr = dErrors.New(dErrors.CodeInternal, fmt.Sprintf("no executor registered for %s", payload.Type()))
		return nil, spanErr
	}

	mutation, err := ex.Stage(ctx, payload)
	if err != nil {
		spanErr = err
		return nil, err
	}

	rec, err := e.auditor.Append(ctx, &audit.Record{
		TenantID:    tenantID,
		ActorID:     actorID,
		ActionType:  payload.Type(),
		Outcome:     audit.OutcomeAllowed,
		Reason:      reason,
		ApprovalID:  approvalID,
		BeforeState: mutation.Before(),
		AfterState:  mutation.After(),
	})
	if err != nil {
		spanErr = err
		return nil, err
	}
	span.AddEvent(tracer.EventAuditAppended)

	if err := mutation.Apply(ctx); err != nil {
		span.AddEvent(tracer.EventApplyFailed)
		if e.metrics != nil {
			e.metrics.ApplyFailures.Inc()
		}
		if _, appendErr := e.auditor.Append(ctx, &audit.Record{
			TenantID:    tenantID,
			ActorID:     actorID,
			ActionType:  payload.Type(),
			Outcome:     audit.OutcomeExecutionFailed,
			Reason:      err.Error(),
			ApprovalID:  approvalID,
			BeforeState: mutation.Before(),
		}); appendErr != nil {
			e.logger.ErrorContext(ctx, "could not append compensating audit record",
				"action_type", string(payload.Type()),
				"error", appendErr,
			)
		}
		spanErr = dErrors.Wrap(err, dErrors.CodeInternal, "action failed to apply")
		return nil, spanErr
	}

	if e.recorder != nil {
		e.recorder.Record(tenantID, actorID, payload.Type(), e.clock())
	}
	e.countDecision(payload.Type(), audit.OutcomeAllowed)
	e.logger.InfoContext(ctx, "action executed",
		"tenant_id", tenantID.String(),
		"actor_id", actorID.String(),
		"action_type", string(payload.Type()),
		"approval_id", approvalID,
	)
	return &Result{Executed: true, Record: rec}, nil
}

// DecideApproval records a dual-control decision and, on approval, executes
// the snapshot payload captured at request time. The decider needs the
// approvals.decide capability in the request's tenant; self-approval is
// rejected for every role before the store is even consulted.
func (e *Engine) DecideApproval(ctx context.Context, decider *identity.Identity, requestID string, dec approval.Decision) (result *Result, err error) {
	ctx, span := e.tracer.Start(ctx, tracer.SpanDecide,
		tracer.String(tracer.AttrApprovalID, requestID),
		tracer.String(tracer.AttrActorID, decider.ID.String()),
	)
	defer func() { span.End(err) }()

	req, err := e.approvals.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	perm := e.permissions.Evaluate(decider, req.TenantID, permission.CapabilityDecideApprovals)
	if !perm.Allowed {
		if err := e.auditDecisionDenied(ctx, req, decider.ID, "permission: "+string(perm.Reason)); err != nil {
			return nil, err
		}
		return nil, dErrors.New(dErrors.CodePermissionDenied, "capability not granted: "+string(perm.Reason))
	}

	decided, err := e.approvals.Decide(ctx, requestID, decider.ID, dec)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodePermissionDenied) {
			if aerr := e.auditDecisionDenied(ctx, req, decider.ID, "self-approval forbidden"); aerr != nil {
				return nil, aerr
			}
		}
		return nil, err
	}

	if decided.Status == approval.StatusRejected {
		rec, err := e.auditor.Append(ctx, &audit.Record{
			TenantID:   decided.TenantID,
			ActorID:    decider.ID,
			ActionType: decided.ActionType,
			Outcome:    audit.OutcomeDenied,
			Reason:     "rejected: " + decided.Reason,
			ApprovalID: decided.ID,
		})
		if err != nil {
			return nil, err
		}
		e.countDecision(decided.ActionType, audit.OutcomeDenied)
		return &Result{Record: rec}, nil
	}

	payload, err := action.Decode(decided.Payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "stored approval payload no longer decodes")
	}
	return e.execute(ctx, decided.RequesterID, decided.TenantID, payload, decided.ID,
		"approved by "+decider.ID.String())
}

// auditDecisionDenied records a refused decision attempt against the request
// it targeted. A failed append blocks the refusal like any other decision.
func (e *Engine) auditDecisionDenied(ctx context.Context, req *approval.Request, deciderID uuid.UUID, reason string) error {
	e.countDecision(req.ActionType, audit.OutcomeDenied)
	_, err := e.auditor.Append(ctx, &audit.Record{
		TenantID:   req.TenantID,
		ActorID:    deciderID,
		ActionType: req.ActionType,
		Outcome:    audit.OutcomeDenied,
		Reason:     reason,
		ApprovalID: req.ID,
	})
	return err
}

// CancelApproval withdraws a pending request on behalf of its requester and
// audits the withdrawal.
func (e *Engine) CancelApproval(ctx context.Context, requester *identity.Identity, requestID, reason string) (*Result, error) {
	cancelled, err := e.approvals.Cancel(ctx, requestID, requester.ID, reason)
	if err != nil {
		return nil, err
	}

	rec, err := e.auditor.Append(ctx, &audit.Record{
		TenantID:   cancelled.TenantID,
		ActorID:    requester.ID,
		ActionType: cancelled.ActionType,
		Outcome:    audit.OutcomeDenied,
		Reason:     "cancelled by requester: " + reason,
		ApprovalID: cancelled.ID,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Record: rec}, nil
}

func (e *Engine) countDecision(t action.Type, outcome audit.Outcome) {
	if e.metrics != nil {
		e.metrics.Decisions.WithLabelValues(string(t), string(outcome)).Inc()
	}
}

func (e *Engine) counter() guardrail.ActionCounter {
	if c, ok := e.recorder.(guardrail.ActionCounter); ok {
		return c
	}
	return nil
}

// pendingApproval carries the approval request id inside a CodeApprovalRequired
// error chain.
type pendingApproval struct {
	id string
}

func (p *pendingApproval) Error() string {
	return "approval request " + p.id + " is pending"
}

func approvalRequired(id string) error {
	return &dErrors.Error{
		Code:    dErrors.CodeApprovalRequired,
		Message: "action requires dual-control approval",
		Err:     &pendingApproval{id: id},
	}
}

// ApprovalIDOf extracts the pending request id from a CodeApprovalRequired
// error.
func ApprovalIDOf(err error) (string, bool) {
	var p *pendingApproval
	if errors.As(err, &p) {
		return p.id, true
	}
	return "", false
}
