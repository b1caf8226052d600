// Package http exposes the authorization pipeline over a JSON API. Handlers
// translate between wire shapes and domain types; every decision, including
// the denials rendered here, was already audited by the engine.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bastion/internal/action"
	"bastion/internal/approval"
	"bastion/internal/engine"
	"bastion/internal/identity"
	"bastion/internal/stepup"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/httputil"
)

// Handler serves the action, step-up, and approval endpoints.
type Handler struct {
	engine    *engine.Engine
	stepups   *stepup.Service
	approvals *approval.Service
	logger    *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(eng *engine.Engine, stepups *stepup.Service, approvals *approval.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: eng, stepups: stepups, approvals: approvals, logger: logger}
}

// Register mounts the authenticated API routes. The parent router applies
// the auth middleware; every handler below assumes a resolved identity.
func (h *Handler) Register(r chi.Router) {
	r.Post("/actions", h.HandleAuthorize)

	r.Get("/stepup", h.HandleStepUpStatus)
	r.Post("/stepup/challenge", h.HandleStepUpChallenge)
	r.Post("/stepup/verify", h.HandleStepUpVerify)

	r.Get("/approvals/pending", h.HandleApprovalsPending)
	r.Post("/approvals/{approval_id}/decision", h.HandleApprovalDecision)
	r.Post("/approvals/{approval_id}/cancel", h.HandleApprovalCancel)
}

type actionRequest struct {
	TenantID string          `json:"tenant_id"`
	Action   action.Envelope `json:"action"`
}

type actionResponse struct {
	Executed   bool   `json:"executed"`
	Outcome    string `json:"outcome"`
	RecordID   string `json:"record_id"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// HandleAuthorize implements POST /actions. A parked action answers 202 with
// the approval request id so the caller can poll or hand off to an approver.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, ok := identity.FromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated identity"))
		return
	}

	req, err := httputil.DecodeJSON[actionRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "tenant_id must be a UUID"))
		return
	}

	result, err := h.engine.Authorize(ctx, ident, tenantID, req.Action)
	if err != nil {
		if id, parked := engine.ApprovalIDOf(err); parked {
			httputil.WriteJSON(w, http.StatusAccepted, actionResponse{
				Outcome:    string(result.Record.Outcome),
				RecordID:   result.Record.ID,
				ApprovalID: id,
			})
			return
		}
		h.logger.InfoContext(ctx, "action refused",
			"actor_id", ident.ID,
			"tenant_id", tenantID,
			"action_type", req.Action.Type,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, actionResponse{
		Executed: result.Executed,
		Outcome:  string(result.Record.Outcome),
		RecordID: result.Record.ID,
	})
}

type stepUpStatusResponse struct {
	State      string        `json:"state"`
	Fresh      bool          `json:"fresh"`
	FreshUntil *time.Time    `json:"fresh_until,omitempty"`
	Methods    []stepup.Kind `json:"methods,omitempty"`
}

func stepUpStatus(st *stepup.Status) stepUpStatusResponse {
	resp := stepUpStatusResponse{
		State:   string(st.State),
		Fresh:   st.Fresh,
		Methods: st.Methods,
	}
	if !st.FreshUntil.IsZero() {
		resp.FreshUntil = &st.FreshUntil
	}
	return resp
}

// HandleStepUpStatus implements GET /stepup.
func (h *Handler) HandleStepUpStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, ok := identity.FromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated identity"))
		return
	}

	st, err := h.stepups.Require(ctx, ident.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stepUpStatus(st))
}

// HandleStepUpChallenge implements POST /stepup/challenge.
func (h *Handler) HandleStepUpChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, ok := identity.FromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated identity"))
		return
	}

	st, err := h.stepups.Challenge(ctx, ident.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stepUpStatus(st))
}

type stepUpVerifyRequest struct {
	Code   string `json:"code"`
	Method string `json:"method,omitempty"`
}

type stepUpVerifyResponse struct {
	State      string    `json:"state"`
	FreshUntil time.Time `json:"fresh_until"`
}

// HandleStepUpVerify implements POST /stepup/verify. The method defaults to
// totp; recovery selects a single-use recovery code.
func (h *Handler) HandleStepUpVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, ok := identity.FromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated identity"))
		return
	}

	req, err := httputil.DecodeJSON[stepUpVerifyRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	kind := stepup.KindTOTP
	switch req.Method {
	case "", string(stepup.KindTOTP):
	case string(stepup.KindRecovery):
		kind = stepup.KindRecovery
	default:
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "method must be totp or recovery"))
		return
	}

	session, err := h.stepups.Verify(ctx, ident.ID, req.Code, kind)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stepUpVerifyResponse{
		State:      string(stepup.StateVerified),
		FreshUntil: session.VerifiedAt.Add(h.stepups.Window()),
	})
}

type approvalSummary struct {
	ID          string    `json:"id"`
	ActionType  string    `json:"action_type"`
	RequesterID uuid.UUID `json:"requester_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// HandleApprovalsPending implements GET /approvals/pending?tenant_id=...
// Pending requests are listed oldest first.
func (h *Handler) HandleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, ok := identity.FromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated identity"))
		return
	}

	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "tenant_id must be a UUID"))
		return
	}
	if !ident.MemberOf(tenantID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodePermissionDenied, "identity is not a member of this tenant"))
		return
	}

	pending, err := h.approvals.Pending(ctx, tenantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	out := make([]approvalSummary, 0, len(pending))
	for _, req := range pending {
		out = append(out, approvalSummary{
			ID:          req.ID,
			ActionType:  string(req.ActionType),
			RequesterID: req.RequesterID,
			Status:      string(req.Status),
			CreatedAt:   req.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string][]approvalSummary{"approvals": out})
}

type decisionRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// HandleApprovalDecision implements POST /approvals/{approval_id}/decision.
// An approval executes the parked action as its original requester.
func (h *Handler) HandleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, ok := identity.FromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated identity"))
		return
	}

	req, err := httputil.DecodeJSON[decisionRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	approvalID := chi.URLParam(r, "approval_id")
	result, err := h.engine.DecideApproval(ctx, ident, approvalID, approval.Decision{
		Approve: req.Approve,
		Reason:  req.Reason,
	})
	if err != nil {
		h.logger.InfoContext(ctx, "approval decision refused",
			"approval_id", approvalID,
			"decider_id", ident.ID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, actionResponse{
		Executed:   result.Executed,
		Outcome:    string(result.Record.Outcome),
		RecordID:   result.Record.ID,
		ApprovalID: approvalID,
	})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleApprovalCancel implements POST /approvals/{approval_id}/cancel.
func (h *Handler) HandleApprovalCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, ok := identity.FromContext(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated identity"))
		return
	}

	req, err := httputil.DecodeJSON[cancelRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	approvalID := chi.URLParam(r, "approval_id")
	result, err := h.engine.CancelApproval(ctx, ident, approvalID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, actionResponse{
		Executed:   false,
		Outcome:    string(result.Record.Outcome),
		RecordID:   result.Record.ID,
		ApprovalID: approvalID,
	})
}
