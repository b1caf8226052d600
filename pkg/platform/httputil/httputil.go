package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "bastion/pkg/domain-errors"
)

func WriteJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Errors after WriteHeader cannot change the status code, so we ignore encoding errors.
	_ = json.NewEncoder(w).Encode(response)
}

// ErrorResponse is the uniform error body rendered to callers. The error code
// is the stable domain code so the caller can branch on the correct next step
// (retry challenge, wait for approval, hard denial).
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ApprovalID       string `json:"approval_id,omitempty"`
}

// WriteError centralizes domain error translation to HTTP responses.
// Domain codes are surfaced verbatim, never collapsed to a generic failure.
func WriteError(w http.ResponseWriter, err error) {
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		WriteJSON(w, DomainCodeToHTTPStatus(domainErr.Code), ErrorResponse{
			Error:            string(domainErr.Code),
			ErrorDescription: domainErr.Message,
		})
		return
	}

	WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error: string(dErrors.CodeInternal),
	})
}

// DomainCodeToHTTPStatus translates domain error codes to HTTP status codes.
func DomainCodeToHTTPStatus(code dErrors.Code) int {
	switch code {
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeBadRequest, dErrors.CodeValidation, dErrors.CodeInvalidInput:
		return http.StatusBadRequest
	case dErrors.CodeConflict, dErrors.CodeApprovalConflict:
		return http.StatusConflict
	case dErrors.CodeUnauthorized, dErrors.CodeStepUpInvalid:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden, dErrors.CodePermissionDenied, dErrors.CodeGuardrailDenied:
		return http.StatusForbidden
	case dErrors.CodeStepUpRequired:
		return http.StatusUnauthorized
	case dErrors.CodeApprovalRequired:
		return http.StatusAccepted
	case dErrors.CodeAuditUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON decodes a JSON request body into T, rejecting unknown fields.
func DecodeJSON[T any](r *http.Request) (*T, error) {
	defer r.Body.Close() //nolint:errcheck // best-effort close
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req T
	if err := dec.Decode(&req); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed request body")
	}
	return &req, nil
}
