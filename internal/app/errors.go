package app

import (
	"errors"
	"fmt"
	"net/http"

	"agora/api/internal/consensus"
	"agora/api/internal/export"
	"agora/api/internal/ratelimit"
	"agora/api/internal/store"
	"agora/api/internal/trace"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates domain failures into HTTP responses. Anything not
// recognized is a 500.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var validationErr *trace.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed",
			map[string]any{"violations": validationErr.Violations}
	}
	var transitionErr *trace.TransitionError
	if errors.As(err, &transitionErr) {
		return http.StatusConflict, "ILLEGAL_TRANSITION", transitionErr.Error(),
			map[string]any{"from": transitionErr.From, "to": transitionErr.To}
	}
	var rateErr *ratelimit.RateLimitError
	if errors.As(err, &rateErr) {
		return http.StatusTooManyRequests, "RATE_LIMITED", rateErr.Error(),
			map[string]any{"operation": rateErr.Operation, "resetAt": rateErr.ResetAt.Unix()}
	}
	var preErr *consensus.PreconditionError
	if errors.As(err, &preErr) {
		return http.StatusUnprocessableEntity, "PRECONDITION_FAILED", preErr.Error(),
			map[string]any{"evaluated": preErr.Evaluated, "required": preErr.Required}
	}

	switch {
	case errors.Is(err, trace.ErrPermissionDenied):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, trace.ErrLocked):
		return http.StatusConflict, "TRACE_LOCKED", "Trace is locked against edits", nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT",
			"The trace changed since you read it; reload and retry", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, export.ErrNoConsensusData):
		return http.StatusUnprocessableEntity, "NO_CONSENSUS_DATA",
			"No consensus data for this topic yet", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE",
			"PDF rendering is not available", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
