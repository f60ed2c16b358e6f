package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"changegate/internal/governance"
	"changegate/internal/model"
	"changegate/internal/planner"
)

type errorBody struct {
	Error      string            `json:"error"`
	Message    string            `json:"message,omitempty"`
	Violations []model.Violation `json:"violations,omitempty"`
	Plan       *model.Plan       `json:"plan,omitempty"`
}

var conflicts = []struct {
	err  error
	code string
}{
	{model.ErrVersionMismatch, "version-mismatch"},
	{model.ErrApprovalExpired, "approval-expired"},
	{model.ErrInvalidTransition, "invalid-transition"},
	{model.ErrCancelRefused, "cancel-refused"},
	{model.ErrRequestClosed, "request-closed"},
	{model.ErrUnresolvedAnomaly, "unresolved-anomaly"},
	{model.ErrLocked, "locked"},
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad-request", Message: msg})
}

// writeError maps service errors onto HTTP statuses. Unexpected errors are
// logged and answered without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "plan-rejected", Message: err.Error(), Violations: verr.Violations})
		return
	}
	if errors.Is(err, model.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not-found", Message: err.Error()})
		return
	}
	for _, c := range conflicts {
		if errors.Is(err, c.err) {
			writeJSON(w, http.StatusConflict, errorBody{Error: c.code, Message: err.Error()})
			return
		}
	}
	switch {
	case errors.Is(err, governance.ErrPlannerUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "planner-unavailable", Message: err.Error()})
	case errors.Is(err, planner.ErrNoPlan):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "planner-output", Message: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "timeout"})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}
