package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/gatewayshift/orchestrator/pkg/inventory"
	"github.com/gatewayshift/orchestrator/pkg/lock"
	"github.com/gatewayshift/orchestrator/pkg/migration"
	"github.com/gatewayshift/orchestrator/pkg/orchestrator"
	"github.com/gatewayshift/orchestrator/pkg/rollback"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string      `json:"error"`
	Reason        string      `json:"reason,omitempty"`
	Status        string      `json:"status,omitempty"`
	Field         string      `json:"field,omitempty"`
	Lock          *lock.Lease `json:"lock,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// badRequest marks errors caused by malformed input.
type badRequest struct{ err error }

func (e *badRequest) Error() string { return e.err.Error() }

func (e *badRequest) Unwrap() error { return e.err }

func invalid(err error) error { return &badRequest{err: err} }

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// errorResponse maps an engine error onto a status code and body.
func errorResponse(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error()}

	var (
		bad       *badRequest
		vErr      *migration.ValidationError
		fieldErrs validator.ValidationErrors
		busy      *lock.BusyError
		rejected  *migration.RejectedError
		execErr   *rollback.ExecutionError
	)
	switch {
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, body
	case errors.As(err, &busy):
		body.Lock = &lock.Lease{Key: busy.Key, Holder: busy.Holder, AcquiredAt: busy.AcquiredAt, ExpiresAt: busy.ExpiresAt}
		return http.StatusLocked, body
	case errors.As(err, &rejected):
		body.Reason = string(rejected.Reason)
		body.Status = rejected.From.String()
		return http.StatusConflict, body
	case errors.As(err, &execErr):
		body.Reason = execErr.Step
		return http.StatusInternalServerError, body
	case errors.As(err, &vErr):
		body.Field = vErr.Field
		return http.StatusBadRequest, body
	case errors.As(err, &fieldErrs), errors.As(err, &bad):
		return http.StatusBadRequest, body
	case errors.Is(err, migration.ErrNotFound), errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, orchestrator.ErrForbidden), errors.Is(err, orchestrator.ErrNotOwner):
		return http.StatusForbidden, body
	case errors.Is(err, orchestrator.ErrUnsupported):
		return http.StatusNotImplemented, body
	case errors.Is(err, migration.ErrActiveExists):
		return http.StatusConflict, body
	}
	return http.StatusInternalServerError, body
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	body.CorrelationID = CorrelationIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"status", status, "error", err, "correlationId", body.CorrelationID)
	}
	writeJSON(w, status, body)
}
