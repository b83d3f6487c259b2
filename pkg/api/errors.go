package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errBodyTooLarge = errors.New("request body too large")
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error      string         `json:"error"`
	Class      string         `json:"class,omitempty"`
	Code       string         `json:"code,omitempty"`
	HostID     string         `json:"host_id,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrBadSignature), errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	}

	var f *engine.Fault
	if !errors.As(err, &f) {
		return http.StatusInternalServerError
	}
	switch f.Class {
	case engine.FaultValidation:
		if f.Code == engine.ErrCodeQueueFull {
			return http.StatusServiceUnavailable
		}
		return http.StatusUnprocessableEntity
	case engine.FaultLockContention:
		return http.StatusConflict
	case engine.FaultConnection, engine.FaultCommand:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	var f *engine.Fault
	if errors.As(err, &f) {
		resp.Error = f.Message
		resp.Class = string(f.Class)
		resp.Code = f.Code
		resp.HostID = f.HostID
		resp.ResourceID = f.ResourceID
		resp.Details = f.Details
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	level := zerolog.DebugLevel
	if status >= http.StatusInternalServerError {
		level = zerolog.ErrorLevel
	}
	s.logger.WithLevel(level).Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")

	writeJSON(w, status, newErrorResponse(err))
}

// requestFault turns a decode or struct validation error into a validation fault.
func requestFault(err error) *engine.Fault {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return engine.NewValidationFault("invalid request body", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return engine.NewValidationFault("invalid request", nil).WithDetail("fields", fields)
}
