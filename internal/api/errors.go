package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/caffeineduck/blockrun/block"
	"github.com/caffeineduck/blockrun/gateway"
	"github.com/caffeineduck/blockrun/generator"
	"github.com/caffeineduck/blockrun/project"
	"github.com/caffeineduck/blockrun/sandbox"
)

// Error codes for consistent error identification.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInvalidWorkspace = "invalid_workspace"
	ErrCodeNothingToRun     = "nothing_to_run"
	ErrCodeCompileError     = "compile_error"
	ErrCodeValidation       = "validation_error"
	ErrCodeTransport        = "transport_error"
	ErrCodeServiceUnavail   = "service_unavailable"
	ErrCodeInternalError    = "internal_error"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

var workspaceErrors = []error{
	block.ErrInvalidDocument,
	block.ErrDuplicateID,
	block.ErrDanglingRef,
	block.ErrSharedNode,
	block.ErrCycle,
	block.ErrUnknownSocket,
}

// classify maps a domain error onto a status, an error code and details.
func classify(err error) (int, string, map[string]any) {
	var cerr *generator.CompileError
	var verr *gateway.ValidationError
	var terr *gateway.TransportError

	switch {
	case errors.As(err, &cerr):
		return http.StatusUnprocessableEntity, ErrCodeCompileError, map[string]any{
			"node_id": cerr.NodeID,
			"type":    cerr.Type,
			"reason":  cerr.Reason,
		}
	case errors.Is(err, generator.ErrNothingToRun):
		return http.StatusUnprocessableEntity, ErrCodeNothingToRun, nil
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrCodeValidation, map[string]any{"field": verr.Field}
	case errors.As(err, &terr):
		details := map[string]any{"op": terr.Op}
		if terr.StatusCode != 0 {
			details["status_code"] = terr.StatusCode
		}
		return http.StatusBadGateway, ErrCodeTransport, details
	case errors.Is(err, project.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound, nil
	case errors.Is(err, project.ErrInvalidProject):
		return http.StatusBadRequest, ErrCodeBadRequest, nil
	case errors.Is(err, sandbox.ErrSessionClosed), errors.Is(err, sandbox.ErrExecutorClosed):
		return http.StatusConflict, ErrCodeConflict, nil
	}
	for _, target := range workspaceErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, ErrCodeInvalidWorkspace, nil
		}
	}
	return http.StatusInternalServerError, ErrCodeInternalError, nil
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
