package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentbridge/gateway/pkg/apierr"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeAPIErr projects an *apierr.Error onto an HTTP response, falling
// back to a plain 500 internal error for anything that isn't one.
func writeAPIErr(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.Kind.HTTPStatus(), apiErr.Kind.Code(), apiErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, apierr.InternalIO.Code(), err.Error())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeErrorWithDetails writes an error response with structured details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message, Details: details}})
}
