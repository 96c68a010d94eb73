// Package api implements the broker's HTTP surface: the $connect handshake
// upgrade route, health/readiness probes, and the Prometheus scrape
// endpoint. Everything else — the actual signaling protocol — runs over
// the upgraded socket and is handled by internal/dispatch, not here.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper for the small set of plain
// HTTP endpoints this package serves (health/readiness — the signaling
// protocol itself never speaks this envelope).
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{Message: message, Code: code},
	})
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrInternal writes a 500 Internal Server Error response.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// ErrServiceUnavailable writes a 503 Service Unavailable error response,
// used by /readyz when a dependency check fails.
func ErrServiceUnavailable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusServiceUnavailable, message, "unavailable")
}
