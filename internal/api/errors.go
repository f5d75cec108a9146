package api

import (
	"encoding/json"
	"net/http"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	// Known lists the valid endpoint names when Code is ErrCodeUnknownEndpoint.
	Known []string `json:"known,omitempty"`
}

// Error codes.
const (
	ErrCodeNoRoute          = "no_route"
	ErrCodeUnknownEndpoint  = "unknown_endpoint"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"
)

// writeJSON writes v as the JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	json.NewEncoder(w).Encode(v)
}

// writeError writes e, filling in the status and the request's ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, e Error) {
	e.Status = status
	e.RequestID = requestID(r.Context())
	writeJSON(w, status, e)
}
