package api

import (
	"net/http"
	"time"
)

// ErrorResponse is the body of every non-2xx JSON response. Clients only rely on Error.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code, message, requestID string, details map[string]any) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details, RequestID: requestID})
}

// Convenience helpers
func BadRequest(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusBadRequest, code, message, requestID, details)
}

func Unauthorized(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusUnauthorized, code, message, requestID, nil)
}

func RateLimited(w http.ResponseWriter, code, message, requestID string, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", formatSeconds(retryAfter))
	}
	WriteError(w, http.StatusTooManyRequests, code, message, requestID, nil)
}

func BadGateway(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusBadGateway, code, message, requestID, nil)
}

// Internal writes a 500 carrying the failure message and the time it happened.
func Internal(w http.ResponseWriter, message, requestID string) {
	if message == "" {
		message = "Internal server error"
	}
	WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:     message,
		Code:      "INTERNAL",
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
