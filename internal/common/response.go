package common

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// ErrorBody represents a consistent error payload returned by the API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorEnvelope is the top-level error document, {"error": {...}}.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, ErrorEnvelope{Error: ErrorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// DecodeJSON decodes the request body into dst. An empty body is reported as
// BAD_JSON like any other malformed payload.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return NewAppError("BAD_JSON", "request body required", http.StatusBadRequest, nil)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return NewAppError("BAD_JSON", "request body required", http.StatusBadRequest, err)
		}
		return NewAppError("BAD_JSON", "invalid JSON payload", http.StatusBadRequest, err)
	}
	return nil
}
