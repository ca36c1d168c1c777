package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/betterbobcats/email-outbox/internal/pkg/logger"
)

// ErrorResponse is the error envelope for all API errors. The trigger
// contract only promises the "error" key.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("httputil: JSON encode failed", "error", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// Unauthorized writes a 401 error.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, message)
}

// MethodNotAllowed writes a 405 error.
func MethodNotAllowed(w http.ResponseWriter) {
	Error(w, http.StatusMethodNotAllowed, "method not allowed")
}

// InternalError logs err and writes a 500 carrying only the public message.
func InternalError(w http.ResponseWriter, err error, public string) {
	logger.Error("httputil: internal error", "error", err)
	if public == "" {
		public = "internal server error"
	}
	Error(w, http.StatusInternalServerError, public)
}
