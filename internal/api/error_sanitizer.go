package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/betterbobcats/email-outbox/internal/pkg/httputil"
	"github.com/betterbobcats/email-outbox/internal/service/outbox"
)

// =============================================================================
// ERROR SANITIZER
// Internal errors (SQL text, hostnames, driver messages) never reach the
// caller. The full error is logged; the response carries a fixed message.
// =============================================================================

// respondSafeError logs internalErr and writes a sanitized JSON error.
func respondSafeError(w http.ResponseWriter, code int, internalErr error) {
	if code < 500 {
		httputil.Error(w, code, safeErrorMessage(code, internalErr))
		return
	}
	httputil.InternalError(w, internalErr, safeErrorMessage(code, internalErr))
}

// safeErrorMessage maps common internal error patterns to public-safe messages.
func safeErrorMessage(code int, internalErr error) string {
	if code < 500 {
		if internalErr != nil {
			return internalErr.Error()
		}
		return "Bad request"
	}
	if internalErr == nil {
		return "An internal error occurred"
	}

	errStr := strings.ToLower(internalErr.Error())

	switch {
	case errors.Is(internalErr, outbox.ErrClaim) &&
		(strings.Contains(errStr, "connection refused") ||
			strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "dial tcp")):
		return "Email store temporarily unavailable"

	case errors.Is(internalErr, outbox.ErrClaim):
		return "Failed to fetch pending emails"

	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context canceled"):
		return "Request timed out"

	default:
		return "An internal error occurred"
	}
}
