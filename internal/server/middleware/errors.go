// Package middleware holds the HTTP middleware chain: request IDs, access
// logging and panic recovery.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/viamerun/internal/errors"
	"github.com/3leaps/viamerun/internal/observability"
)

// ErrorResponse mirrors apperrors.HTTPErrorResponse.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Recovery converts a panic in next into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := apperrors.RequestIDFromContext(r.Context())
			observability.CLILogger.Error("panic serving request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))

			envelope := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			if requestID != "" {
				envelope = envelope.WithCorrelationID(requestID)
			}
			if withRoute, err := envelope.WithContext(map[string]any{"method": r.Method, "path": r.URL.Path}); err == nil {
				envelope = withRoute
			}
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int) {
	resp := ErrorResponse{
		Error: ErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			RequestID: envelope.CorrelationID,
			Details:   envelope.Context,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
