package middleware

import (
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/3leaps/viamerun/internal/errors"
)

const RequestIDHeader = "X-Request-ID"

// RequestID propagates X-Request-ID, generating one when absent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}
