package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/viamerun/internal/errors"
)

// HTTPErrorResponder writes err to w.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder swaps the responder used by every handler. Nil
// restores the default envelope writer.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = apperrors.RespondWithError
		return
	}
	httpErrorResponder = responder
}

func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// NotFound answers unmatched routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, apperrors.NewNotFound("no route for "+r.URL.Path))
}

// MethodNotAllowed answers routes registered under another method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, apperrors.NewMethodNotAllowed(r.Method+" not allowed on "+r.URL.Path))
}
