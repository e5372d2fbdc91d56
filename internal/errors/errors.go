// Package errors maps failures onto the HTTP error envelope
// {"error":{"code","message","details"}}.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/3leaps/viamerun/pkg/dataset"
	"github.com/3leaps/viamerun/pkg/jobs"
	"github.com/3leaps/viamerun/pkg/manifest"
	"github.com/3leaps/viamerun/pkg/preflight"
	"github.com/3leaps/viamerun/pkg/provider"
	"github.com/3leaps/viamerun/pkg/publish"
)

// Error codes carried in the envelope.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodePrecondition       = "PRECONDITION_FAILED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the JSON body of every error reply.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPError is an error that knows its status and envelope code.
type HTTPError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
	Details   map[string]any
	Err       error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

// WithDetails returns e with key set in its details.
func (e *HTTPError) WithDetails(key string, value any) *HTTPError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func NewBadRequest(message string) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message}
}

func NewNotFound(message string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func NewForbidden(message string) *HTTPError {
	return &HTTPError{Status: http.StatusForbidden, Code: CodeForbidden, Message: message}
}

func NewMethodNotAllowed(message string) *HTTPError {
	return &HTTPError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: message}
}

// NewPreconditionFailed reports a launch rejected before any process ran.
func NewPreconditionFailed(message string, err error) *HTTPError {
	return &HTTPError{Status: http.StatusUnprocessableEntity, Code: CodePrecondition, Message: message, Err: err}
}

func NewServiceUnavailable(message string, details map[string]any) *HTTPError {
	return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message, Details: details}
}

func NewExternalServiceError(message string) *HTTPError {
	return &HTTPError{Status: http.StatusBadGateway, Code: CodeExternalService, Message: message}
}

// WrapInternal wraps err as a 500, tagging it with the request ID in ctx.
func WrapInternal(ctx context.Context, err error, message string) *HTTPError {
	return &HTTPError{
		Status:    http.StatusInternalServerError,
		Code:      CodeInternal,
		Message:   message,
		RequestID: RequestIDFromContext(ctx),
		Err:       err,
	}
}

// FromError classifies err. Domain sentinels map to client errors; anything
// unrecognised becomes INTERNAL_ERROR.
func FromError(ctx context.Context, err error) *HTTPError {
	var httpErr *HTTPError
	if stderrors.As(err, &httpErr) {
		return httpErr
	}

	switch {
	case stderrors.Is(err, preflight.ErrWriteDenied):
		return &HTTPError{Status: http.StatusBadGateway, Code: CodeExternalService, Message: err.Error(), Err: err}
	case stderrors.Is(err, dataset.ErrDatasetNotFound),
		stderrors.Is(err, jobs.ErrJobNotFound),
		provider.IsNotFound(err):
		return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: err.Error(), Err: err}
	case stderrors.Is(err, jobs.ErrSetupScriptMissing),
		stderrors.Is(err, jobs.ErrPipelineMissing),
		stderrors.Is(err, jobs.ErrTrainingConfigMissing),
		stderrors.Is(err, jobs.ErrPrerequisite),
		stderrors.Is(err, publish.ErrJobRunning):
		return &HTTPError{Status: http.StatusUnprocessableEntity, Code: CodePrecondition, Message: err.Error(), Err: err}
	case stderrors.Is(err, manifest.ErrValidationFailed),
		stderrors.Is(err, dataset.ErrInvalidMeta),
		stderrors.Is(err, publish.ErrUnsupportedScheme):
		return &HTTPError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: err.Error(), Err: err}
	case provider.IsAccessDenied(err), provider.IsThrottled(err):
		return &HTTPError{Status: http.StatusBadGateway, Code: CodeExternalService, Message: err.Error(), Err: err}
	}
	return WrapInternal(ctx, err, "internal error")
}

// RespondWithError writes err as an envelope. Internal error causes are not
// echoed to the client.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErr := FromError(r.Context(), err)

	body := ErrorBody{
		Code:      httpErr.Code,
		Message:   httpErr.Message,
		RequestID: httpErr.RequestID,
		Details:   httpErr.Details,
	}
	if body.RequestID == "" {
		body.RequestID = RequestIDFromContext(r.Context())
	}
	WriteJSON(w, httpErr.Status, HTTPErrorResponse{Error: body})
}

// WriteJSON writes v with status as application/json.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type requestIDKey struct{}

// WithRequestID returns ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
