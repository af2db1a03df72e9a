package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Pipeline errors
	CodeSiteNotFound       = "SITE_NOT_FOUND"
	CodeBadPayload         = "BAD_PAYLOAD"
	CodeCredentialsMissing = "CREDENTIALS_MISSING"
	CodeTokenGeneration    = "TOKEN_GENERATION_FAILED"
	CodeProviderError      = "PROVIDER_ERROR"
	CodeNoCorrelation      = "NO_CORRELATION"

	// Auth errors
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeForbidden    = "FORBIDDEN"

	// Validation errors
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeBadRequest       = "BAD_REQUEST"
	CodeMissingField     = "MISSING_FIELD"

	// Resource errors
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyExists = "ALREADY_EXISTS"
	CodeConflict      = "CONFLICT"

	// Internal errors
	CodeDatabaseError = "DATABASE_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Pipeline errors

// SiteNotFound indicates the inbound webhook path resolves to no configured site.
func SiteNotFound(webhookPath string) *AppError {
	return &AppError{
		Code:    CodeSiteNotFound,
		Message: "no site configured for webhook path",
		Status:  http.StatusNotFound,
		Details: map[string]any{"webhook_path": webhookPath},
	}
}

// BadPayload indicates the webhook body is missing required structure.
func BadPayload(message string) *AppError {
	if message == "" {
		message = "malformed webhook payload"
	}
	return &AppError{
		Code:    CodeBadPayload,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

// CredentialsMissing names the exact field absent from the site config blob.
func CredentialsMissing(field string) *AppError {
	return &AppError{
		Code:    CodeCredentialsMissing,
		Message: fmt.Sprintf("credential field %q is missing or not a string", field),
		Status:  http.StatusUnprocessableEntity,
		Details: map[string]any{"field": field},
	}
}

// TokenGeneration wraps an OAuth transport or provider failure.
func TokenGeneration(err error) *AppError {
	return &AppError{
		Code:    CodeTokenGeneration,
		Message: "failed to obtain access token",
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

// Provider wraps a calendar API failure.
func Provider(op string, err error) *AppError {
	return &AppError{
		Code:    CodeProviderError,
		Message: fmt.Sprintf("calendar provider %s failed", op),
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

// NoCorrelation indicates an UPDATE/DELETE with no matching prior ADD.
func NoCorrelation(recordID int64) *AppError {
	return &AppError{
		Code:    CodeNoCorrelation,
		Message: "no active correlation for record",
		Status:  http.StatusOK, // acknowledged, logged as informational skip
		Details: map[string]any{"record_id": recordID},
	}
}

// Generic errors

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{Code: CodeUnauthorized, Message: message, Status: http.StatusUnauthorized}
}

func BadRequest(message string) *AppError {
	if message == "" {
		message = "bad request"
	}
	return &AppError{Code: CodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func Database(err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: "database operation failed",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func Internal(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Helpers

// Is reports whether err carries the given application error code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// AsAppError converts any error into an AppError, wrapping unknown errors
// as internal.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// CodeOf extracts the application error code, or CodeInternalError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}

// StatusOf extracts the HTTP status, defaulting to 500.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
