package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes. Callers branch on these, never on the message text.
const (
	CodeValidation          = "ERR_VALIDATION"
	CodeNotFound            = "ERR_NOT_FOUND"
	CodeForbidden           = "ERR_FORBIDDEN"
	CodeUnauthorized        = "ERR_UNAUTHORIZED"
	CodeConflict            = "ERR_CONFLICT"
	CodeIdempotencyConflict = "ERR_IDEMPOTENCY_CONFLICT"
	CodeIdempotencyInFlight = "ERR_IDEMPOTENCY_IN_FLIGHT"
	CodeProductUnavailable  = "ERR_PRODUCT_UNAVAILABLE"
	CodeUpstreamUnavailable = "ERR_UPSTREAM_UNAVAILABLE"
	CodeInvalidWebhook      = "ERR_INVALID_WEBHOOK"
	CodeInternal            = "ERR_INTERNAL"
)

var codeStatus = map[string]int{
	CodeValidation:          http.StatusBadRequest,
	CodeNotFound:            http.StatusNotFound,
	CodeForbidden:           http.StatusForbidden,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeConflict:            http.StatusConflict,
	CodeIdempotencyConflict: http.StatusConflict,
	CodeIdempotencyInFlight: http.StatusConflict,
	CodeProductUnavailable:  http.StatusConflict,
	CodeUpstreamUnavailable: http.StatusBadGateway,
	CodeInvalidWebhook:      http.StatusBadRequest,
	CodeInternal:            http.StatusInternalServerError,
}

// FieldError is a field-level validation detail.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a domain error carrying a stable code and the HTTP status it maps to.
type Error struct {
	Code    string
	Message string
	Status  int
	Details []FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so errors.Is(err, &Error{Code: CodeNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithDetails attaches field errors and returns e.
func (e *Error) WithDetails(details ...FieldError) *Error {
	e.Details = append(e.Details, details...)
	return e
}

func New(code, message string, cause error) *Error {
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Message: message, Status: status, Err: cause}
}

func Validation(message string) *Error { return New(CodeValidation, message, nil) }

func NotFound(message string) *Error { return New(CodeNotFound, message, nil) }

func AccessDenied(message string) *Error { return New(CodeForbidden, message, nil) }

func Unauthorized(message string) *Error { return New(CodeUnauthorized, message, nil) }

func Conflict(message string) *Error { return New(CodeConflict, message, nil) }

func IdempotencyConflict() *Error {
	return New(CodeIdempotencyConflict, "Idempotency key already used with different payload", nil)
}

func IdempotencyInFlight() *Error {
	return New(CodeIdempotencyInFlight, "A request with this idempotency key is still being processed", nil)
}

func ProductUnavailable(message string) *Error {
	return New(CodeProductUnavailable, message, nil)
}

func UpstreamUnavailable(message string, cause error) *Error {
	return New(CodeUpstreamUnavailable, message, cause)
}

func InvalidWebhook(message string, cause error) *Error {
	return New(CodeInvalidWebhook, message, cause)
}

func Internal(cause error) *Error {
	return New(CodeInternal, "Internal server error", cause)
}

// From returns err as an *Error, or an internal error wrapping it.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code string) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}
