// Package errors provides the structured error type used across the
// flashcard pipeline core. Every failure that crosses a component
// boundary (cache, limiter, breaker, retry, LLM client, queue) is
// normalized into an AppError so that the orchestrator can classify
// and report it uniformly.
package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorType is one of the domain error kinds named by the reliability
// envelope: it drives retry classification, HTTP-equivalent status
// reporting, and safe user-facing messages.
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeRateLimited     ErrorType = "rate_limited"
	ErrorTypeBreakerOpen     ErrorType = "breaker_open"
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeAuth            ErrorType = "auth"
	ErrorTypeQuotaExhausted  ErrorType = "quota_exhausted"
	ErrorTypeInvalidResponse ErrorType = "invalid_response"
	ErrorTypeSchemaValidation ErrorType = "schema_validation"
	ErrorTypePersistence     ErrorType = "persistence"
	ErrorTypeCancelled       ErrorType = "cancelled"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeInternal        ErrorType = "internal"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation:       http.StatusBadRequest,
	ErrorTypeNetwork:          http.StatusBadGateway,
	ErrorTypeTimeout:          http.StatusRequestTimeout,
	ErrorTypeRateLimited:      http.StatusTooManyRequests,
	ErrorTypeBreakerOpen:      http.StatusServiceUnavailable,
	ErrorTypeServerError:      http.StatusBadGateway,
	ErrorTypeAuth:             http.StatusUnauthorized,
	ErrorTypeQuotaExhausted:   http.StatusTooManyRequests,
	ErrorTypeInvalidResponse:  http.StatusBadGateway,
	ErrorTypeSchemaValidation: http.StatusUnprocessableEntity,
	ErrorTypePersistence:      http.StatusInternalServerError,
	ErrorTypeCancelled:        499,
	ErrorTypeNotFound:         http.StatusNotFound,
	ErrorTypeConflict:         http.StatusConflict,
	ErrorTypeInternal:         http.StatusInternalServerError,
}

// AttemptRecord captures one try of a retried operation, kept on the
// AppError so the final surfaced error includes the full attempt
// history (spec requirement for the retry executor).
type AttemptRecord struct {
	Attempt int
	Delay   string
	Err     string
}

// AppError is the structured error carried across every component
// boundary in the core.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
	Attempts   []AttemptRecord
	RetryAfter string // provider Retry-After header, when present
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Details != "" {
		b.WriteString(" (")
		b.WriteString(e.Details)
		b.WriteString(")")
	}
	return b.String()
}

func (e *AppError) Unwrap() error { return e.Cause }

// New creates an AppError of the given type.
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusCodes[t]}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap wraps an underlying error as an AppError of the given type.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf wraps an underlying error with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func (e *AppError) WithRetryAfter(d string) *AppError {
	e.RetryAfter = d
	return e
}

func (e *AppError) WithAttempts(a []AttemptRecord) *AppError {
	e.Attempts = a
	return e
}

// Predefined constructors, one per domain kind actually raised by the
// core's components.

func NewValidationError(message string) *AppError { return New(ErrorTypeValidation, message) }

func NewAuthError(message string) *AppError { return New(ErrorTypeAuth, message) }

func NewTimeoutError(operation string) *AppError {
	return Newf(ErrorTypeTimeout, "operation timed out: %s", operation)
}

func NewRateLimitedError(service string) *AppError {
	return Newf(ErrorTypeRateLimited, "rate limited: %s", service)
}

func NewBreakerOpenError(service string) *AppError {
	return Newf(ErrorTypeBreakerOpen, "circuit open: %s", service)
}

func NewPersistenceError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypePersistence, "persistence operation failed: %s", operation)
}

func NewNotFoundError(resource string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", resource)
}

func NewConflictError(message string) *AppError { return New(ErrorTypeConflict, message) }

// IsType reports whether err is an AppError of the given type.
func IsType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == t
}

// GetType returns err's ErrorType, or ErrorTypeInternal for non-AppErrors.
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP-equivalent status code for err.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds the safe, user-facing text for error kinds whose
// internal detail must never be echoed back verbatim (it may contain
// provider payloads or internal identifiers).
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
	ServiceUnavailable     string
	QuotaExhausted         string
	UpstreamInvalid        string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please try again later",
	ConcurrentModification: "The resource was modified concurrently",
	ServiceUnavailable:     "The service is temporarily unavailable",
	QuotaExhausted:         "The provider quota has been exhausted",
	UpstreamInvalid:        "The upstream service returned an invalid response",
}

// SafeErrorMessage returns a message safe to surface to a report or
// log sink without leaking secrets (api keys, auth headers) or raw
// provider payloads.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation, ErrorTypeSchemaValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimited:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	case ErrorTypeBreakerOpen:
		return ErrorMessages.ServiceUnavailable
	case ErrorTypeQuotaExhausted:
		return ErrorMessages.QuotaExhausted
	case ErrorTypeInvalidResponse, ErrorTypeNetwork, ErrorTypeServerError:
		return ErrorMessages.UpstreamInvalid
	default:
		return "An internal error occurred"
	}
}

// LogFields renders err as structured logging fields, never including
// raw secrets.
func LogFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins non-nil errors into a single error, in order, dropping
// any nils. Returns nil if every argument is nil, and the bare error
// if exactly one is non-nil.
func Chain(errs ...error) error {
	var msgs []string
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
			msgs = append(msgs, e.Error())
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return fmt.Errorf("%s", strings.Join(msgs, " -> "))
	}
}

// Classification is the retry-executor's verdict on a failure.
type Classification int

const (
	ClassRetryable Classification = iota
	ClassDeferredBatch
	ClassTerminal
	ClassFatal
)

var retryable = map[ErrorType]bool{
	ErrorTypeNetwork:     true,
	ErrorTypeTimeout:     true,
	ErrorTypeRateLimited: true,
	ErrorTypeServerError: true,
}

var terminal = map[ErrorType]bool{
	ErrorTypeAuth:             true,
	ErrorTypeInvalidResponse:  true,
	ErrorTypeSchemaValidation: true,
}

var fatal = map[ErrorType]bool{
	ErrorTypeQuotaExhausted: true,
	ErrorTypePersistence:    true,
	ErrorTypeInternal:       true,
}

// Classify maps err to the scope at which it should be handled, per
// the error handling design (retryable at item scope, deferred-retry
// at batch scope, terminal for the item, or fatal for the batch).
func Classify(err error) Classification {
	t := GetType(err)
	switch {
	case t == ErrorTypeBreakerOpen:
		return ClassDeferredBatch
	case retryable[t]:
		return ClassRetryable
	case terminal[t]:
		return ClassTerminal
	case fatal[t]:
		return ClassFatal
	default:
		return ClassFatal
	}
}
