package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrCodeTooLarge        ErrorCode = "PAYLOAD_TOO_LARGE"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Service configuration
	ErrCodeServiceUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeStorageNotConfigured ErrorCode = "STORAGE_NOT_CONFIGURED"

	// Gateway & relay
	ErrCodeGatewayNotReady ErrorCode = "GATEWAY_NOT_READY"
	ErrCodeRelayFailed     ErrorCode = "RELAY_FAILED"

	// Storage
	ErrCodeMountDiagnostic ErrorCode = "MOUNT_DIAGNOSTIC_ERROR"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeSandbox  ErrorCode = "SANDBOX_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func BadRequest(message string) *AppError {
	return New(ErrCodeBadRequest, message)
}

func PayloadTooLarge(limit int64) *AppError {
	return New(ErrCodeTooLarge, "Request body too large").
		WithDetails(map[string]any{"maxBytes": limit})
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

// ServiceUnavailable reports a server-side secret or setting that is not
// configured. It is distinct from Unauthorized so callers can tell a bad
// credential from a service that cannot authenticate anyone yet.
func ServiceUnavailable(message string) *AppError {
	return New(ErrCodeServiceUnavailable, message)
}

func StorageNotConfigured(missing []string) *AppError {
	return New(ErrCodeStorageNotConfigured, "Storage is not configured").
		WithDetails(map[string]any{"missing": missing})
}

// GatewayNotReady carries the id of the process that was started (if any)
// so the caller can inspect or kill it without looking it up again.
func GatewayNotReady(processID string, cause error) *AppError {
	err := Wrap(ErrCodeGatewayNotReady, "Gateway not ready", cause)
	details := map[string]any{}
	if processID != "" {
		details["processId"] = processID
	}
	if cause != nil {
		details["reason"] = cause.Error()
	}
	return err.WithDetails(details)
}

func RelayFailed(cause error) *AppError {
	err := Wrap(ErrCodeRelayFailed, "Failed to forward event to gateway", cause)
	if cause != nil {
		err.Details = map[string]any{"reason": cause.Error()}
	}
	return err
}

func MountDiagnostic(probe string, cause error) *AppError {
	return Wrap(ErrCodeMountDiagnostic, fmt.Sprintf("Mount diagnostic %q failed", probe), cause)
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func Sandbox(cause error) *AppError {
	return Wrap(ErrCodeSandbox, "Sandbox unavailable", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
