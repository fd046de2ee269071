package services

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeInvalidArgument ErrorType = "invalid_argument"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeInvalidState    ErrorType = "invalid_state"
	ErrorTypeExpired         ErrorType = "expired"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeForbidden       ErrorType = "forbidden"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels are shared values; use them with errors.Is, never mutate them.
// Build a fresh error with NewDomainError when details are needed.
var (
	ErrElevationNotFound = NewDomainError(ErrorTypeNotFound, "elevation request not found", nil)

	ErrEmptyReason         = NewDomainError(ErrorTypeInvalidArgument, "reason is required by policy", nil)
	ErrInvalidElevation    = NewDomainError(ErrorTypeInvalidArgument, "unknown elevation type", nil)
	ErrElevationNotAllowed = NewDomainError(ErrorTypeInvalidArgument, "elevation type not allowed by policy", nil)
	ErrRestrictedCommand   = NewDomainError(ErrorTypeInvalidArgument, "command contains restricted pattern", nil)
	ErrInvalidPolicyConfig = NewDomainError(ErrorTypeInvalidArgument, "invalid policy configuration", nil)

	ErrDuplicateLiveRequest = NewDomainError(ErrorTypeConflict, "a live elevation request already exists for this session and target", nil)
	ErrStaleConfig          = NewDomainError(ErrorTypeConflict, "policy configuration was changed concurrently", nil)

	ErrInvalidState   = NewDomainError(ErrorTypeInvalidState, "operation not permitted in current state", nil)
	ErrRequestExpired = NewDomainError(ErrorTypeExpired, "request already expired", nil)
	ErrStoreTimeout   = NewDomainError(ErrorTypeTimeout, "storage operation timed out", nil)

	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrForbidden    = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsInvalidArgumentError checks if an error is an invalid argument error
func IsInvalidArgumentError(err error) bool { return hasType(err, ErrorTypeInvalidArgument) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return hasType(err, ErrorTypeConflict) }

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsInvalidStateError checks if an error is an invalid state error
func IsInvalidStateError(err error) bool { return hasType(err, ErrorTypeInvalidState) }

// IsExpiredError checks if an error is an expired error
func IsExpiredError(err error) bool { return hasType(err, ErrorTypeExpired) }

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool { return hasType(err, ErrorTypeTimeout) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return hasType(err, ErrorTypeInternal) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return hasType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return hasType(err, ErrorTypeForbidden) }

// IsRetryable reports whether the audit path should retry after err
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeoutError(err) || IsInternalError(err) {
		return true
	}
	return GetErrorType(err) == ""
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapStorage classifies a storage failure: deadline overruns become
// Timeout, everything else Internal. Domain errors pass through.
func WrapStorage(message string, err error) error {
	if err == nil {
		return nil
	}
	if GetErrorType(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewDomainError(ErrorTypeTimeout, message+": timed out", err)
	}
	return NewDomainError(ErrorTypeInternal, message, err)
}
