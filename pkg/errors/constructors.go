package errors

import (
	"errors"
	"fmt"
)

// New creates a new Error with the specified code and message.
// Use this for creating errors without an underlying cause.
//
// Example:
//
//	err := errors.New(errors.CodeValidation, "flow type is required")
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with the specified code and formatted message.
// Use this for creating errors with dynamic content in the message.
//
// Example:
//
//	err := errors.Newf(errors.CodeNotFoundFlow, "flow %q not found", flowID)
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
// The wrapped error becomes the Cause of the new error.
// If err is nil, Wrap returns nil.
//
// Example:
//
//	row := tx.QueryRow(ctx, sql, args...)
//	if err := row.Scan(&rec.FlowID); err != nil {
//	    return errors.Wrap(err, errors.CodeInternalDatabase, "failed to load flow")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with a formatted message.
// The wrapped error becomes the Cause of the new error.
// If err is nil, Wrapf returns nil.
//
// Example:
//
//	err := errors.Wrapf(err, errors.CodeInternalDatabase, "failed to load flow %q", flowID)
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Validation creates a new validation error.
// This is a convenience function equivalent to New(CodeValidation, message).
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a new validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFound creates a new not found error.
// Use this both for genuinely absent resources and for resources outside
// the caller's tenant scope; the two must be indistinguishable.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// NotFoundf creates a new not found error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

// FlowNotFound creates a not found error for a flow lookup. The message
// deliberately does not reveal whether the flow exists under another tenant.
func FlowNotFound(flowID string) *Error {
	return Newf(CodeNotFoundFlow, "flow %q not found", flowID)
}

// InvalidState creates a new invalid-state error.
// Use this when an operation is forbidden from the flow's current state,
// such as resuming a flow that is not paused.
func InvalidState(message string) *Error {
	return New(CodeInvalidState, message)
}

// InvalidStatef creates a new invalid-state error with a formatted message.
func InvalidStatef(format string, args ...any) *Error {
	return Newf(CodeInvalidState, format, args...)
}

// ReadinessNotMet creates a readiness gate error carrying the ordered list
// of unmet requirements in the Details map under "missing_requirements".
//
// Example:
//
//	err := errors.ReadinessNotMet(result.MissingRequirements)
func ReadinessNotMet(missing []string) *Error {
	e := New(CodeReadinessNotMet, "flow output does not meet readiness requirements")
	return e.WithDetail("missing_requirements", missing)
}

// Conflict creates a new conflict error.
// Use this when an operation conflicts with the current state.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// DuplicateOperation creates a conflict error for a duplicated idempotent
// operation that is already in progress or completed.
func DuplicateOperation(key string) *Error {
	return Newf(CodeConflictDuplicateOperation,
		"operation with idempotency key %q is already in progress or completed", key)
}

// Internal creates a new internal error.
// Use this for unexpected system failures that should not expose details to users.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Internalf creates a new internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// Unavailable creates a new service unavailable error.
// Use this when a storage backend or collaborator is temporarily unavailable.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Timeout creates a new timeout error.
// Use this when an operation exceeds its time limit.
func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}

// FromError converts a standard error to an Error.
// If the error is already an *Error, it is returned as-is.
// Otherwise, it is wrapped as an internal error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
