package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a RelayError, it wraps it with the new message and keeps
// its code, category, and retryability.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var relayErr *Error
	if errors.As(err, &relayErr) {
		wrapped := &Error{
			code:         relayErr.code,
			category:     relayErr.category,
			message:      message,
			cause:        err,
			metadata:     relayErr.Metadata(),
			retryable:    relayErr.retryable,
			agentID:      relayErr.agentID,
			conversation: relayErr.conversation,
			pattern:      relayErr.pattern,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsRelayError attempts to extract a RelayError from an error chain.
// Returns nil if no RelayError is found.
func AsRelayError(err error) RelayError {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Retryable()
	}
	// Default to not retryable for non-RelayErrors
	return false
}

// IsConstruction checks if the error is a construction error.
func IsConstruction(err error) bool {
	return IsCategory(err, CategoryConstruction)
}

// IsParse checks if the error is a parse error.
func IsParse(err error) bool {
	return IsCategory(err, CategoryParse)
}

// IsPublish checks if the error is a publish error.
func IsPublish(err error) bool {
	return IsCategory(err, CategoryPublish)
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not a RelayError.
func Code(err error) ErrorCode {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.code
	}
	return ""
}

// Category extracts the error category from an error, if available.
// Returns empty string if err is not a RelayError.
func Category(err error) ErrorCategory {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.category
	}
	return ""
}

// Join combines multiple errors into a single error.
// Uses errors.Join from the standard library.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
