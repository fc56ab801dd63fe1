package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, the code and category are kept.
// Otherwise context errors map to timeout/canceled and anything else to internal.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		wrapped := &Error{
			code:       se.code,
			category:   se.category,
			message:    message,
			cause:      err,
			metadata:   se.Metadata(),
			retryable:  se.retryable,
			timestamp:  se.timestamp,
			checkoutID: se.checkoutID,
			corrID:     se.corrID,
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

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	if se := As(err); se != nil {
		return se.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	if se := As(err); se != nil {
		return se.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors that are not *Error are never retryable.
func IsRetryable(err error) bool {
	if se := As(err); se != nil {
		return se.Retryable()
	}
	return false
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return Is(err, ErrCodeTimeout)
}

// Code extracts the error code from an error, or "" if err is not an *Error.
func Code(err error) ErrorCode {
	if se := As(err); se != nil {
		return se.code
	}
	return ""
}

// CodeOr returns the error code of err, or fallback when err carries none.
func CodeOr(err error, fallback ErrorCode) ErrorCode {
	if c := Code(err); c != "" {
		return c
	}
	return fallback
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
