package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: request timeouts, broker unavailable.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help
	// without the caller changing something first.
	// Examples: missing fields, unknown checkout.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates that no capacity exists to serve the request.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or bugs.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types. The string value is the code
// carried by the wire error envelope.
type ErrorCode string

// Error codes.
const (
	ErrCodeBadRequest      ErrorCode = "bad_request"      // Required field missing or malformed
	ErrCodeNoCheckouts     ErrorCode = "no_checkouts"     // Assignment with zero registered checkouts
	ErrCodeUnknownCheckout ErrorCode = "unknown_checkout" // Operation on an unregistered checkout id
	ErrCodeTimeout         ErrorCode = "timeout"          // No correlated reply within the deadline
	ErrCodeInvalidArgument ErrorCode = "invalid_argument" // Negative input to a numeric computation

	ErrCodeUnavailable ErrorCode = "unavailable" // Transport not connected or closed
	ErrCodeCanceled    ErrorCode = "canceled"    // Caller gave up
	ErrCodeInternal    ErrorCode = "internal"    // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient
	case ErrCodeBadRequest, ErrCodeUnknownCheckout, ErrCodeInvalidArgument, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeNoCheckouts:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeBadRequest:      "bad request",
	ErrCodeNoCheckouts:     "no checkouts available",
	ErrCodeUnknownCheckout: "unregistered checkout",
	ErrCodeTimeout:         "request timed out",
	ErrCodeInvalidArgument: "invalid argument",
	ErrCodeUnavailable:     "transport unavailable",
	ErrCodeCanceled:        "operation canceled",
	ErrCodeInternal:        "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

// KnownCode reports whether s names one of the codes above.
func KnownCode(s string) bool {
	_, ok := codeDescriptions[ErrorCode(s)]
	return ok
}
