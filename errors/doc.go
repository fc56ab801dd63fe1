// Package errors provides the structured error taxonomy shared by the
// assignment engine, the coordination service and the request/response
// adapter.
//
// # Error Codes
//
// Each error carries a code whose string value is the code field of the wire
// error envelope:
//
//   - bad_request: a required field is missing
//   - no_checkouts: assignment attempted with zero registered checkouts
//   - unknown_checkout: operation referencing an unregistered id
//   - timeout: no correlated reply within the deadline
//   - invalid_argument: negative input to the service-time computation
//
// # Error Categories
//
// Codes map onto categories that drive retry decisions:
//
//   - Transient: timeout, unavailable
//   - Permanent: bad_request, unknown_checkout, invalid_argument
//   - Resource: no_checkouts (a checkout may register later)
//   - Internal: everything unexpected
//
// # Usage
//
//	err := errors.UnknownCheckout("C7")
//	if errors.Is(err, errors.ErrCodeUnknownCheckout) {
//	    // re-register
//	}
//
// Wrapping keeps the code of the innermost structured error:
//
//	err = errors.Wrap(err, "checkout_next")
//	errors.Code(err) // unknown_checkout
package errors
