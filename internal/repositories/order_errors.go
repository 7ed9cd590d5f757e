package repositories

import "fmt"

// OrderErrorCode enumerates failure reasons for order repository operations.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorInvalidInput indicates the caller supplied invalid arguments.
	OrderErrorInvalidInput OrderErrorCode = "order_invalid_input"
	// OrderErrorVersionConflict indicates the expected version no longer matches the stored order.
	OrderErrorVersionConflict OrderErrorCode = "order_version_conflict"
	// OrderErrorInvalidTransition indicates the stored status forbids the requested transition.
	OrderErrorInvalidTransition OrderErrorCode = "order_invalid_transition"
	// OrderErrorPaymentCompleted indicates the order settlement already completed.
	OrderErrorPaymentCompleted OrderErrorCode = "order_payment_completed"
	// OrderErrorPaymentInFlight indicates another payment record is still processing.
	OrderErrorPaymentInFlight OrderErrorCode = "order_payment_in_flight"
	// OrderErrorPaymentNotFound indicates the referenced payment record is missing.
	OrderErrorPaymentNotFound OrderErrorCode = "order_payment_not_found"
)

// OrderError wraps order-specific failures with machine readable codes.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	Message string
	// CurrentStatus carries the stored lifecycle status for transition failures.
	CurrentStatus string
	Err           error
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOrderError constructs a typed order error.
func NewOrderError(code OrderErrorCode, message string, err error) *OrderError {
	if message == "" {
		message = string(code)
	}
	return &OrderError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
