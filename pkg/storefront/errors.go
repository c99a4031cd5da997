package storefront

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an install attempt ended without an installed app.
type ErrorKind string

const (
	// KindUserCancelled indicates the login or payment dialog was aborted.
	KindUserCancelled ErrorKind = "USER_CANCELLED"

	// KindServerError indicates a transport or application-level backend failure.
	KindServerError ErrorKind = "SERVER_ERROR"

	// KindTimeout indicates payment confirmation exceeded its deadline.
	KindTimeout ErrorKind = "TIMEOUT"

	// KindInstallFailed indicates the installer capability failed.
	KindInstallFailed ErrorKind = "INSTALL_FAILED"
)

// ReasonCode is the rejection code reported by the payment flow.
type ReasonCode string

const (
	// ReasonCancelled is reported when the purchase was cancelled or refused.
	ReasonCancelled ReasonCode = "CANCELLED"

	// ReasonServerError is reported when the backend could not be reached.
	ReasonServerError ReasonCode = "SERVER_ERROR"

	// ReasonInstallError is reported when payment confirmation timed out.
	ReasonInstallError ReasonCode = "INSTALL_ERROR"
)

// Kind maps a payment reason code onto an error kind.
func (r ReasonCode) Kind() ErrorKind {
	switch r {
	case ReasonCancelled:
		return KindUserCancelled
	case ReasonInstallError:
		return KindTimeout
	default:
		return KindServerError
	}
}

// Error is a classified install or purchase failure.
type Error struct {
	// Kind is the classification surfaced to the UI.
	Kind ErrorKind `json:"kind"`

	// Reason is the payment reason code, when the failure came from the payment flow.
	Reason ReasonCode `json:"reason,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Product is the product the attempt was for. It is the same pointer the
	// caller passed in, so callers can inspect its UserState after a failure.
	Product *Product `json:"-"`

	// Notified is set once the user has been shown a message for this failure.
	Notified bool `json:"notified"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Reason != "" {
		msg = fmt.Sprintf("[%s/%s] %s", e.Kind, e.Reason, e.Message)
	}
	if e.Product != nil && e.Product.Slug != "" {
		msg = fmt.Sprintf("%s (app=%s)", msg, e.Product.Slug)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return e.Kind == t.Kind
}

// WithProduct attaches the product to the error.
func (e *Error) WithProduct(p *Product) *Error {
	e.Product = p
	return e
}

// WithReason sets the payment reason code.
func (e *Error) WithReason(r ReasonCode) *Error {
	e.Reason = r
	return e
}

// MarkNotified records that the user has already been told about the failure.
func (e *Error) MarkNotified() *Error {
	e.Notified = true
	return e
}

// NewCancelledError creates a USER_CANCELLED error.
func NewCancelledError(message string, err error) *Error {
	return &Error{Kind: KindUserCancelled, Message: message, Err: err}
}

// NewServerError creates a SERVER_ERROR error.
func NewServerError(message string, err error) *Error {
	return &Error{Kind: KindServerError, Message: message, Err: err}
}

// NewTimeoutError creates a TIMEOUT error.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

// NewInstallFailedError creates an INSTALL_FAILED error.
func NewInstallFailedError(message string, err error) *Error {
	return &Error{Kind: KindInstallFailed, Message: message, Err: err}
}

// NewPaymentError creates an error from a payment reason code.
func NewPaymentError(reason ReasonCode, product *Product, message string, err error) *Error {
	return &Error{
		Kind:    reason.Kind(),
		Reason:  reason,
		Message: message,
		Product: product,
		Err:     err,
	}
}

// ErrAttemptInFlight is returned when attempt deduplication is enabled and an
// attempt for the same product has not settled yet.
var ErrAttemptInFlight = errors.New("install attempt already in flight")

// ErrIneligible is returned when the eligibility policy rejects a product.
var ErrIneligible = errors.New("product is not eligible for install")

// KindOf returns the error kind, or an empty kind for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the payment reason code, if any.
func ReasonOf(err error) ReasonCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// WasNotified reports whether the user has already been shown this failure.
func WasNotified(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Notified
	}
	return false
}

// IsCancelled returns true if the error is classified as USER_CANCELLED.
func IsCancelled(err error) bool {
	return KindOf(err) == KindUserCancelled
}

// IsServerError returns true if the error is classified as SERVER_ERROR.
func IsServerError(err error) bool {
	return KindOf(err) == KindServerError
}

// IsTimeout returns true if the error is classified as TIMEOUT.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsInstallFailed returns true if the error is classified as INSTALL_FAILED.
func IsInstallFailed(err error) bool {
	return KindOf(err) == KindInstallFailed
}
