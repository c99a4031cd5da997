package payments

// Payment error names that mean the user backed out.
const (
	// ErrorNameCancelled is sent by the payment processor.
	ErrorNameCancelled = "cancelled"

	// ErrorNameDialogClosed is sent by the trusted UI on cancellation.
	ErrorNameDialogClosed = "DIALOG_CLOSED_BY_USER"

	// errorNameDialogClosedLegacy is the localized string older devices send
	// in place of ErrorNameDialogClosed. Only the literal English form is
	// recognized.
	errorNameDialogClosedLegacy = "Dialog closed by the user"
)

// User-visible payment messages.
const (
	MessagePaymentCancelled = "Payment cancelled"
	MessagePaymentFailed    = "Payment failed. Try again later."
	MessageUnsupported      = "Your device does not support purchases."
	MessageServerError      = "Error while communicating with server. Try again later."
)

// IsCancellation reports whether a payment error name means the user
// dismissed the payment.
func IsCancellation(name string) bool {
	switch name {
	case ErrorNameCancelled, errorNameDialogClosedLegacy, ErrorNameDialogClosed:
		return true
	default:
		return false
	}
}

// ClassifyPaymentError returns the message shown to the user for a payment
// error name.
func ClassifyPaymentError(name string) string {
	if IsCancellation(name) {
		return MessagePaymentCancelled
	}
	return MessagePaymentFailed
}
