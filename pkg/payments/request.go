package payments

import (
	"fmt"
	"sync"
)

// PaymentError is the error reported by a payment provider.
type PaymentError struct {
	// Name identifies the failure, e.g. "cancelled" or "DIALOG_CLOSED_BY_USER".
	Name string `json:"name"`

	// Message is an optional human-readable description.
	Message string `json:"message,omitempty"`
}

func (e *PaymentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment error %s: %s", e.Name, e.Message)
	}
	return "payment error " + e.Name
}

// Request is an in-flight payment. It settles exactly once, either through
// Succeed or Fail. Each handler slot may be assigned once; an outcome that
// arrives before its handler is held and delivered on assignment.
type Request struct {
	mu        sync.Mutex
	settled   bool
	delivered bool
	err       *PaymentError
	onSuccess func()
	onError   func(*PaymentError)
}

// NewRequest creates an unsettled payment request.
func NewRequest() *Request {
	return &Request{}
}

// OnSuccess assigns the success handler. Later assignments are ignored.
func (r *Request) OnSuccess(fn func()) {
	r.mu.Lock()
	if r.onSuccess == nil {
		r.onSuccess = fn
	}
	r.mu.Unlock()
	r.deliver()
}

// OnError assigns the error handler. Later assignments are ignored.
func (r *Request) OnError(fn func(*PaymentError)) {
	r.mu.Lock()
	if r.onError == nil {
		r.onError = fn
	}
	r.mu.Unlock()
	r.deliver()
}

// Succeed settles the request successfully. It reports whether this call
// settled the request.
func (r *Request) Succeed() bool {
	return r.settle(nil)
}

// Fail settles the request with a named error. It reports whether this call
// settled the request.
func (r *Request) Fail(name, message string) bool {
	return r.settle(&PaymentError{Name: name, Message: message})
}

// Settled reports whether an outcome has been recorded.
func (r *Request) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

func (r *Request) settle(err *PaymentError) bool {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return false
	}
	r.settled = true
	r.err = err
	r.mu.Unlock()

	r.deliver()
	return true
}

// deliver invokes the matching handler once the outcome and handler are both known.
func (r *Request) deliver() {
	r.mu.Lock()
	if !r.settled || r.delivered {
		r.mu.Unlock()
		return
	}

	var call func()
	switch {
	case r.err == nil && r.onSuccess != nil:
		call = r.onSuccess
	case r.err != nil && r.onError != nil:
		err, fn := r.err, r.onError
		call = func() { fn(err) }
	}
	if call == nil {
		r.mu.Unlock()
		return
	}
	r.delivered = true
	r.mu.Unlock()

	call()
}
