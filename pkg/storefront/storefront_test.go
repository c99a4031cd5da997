package storefront

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestReceiptRequired(t *testing.T) {
	tests := []struct {
		premium  PremiumType
		simulate bool
		want     bool
	}{
		{PremiumTypeFree, false, false},
		{PremiumTypeFree, true, false},
		{PremiumTypeFreeInApp, false, false},
		{PremiumTypePremium, false, true},
		{PremiumTypePremium, true, false},
		{PremiumTypePremiumInApp, false, true},
		{PremiumTypeOther, false, true},
		{PremiumTypeOther, true, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/simulate=%v", tt.premium, tt.simulate), func(t *testing.T) {
			if got := ReceiptRequired(tt.premium, tt.simulate); got != tt.want {
				t.Errorf("ReceiptRequired(%s, %v) = %v, want %v", tt.premium, tt.simulate, got, tt.want)
			}
		})
	}
}

func TestPremiumTypeUnmarshal(t *testing.T) {
	var p Product
	if err := json.Unmarshal([]byte(`{"slug":"a","premium_type":"premium-inapp"}`), &p); err != nil {
		t.Fatalf("Failed to unmarshal product: %v", err)
	}
	if p.PremiumType != PremiumTypePremiumInApp {
		t.Errorf("Expected premium-inapp, got %s", p.PremiumType)
	}

	if err := json.Unmarshal([]byte(`{"premium_type":"lifetime"}`), &p); err == nil {
		t.Error("Expected error for an unknown premium type")
	}
}

func TestProductHelpers(t *testing.T) {
	p := &Product{ID: 7, Name: "Chess"}
	if got := p.TrackingValue(); got != "Chess:7" {
		t.Errorf("Unexpected tracking value %q", got)
	}
	if got := p.PaymentLabel(); got != "free" {
		t.Errorf("Expected free, got %q", got)
	}

	p.ReceiptRequired = true
	if got := p.PaymentLabel(); got != "paid" {
		t.Errorf("Expected paid, got %q", got)
	}

	if !p.EnsureUser() {
		t.Error("Expected EnsureUser to create the user record")
	}
	if p.User == nil {
		t.Fatal("User record not created")
	}
	if p.User.Purchased {
		t.Error("A new user record must not be purchased")
	}

	p.User.Purchased = true
	if p.EnsureUser() {
		t.Error("EnsureUser must keep an existing record")
	}
	if !p.User.Purchased {
		t.Error("Existing user record was replaced")
	}
}

func TestRecordEndpoint(t *testing.T) {
	if got := RecordEndpoint(true); got != EndpointRecordPaid {
		t.Errorf("Expected %s for paid, got %s", EndpointRecordPaid, got)
	}
	if got := RecordEndpoint(false); got != EndpointRecordFree {
		t.Errorf("Expected %s for free, got %s", EndpointRecordFree, got)
	}
}

func TestReasonCodeKind(t *testing.T) {
	tests := []struct {
		reason ReasonCode
		want   ErrorKind
	}{
		{ReasonCancelled, KindUserCancelled},
		{ReasonServerError, KindServerError},
		{ReasonInstallError, KindTimeout},
	}
	for _, tt := range tests {
		if got := tt.reason.Kind(); got != tt.want {
			t.Errorf("%s.Kind() = %s, want %s", tt.reason, got, tt.want)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	product := &Product{Slug: "chess"}
	cause := errors.New("connection reset")

	err := NewPaymentError(ReasonServerError, product, "failed to prepare payment", cause).MarkNotified()
	wrapped := fmt.Errorf("purchase: %w", err)

	if !IsServerError(wrapped) {
		t.Error("Expected a server error")
	}
	if IsCancelled(wrapped) {
		t.Error("Server error must not be a cancellation")
	}
	if ReasonOf(wrapped) != ReasonServerError {
		t.Errorf("Unexpected reason %s", ReasonOf(wrapped))
	}
	if !WasNotified(wrapped) {
		t.Error("Expected the notified mark to survive wrapping")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("Expected the cause to be unwrapped")
	}
	for _, want := range []string{"app=chess", "SERVER_ERROR/SERVER_ERROR"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %q", want, err.Error())
		}
	}

	// Matching by kind, optionally narrowed by reason.
	if !errors.Is(wrapped, &Error{Kind: KindServerError}) {
		t.Error("Expected a match on kind")
	}
	if !errors.Is(wrapped, &Error{Kind: KindServerError, Reason: ReasonServerError}) {
		t.Error("Expected a match on kind and reason")
	}
	if errors.Is(wrapped, &Error{Kind: KindServerError, Reason: ReasonCancelled}) {
		t.Error("A different reason must not match")
	}

	plain := errors.New("boom")
	if KindOf(plain) != "" {
		t.Errorf("Expected no kind for a plain error, got %s", KindOf(plain))
	}
	if WasNotified(plain) {
		t.Error("A plain error is never notified")
	}
}

func TestErrorBuilders(t *testing.T) {
	p := &Product{Slug: "chess"}
	err := NewTimeoutError("too slow", nil).WithProduct(p).WithReason(ReasonInstallError)

	if err.Product != p {
		t.Error("WithProduct did not attach the product")
	}
	if err.Reason != ReasonInstallError {
		t.Errorf("Unexpected reason %s", err.Reason)
	}
	if err.Notified {
		t.Error("A new error is not notified")
	}
	if !IsTimeout(err) {
		t.Error("Expected a timeout")
	}
	if !IsInstallFailed(NewInstallFailedError("x", nil)) {
		t.Error("Expected an install failure")
	}
	if !IsCancelled(NewCancelledError("x", nil)) {
		t.Error("Expected a cancellation")
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want AttemptStatus
	}{
		{"success", nil, AttemptStatusInstalled},
		{"cancelled", NewCancelledError("login aborted", nil), AttemptStatusCancelled},
		{"server error", NewServerError("down", nil), AttemptStatusFailed},
		{"plain error", errors.New("boom"), AttemptStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForError(tt.err); got != tt.want {
				t.Errorf("StatusForError() = %s, want %s", got, tt.want)
			}
		})
	}

	if AttemptStatusRunning.IsTerminal() {
		t.Error("Running is not terminal")
	}
	if !AttemptStatusFailed.IsTerminal() {
		t.Error("Failed is terminal")
	}
}
