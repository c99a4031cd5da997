package storefront

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// PremiumType represents the pricing model of a product.
type PremiumType string

const (
	// PremiumTypeFree is a free app.
	PremiumTypeFree PremiumType = "free"

	// PremiumTypeFreeInApp is a free app with in-app purchases.
	PremiumTypeFreeInApp PremiumType = "free-inapp"

	// PremiumTypePremium is a paid app.
	PremiumTypePremium PremiumType = "premium"

	// PremiumTypePremiumInApp is a paid app with in-app purchases.
	PremiumTypePremiumInApp PremiumType = "premium-inapp"

	// PremiumTypeOther is any other pricing model.
	PremiumTypeOther PremiumType = "other"
)

// IsFree returns true for the pricing models that never need a receipt.
func (t PremiumType) IsFree() bool {
	return t == PremiumTypeFree || t == PremiumTypeFreeInApp
}

// Validate checks if the premium type is valid.
func (t PremiumType) Validate() error {
	switch t {
	case PremiumTypeFree, PremiumTypeFreeInApp, PremiumTypePremium,
		PremiumTypePremiumInApp, PremiumTypeOther:
		return nil
	default:
		return fmt.Errorf("invalid premium type: %s", t)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (t *PremiumType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*t = PremiumType(str)
	return t.Validate()
}

// AttemptStatus represents the terminal status of an install attempt.
type AttemptStatus string

const (
	// AttemptStatusRunning indicates the attempt has not settled yet.
	AttemptStatusRunning AttemptStatus = "running"

	// AttemptStatusInstalled indicates the app was installed.
	AttemptStatusInstalled AttemptStatus = "installed"

	// AttemptStatusCancelled indicates the user backed out.
	AttemptStatusCancelled AttemptStatus = "cancelled"

	// AttemptStatusFailed indicates the attempt failed.
	AttemptStatusFailed AttemptStatus = "failed"
)

// IsTerminal returns true if the status represents a final state.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusInstalled || s == AttemptStatusCancelled || s == AttemptStatusFailed
}

// StatusForError maps an attempt error onto its terminal status.
func StatusForError(err error) AttemptStatus {
	switch {
	case err == nil:
		return AttemptStatusInstalled
	case IsCancelled(err):
		return AttemptStatusCancelled
	default:
		return AttemptStatusFailed
	}
}

// Endpoint names understood by the API client.
const (
	EndpointInstalled     = "installed"
	EndpointPrepareNavPay = "prepare_nav_pay"
	EndpointRecordPaid    = "record_paid"
	EndpointRecordFree    = "record_free"
	EndpointReviews       = "reviews"
	EndpointLogin         = "login"
)

// RecordEndpoint returns the install-record endpoint for a product.
func RecordEndpoint(receiptRequired bool) string {
	if receiptRequired {
		return EndpointRecordPaid
	}
	return EndpointRecordFree
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
