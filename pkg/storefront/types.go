package storefront

import (
	"encoding/json"
	"time"
)

// Product represents an installable application in the storefront.
type Product struct {
	// ID is the numeric storefront identifier.
	ID int64 `json:"id"`

	// Slug is the URL-safe identifier used by the API.
	Slug string `json:"slug"`

	// Name is the human-readable application name.
	Name string `json:"name"`

	// ManifestURL identifies the application to the installer.
	ManifestURL string `json:"manifest_url" validate:"required,url"`

	// PaymentRequired indicates a purchase must precede the install.
	PaymentRequired bool `json:"payment_required"`

	// PremiumType is the pricing model.
	PremiumType PremiumType `json:"premium_type"`

	// ReceiptRequired is derived from PremiumType and the simulation flag.
	// It is recomputed on every attempt and never trusted from input.
	ReceiptRequired bool `json:"receipt_required"`

	// Version is the application version advertised by the storefront.
	Version string `json:"current_version,omitempty"`

	// IncompatibleReasons lists why the app cannot be installed on this device.
	IncompatibleReasons []string `json:"incompatible_reasons,omitempty"`

	// User is the per-user state. It may be absent on load.
	User *UserState `json:"user,omitempty"`
}

// UserState records the signed-in user's relationship with a product.
type UserState struct {
	Purchased bool `json:"purchased"`
	Installed bool `json:"installed"`
	Developed bool `json:"developed"`
}

// PaymentLabel returns the analytics label used for paid and free apps.
func (p *Product) PaymentLabel() string {
	if p.ReceiptRequired {
		return "paid"
	}
	return "free"
}

// TrackingValue returns the "name:id" value used by install analytics.
func (p *Product) TrackingValue() string {
	return p.Name + ":" + formatID(p.ID)
}

// EnsureUser installs the default UserState when none is present and
// reports whether it had to.
func (p *Product) EnsureUser() bool {
	if p.User != nil {
		return false
	}
	p.User = &UserState{}
	return true
}

// ReceiptRequired reports whether installing an app with the given pricing
// model needs a receipt. Simulated payments never issue receipts.
func ReceiptRequired(premiumType PremiumType, simulatePayments bool) bool {
	return !premiumType.IsFree() && !simulatePayments
}

// InstallOptions carries optional data handed to the installer.
type InstallOptions struct {
	// Receipts are the receipt tokens proving entitlement.
	Receipts []string `json:"receipts,omitempty"`
}

// InstallerHandle is the runtime handle of an installed application.
type InstallerHandle interface {
	// ManifestURL identifies the installed application.
	ManifestURL() string

	// LaunchURL is where the application starts.
	LaunchURL() string
}

// Notification is a user-visible message.
type Notification struct {
	Message string        `json:"message"`
	Classes string        `json:"classes,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Response is a decoded storefront API response.
type Response struct {
	// StatusCode is the HTTP status code.
	StatusCode int `json:"status_code"`

	// Body is the raw JSON body.
	Body json.RawMessage `json:"body,omitempty"`

	// Error is the application-level error reported by the server, if any.
	// It may be set even when the transport succeeded.
	Error string `json:"error,omitempty"`
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// AttemptRecord is the persisted outcome of a single install attempt.
type AttemptRecord struct {
	ID          string        `json:"id"`
	ProductID   int64         `json:"product_id"`
	Slug        string        `json:"slug"`
	ManifestURL string        `json:"manifest_url"`
	Status      AttemptStatus `json:"status"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	Reason      ReasonCode    `json:"reason,omitempty"`
	Message     string        `json:"message,omitempty"`
	Purchased   bool          `json:"purchased"`
	Restarts    int           `json:"restarts"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Duration returns how long the attempt ran.
func (r AttemptRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
