package storefront

import (
	"context"
	"encoding/json"
)

// Authenticator gates paid installs on a signed-in user.
type Authenticator interface {
	// LoggedIn reports whether a user session is active.
	LoggedIn() bool

	// Login runs the external login flow. It returns an error when the user
	// aborts or the login fails.
	Login(ctx context.Context) error
}

// Cache is the process-wide store of prior API responses.
// All methods must be safe to call concurrently with readers.
type Cache interface {
	// Get returns the cached value for key.
	Get(key string) (json.RawMessage, bool)

	// Set stores a value under key.
	Set(key string, value json.RawMessage)

	// Invalidate drops the entry for key, if any.
	Invalidate(key string)

	// RewriteWhere replaces in place every entry whose key matches, returning
	// the number of entries rewritten.
	RewriteWhere(match func(key string) bool, rewrite func(value json.RawMessage) json.RawMessage) int
}

// API is the storefront backend as seen by the workflow.
type API interface {
	// URL resolves a named endpoint to an absolute URL.
	URL(name string) string

	// Params resolves a named endpoint with query parameters. The result is
	// also the cache key for GET requests to that URL.
	Params(name string, params map[string]string) string

	// Sign resolves a server-provided path against the API base URL and
	// attaches the user's credentials.
	Sign(path string) string

	// Get performs a GET request.
	Get(ctx context.Context, url string) (*Response, error)

	// Post performs a POST request with a JSON body.
	Post(ctx context.Context, url string, body interface{}) (*Response, error)
}

// Purchaser runs the purchase flow for a product.
type Purchaser interface {
	// Purchase resolves with the product once payment is confirmed. Failures
	// are *Error values carrying a ReasonCode.
	Purchase(ctx context.Context, product *Product) (*Product, error)
}

// Installer installs applications.
type Installer interface {
	// Install installs the product and returns its runtime handle.
	Install(ctx context.Context, product *Product, opts InstallOptions) (InstallerHandle, error)
}

// Notifier shows user-visible messages. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// Tracker records analytics events. Implementations must not block or fail.
type Tracker interface {
	Track(category, label, value string, position int)
}

// Refresher asks the UI to reload the current view.
type Refresher interface {
	Reload()
}

// ButtonController drives the visual state of install buttons. All methods
// are idempotent and purely visual.
type ButtonController interface {
	// SetBusy replaces the button label and adds a state class.
	SetBusy(handle, label, class string)

	// Spin remembers the current label and shows the spinner.
	Spin(handle string)

	// RevertIfSpinning reverts the button only if it still shows the
	// spinner, atomically, and reports whether it did.
	RevertIfSpinning(handle string) bool

	// Revert restores the remembered label, or fallbackLabel when given.
	Revert(handle, fallbackLabel string)

	// MarkInstalled flips the button for manifestURL to its launch state. When
	// handle is empty the button is looked up by manifest URL.
	MarkInstalled(manifestURL string, installer InstallerHandle, handle string)

	// Position returns the index of the button among mounted buttons, or -1.
	Position(handle string) int
}

// AttemptRecorder persists the terminal outcome of install attempts.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, record AttemptRecord) error
}
