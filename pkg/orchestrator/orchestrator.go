package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/openfroyo/storefront/pkg/buttons"
	"github.com/openfroyo/storefront/pkg/registry"
	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// User-visible messages.
const (
	MessageLoginCancelled = "Payment cancelled"
	MessageInstallFailed  = "Install failed. Please try again later."
)

// Analytics categories.
const (
	TrackInstallClicked = "Click to install app"
	TrackInstallSuccess = "Successful app install"
	TrackLaunch         = "Launch app"
)

// Defaults.
const (
	DefaultWatchdogTimeout = 30 * time.Second
	DefaultMaxRestarts     = 3
)

// Config configures an Orchestrator.
type Config struct {
	// WatchdogTimeout is how long a button may spin before it is reverted.
	WatchdogTimeout time.Duration

	// MaxRestarts bounds how many times an attempt restarts after login.
	MaxRestarts int

	// DedupeAttempts rejects a second attempt for a product that is still in flight.
	DedupeAttempts bool

	// Chromeless is reported to the storefront when recording installs.
	Chromeless bool

	// Platform selects the post-install guidance. Defaults to runtime.GOOS.
	Platform string

	// Guidance maps a platform to the "how to run" message shown after install.
	Guidance map[string]string
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		WatchdogTimeout: DefaultWatchdogTimeout,
		MaxRestarts:     DefaultMaxRestarts,
		Platform:        runtime.GOOS,
	}
}

// Gate decides whether a product may be installed. A non-nil error means the
// product is ineligible.
type Gate interface {
	Check(ctx context.Context, product *storefront.Product) error
}

// Simulator reports whether payments are simulated.
type Simulator interface {
	Simulating() bool
}

// Deps are the capabilities the orchestrator drives. Auth, API, Purchaser,
// Installer and Buttons are required.
type Deps struct {
	Auth      storefront.Authenticator
	API       storefront.API
	Cache     storefront.Cache
	Purchaser storefront.Purchaser
	Installer storefront.Installer
	Buttons   storefront.ButtonController
	Notifier  storefront.Notifier
	Tracker   storefront.Tracker
	Refresher storefront.Refresher
	Registry  *registry.Registry
	Simulator Simulator
	Gate      Gate
	Recorder  storefront.AttemptRecorder
	Telemetry *telemetry.Telemetry
}

// Orchestrator runs install attempts. Each attempt runs on the caller's
// goroutine and settles exactly once.
type Orchestrator struct {
	cfg  Config
	deps Deps

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	mu       sync.Mutex
	inFlight map[int64]struct{}

	guidanceMu sync.RWMutex
	guidanceBy map[string]string
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Auth == nil:
		return nil, errors.New("orchestrator: authenticator is required")
	case deps.API == nil:
		return nil, errors.New("orchestrator: api is required")
	case deps.Purchaser == nil:
		return nil, errors.New("orchestrator: purchaser is required")
	case deps.Installer == nil:
		return nil, errors.New("orchestrator: installer is required")
	case deps.Buttons == nil:
		return nil, errors.New("orchestrator: button controller is required")
	}

	if cfg.WatchdogTimeout == 0 {
		cfg.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	if deps.Notifier == nil {
		deps.Notifier = telemetry.NewNotifications(tel.Events, tel.Logger)
	}
	if deps.Tracker == nil {
		deps.Tracker = telemetry.NewAnalytics(tel.Events, tel.Logger)
	}
	if deps.Refresher == nil {
		deps.Refresher = telemetry.NewViewRefresher(tel.Events)
	}

	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		logger:     tel.Logger.NewComponentLogger("orchestrator"),
		metrics:    tel.Metrics,
		tracer:     tel.Tracer,
		events:     tel.Events,
		inFlight:   make(map[int64]struct{}),
		guidanceBy: copyGuidance(cfg.Guidance),
	}, nil
}

// SetGuidance replaces the per-platform "how to run" messages used by
// attempts that finish afterwards.
func (o *Orchestrator) SetGuidance(guidance map[string]string) {
	o.guidanceMu.Lock()
	defer o.guidanceMu.Unlock()
	o.guidanceBy = copyGuidance(guidance)
}

func (o *Orchestrator) guidance() string {
	o.guidanceMu.RLock()
	defer o.guidanceMu.RUnlock()
	return o.guidanceBy[o.cfg.Platform]
}

func copyGuidance(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// RunInstall runs the install workflow for product, driving the button
// identified by handle. It returns the installer handle on success, or a
// *storefront.Error describing why the attempt ended.
//
// Paid products require a signed-in user. When the user has to log in first,
// the whole workflow restarts once the login succeeds.
func (o *Orchestrator) RunInstall(ctx context.Context, product *storefront.Product, handle string) (storefront.InstallerHandle, error) {
	if product == nil {
		return nil, errors.New("product is required")
	}
	logger := o.logger.WithProduct(product.Slug, product.ID)

	if o.deps.Gate != nil {
		if err := o.deps.Gate.Check(ctx, product); err != nil {
			logger.WithError(err).Warn("Install ignored; product is not eligible")
			if errors.Is(err, storefront.ErrIneligible) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", storefront.ErrIneligible, err)
		}
	}

	if o.cfg.DedupeAttempts {
		if !o.acquire(product.ID) {
			logger.Warn("Install ignored; an attempt is already in flight")
			return nil, storefront.ErrAttemptInFlight
		}
		defer o.release(product.ID)
	}

	logger.Infof("Install requested for %s", product.Name)

	for restarts := 0; ; restarts++ {
		if !product.PaymentRequired || o.deps.Auth.LoggedIn() {
			return o.run(ctx, product, handle, restarts)
		}

		if restarts >= o.cfg.MaxRestarts {
			logger.Errorf("Login did not establish a session after %d attempts", restarts)
			return nil, o.loginCancelled(product, errors.New("login did not establish a session"))
		}

		logger.Info("Install suspended; user needs to log in")
		if err := o.deps.Auth.Login(ctx); err != nil {
			logger.WithError(err).Info("Install cancelled; login aborted")
			return nil, o.loginCancelled(product, err)
		}
		o.metrics.RecordAttemptRestart()
	}
}

func (o *Orchestrator) loginCancelled(product *storefront.Product, err error) error {
	o.deps.Notifier.Notify(storefront.Notification{Message: MessageLoginCancelled})
	return storefront.NewCancelledError("login aborted", err).WithProduct(product).MarkNotified()
}

func (o *Orchestrator) acquire(id int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[id]; busy {
		return false
	}
	o.inFlight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, id)
}

// run executes one attempt past the auth gate.
func (o *Orchestrator) run(ctx context.Context, product *storefront.Product, handle string, restarts int) (storefront.InstallerHandle, error) {
	a := newAttempt(product, handle, restarts)
	logger := o.logger.WithAttemptID(a.id).WithProduct(product.Slug, product.ID)

	ctx, span := o.tracer.StartAttemptSpan(ctx, a.id, product.Slug)
	defer func() { telemetry.EndSpan(span, a.err) }()

	if product.EnsureUser() {
		logger.Warn("User data not available; assuming defaults")
	}
	product.ReceiptRequired = storefront.ReceiptRequired(product.PremiumType, o.simulating())
	if product.User.Purchased {
		product.PaymentRequired = false
	}

	o.metrics.RecordAttemptStarted(product.PaymentLabel())
	_ = o.events.PublishAttemptStarted(a.id, product.Slug, handle)

	if product.PaymentRequired {
		logger.Info("Starting payment flow")
		o.deps.Buttons.SetBusy(handle, buttons.LabelPurchasing, buttons.ClassPurchasing)
		if _, err := o.deps.Purchaser.Purchase(ctx, product); err != nil {
			logger.WithError(err).Info("Purchase flow rejected")
			return o.finalize(ctx, a, nil, err)
		}
		logger.Info("Purchase flow completed")
		a.purchased = true
		o.afterPurchase(product, handle)
	}

	o.beginInstall(a, logger)

	opts, err := o.recordInstall(ctx, product, logger)
	if err != nil {
		return o.finalize(ctx, a, nil, err)
	}

	h, err := o.install(ctx, product, opts)
	return o.finalize(ctx, a, h, err)
}

func (o *Orchestrator) simulating() bool {
	return o.deps.Simulator != nil && o.deps.Simulator.Simulating()
}

// afterPurchase reconciles the button, the product and the cache once payment
// is confirmed.
func (o *Orchestrator) afterPurchase(product *storefront.Product, handle string) {
	o.deps.Buttons.SetBusy(handle, buttons.LabelInstall, buttons.ClassPurchased)
	product.User.Purchased = true

	if o.deps.Cache != nil {
		o.deps.Cache.Invalidate(o.deps.API.URL(storefront.EndpointInstalled))

		reviewsKey := o.deps.API.Params(storefront.EndpointReviews, map[string]string{"app": product.Slug})
		o.deps.Cache.RewriteWhere(func(key string) bool {
			return key == reviewsKey
		}, allowRating)
	}
	o.deps.Refresher.Reload()
}

// allowRating sets user.can_rate on a cached reviews response. Unreadable
// entries are left alone.
func allowRating(value json.RawMessage) json.RawMessage {
	var data map[string]interface{}
	if err := json.Unmarshal(value, &data); err != nil || data == nil {
		return nil
	}
	user, ok := data["user"].(map[string]interface{})
	if !ok {
		user = make(map[string]interface{})
	}
	user["can_rate"] = true
	data["user"] = user

	out, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return out
}

// beginInstall tracks the click, shows the spinner and arms the watchdog.
func (o *Orchestrator) beginInstall(a *attempt, logger *telemetry.Logger) {
	product, handle := a.product, a.handle

	o.deps.Tracker.Track(TrackInstallClicked, product.PaymentLabel(), product.TrackingValue(),
		o.deps.Buttons.Position(handle))
	o.deps.Buttons.Spin(handle)

	// The attempt may finish while the watchdog runs, so the spinner check
	// and the revert happen in one step.
	a.armWatchdog(o.cfg.WatchdogTimeout, func() {
		if o.deps.Buttons.RevertIfSpinning(handle) {
			logger.Warn("Spinner timeout")
			o.metrics.RecordWatchdogFired()
		}
	})
}

type recordResponse struct {
	Receipt string `json:"receipt"`
}

// recordInstall tells the storefront about the install and obtains a receipt
// when one is needed.
func (o *Orchestrator) recordInstall(ctx context.Context, product *storefront.Product, logger *telemetry.Logger) (storefront.InstallOptions, error) {
	if product.User.Installed || !product.ReceiptRequired {
		logger.Debug("Receipt not required; skipping record step")
		return storefront.InstallOptions{}, nil
	}

	endpoint := storefront.RecordEndpoint(product.ReceiptRequired)
	ctx, span := o.tracer.StartReceiptSpan(ctx, product.Slug, endpoint)

	chromeless := 0
	if o.cfg.Chromeless {
		chromeless = 1
	}
	resp, err := o.deps.API.Post(ctx, o.deps.API.URL(endpoint), map[string]interface{}{
		"app":        product.ID,
		"chromeless": chromeless,
	})

	var rec recordResponse
	switch {
	case err != nil:
		logger.WithError(err).Error("Could not generate receipt or record install")
		err = storefront.NewServerError("failed to record install", err).WithProduct(product)
	case resp.Error != "":
		logger.WithField("server_error", resp.Error).Error("Server returned error")
		err = storefront.NewServerError(resp.Error, nil).WithProduct(product)
	default:
		if derr := resp.Decode(&rec); derr != nil {
			logger.WithError(derr).Error("Unreadable receipt response")
			err = storefront.NewServerError("unreadable receipt response", derr).WithProduct(product)
		}
	}
	telemetry.EndSpan(span, err)
	if err != nil {
		return storefront.InstallOptions{}, err
	}
	return storefront.InstallOptions{Receipts: []string{rec.Receipt}}, nil
}

func (o *Orchestrator) install(ctx context.Context, product *storefront.Product, opts storefront.InstallOptions) (storefront.InstallerHandle, error) {
	ctx, span := o.tracer.StartInstallerSpan(ctx, product.ManifestURL)
	h, err := o.deps.Installer.Install(ctx, product, opts)
	if err == nil && h == nil {
		err = errors.New("installer returned no handle")
	}
	if err != nil {
		if storefront.KindOf(err) == "" {
			err = storefront.NewInstallFailedError("app install failed", err).WithProduct(product)
		}
		telemetry.EndSpan(span, err)
		return nil, err
	}
	telemetry.EndSpan(span, nil)

	product.User.Installed = true
	if o.deps.Cache != nil {
		o.deps.Cache.Invalidate(o.deps.API.URL(storefront.EndpointInstalled))
	}
	return h, nil
}

// finalize settles the attempt and runs the post-install or failure logic.
func (o *Orchestrator) finalize(ctx context.Context, a *attempt, h storefront.InstallerHandle, err error) (storefront.InstallerHandle, error) {
	if !a.settle(h, err) {
		return a.result, a.err
	}
	a.stopWatchdog()

	product, handle := a.product, a.handle
	logger := o.logger.WithAttemptID(a.id).WithProduct(product.Slug, product.ID)
	duration := time.Since(a.startedAt)

	if err == nil {
		if msg := o.guidance(); msg != "" {
			o.deps.Notifier.Notify(storefront.Notification{Message: msg})
		}
		o.deps.Tracker.Track(TrackInstallSuccess, product.PaymentLabel(), product.TrackingValue(),
			o.deps.Buttons.Position(handle))
		o.deps.Buttons.MarkInstalled(product.ManifestURL, h, handle)

		logger.Infof("Successful install for %s", product.Name)
		_ = o.events.PublishAttemptCompleted(a.id, product.Slug, product.ManifestURL, duration)
	} else {
		if !storefront.WasNotified(err) {
			o.deps.Notifier.Notify(storefront.Notification{Message: MessageInstallFailed})
		}
		o.deps.Buttons.Revert(handle, "")

		kind, reason := storefront.KindOf(err), storefront.ReasonOf(err)
		logger.WithError(err).Infof("Unsuccessful install for %s", product.Name)
		o.metrics.RecordError(string(kind), string(reason))
		_ = o.events.PublishAttemptFailed(a.id, product.Slug, string(kind), string(reason))
	}

	status := storefront.StatusForError(err)
	o.metrics.RecordAttemptCompleted(string(status), duration)

	if o.deps.Recorder != nil {
		if rerr := o.deps.Recorder.RecordAttempt(context.WithoutCancel(ctx), a.record(time.Now())); rerr != nil {
			logger.WithError(rerr).Warn("Failed to record attempt")
		}
	}
	return a.result, a.err
}
