package payments

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// ErrorNotificationTimeout is how long payment error notifications stay up.
const ErrorNotificationTimeout = 5 * time.Second

// prepareResponse is the body of the prepare_nav_pay endpoint.
type prepareResponse struct {
	WebpayJWT        string `json:"webpayJWT"`
	ContribStatusURL string `json:"contribStatusURL"`
}

// Coordinator runs the purchase flow: obtain a payment token, hand it to the
// platform payment provider, then wait for the storefront to confirm the
// payment. It implements storefront.Purchaser.
type Coordinator struct {
	api       storefront.API
	provider  Provider
	simulator Provider
	poller    *Poller
	notifier  storefront.Notifier
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	logger    *telemetry.Logger

	simulate atomic.Bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithSimulator sets the provider used when simulation is on and the
// platform provider is unavailable.
func WithSimulator(p Provider) CoordinatorOption {
	return func(c *Coordinator) { c.simulator = p }
}

// WithSimulation turns payment simulation on or off.
func WithSimulation(simulate bool) CoordinatorOption {
	return func(c *Coordinator) { c.simulate.Store(simulate) }
}

// NewCoordinator creates a purchase coordinator.
func NewCoordinator(api storefront.API, provider Provider, poller *Poller, notifier storefront.Notifier, tel *telemetry.Telemetry, opts ...CoordinatorOption) *Coordinator {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	c := &Coordinator{
		api:      api,
		provider: provider,
		poller:   poller,
		notifier: notifier,
		metrics:  tel.Metrics,
		tracer:   tel.Tracer,
		logger:   tel.Logger.NewComponentLogger("payments"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.simulator == nil {
		c.simulator = NewSimulatedProvider(0, tel.Logger)
	}
	// The coordinator owns the simulation flag.
	c.poller.SetSimulate(c.simulate.Load())
	return c
}

// SetSimulate toggles payment simulation for future purchases.
func (c *Coordinator) SetSimulate(simulate bool) {
	c.simulate.Store(simulate)
	c.poller.SetSimulate(simulate)
}

// Simulating reports whether payments are simulated.
func (c *Coordinator) Simulating() bool {
	return c.simulate.Load()
}

// Purchase resolves with product once payment is confirmed. Products that do
// not require payment pass straight through. Every rejection is a
// *storefront.Error carrying a reason code; rejections the user has already
// been told about are marked notified.
func (c *Coordinator) Purchase(ctx context.Context, product *storefront.Product) (*storefront.Product, error) {
	if product == nil || !product.PaymentRequired {
		return product, nil
	}

	ctx, span := c.tracer.StartPurchaseSpan(ctx, product.Slug)
	result, err := c.purchase(ctx, product)
	telemetry.EndSpan(span, err)

	if err != nil {
		c.metrics.RecordPurchase(string(storefront.ReasonOf(err)))
	} else {
		c.metrics.RecordPurchase("confirmed")
	}
	return result, err
}

func (c *Coordinator) purchase(ctx context.Context, product *storefront.Product) (*storefront.Product, error) {
	logger := c.logger.WithProduct(product.Slug, product.ID)
	logger.Info("Initiating transaction")

	provider := c.provider
	if provider == nil || !provider.Available() {
		if !c.simulate.Load() {
			logger.Warn("Payment provider unavailable and simulation disabled")
			c.notifier.Notify(storefront.Notification{Message: MessageUnsupported})
			return nil, storefront.NewPaymentError(storefront.ReasonCancelled, product,
				MessageUnsupported, nil).MarkNotified()
		}
		provider = c.simulator
	}

	resp, err := c.api.Post(ctx, c.api.URL(storefront.EndpointPrepareNavPay), map[string]string{
		"app": product.Slug,
	})
	var prepared prepareResponse
	if err == nil {
		if resp.Error != "" {
			err = errors.New(resp.Error)
		} else if derr := resp.Decode(&prepared); derr != nil {
			err = derr
		} else if prepared.WebpayJWT == "" {
			err = errors.New("payment token missing from response")
		}
	}
	if err != nil {
		logger.WithError(err).Error("Error fetching JWT from API")
		c.notifier.Notify(storefront.Notification{Message: MessageServerError})
		return nil, storefront.NewPaymentError(storefront.ReasonServerError, product,
			"failed to prepare payment", err).MarkNotified()
	}

	req, err := provider.Pay(ctx, []string{prepared.WebpayJWT})
	if err != nil {
		logger.WithError(err).Error("Payment provider refused the request")
		return nil, c.paymentFailed(product, &PaymentError{Name: ErrorNameProvider, Message: err.Error()})
	}

	outcome := make(chan *PaymentError, 1)
	req.OnSuccess(func() { outcome <- nil })
	req.OnError(func(perr *PaymentError) { outcome <- perr })

	select {
	case perr := <-outcome:
		if perr != nil {
			logger.WithField("error_name", perr.Name).Error("Payment provider reported an error")
			return nil, c.paymentFailed(product, perr)
		}
	case <-ctx.Done():
		return nil, storefront.NewPaymentError(storefront.ReasonCancelled, product,
			"purchase cancelled", ctx.Err())
	}

	logger.Info("Payment provider reported success")
	return c.poller.AwaitConfirmation(ctx, product, prepared.WebpayJWT, prepared.ContribStatusURL)
}

// paymentFailed notifies the user about a provider error and builds the
// CANCELLED rejection.
func (c *Coordinator) paymentFailed(product *storefront.Product, perr *PaymentError) error {
	msg := ClassifyPaymentError(perr.Name)
	c.notifier.Notify(storefront.Notification{
		Message: msg,
		Classes: "error",
		Timeout: ErrorNotificationTimeout,
	})
	return storefront.NewPaymentError(storefront.ReasonCancelled, product, msg, perr).MarkNotified()
}

var _ storefront.Purchaser = (*Coordinator)(nil)
