package payments

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// StatusComplete is the payment status reported once payment has cleared.
const StatusComplete = "complete"

// Default poller timings.
const (
	DefaultPollInterval = 3 * time.Second
	DefaultPollDeadline = 60 * time.Second
)

// Session is one payment confirmation wait. Its poll ticker and deadline
// timer are stopped together exactly once.
type Session struct {
	Token     string
	StatusURL string
	StartedAt time.Time

	ticker   *time.Ticker
	deadline *time.Timer
	stopOnce sync.Once
	done     chan struct{}
	checks   atomic.Int32
}

func newSession(token, statusURL string, interval, deadline time.Duration) *Session {
	return &Session{
		Token:     token,
		StatusURL: statusURL,
		StartedAt: time.Now(),
		ticker:    time.NewTicker(interval),
		deadline:  time.NewTimer(deadline),
		done:      make(chan struct{}),
	}
}

// Stop tears down both timers. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.ticker.Stop()
		s.deadline.Stop()
		close(s.done)
	})
}

// Stopped reports whether the session has been torn down.
func (s *Session) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Checks returns the number of status checks started.
func (s *Session) Checks() int {
	return int(s.checks.Load())
}

type checkResult struct {
	status string
	err    error
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Interval time.Duration
	Deadline time.Duration

	// Simulate resolves on the first successful check whatever it reports.
	Simulate bool
}

// Poller waits for the storefront to confirm a payment.
type Poller struct {
	api     storefront.API
	cfg     PollerConfig
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	logger  *telemetry.Logger

	simulate atomic.Bool
}

// NewPoller creates a poller. Zero timings take the defaults.
func NewPoller(api storefront.API, cfg PollerConfig, tel *telemetry.Telemetry) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultPollDeadline
	}
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	p := &Poller{
		api:     api,
		cfg:     cfg,
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
		events:  tel.Events,
		logger:  tel.Logger.NewComponentLogger("payments"),
	}
	p.simulate.Store(cfg.Simulate)
	return p
}

// SetSimulate toggles simulation for future sessions.
func (p *Poller) SetSimulate(simulate bool) {
	p.simulate.Store(simulate)
}

// AwaitConfirmation checks the payment status immediately and then on every
// tick. It resolves with product when the status is complete, and rejects
// with SERVER_ERROR on a transport failure, INSTALL_ERROR at the deadline, or
// CANCELLED when ctx ends.
func (p *Poller) AwaitConfirmation(ctx context.Context, product *storefront.Product, token, statusURL string) (*storefront.Product, error) {
	_, err := p.await(ctx, product, token, statusURL)
	if err != nil {
		return nil, err
	}
	return product, nil
}

func (p *Poller) await(ctx context.Context, product *storefront.Product, token, statusURL string) (*Session, error) {
	ctx, span := p.tracer.StartPaymentConfirmSpan(ctx, product.Slug, statusURL)
	logger := p.logger.WithProduct(product.Slug, product.ID)
	logger.Infof("Waiting for payment confirmation for %s", product.Name)

	s := newSession(token, statusURL, p.cfg.Interval, p.cfg.Deadline)
	simulate := p.simulate.Load()

	// Results arriving after the session stops are dropped.
	results := make(chan checkResult, 1)
	check := func() {
		s.checks.Add(1)
		go func() {
			r := p.check(ctx, statusURL)
			select {
			case results <- r:
			case <-s.done:
			}
		}()
	}

	finish := func(outcome string, err error) (*Session, error) {
		s.Stop()
		p.metrics.RecordPaymentConfirmation(outcome, time.Since(s.StartedAt))
		telemetry.EndSpan(span, err)
		return s, err
	}

	check()

	for {
		select {
		case <-s.ticker.C:
			check()

		case r := <-results:
			if r.err != nil && ctx.Err() != nil {
				return finish(string(storefront.ReasonCancelled), storefront.NewPaymentError(
					storefront.ReasonCancelled, product, "payment confirmation cancelled", ctx.Err()))
			}
			if r.err != nil {
				p.metrics.RecordPaymentCheck("error")
				logger.WithError(r.err).Error("Error fetching payment status")
				return finish(string(storefront.ReasonServerError), storefront.NewPaymentError(
					storefront.ReasonServerError, product, "failed to fetch payment status", r.err))
			}

			logger.Debugf("Got payment status: %q", r.status)
			if r.status == StatusComplete || simulate {
				p.metrics.RecordPaymentCheck(StatusComplete)
				logger.Info("Payment complete")
				_ = p.events.PublishPaymentConfirmed(product.Slug, s.Checks())
				return finish("confirmed", nil)
			}
			p.metrics.RecordPaymentCheck("pending")

		case <-s.deadline.C:
			logger.Error("Payment took too long to complete")
			return finish(string(storefront.ReasonInstallError), storefront.NewPaymentError(
				storefront.ReasonInstallError, product, "payment confirmation timed out", nil))

		case <-ctx.Done():
			return finish(string(storefront.ReasonCancelled), storefront.NewPaymentError(
				storefront.ReasonCancelled, product, "payment confirmation cancelled", ctx.Err()))
		}
	}
}

// check performs one signed status request.
func (p *Poller) check(ctx context.Context, statusURL string) checkResult {
	resp, err := p.api.Get(ctx, p.api.Sign(statusURL))
	if err != nil {
		return checkResult{err: err}
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := resp.Decode(&body); err != nil {
		p.logger.WithError(err).Debug("Unreadable payment status body")
	}
	return checkResult{status: body.Status}
}
