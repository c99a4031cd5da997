package payments

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openfroyo/storefront/pkg/api"
	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// Provider is the platform payment capability.
type Provider interface {
	// Available reports whether the platform can take payments.
	Available() bool

	// Pay starts a payment for the given JWTs. The outcome is reported
	// through the returned request.
	Pay(ctx context.Context, jwts []string) (*Request, error)
}

// ErrorNameProvider is reported when the payment processor cannot be reached.
const ErrorNameProvider = "PROVIDER_ERROR"

// HTTPProvider hands payment JWTs to a payment processor endpoint.
type HTTPProvider struct {
	endpoint string
	api      storefront.API
	logger   *telemetry.Logger
}

// NewHTTPProvider creates a provider posting to endpoint. An empty endpoint
// makes the provider unavailable.
func NewHTTPProvider(endpoint string, client storefront.API, logger *telemetry.Logger) *HTTPProvider {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &HTTPProvider{
		endpoint: endpoint,
		api:      client,
		logger:   logger.NewComponentLogger("payment-provider"),
	}
}

// Available reports whether a processor endpoint is configured.
func (p *HTTPProvider) Available() bool {
	return p.endpoint != ""
}

// Pay posts the JWTs to the processor. A {"error":{"name":...}} body fails
// the request with that name, whatever the response status.
func (p *HTTPProvider) Pay(ctx context.Context, jwts []string) (*Request, error) {
	if !p.Available() {
		return nil, errors.New("payment provider is not configured")
	}

	req := NewRequest()
	go func() {
		resp, err := p.api.Post(ctx, p.endpoint, map[string][]string{"jwts": jwts})
		if err != nil {
			var statusErr *api.StatusError
			if errors.As(err, &statusErr) {
				if perr := decodePaymentError([]byte(statusErr.Body)); perr != nil {
					req.Fail(perr.Name, perr.Message)
					return
				}
			}
			p.logger.WithError(err).Warn("Payment processor request failed")
			req.Fail(ErrorNameProvider, err.Error())
			return
		}

		var body struct {
			Error *PaymentError `json:"error"`
		}
		if err := resp.Decode(&body); err != nil {
			// A string error is still a failure; the name is unknown.
			req.Fail(resp.Error, "")
			return
		}
		if body.Error != nil {
			req.Fail(body.Error.Name, body.Error.Message)
			return
		}
		req.Succeed()
	}()
	return req, nil
}

// decodePaymentError returns the named error in a processor body, or nil.
func decodePaymentError(data []byte) *PaymentError {
	var body struct {
		Error *PaymentError `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == nil || body.Error.Name == "" {
		return nil
	}
	return body.Error
}

// SimulatedProvider stands in for the platform when payments are simulated.
// It logs the decoded JWT claims and succeeds after a delay.
type SimulatedProvider struct {
	delay  time.Duration
	logger *telemetry.Logger
}

// NewSimulatedProvider creates a simulated provider. A zero delay defaults to
// three seconds.
func NewSimulatedProvider(delay time.Duration, logger *telemetry.Logger) *SimulatedProvider {
	if delay == 0 {
		delay = 3 * time.Second
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &SimulatedProvider{
		delay:  delay,
		logger: logger.NewComponentLogger("payment-provider").WithField("mock", true),
	}
}

// Available always reports true.
func (p *SimulatedProvider) Available() bool {
	return true
}

// Pay logs the JWT claims and settles the request successfully after the
// configured delay.
func (p *SimulatedProvider) Pay(ctx context.Context, jwts []string) (*Request, error) {
	for _, token := range jwts {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			p.logger.WithError(err).Warn("Simulated payment received an unparseable JWT")
			continue
		}
		p.logger.WithField("claims", map[string]interface{}(claims)).Info("Simulated payment received JWT")
	}

	req := NewRequest()
	p.logger.Infof("Simulated payment succeeds in %s", p.delay)
	time.AfterFunc(p.delay, func() {
		req.Succeed()
	})
	return req, nil
}

var (
	_ Provider = (*HTTPProvider)(nil)
	_ Provider = (*SimulatedProvider)(nil)
)
