package payments

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/storefront/pkg/api"
	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/storefront/storefronttest"
)

func paidProduct() *storefront.Product {
	return &storefront.Product{
		ID:              42,
		Slug:            "chess",
		Name:            "Chess",
		ManifestURL:     "https://chess.example/manifest.webapp",
		PaymentRequired: true,
		PremiumType:     storefront.PremiumTypePremium,
	}
}

func fastPoller(client storefront.API, deadline time.Duration) *Poller {
	return NewPoller(client, PollerConfig{Interval: 20 * time.Millisecond, Deadline: deadline}, nil)
}

// statusSequence answers status checks from the given list, repeating the
// last entry once exhausted.
func statusSequence(statuses ...string) func(context.Context, string) (*storefront.Response, error) {
	var n atomic.Int32
	return func(context.Context, string) (*storefront.Response, error) {
		i := int(n.Add(1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		return storefronttest.JSON(map[string]string{"status": statuses[i]}), nil
	}
}

func TestIsCancellation(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"cancelled", true},
		{"DIALOG_CLOSED_BY_USER", true},
		{"Dialog closed by the user", true},
		{"dialog closed by the user", false},
		{"INVALID_JWT", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCancellation(tt.name); got != tt.want {
				t.Errorf("IsCancellation(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}

	if got := ClassifyPaymentError("cancelled"); got != MessagePaymentCancelled {
		t.Errorf("Unexpected message for cancelled: %q", got)
	}
	if got := ClassifyPaymentError("INVALID_JWT"); got != MessagePaymentFailed {
		t.Errorf("Unexpected message for INVALID_JWT: %q", got)
	}
}

func TestRequestSettlesOnce(t *testing.T) {
	req := NewRequest()
	if !req.Succeed() {
		t.Fatal("First outcome must settle the request")
	}
	if req.Fail("cancelled", "") {
		t.Error("A settled request must ignore later outcomes")
	}
	if !req.Settled() {
		t.Error("Expected the request to be settled")
	}

	var successes, failures int
	req.OnError(func(*PaymentError) { failures++ })
	req.OnSuccess(func() { successes++ })
	req.OnSuccess(func() { successes += 10 })

	if successes != 1 || failures != 0 {
		t.Errorf("Expected one success handler call, got %d successes and %d failures", successes, failures)
	}
}

func TestRequestBuffersOutcomeUntilHandler(t *testing.T) {
	req := NewRequest()
	if !req.Fail("cancelled", "closed") {
		t.Fatal("First outcome must settle the request")
	}

	var got *PaymentError
	req.OnError(func(err *PaymentError) { got = err })
	if got == nil {
		t.Fatal("Buffered failure not delivered")
	}
	if got.Name != "cancelled" {
		t.Errorf("Unexpected name %q", got.Name)
	}
	if !strings.Contains(got.Error(), "closed") {
		t.Errorf("Expected the message in %q", got.Error())
	}
}

func TestPollerResolvesOnComplete(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.GetFunc = statusSequence("pending", "pending", "complete")
	p := fastPoller(fake, time.Second)

	s, err := p.await(context.Background(), paidProduct(), "jwt", "/status/1")
	if err != nil {
		t.Fatalf("Expected confirmation, got %v", err)
	}
	if s.Checks() != 3 {
		t.Errorf("Expected 3 checks, got %d", s.Checks())
	}
	if !s.Stopped() {
		t.Error("Expected the session to stop")
	}

	calls := fake.Calls()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 calls, got %d", len(calls))
	}
	for _, c := range calls {
		if c.Method != "GET" || c.URL != "https://store.test/status/1?_user=user-token" {
			t.Errorf("Unexpected call %s %s", c.Method, c.URL)
		}
	}
}

func TestPollerChecksImmediately(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.GetFunc = statusSequence("complete")
	p := NewPoller(fake, PollerConfig{Interval: time.Hour, Deadline: 2 * time.Hour}, nil)

	start := time.Now()
	product, err := p.AwaitConfirmation(context.Background(), paidProduct(), "jwt", "/status/1")
	if err != nil {
		t.Fatalf("Expected confirmation, got %v", err)
	}
	if product.Slug != "chess" {
		t.Errorf("Unexpected product %s", product.Slug)
	}
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("First check waited for the interval: %v", elapsed)
	}
}

func TestPollerDeadline(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.GetFunc = statusSequence("pending")
	p := fastPoller(fake, 150*time.Millisecond)

	start := time.Now()
	s, err := p.await(context.Background(), paidProduct(), "jwt", "/status/1")
	if err == nil {
		t.Fatal("Expected the deadline to pass")
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Gave up before the deadline: %v", elapsed)
	}
	if storefront.ReasonOf(err) != storefront.ReasonInstallError || !storefront.IsTimeout(err) {
		t.Errorf("Expected an INSTALL_ERROR timeout, got %v", err)
	}
	if storefront.WasNotified(err) {
		t.Error("Poller errors are not notified")
	}
	if !s.Stopped() {
		t.Error("Expected the session to stop")
	}
	if s.Checks() <= 1 {
		t.Errorf("Expected repeated checks, got %d", s.Checks())
	}

	// No checks start once the session is stopped.
	checks := len(fake.Calls())
	time.Sleep(60 * time.Millisecond)
	if n := len(fake.Calls()); n != checks {
		t.Errorf("Checks continued after the deadline: %d -> %d", checks, n)
	}
}

func TestPollerTransportFailure(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.GetFunc = func(context.Context, string) (*storefront.Response, error) {
		return nil, storefronttest.ErrTransport
	}
	p := fastPoller(fake, time.Second)

	_, err := p.AwaitConfirmation(context.Background(), paidProduct(), "jwt", "/status/1")
	if storefront.ReasonOf(err) != storefront.ReasonServerError {
		t.Errorf("Expected SERVER_ERROR, got %v", err)
	}
	if !errors.Is(err, storefronttest.ErrTransport) {
		t.Errorf("Expected the transport error to be wrapped, got %v", err)
	}
}

func TestPollerSimulationResolvesOnFirstCheck(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.GetFunc = func(context.Context, string) (*storefront.Response, error) {
		return storefronttest.JSON(map[string]string{"error": "no such transaction"}), nil
	}
	p := fastPoller(fake, time.Second)
	p.SetSimulate(true)

	s, err := p.await(context.Background(), paidProduct(), "jwt", "/status/1")
	if err != nil {
		t.Fatalf("Expected simulated confirmation, got %v", err)
	}
	if s.Checks() != 1 {
		t.Errorf("Expected 1 check, got %d", s.Checks())
	}
}

func TestPollerContextCancel(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.GetFunc = statusSequence("pending")
	p := fastPoller(fake, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	s, err := p.await(ctx, paidProduct(), "jwt", "/status/1")
	if !storefront.IsCancelled(err) {
		t.Errorf("Expected a cancellation, got %v", err)
	}
	if !s.Stopped() {
		t.Error("Expected the session to stop")
	}
}

// stubProvider settles every request through settle.
type stubProvider struct {
	available bool
	settle    func(*Request)
	payErr    error
	jwts      []string
}

func (p *stubProvider) Available() bool { return p.available }

func (p *stubProvider) Pay(_ context.Context, jwts []string) (*Request, error) {
	p.jwts = jwts
	if p.payErr != nil {
		return nil, p.payErr
	}
	req := NewRequest()
	go p.settle(req)
	return req, nil
}

func prepareOK(_ context.Context, u string, _ interface{}) (*storefront.Response, error) {
	if strings.Contains(u, storefront.EndpointPrepareNavPay) {
		return storefronttest.JSON(map[string]string{
			"webpayJWT":        "header.payload.sig",
			"contribStatusURL": "/status/7",
		}), nil
	}
	return storefronttest.JSON(map[string]string{}), nil
}

func newTestCoordinator(fake *storefronttest.API, provider Provider, opts ...CoordinatorOption) (*Coordinator, *storefronttest.Notifier) {
	notifier := &storefronttest.Notifier{}
	c := NewCoordinator(fake, provider, fastPoller(fake, time.Second), notifier, nil, opts...)
	return c, notifier
}

func TestPurchasePassesThroughFreeProducts(t *testing.T) {
	fake := storefronttest.NewAPI()
	c, notifier := newTestCoordinator(fake, &stubProvider{})

	product := &storefront.Product{Slug: "free", PremiumType: storefront.PremiumTypeFree}
	got, err := c.Purchase(context.Background(), product)
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if got != product {
		t.Error("Expected the same product back")
	}
	if len(fake.Calls()) != 0 || len(notifier.Sent()) != 0 {
		t.Errorf("Free products need no calls or notifications, got %d calls and %d notifications",
			len(fake.Calls()), len(notifier.Sent()))
	}
}

func TestPurchaseSuccess(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.PostFunc = prepareOK
	fake.GetFunc = statusSequence("pending", "complete")
	provider := &stubProvider{available: true, settle: func(r *Request) { r.Succeed() }}
	c, notifier := newTestCoordinator(fake, provider)

	product := paidProduct()
	got, err := c.Purchase(context.Background(), product)
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if got != product {
		t.Error("Expected the same product back")
	}
	if !reflect.DeepEqual(provider.jwts, []string{"header.payload.sig"}) {
		t.Errorf("Unexpected JWTs %v", provider.jwts)
	}
	if len(notifier.Sent()) != 0 {
		t.Errorf("Unexpected notifications %v", notifier.Sent())
	}

	posts := fake.CallsTo(fake.URL(storefront.EndpointPrepareNavPay))
	if len(posts) != 1 {
		t.Fatalf("Expected 1 prepare call, got %d", len(posts))
	}
	if !reflect.DeepEqual(posts[0].Body, map[string]string{"app": "chess"}) {
		t.Errorf("Unexpected prepare body %v", posts[0].Body)
	}
	if n := len(fake.CallsTo("https://store.test/status/7")); n != 2 {
		t.Errorf("Expected 2 status checks, got %d", n)
	}
}

func TestPurchaseUnsupportedDevice(t *testing.T) {
	fake := storefronttest.NewAPI()
	c, notifier := newTestCoordinator(fake, &stubProvider{available: false})

	_, err := c.Purchase(context.Background(), paidProduct())
	if !storefront.IsCancelled(err) || !storefront.WasNotified(err) {
		t.Errorf("Expected a notified cancellation, got %v", err)
	}
	if len(fake.Calls()) != 0 {
		t.Errorf("Expected no API calls, got %d", len(fake.Calls()))
	}

	sent := notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(sent))
	}
	if sent[0].Message != MessageUnsupported || sent[0].Classes != "" {
		t.Errorf("Unexpected notification %+v", sent[0])
	}
}

func TestPurchaseSimulatedWhenProviderMissing(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.PostFunc = prepareOK
	fake.GetFunc = statusSequence("pending")
	c, notifier := newTestCoordinator(fake, nil,
		WithSimulation(true),
		WithSimulator(NewSimulatedProvider(10*time.Millisecond, nil)))

	if !c.Simulating() {
		t.Fatal("Expected simulation to be on")
	}
	if _, err := c.Purchase(context.Background(), paidProduct()); err != nil {
		t.Fatalf("Simulated purchase failed: %v", err)
	}
	if len(notifier.Sent()) != 0 {
		t.Errorf("Unexpected notifications %v", notifier.Sent())
	}
}

func TestPurchasePrepareFailure(t *testing.T) {
	tests := []struct {
		name string
		post func(context.Context, string, interface{}) (*storefront.Response, error)
	}{
		{"transport", func(context.Context, string, interface{}) (*storefront.Response, error) {
			return nil, storefronttest.ErrTransport
		}},
		{"application error", func(context.Context, string, interface{}) (*storefront.Response, error) {
			return storefronttest.JSON(map[string]string{"error": "not for sale"}), nil
		}},
		{"missing token", func(context.Context, string, interface{}) (*storefront.Response, error) {
			return storefronttest.JSON(map[string]string{"contribStatusURL": "/status/7"}), nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := storefronttest.NewAPI()
			fake.PostFunc = tt.post
			provider := &stubProvider{available: true, settle: func(r *Request) { r.Succeed() }}
			c, notifier := newTestCoordinator(fake, provider)

			_, err := c.Purchase(context.Background(), paidProduct())
			if storefront.ReasonOf(err) != storefront.ReasonServerError {
				t.Errorf("Expected SERVER_ERROR, got %v", err)
			}
			if !storefront.WasNotified(err) {
				t.Error("Expected the error to be notified")
			}
			if got := notifier.Messages(); !reflect.DeepEqual(got, []string{MessageServerError}) {
				t.Errorf("Unexpected notifications %v", got)
			}
			if provider.jwts != nil {
				t.Error("The provider must not be asked to pay")
			}
		})
	}
}

func TestPurchaseProviderError(t *testing.T) {
	tests := []struct {
		name    string
		errName string
		message string
	}{
		{"user cancelled", "cancelled", MessagePaymentCancelled},
		{"dialog closed", "DIALOG_CLOSED_BY_USER", MessagePaymentCancelled},
		{"legacy dialog closed", "Dialog closed by the user", MessagePaymentCancelled},
		{"other failure", "INVALID_JWT", MessagePaymentFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := storefronttest.NewAPI()
			fake.PostFunc = prepareOK
			provider := &stubProvider{available: true, settle: func(r *Request) { r.Fail(tt.errName, "") }}
			c, notifier := newTestCoordinator(fake, provider)

			_, err := c.Purchase(context.Background(), paidProduct())
			if storefront.ReasonOf(err) != storefront.ReasonCancelled {
				t.Errorf("Expected CANCELLED, got %v", err)
			}
			if !storefront.WasNotified(err) {
				t.Error("Expected the error to be notified")
			}

			sent := notifier.Sent()
			if len(sent) != 1 {
				t.Fatalf("Expected 1 notification, got %d", len(sent))
			}
			if sent[0].Message != tt.message || sent[0].Classes != "error" || sent[0].Timeout != 5*time.Second {
				t.Errorf("Unexpected notification %+v", sent[0])
			}

			// The poller never runs after a provider error.
			if n := len(fake.CallsTo("https://store.test/status/7")); n != 0 {
				t.Errorf("Expected no status checks, got %d", n)
			}
		})
	}
}

func TestPurchasePollerErrorsAreNotNotified(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.PostFunc = prepareOK
	fake.GetFunc = statusSequence("pending")
	provider := &stubProvider{available: true, settle: func(r *Request) { r.Succeed() }}
	notifier := &storefronttest.Notifier{}
	c := NewCoordinator(fake, provider, fastPoller(fake, 100*time.Millisecond), notifier, nil)

	_, err := c.Purchase(context.Background(), paidProduct())
	if storefront.ReasonOf(err) != storefront.ReasonInstallError {
		t.Errorf("Expected INSTALL_ERROR, got %v", err)
	}
	if storefront.WasNotified(err) {
		t.Error("Poller errors are not notified")
	}
	if len(notifier.Sent()) != 0 {
		t.Errorf("Unexpected notifications %v", notifier.Sent())
	}
}

func TestSimulatedProviderSucceedsAfterDelay(t *testing.T) {
	p := NewSimulatedProvider(30*time.Millisecond, nil)
	if !p.Available() {
		t.Fatal("Simulated provider is always available")
	}

	req, err := p.Pay(context.Background(), []string{"not-a-jwt"})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}

	done := make(chan struct{})
	req.OnSuccess(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("simulated payment did not settle")
	}
}

// payOutcome runs one payment for jwt and waits for it to settle.
func payOutcome(t *testing.T, p Provider, jwt string) *PaymentError {
	t.Helper()
	req, err := p.Pay(context.Background(), []string{jwt})
	if err != nil {
		t.Fatalf("Pay failed: %v", err)
	}
	ch := make(chan *PaymentError, 1)
	req.OnSuccess(func() { ch <- nil })
	req.OnError(func(e *PaymentError) { ch <- e })
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("payment did not settle")
		return nil
	}
}

func TestHTTPProvider(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.PostFunc = func(_ context.Context, _ string, body interface{}) (*storefront.Response, error) {
		jwts := body.(map[string][]string)["jwts"]
		if jwts[0] == "bad" {
			return storefronttest.JSON(map[string]interface{}{
				"error": map[string]string{"name": "cancelled"},
			}), nil
		}
		return storefronttest.JSON(map[string]string{}), nil
	}

	if NewHTTPProvider("", fake, nil).Available() {
		t.Error("A provider without endpoint must be unavailable")
	}

	p := NewHTTPProvider("https://pay.test/", fake, nil)
	if !p.Available() {
		t.Fatal("Expected the provider to be available")
	}

	if perr := payOutcome(t, p, "good"); perr != nil {
		t.Errorf("Expected success, got %v", perr)
	}
	perr := payOutcome(t, p, "bad")
	if perr == nil {
		t.Fatal("Expected a failure")
	}
	if perr.Name != "cancelled" {
		t.Errorf("Expected cancelled, got %q", perr.Name)
	}
}

func TestHTTPProviderDecodesErrorStatusBody(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantName string
		wantMsg  string
	}{
		{
			"named error in a 409 body",
			&api.StatusError{Method: "POST", URL: "https://pay.test/", StatusCode: 409,
				Body: `{"error":{"name":"cancelled","message":"closed by the user"}}`},
			"cancelled", "closed by the user",
		},
		{
			"plain text body",
			&api.StatusError{Method: "POST", URL: "https://pay.test/", StatusCode: 502, Body: "bad gateway"},
			ErrorNameProvider, "",
		},
		{
			"error without a name",
			&api.StatusError{Method: "POST", URL: "https://pay.test/", StatusCode: 400, Body: `{"error":{"message":"x"}}`},
			ErrorNameProvider, "",
		},
		{"transport failure", storefronttest.ErrTransport, ErrorNameProvider, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := storefronttest.NewAPI()
			fake.PostFunc = func(context.Context, string, interface{}) (*storefront.Response, error) {
				return nil, tt.err
			}
			p := NewHTTPProvider("https://pay.test/", fake, nil)

			perr := payOutcome(t, p, "jwt")
			if perr == nil {
				t.Fatal("Expected a failure")
			}
			if perr.Name != tt.wantName {
				t.Errorf("Expected name %q, got %q", tt.wantName, perr.Name)
			}
			if tt.wantMsg != "" && perr.Message != tt.wantMsg {
				t.Errorf("Expected message %q, got %q", tt.wantMsg, perr.Message)
			}
		})
	}
}

func TestPurchaseCancelledThroughErrorStatus(t *testing.T) {
	fake := storefronttest.NewAPI()
	fake.PostFunc = func(ctx context.Context, u string, body interface{}) (*storefront.Response, error) {
		if u == "https://pay.test/" {
			return nil, &api.StatusError{Method: "POST", URL: u, StatusCode: 409, Body: `{"error":{"name":"cancelled"}}`}
		}
		return prepareOK(ctx, u, body)
	}
	c, notifier := newTestCoordinator(fake, NewHTTPProvider("https://pay.test/", fake, nil))

	_, err := c.Purchase(context.Background(), paidProduct())
	if storefront.ReasonOf(err) != storefront.ReasonCancelled {
		t.Errorf("Expected CANCELLED, got %v", err)
	}
	if got := notifier.Messages(); !reflect.DeepEqual(got, []string{MessagePaymentCancelled}) {
		t.Errorf("Expected the cancellation message, got %v", got)
	}
}
