// Package api provides the storefront backend client.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// DefaultEndpoints maps endpoint names to paths relative to the base URL.
var DefaultEndpoints = map[string]string{
	storefront.EndpointInstalled:     "/api/v1/account/installed/mine/",
	storefront.EndpointPrepareNavPay: "/api/v1/webpay/prepare/",
	storefront.EndpointRecordPaid:    "/api/v1/receipts/install/",
	storefront.EndpointRecordFree:    "/api/v1/installs/record/",
	storefront.EndpointReviews:       "/api/v1/apps/rating/",
	storefront.EndpointLogin:         "/api/v1/account/login/",
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	Endpoints map[string]string
	Timeout   time.Duration

	// RateLimit is the sustained request rate in requests per second.
	// Zero disables limiting.
	RateLimit float64
	Burst     int
}

// TokenSource returns the signed-in user's token, or "" when signed out.
type TokenSource func() string

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Client talks to the storefront API. It implements storefront.API.
type Client struct {
	baseURL    *url.URL
	endpoints  map[string]string
	httpClient *http.Client
	limiter    *rate.Limiter
	token      TokenSource
	cache      storefront.Cache
	metrics    *telemetry.Metrics
	logger     *telemetry.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource sets where Sign gets the user's token from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// WithCache stores successful GET responses in cache under their URL.
func WithCache(cache storefront.Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithTelemetry wires metrics and logging.
func WithTelemetry(metrics *telemetry.Metrics, logger *telemetry.Logger) Option {
	return func(c *Client) {
		c.metrics = metrics
		if logger != nil {
			c.logger = logger.NewComponentLogger("api")
		}
	}
}

// New creates a new storefront API client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q: scheme and host are required", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	endpoints := make(map[string]string, len(DefaultEndpoints))
	for k, v := range DefaultEndpoints {
		endpoints[k] = v
	}
	for k, v := range cfg.Endpoints {
		endpoints[k] = v
	}

	c := &Client{
		baseURL:    base,
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: timeout},
		token:      func() string { return "" },
		logger:     telemetry.NewNopLogger(),
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL resolves a named endpoint to an absolute URL. Unknown names are
// treated as paths.
func (c *Client) URL(name string) string {
	path, ok := c.endpoints[name]
	if !ok {
		path = name
	}
	return c.resolve(path)
}

// Params resolves a named endpoint with query parameters. Parameters are
// encoded in key order so the result is a stable cache key.
func (c *Client) Params(name string, params map[string]string) string {
	u := c.URL(name)
	if len(params) == 0 {
		return u
	}

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}

	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + q.Encode()
}

// Sign resolves path against the base URL and attaches the user's token as
// the _user query parameter.
func (c *Client) Sign(path string) string {
	u, err := url.Parse(c.resolve(path))
	if err != nil {
		return path
	}
	if token := c.token(); token != "" {
		q := u.Query()
		q.Set("_user", token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	return c.baseURL.ResolveReference(ref).String()
}

// CachedEndpoints are the read endpoints whose responses are kept in the
// cache. Everything else, payment status polls and manifests included, is
// always fetched.
var CachedEndpoints = []string{storefront.EndpointInstalled, storefront.EndpointReviews}

// Get performs a GET request. Successful bodies from CachedEndpoints are
// written to the cache.
func (c *Client) Get(ctx context.Context, rawURL string) (*storefront.Response, error) {
	resp, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if key, ok := c.CacheKey(rawURL); ok && resp.Error == "" && len(resp.Body) > 0 {
		c.cache.Set(key, resp.Body)
	}
	return resp, nil
}

// Cached returns the cached response for rawURL, fetching it when absent.
func (c *Client) Cached(ctx context.Context, rawURL string) (*storefront.Response, error) {
	if key, ok := c.CacheKey(rawURL); ok {
		if body, ok := c.cache.Get(key); ok {
			c.logger.WithField("key", key).Debug("served from cache")
			return &storefront.Response{StatusCode: http.StatusOK, Body: body}, nil
		}
	}
	return c.Get(ctx, rawURL)
}

// CacheKey returns the key a response from rawURL is cached under, and false
// when it is not cached. Keys are the URL without the _user token, so they
// match URL and Params for the same endpoint.
func (c *Client) CacheKey(rawURL string) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil || !c.cachedEndpoint(u) {
		return "", false
	}
	q := u.Query()
	q.Del("_user")
	u.RawQuery = q.Encode()
	return u.String(), true
}

func (c *Client) cachedEndpoint(u *url.URL) bool {
	for _, name := range CachedEndpoints {
		ep, err := url.Parse(c.URL(name))
		if err != nil {
			continue
		}
		if ep.Scheme == u.Scheme && ep.Host == u.Host && ep.Path == u.Path {
			return true
		}
	}
	return false
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, rawURL string, body interface{}) (*storefront.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, rawURL, payload)
}

func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte) (*storefront.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timer := telemetry.NewTimer()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordAPIRequest(method, "error", timer.Duration())
		c.logger.WithError(err).WithField("url", rawURL).Debug("request failed")
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	c.metrics.RecordAPIRequest(method, strconv.Itoa(resp.StatusCode), timer.Duration())
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     method,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), 256),
		}
	}

	out := &storefront.Response{StatusCode: resp.StatusCode}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if !json.Valid(respBody) {
			return nil, fmt.Errorf("%s %s: response is not JSON", method, rawURL)
		}
		out.Body = respBody
		out.Error = applicationError(respBody)
	}
	return out, nil
}

// applicationError extracts the "error" member of a JSON object body.
func applicationError(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	raw := bytes.TrimSpace(envelope.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ storefront.API = (*Client)(nil)
