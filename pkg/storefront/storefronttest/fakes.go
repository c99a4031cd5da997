// Package storefronttest provides in-memory fakes of the storefront
// capabilities for use in tests.
package storefronttest

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/storefront/pkg/storefront"
)

// ErrTransport is returned by fakes to simulate a network failure.
var ErrTransport = errors.New("transport failure")

// JSON builds a successful response with v encoded as the body. A top-level
// "error" string member is surfaced on Response.Error.
func JSON(v interface{}) *storefront.Response {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	resp := &storefront.Response{StatusCode: 200, Body: body}
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		resp.Error = envelope.Error
	}
	return resp
}

// Call is a recorded API request.
type Call struct {
	Method string
	URL    string
	Body   interface{}
}

// API is a scriptable storefront.API.
type API struct {
	BaseURL string
	Token   string

	// GetFunc and PostFunc answer requests. Nil functions answer with an
	// empty JSON object.
	GetFunc  func(ctx context.Context, url string) (*storefront.Response, error)
	PostFunc func(ctx context.Context, url string, body interface{}) (*storefront.Response, error)

	mu    sync.Mutex
	calls []Call
}

// NewAPI creates a fake API rooted at https://store.test.
func NewAPI() *API {
	return &API{BaseURL: "https://store.test", Token: "user-token"}
}

// URL implements storefront.API.
func (a *API) URL(name string) string {
	return a.BaseURL + "/api/" + name + "/"
}

// Params implements storefront.API.
func (a *API) Params(name string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		q.Set(k, params[k])
	}
	if len(keys) == 0 {
		return a.URL(name)
	}
	return a.URL(name) + "?" + q.Encode()
}

// Sign implements storefront.API.
func (a *API) Sign(path string) string {
	if !strings.HasPrefix(path, "http") {
		path = a.BaseURL + path
	}
	return path + "?_user=" + a.Token
}

// Get implements storefront.API.
func (a *API) Get(ctx context.Context, u string) (*storefront.Response, error) {
	a.record(Call{Method: "GET", URL: u})
	if a.GetFunc == nil {
		return JSON(map[string]string{}), nil
	}
	return a.GetFunc(ctx, u)
}

// Post implements storefront.API.
func (a *API) Post(ctx context.Context, u string, body interface{}) (*storefront.Response, error) {
	a.record(Call{Method: "POST", URL: u, Body: body})
	if a.PostFunc == nil {
		return JSON(map[string]string{}), nil
	}
	return a.PostFunc(ctx, u, body)
}

func (a *API) record(c Call) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
}

// Calls returns every request made so far.
func (a *API) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// CallsTo returns the requests whose URL starts with prefix.
func (a *API) CallsTo(prefix string) []Call {
	var out []Call
	for _, c := range a.Calls() {
		if strings.HasPrefix(c.URL, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Notifier records notifications.
type Notifier struct {
	mu   sync.Mutex
	sent []storefront.Notification
}

// Notify implements storefront.Notifier.
func (n *Notifier) Notify(msg storefront.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

// Sent returns every notification shown so far.
func (n *Notifier) Sent() []storefront.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]storefront.Notification(nil), n.sent...)
}

// Messages returns the message text of every notification.
func (n *Notifier) Messages() []string {
	var out []string
	for _, s := range n.Sent() {
		out = append(out, s.Message)
	}
	return out
}

// TrackCall is a recorded analytics call.
type TrackCall struct {
	Category string
	Label    string
	Value    string
	Position int
}

// Tracker records analytics calls.
type Tracker struct {
	mu    sync.Mutex
	calls []TrackCall
}

// Track implements storefront.Tracker.
func (t *Tracker) Track(category, label, value string, position int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, TrackCall{category, label, value, position})
}

// Calls returns every tracking call.
func (t *Tracker) Calls() []TrackCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TrackCall(nil), t.calls...)
}

// Categories returns the category of every tracking call.
func (t *Tracker) Categories() []string {
	var out []string
	for _, c := range t.Calls() {
		out = append(out, c.Category)
	}
	return out
}

// Refresher counts reload requests.
type Refresher struct {
	mu      sync.Mutex
	reloads int
}

// Reload implements storefront.Refresher.
func (r *Refresher) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads++
}

// Reloads returns the number of reload requests.
func (r *Refresher) Reloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads
}

// Handle is a minimal storefront.InstallerHandle.
type Handle struct {
	Manifest string
	Launch   string
}

// ManifestURL implements storefront.InstallerHandle.
func (h Handle) ManifestURL() string { return h.Manifest }

// LaunchURL implements storefront.InstallerHandle.
func (h Handle) LaunchURL() string { return h.Launch }

var (
	_ storefront.API             = (*API)(nil)
	_ storefront.Notifier        = (*Notifier)(nil)
	_ storefront.Tracker         = (*Tracker)(nil)
	_ storefront.Refresher       = (*Refresher)(nil)
	_ storefront.InstallerHandle = Handle{}
)
