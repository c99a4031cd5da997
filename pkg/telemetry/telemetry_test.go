package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/storefront/pkg/storefront"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"unknown exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}},
		{"sampling rate above one", func(c *Config) { c.Tracing.SamplingRate = 2 }},
		{"zero event buffer", func(c *Config) { c.Events.BufferSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected a validation error")
			}
		})
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	m.RecordAttemptStarted("paid")
	m.RecordAttemptCompleted("installed", time.Second)
	m.RecordError("SERVER_ERROR", "")
	if m.Registry() != nil {
		t.Error("Disabled metrics must not have a registry")
	}

	var nilMetrics *Metrics
	nilMetrics.RecordWatchdogFired()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	m.RecordAttemptStarted("free")
	m.RecordPaymentCheck("pending")
	m.RecordAPIRequest("GET", "200", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"storefront_install_attempts_started_total",
		"storefront_payment_status_checks_total",
		"storefront_active_install_attempts 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in the metrics output", want)
		}
	}
}

func newTestPublisher(t *testing.T, cfg EventsConfig) *EventPublisher {
	t.Helper()
	ep, err := NewEventPublisher(cfg)
	if err != nil {
		t.Fatalf("Failed to create event publisher: %v", err)
	}
	return ep
}

func TestEventPublisherSyncDelivery(t *testing.T) {
	ep := newTestPublisher(t, EventsConfig{Enabled: true, BufferSize: 10})

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByApp("sol"))

	if err := ep.PublishAttemptStarted("a1", "sol", "btn-1"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := ep.PublishAttemptStarted("a2", "other", "btn-2"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("Expected 1 event for sol, got %d", len(got))
	}
	if got[0].AttemptID != "a1" {
		t.Errorf("Unexpected attempt %s", got[0].AttemptID)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("Expected ID and timestamp to be filled, got %+v", got[0])
	}
}

func TestEventPublisherAsyncDelivery(t *testing.T) {
	ep := newTestPublisher(t, EventsConfig{Enabled: true, BufferSize: 10, EnableAsync: true})

	var mu sync.Mutex
	var types []string
	done := make(chan struct{}, 2)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		done <- struct{}{}
	}, nil)

	if err := ep.PublishPaymentConfirmed("sol", 3); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := ep.PublishAppInstalled("https://sol.example/manifest.webapp", "1.0.0"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []string{EventTypePaymentConfirmed, EventTypeAppInstalled}; !reflect.DeepEqual(types, want) {
		t.Errorf("Expected %v in order, got %v", want, types)
	}

	if err := ep.PublishPaymentConfirmed("sol", 1); err == nil {
		t.Error("Expected publishing after shutdown to fail")
	}
}

func TestUnsubscribe(t *testing.T) {
	ep := newTestPublisher(t, EventsConfig{Enabled: true, BufferSize: 10})

	count := 0
	id := ep.Subscribe(func(Event) { count++ }, nil)
	if err := ep.Publish(Event{Type: EventTypeReload}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	ep.Unsubscribe(id)
	if err := ep.Publish(Event{Type: EventTypeReload}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if count != 1 {
		t.Errorf("Expected 1 delivery, got %d", count)
	}
}

func TestFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter EventFilter
		event  Event
		want   bool
	}{
		{"info below warning", FilterByLevel(EventLevelWarning), Event{Level: EventLevelInfo}, false},
		{"error above warning", FilterByLevel(EventLevelWarning), Event{Level: EventLevelError}, true},
		{"matching type", FilterByType(EventTypeAnalytics), Event{Type: EventTypeAnalytics}, true},
		{"other type", FilterByType(EventTypeAnalytics), Event{Type: EventTypeNotification}, false},
		{"matching attempt", FilterByAttempt("a1"), Event{AttemptID: "a1"}, true},
	}
	for _, tt := range tests {
		if got := tt.filter(tt.event); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAnalyticsAndNotifications(t *testing.T) {
	tel := NewNopTelemetry()

	var got []Event
	tel.Events.Subscribe(func(e Event) { got = append(got, e) }, nil)

	NewAnalytics(tel.Events, tel.Logger).Track("Click to install app", "paid", "Sol:42", 3)
	NewNotifications(tel.Events, nil).Notify(storefront.Notification{
		Message: "Payment cancelled",
		Classes: "error",
		Timeout: 5 * time.Second,
	})
	NewViewRefresher(tel.Events).Reload()

	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	if got[0].Type != EventTypeAnalytics || got[0].Data["value"] != "Sol:42" || got[0].Data["position"] != 3 {
		t.Errorf("Unexpected analytics event %+v", got[0])
	}
	if got[1].Type != EventTypeNotification || got[1].Level != EventLevelError {
		t.Errorf("Unexpected notification event %+v", got[1])
	}
	if got[1].Data["timeout"] != int64(5000) {
		t.Errorf("Expected timeout in milliseconds, got %v", got[1].Data["timeout"])
	}
	if got[2].Type != EventTypeReload {
		t.Errorf("Expected a reload event, got %s", got[2].Type)
	}
}

func TestLoggerFromContext(t *testing.T) {
	fallback := NewNopLogger()
	if FromContext(context.Background(), fallback) != fallback {
		t.Error("Expected the fallback without a context logger")
	}
	if FromContext(context.Background(), nil) == nil {
		t.Error("Expected a logger even without a fallback")
	}

	l := NewNopLogger().NewComponentLogger("server")
	ctx := l.WithContext(context.Background())
	if FromContext(ctx, fallback) != l {
		t.Error("Expected the context logger")
	}
}

func TestLoggerClassifiesStorefrontErrors(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerFrom(zerolog.New(&buf))

	err := storefront.NewPaymentError(storefront.ReasonServerError, nil, "prepare failed", nil).MarkNotified()
	l.WithError(fmt.Errorf("purchase: %w", err)).WithButton("btn-1").Error("Purchase failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	want := map[string]interface{}{
		"error_kind": "SERVER_ERROR",
		"reason":     "SERVER_ERROR",
		"notified":   true,
		"button":     "btn-1",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("Expected %s=%v, got %v", k, v, entry[k])
		}
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storefront.log")
	l, err := NewLogger(LoggingConfig{Level: "warning", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	l.Info("dropped")
	l.Warn("kept")
	if err := l.Close(); err != nil {
		t.Fatalf("Failed to close logger: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Error("Info line written below the configured level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("Warning line missing")
	}

	if _, err := NewLogger(LoggingConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for an unknown level")
	}
}

func TestNopTracerSpans(t *testing.T) {
	tr := NewNopTracer()
	ctx, span := tr.StartAttemptSpan(context.Background(), "a1", "sol")
	if ctx == nil {
		t.Fatal("Expected a context")
	}
	EndSpan(span, errors.New("install failed"))
	if id := TraceID(ctx); id != "" {
		t.Errorf("Expected no trace ID from the no-op tracer, got %s", id)
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
