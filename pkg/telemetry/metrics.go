package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the storefront client.
// A nil *Metrics, or one built with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	// Attempt metrics
	attemptsStarted   *prometheus.CounterVec
	attemptsCompleted *prometheus.CounterVec
	attemptDuration   *prometheus.HistogramVec
	attemptRestarts   prometheus.Counter
	watchdogFirings   prometheus.Counter

	// Payment metrics
	purchases              *prometheus.CounterVec
	paymentChecks          *prometheus.CounterVec
	paymentConfirmDuration *prometheus.HistogramVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// System metrics
	activeAttempts prometheus.Gauge
	installedApps  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		attemptsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "install_attempts_started_total",
				Help:      "Total number of install attempts started",
			},
			[]string{"payment"},
		),
		attemptsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "install_attempts_completed_total",
				Help:      "Total number of install attempts settled, by outcome",
			},
			[]string{"status"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "install_attempt_duration_seconds",
				Help:      "Duration of install attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		attemptRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "install_attempt_restarts_total",
				Help:      "Total number of install attempts restarted after login",
			},
		),
		watchdogFirings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "install_watchdog_firings_total",
				Help:      "Total number of buttons reverted by the install watchdog",
			},
		),

		purchases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purchases_total",
				Help:      "Total number of purchases by outcome",
			},
			[]string{"outcome"},
		),
		paymentChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_status_checks_total",
				Help:      "Total number of payment status checks by result",
			},
			[]string{"result"},
		),
		paymentConfirmDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "payment_confirmation_duration_seconds",
				Help:      "Time from payment session start to a terminal outcome",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of storefront API requests",
			},
			[]string{"method", "status"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Duration of storefront API requests in seconds",
				Buckets:   buckets,
			},
			[]string{"method"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of failed attempts by error kind and reason",
			},
			[]string{"kind", "reason"},
		),

		activeAttempts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_install_attempts",
				Help:      "Current number of unsettled install attempts",
			},
		),
		installedApps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "installed_apps",
				Help:      "Current number of apps known to the installer registry",
			},
		),
	}

	registry.MustRegister(
		m.attemptsStarted,
		m.attemptsCompleted,
		m.attemptDuration,
		m.attemptRestarts,
		m.watchdogFirings,
		m.purchases,
		m.paymentChecks,
		m.paymentConfirmDuration,
		m.apiRequests,
		m.apiDuration,
		m.errorsByKind,
		m.activeAttempts,
		m.installedApps,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Attempt Metrics

// RecordAttemptStarted increments the counter for started attempts.
func (m *Metrics) RecordAttemptStarted(payment string) {
	if !m.enabled() {
		return
	}
	m.attemptsStarted.WithLabelValues(payment).Inc()
	m.activeAttempts.Inc()
}

// RecordAttemptCompleted records a settled attempt with its status and duration.
func (m *Metrics) RecordAttemptCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.attemptsCompleted.WithLabelValues(status).Inc()
	m.attemptDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeAttempts.Dec()
}

// RecordAttemptRestart counts a restart after a successful login.
func (m *Metrics) RecordAttemptRestart() {
	if !m.enabled() {
		return
	}
	m.attemptRestarts.Inc()
}

// RecordWatchdogFired counts a watchdog revert.
func (m *Metrics) RecordWatchdogFired() {
	if !m.enabled() {
		return
	}
	m.watchdogFirings.Inc()
}

// Payment Metrics

// RecordPurchase records a purchase outcome (confirmed, or a reason code).
func (m *Metrics) RecordPurchase(outcome string) {
	if !m.enabled() {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

// RecordPaymentCheck records one payment status check.
func (m *Metrics) RecordPaymentCheck(result string) {
	if !m.enabled() {
		return
	}
	m.paymentChecks.WithLabelValues(result).Inc()
}

// RecordPaymentConfirmation records how long a payment session took to settle.
func (m *Metrics) RecordPaymentConfirmation(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.paymentConfirmDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// API Metrics

// RecordAPIRequest records a storefront API request.
func (m *Metrics) RecordAPIRequest(method, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.apiRequests.WithLabelValues(method, status).Inc()
	m.apiDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records a failed attempt by kind and optional reason code.
func (m *Metrics) RecordError(kind, reason string) {
	if !m.enabled() {
		return
	}
	m.errorsByKind.WithLabelValues(kind, reason).Inc()
}

// System Metrics

// SetInstalledApps sets the number of apps known to the registry.
func (m *Metrics) SetInstalledApps(count float64) {
	if !m.enabled() {
		return
	}
	m.installedApps.Set(count)
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
