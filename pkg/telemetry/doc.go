// Package telemetry provides observability instrumentation for the storefront client.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithAttemptID(id).WithProduct(p.Slug, p.ID)
//	logger.WithError(err).Error("Install failed")
//
// # Tracing
//
// Each install attempt produces an "install.attempt" span with children for
// "purchase", "payment.confirm", "receipt.record" and "installer.install".
//
// # Metrics
//
// Key metrics exposed:
//
//   - storefront_install_attempts_started_total{payment}
//   - storefront_install_attempts_completed_total{status}
//   - storefront_install_attempt_duration_seconds{status}
//   - storefront_purchases_total{outcome}
//   - storefront_payment_status_checks_total{result}
//   - storefront_api_requests_total{method,status}
//   - storefront_errors_by_kind_total{kind,reason}
//   - storefront_active_install_attempts
//
// # Events
//
// The event publisher carries attempt lifecycle, analytics, notifications and
// button state changes. Analytics and Notifications adapt it to the
// storefront.Tracker and storefront.Notifier interfaces, so the HTTP server can
// stream everything the user would see.
package telemetry
