package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// Example_structuredLogging demonstrates component loggers.
func Example_structuredLogging() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("orchestrator").
		WithAttemptID("attempt-123").
		WithProduct("sol", 42)

	logger.Debug("Starting install")
	logger.WithError(fmt.Errorf("network timeout")).Error("Install failed")
}

// Example_metricsCollection demonstrates metrics collection.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Metrics.RecordAttemptStarted("paid")
	tel.Metrics.RecordPaymentCheck("pending")
	tel.Metrics.RecordPaymentCheck("complete")
	tel.Metrics.RecordPurchase("confirmed")
	tel.Metrics.RecordAttemptCompleted("installed", 4*time.Second)

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_notifications demonstrates streaming notifications to a subscriber.
func Example_notifications() {
	cfg := telemetry.TestConfig()

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}, telemetry.FilterByType(telemetry.EventTypeNotification))

	notifier := telemetry.NewNotifications(tel.Events, tel.Logger)
	notifier.Notify(storefront.Notification{Message: "Payment cancelled", Classes: "error", Timeout: 5 * time.Second})

	// Output: notification.shown: Payment cancelled
}
