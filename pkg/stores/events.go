package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfroyo/storefront/pkg/telemetry"
)

// PersistedEventTypes are the telemetry events written to the event log.
var PersistedEventTypes = []string{
	telemetry.EventTypeAttemptStarted,
	telemetry.EventTypeAttemptCompleted,
	telemetry.EventTypeAttemptFailed,
	telemetry.EventTypePaymentConfirmed,
	telemetry.EventTypeAppInstalled,
	telemetry.EventTypeAnalytics,
	telemetry.EventTypeNotification,
	telemetry.EventTypePolicyViolation,
}

// EventRecorder returns a subscriber that appends telemetry events to the
// store. Write failures are logged and dropped.
func EventRecorder(store Store, logger *telemetry.Logger) telemetry.EventSubscriber {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("event-recorder")

	return func(e telemetry.Event) {
		event := FromTelemetry(e)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.AppendEvent(ctx, event); err != nil {
			logger.WithError(err).WithField("event_type", e.Type).Warn("Failed to persist event")
		}
	}
}

// FromTelemetry converts a telemetry event to its persisted form.
func FromTelemetry(e telemetry.Event) *Event {
	event := &Event{
		EventID:   e.ID,
		Type:      e.Type,
		Level:     EventLevel(e.Level),
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if e.AttemptID != "" {
		id := e.AttemptID
		event.AttemptID = &id
	}
	if e.App != "" {
		app := e.App
		event.App = &app
	}
	if len(e.Data) > 0 {
		if raw, err := json.Marshal(e.Data); err == nil {
			details := string(raw)
			event.Details = &details
		}
	}
	return event
}
