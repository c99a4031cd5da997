package telemetry

import (
	"github.com/openfroyo/storefront/pkg/storefront"
)

// Analytics records tracking calls as events. It implements storefront.Tracker.
type Analytics struct {
	events *EventPublisher
	logger *Logger
}

// NewAnalytics creates an analytics sink on top of the event publisher.
func NewAnalytics(events *EventPublisher, logger *Logger) *Analytics {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Analytics{events: events, logger: logger.NewComponentLogger("analytics")}
}

// Track publishes an analytics event. It never fails the caller.
func (a *Analytics) Track(category, label, value string, position int) {
	a.logger.WithFields(map[string]interface{}{
		"category": category,
		"label":    label,
		"value":    value,
		"position": position,
	}).Debug("track")

	if err := a.events.Publish(Event{
		Type:    EventTypeAnalytics,
		Source:  "analytics",
		Message: category,
		Data: map[string]interface{}{
			"category": category,
			"label":    label,
			"value":    value,
			"position": position,
		},
	}); err != nil {
		a.logger.WithError(err).Warn("Dropped analytics event")
	}
}

var _ storefront.Tracker = (*Analytics)(nil)

// Notifications shows user-visible messages by logging them and publishing
// them as events. It implements storefront.Notifier.
type Notifications struct {
	events *EventPublisher
	logger *Logger
}

// NewNotifications creates a notifier on top of the event publisher.
func NewNotifications(events *EventPublisher, logger *Logger) *Notifications {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Notifications{events: events, logger: logger.NewComponentLogger("notify")}
}

// Notify shows a message. It never blocks.
func (n *Notifications) Notify(msg storefront.Notification) {
	level := EventLevelInfo
	if msg.Classes == "error" {
		level = EventLevelError
	}

	if level == EventLevelError {
		n.logger.WithField("classes", msg.Classes).Warn(msg.Message)
	} else {
		n.logger.Info(msg.Message)
	}

	if err := n.events.Publish(Event{
		Type:    EventTypeNotification,
		Source:  "notify",
		Message: msg.Message,
		Level:   level,
		Data: map[string]interface{}{
			"classes": msg.Classes,
			"timeout": msg.Timeout.Milliseconds(),
		},
	}); err != nil {
		n.logger.WithError(err).Warn("Dropped notification event")
	}
}

var _ storefront.Notifier = (*Notifications)(nil)

// ViewRefresher publishes reload requests. It implements storefront.Refresher.
type ViewRefresher struct {
	events *EventPublisher
}

// NewViewRefresher creates a refresher on top of the event publisher.
func NewViewRefresher(events *EventPublisher) *ViewRefresher {
	return &ViewRefresher{events: events}
}

// Reload asks subscribed views to reload.
func (r *ViewRefresher) Reload() {
	_ = r.events.Publish(Event{
		Type:    EventTypeReload,
		Source:  "orchestrator",
		Message: "reload",
	})
}

var _ storefront.Refresher = (*ViewRefresher)(nil)
