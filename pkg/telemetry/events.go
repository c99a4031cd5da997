package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the storefront client.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// AttemptID is the associated install attempt, if applicable.
	AttemptID string `json:"attempt_id,omitempty"`

	// App is the associated product slug, if applicable.
	App string `json:"app,omitempty"`

	// Button is the associated button handle, if applicable.
	Button string `json:"button,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for storefront event types.
const (
	EventTypeAttemptStarted   = "attempt.started"
	EventTypeAttemptCompleted = "attempt.completed"
	EventTypeAttemptFailed    = "attempt.failed"
	EventTypePaymentConfirmed = "payment.confirmed"
	EventTypeAppInstalled     = "app.installed"
	EventTypeButtonChanged    = "button.changed"
	EventTypeAnalytics        = "analytics.tracked"
	EventTypeNotification     = "notification.shown"
	EventTypePolicyViolation  = "policy.violation"
	EventTypeReload           = "view.reload"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// Publishing never blocks: when the buffer is full the event is dropped.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers map[string]subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make(map[string]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishAttemptStarted publishes an attempt started event.
func (ep *EventPublisher) PublishAttemptStarted(attemptID, app, button string) error {
	return ep.Publish(Event{
		Type:      EventTypeAttemptStarted,
		Source:    "orchestrator",
		AttemptID: attemptID,
		App:       app,
		Button:    button,
		Message:   fmt.Sprintf("Install attempt %s started for %s", attemptID, app),
		Level:     EventLevelInfo,
	})
}

// PublishAttemptCompleted publishes an attempt completed event.
func (ep *EventPublisher) PublishAttemptCompleted(attemptID, app, manifestURL string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeAttemptCompleted,
		Source:    "orchestrator",
		AttemptID: attemptID,
		App:       app,
		Message:   fmt.Sprintf("Install attempt %s installed %s", attemptID, app),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"manifest_url": manifestURL,
			"duration":     duration.Seconds(),
		},
	})
}

// PublishAttemptFailed publishes an attempt failed event.
func (ep *EventPublisher) PublishAttemptFailed(attemptID, app, kind, reason string) error {
	level := EventLevelError
	if kind == "USER_CANCELLED" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:      EventTypeAttemptFailed,
		Source:    "orchestrator",
		AttemptID: attemptID,
		App:       app,
		Message:   fmt.Sprintf("Install attempt %s for %s ended: %s", attemptID, app, kind),
		Level:     level,
		Data: map[string]interface{}{
			"kind":   kind,
			"reason": reason,
		},
	})
}

// PublishPaymentConfirmed publishes a payment confirmed event.
func (ep *EventPublisher) PublishPaymentConfirmed(app string, checks int) error {
	return ep.Publish(Event{
		Type:    EventTypePaymentConfirmed,
		Source:  "payments",
		App:     app,
		Message: fmt.Sprintf("Payment for %s confirmed after %d checks", app, checks),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"checks": checks,
		},
	})
}

// PublishAppInstalled publishes an app installed event.
func (ep *EventPublisher) PublishAppInstalled(manifestURL, version string) error {
	return ep.Publish(Event{
		Type:    EventTypeAppInstalled,
		Source:  "installer",
		Message: fmt.Sprintf("Installed %s (%s)", manifestURL, version),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"manifest_url": manifestURL,
			"version":      version,
		},
	})
}

// PublishButtonChanged publishes a button state change event.
func (ep *EventPublisher) PublishButtonChanged(button, oldState, newState, label string) error {
	return ep.Publish(Event{
		Type:    EventTypeButtonChanged,
		Source:  "buttons",
		Button:  button,
		Message: fmt.Sprintf("Button %s changed from %s to %s", button, oldState, newState),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
			"label":     label,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(app, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		App:     app,
		Message: fmt.Sprintf("Policy violation on %s: %s - %s", app, policyName, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber and returns its ID.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) string {
	if ep == nil || !ep.config.Enabled {
		return ""
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := uuid.New().String()
	ep.subscribers[id] = subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	}
	return id
}

// Unsubscribe removes a subscriber.
func (ep *EventPublisher) Unsubscribe(id string) {
	if ep == nil || !ep.config.Enabled {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.subscribers, id)
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain whatever is still buffered
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers, in order, on the
// calling goroutine. Subscribers must not block.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, 0, len(ep.subscribers))
	for _, entry := range ep.subscribers {
		entries = append(entries, entry)
	}
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByAttempt creates a filter that only allows events for a specific attempt.
func FilterByAttempt(attemptID string) EventFilter {
	return func(event Event) bool {
		return event.AttemptID == attemptID
	}
}

// FilterByApp creates a filter that only allows events for a specific app.
func FilterByApp(slug string) EventFilter {
	return func(event Event) bool {
		return event.App == slug
	}
}
