package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/storefront/pkg/storefront"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// EventLevel represents the severity of a persisted event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Install represents an installed application
type Install struct {
	ManifestURL     string                 `json:"manifest_url"`
	ProductID       int64                  `json:"product_id"`
	Slug            string                 `json:"slug"`
	Name            string                 `json:"name"`
	Version         string                 `json:"version"`
	LaunchURL       string                 `json:"launch_url"`
	PremiumType     storefront.PremiumType `json:"premium_type"`
	PaymentRequired bool                   `json:"payment_required"`
	Receipts        []string               `json:"receipts"`
	InstalledAt     time.Time              `json:"installed_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Product rebuilds the storefront product this install was made from.
func (i *Install) Product() *storefront.Product {
	return &storefront.Product{
		ID:              i.ProductID,
		Slug:            i.Slug,
		Name:            i.Name,
		ManifestURL:     i.ManifestURL,
		PaymentRequired: i.PaymentRequired,
		PremiumType:     i.PremiumType,
		Version:         i.Version,
		User:            &storefront.UserState{Purchased: i.PaymentRequired, Installed: true},
	}
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	AttemptID *string    `json:"attempt_id,omitempty"`
	App       *string    `json:"app,omitempty"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// EventQuery filters events. Nil fields match everything.
type EventQuery struct {
	AttemptID *string
	Type      *string
	Level     *EventLevel
	Limit     int
	Offset    int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Install operations
	UpsertInstall(ctx context.Context, install *Install) error
	GetInstall(ctx context.Context, manifestURL string) (*Install, error)
	ListInstalls(ctx context.Context, limit, offset int) ([]*Install, error)
	DeleteInstall(ctx context.Context, manifestURL string) error

	// Attempt operations
	RecordAttempt(ctx context.Context, record storefront.AttemptRecord) error
	ListAttempts(ctx context.Context, slug *string, limit, offset int) ([]storefront.AttemptRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, q EventQuery) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
