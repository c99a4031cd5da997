package stores

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"installs", "attempts", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

// TestInstallCRUD tests Install operations
func TestInstallCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	install := &Install{
		ManifestURL:     "https://chess.example/manifest.webapp",
		ProductID:       42,
		Slug:            "chess",
		Name:            "Chess",
		Version:         "1.0.0",
		LaunchURL:       "https://chess.example/index.html",
		PremiumType:     storefront.PremiumTypePremium,
		PaymentRequired: true,
		Receipts:        []string{"receipt-1"},
	}
	if err := store.UpsertInstall(ctx, install); err != nil {
		t.Fatalf("failed to upsert install: %v", err)
	}
	firstInstalled := install.InstalledAt

	got, err := store.GetInstall(ctx, install.ManifestURL)
	if err != nil {
		t.Fatalf("failed to get install: %v", err)
	}
	if got.Slug != "chess" || got.ProductID != 42 || !got.PaymentRequired {
		t.Errorf("unexpected install: %+v", got)
	}
	if got.PremiumType != storefront.PremiumTypePremium {
		t.Errorf("expected premium type %s, got %s", storefront.PremiumTypePremium, got.PremiumType)
	}
	if len(got.Receipts) != 1 || got.Receipts[0] != "receipt-1" {
		t.Errorf("unexpected receipts: %v", got.Receipts)
	}

	// Reinstalling updates the version but keeps the first install time
	update := *install
	update.Version = "1.1.0"
	update.Receipts = nil
	update.InstalledAt = time.Time{}
	if err := store.UpsertInstall(ctx, &update); err != nil {
		t.Fatalf("failed to update install: %v", err)
	}

	got, err = store.GetInstall(ctx, install.ManifestURL)
	if err != nil {
		t.Fatalf("failed to get updated install: %v", err)
	}
	if got.Version != "1.1.0" {
		t.Errorf("expected version 1.1.0, got %s", got.Version)
	}
	if len(got.Receipts) != 0 {
		t.Errorf("expected receipts to be cleared, got %v", got.Receipts)
	}
	if !got.InstalledAt.Equal(firstInstalled) {
		t.Errorf("expected installed_at %v, got %v", firstInstalled, got.InstalledAt)
	}

	product := got.Product()
	if product.User == nil || !product.User.Installed {
		t.Error("expected product rebuilt from install to be installed")
	}

	second := &Install{ManifestURL: "https://a.example/manifest.webapp", ProductID: 1, Slug: "a"}
	if err := store.UpsertInstall(ctx, second); err != nil {
		t.Fatalf("failed to upsert second install: %v", err)
	}

	installs, err := store.ListInstalls(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list installs: %v", err)
	}
	if len(installs) != 2 {
		t.Fatalf("expected 2 installs, got %d", len(installs))
	}
	if installs[0].Slug != "a" {
		t.Errorf("expected installs ordered by manifest URL, got %s first", installs[0].Slug)
	}

	if err := store.DeleteInstall(ctx, second.ManifestURL); err != nil {
		t.Fatalf("failed to delete install: %v", err)
	}
	if _, err := store.GetInstall(ctx, second.ManifestURL); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteInstall(ctx, second.ManifestURL); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

// TestAttemptOperations tests attempt recording
func TestAttemptOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	records := []storefront.AttemptRecord{
		{
			ID:          "attempt-1",
			ProductID:   42,
			Slug:        "chess",
			ManifestURL: "https://chess.example/manifest.webapp",
			Status:      storefront.AttemptStatusFailed,
			ErrorKind:   storefront.KindServerError,
			Reason:      storefront.ReasonServerError,
			Message:     "failed to prepare payment",
			StartedAt:   now,
			FinishedAt:  now.Add(2 * time.Second),
		},
		{
			ID:          "attempt-2",
			ProductID:   42,
			Slug:        "chess",
			ManifestURL: "https://chess.example/manifest.webapp",
			Status:      storefront.AttemptStatusInstalled,
			Purchased:   true,
			Restarts:    1,
			StartedAt:   now.Add(time.Minute),
			FinishedAt:  now.Add(time.Minute + 5*time.Second),
		},
		{
			ID:          "attempt-3",
			ProductID:   7,
			Slug:        "solitaire",
			ManifestURL: "https://sol.example/manifest.webapp",
			Status:      storefront.AttemptStatusCancelled,
			ErrorKind:   storefront.KindUserCancelled,
			StartedAt:   now.Add(2 * time.Minute),
			FinishedAt:  now.Add(2 * time.Minute),
		},
	}

	for _, r := range records {
		if err := store.RecordAttempt(ctx, r); err != nil {
			t.Fatalf("failed to record attempt: %v", err)
		}
	}

	all, err := store.ListAttempts(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(all))
	}
	if all[0].ID != "attempt-3" {
		t.Errorf("expected newest attempt first, got %s", all[0].ID)
	}

	slug := "chess"
	chess, err := store.ListAttempts(ctx, &slug, 10, 0)
	if err != nil {
		t.Fatalf("failed to list attempts for slug: %v", err)
	}
	if len(chess) != 2 {
		t.Fatalf("expected 2 chess attempts, got %d", len(chess))
	}

	installed := chess[0]
	if installed.Status != storefront.AttemptStatusInstalled || !installed.Purchased || installed.Restarts != 1 {
		t.Errorf("unexpected attempt: %+v", installed)
	}
	if installed.ErrorKind != "" || installed.Message != "" {
		t.Errorf("expected empty error fields, got %q %q", installed.ErrorKind, installed.Message)
	}
	if installed.Duration() != 5*time.Second {
		t.Errorf("expected duration 5s, got %v", installed.Duration())
	}

	failed := chess[1]
	if failed.ErrorKind != storefront.KindServerError || failed.Reason != storefront.ReasonServerError {
		t.Errorf("unexpected error classification: %s/%s", failed.ErrorKind, failed.Reason)
	}
}

// TestEventOperations tests Event operations
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	attemptID := "attempt-1"
	app := "chess"

	// Append events
	events := []*Event{
		{
			EventID:   "e1",
			Type:      telemetry.EventTypeAttemptStarted,
			AttemptID: &attemptID,
			App:       &app,
			Level:     EventLevelInfo,
			Message:   "Install attempt started",
			Timestamp: now,
		},
		{
			EventID:   "e2",
			Type:      telemetry.EventTypeNotification,
			Level:     EventLevelError,
			Message:   "Payment failed. Try again later.",
			Timestamp: now.Add(1 * time.Second),
		},
		{
			EventID:   "e3",
			Type:      telemetry.EventTypeAttemptFailed,
			AttemptID: &attemptID,
			App:       &app,
			Level:     EventLevelError,
			Message:   "Install attempt failed",
			Timestamp: now.Add(2 * time.Second),
		},
	}

	for _, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected event ID to be set after insert")
		}
	}

	// Get all events for the attempt
	retrieved, err := store.GetEvents(ctx, EventQuery{AttemptID: &attemptID})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(retrieved) != 2 {
		t.Errorf("expected 2 events, got %d", len(retrieved))
	}

	// Filter by level
	errorLevel := EventLevelError
	filtered, err := store.GetEvents(ctx, EventQuery{Level: &errorLevel, Limit: 10})
	if err != nil {
		t.Fatalf("failed to get filtered events: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 error events, got %d", len(filtered))
	}
	if filtered[0].EventID != "e3" {
		t.Errorf("expected newest event first, got %s", filtered[0].EventID)
	}

	// Filter by type
	notification := telemetry.EventTypeNotification
	byType, err := store.GetEvents(ctx, EventQuery{Type: &notification})
	if err != nil {
		t.Fatalf("failed to get events by type: %v", err)
	}
	if len(byType) != 1 || byType[0].AttemptID != nil {
		t.Errorf("unexpected notification events: %+v", byType)
	}
}

// TestEventRecorder tests persisting telemetry events through a subscriber
func TestEventRecorder(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	tel := telemetry.NewNopTelemetry()
	tel.Events.Subscribe(EventRecorder(store, tel.Logger), telemetry.FilterByType(PersistedEventTypes...))

	if err := tel.Events.PublishAttemptFailed("attempt-9", "chess", "SERVER_ERROR", "SERVER_ERROR"); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if err := tel.Events.PublishButtonChanged("b1", "idle", "spinning", ""); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	events, err := store.GetEvents(context.Background(), EventQuery{})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected only the attempt event to be persisted, got %d", len(events))
	}

	e := events[0]
	if e.Type != telemetry.EventTypeAttemptFailed {
		t.Errorf("unexpected event type %s", e.Type)
	}
	if e.AttemptID == nil || *e.AttemptID != "attempt-9" {
		t.Errorf("expected attempt ID to be persisted, got %v", e.AttemptID)
	}
	if e.Details == nil {
		t.Error("expected event data to be persisted as details")
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	// Run tests
	code := m.Run()

	// Exit
	os.Exit(code)
}
