package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	// Store is now ready to use
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_UpsertInstall demonstrates recording an installed app.
func ExampleSQLiteStore_UpsertInstall() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	install := &stores.Install{
		ManifestURL: "https://chess.example/manifest.webapp",
		ProductID:   42,
		Slug:        "chess",
		Name:        "Chess",
		Version:     "1.2.0",
		LaunchURL:   "https://chess.example/index.html",
		PremiumType: storefront.PremiumTypeFree,
	}
	if err := store.UpsertInstall(ctx, install); err != nil {
		log.Fatal(err)
	}

	got, _ := store.GetInstall(ctx, install.ManifestURL)
	fmt.Printf("%s %s\n", got.Slug, got.Version)
	// Output: chess 1.2.0
}

// ExampleSQLiteStore_RecordAttempt demonstrates persisting an attempt outcome.
func ExampleSQLiteStore_RecordAttempt() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	_ = store.RecordAttempt(ctx, storefront.AttemptRecord{
		ID:          "attempt-1",
		ProductID:   42,
		Slug:        "chess",
		ManifestURL: "https://chess.example/manifest.webapp",
		Status:      storefront.AttemptStatusCancelled,
		ErrorKind:   storefront.KindUserCancelled,
		Reason:      storefront.ReasonCancelled,
		StartedAt:   now,
		FinishedAt:  now,
	})

	attempts, _ := store.ListAttempts(ctx, nil, 10, 0)
	fmt.Println(attempts[0].Status, attempts[0].Reason)
	// Output: cancelled CANCELLED
}
