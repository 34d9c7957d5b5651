package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ipamctl/ipamctl/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateSession demonstrates recording a session.
func ExampleSQLiteStore_CreateSession() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now().UTC()
	session := &stores.Session{
		ID:        "6aa51466-0a63-4b17-9a38-fa1f93b46c29",
		InputHash: "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae",
		Source:    "records.csv",
		Status:    stores.SessionStatusRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.CreateSession(ctx, session); err != nil {
		log.Fatal(err)
	}

	retrieved, err := store.GetSession(ctx, session.ID)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Session status: %s\n", retrieved.Status)
	// Output: Session status: running
}

// ExampleSQLiteStore_ResolverCache demonstrates the persistent path cache.
func ExampleSQLiteStore_ResolverCache() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	cache := store.ResolverCache(24 * time.Hour)

	if err := cache.Put(ctx, "default/10.0.0.0/8", "block", 271); err != nil {
		log.Fatal(err)
	}

	id, hit, err := cache.Get(ctx, "default/10.0.0.0/8", "block")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("hit=%v id=%d\n", hit, id)
	// Output: hit=true id=271
}
