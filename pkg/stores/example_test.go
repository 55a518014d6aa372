package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/sshlink/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a journal store.
func ExampleNewSQLiteStore() {
	dir, err := os.MkdirTemp("", "sshlink-journal")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            filepath.Join(dir, "journal.db"),
		MaxOpenConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Seen demonstrates skipping a file that was already taken.
func ExampleSQLiteStore_Seen() {
	dir, _ := os.MkdirTemp("", "sshlink-journal")
	defer os.RemoveAll(dir)

	store, _ := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "journal.db")})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	mtime := time.Unix(1700000000, 0)
	_ = store.Record(ctx, &stores.JournalEntry{
		Job:     "inbox",
		Path:    "/outgoing/orders.csv",
		Size:    2048,
		ModTime: mtime,
		Action:  "move",
	})

	seen, _ := store.Seen(ctx, "inbox", "/outgoing/orders.csv", 2048, mtime)
	fmt.Println("already processed:", seen)
	// Output: already processed: true
}
