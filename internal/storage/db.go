package storage

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Open opens the badger database at path, creating it if needed. Badger
// holds a directory lock, so only one process can have the store open.
func Open(path string) (*badger.DB, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.WARNING).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return db, nil
}

// OpenInMemory returns a throwaway database for tests.
func OpenInMemory() (*badger.DB, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	return badger.Open(opts)
}
