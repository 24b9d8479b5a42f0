// Package store provides BadgerDB-backed implementations of the chat
// service's persistence collaborators: the append-only message history and
// the token-to-user directory.
package store

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Open opens (or creates) the Badger database at dir. Badger's own chatty
// logging is reduced to warnings; the store types log through slog instead.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return db, nil
}
