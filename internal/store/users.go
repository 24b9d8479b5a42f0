package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/parleychat/parley/internal/server"
)

const tokenPrefix = "token:"

// Directory maps opaque bearer tokens to usernames. Registration and token
// issuance live outside the broadcast core; the directory only needs to
// answer lookups, plus Put so deployments can seed known users.
type Directory struct {
	db *badger.DB
}

var _ server.UserDirectory = (*Directory)(nil)

// NewDirectory creates a user directory over the given database.
func NewDirectory(db *badger.DB) *Directory {
	return &Directory{db: db}
}

// Put registers (or replaces) the token for username.
func (d *Directory) Put(ctx context.Context, username, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if username == "" || token == "" {
		return errors.New("username and token must be non-empty")
	}

	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tokenPrefix+token), []byte(username))
	})
	if err != nil {
		return fmt.Errorf("store user token: %w", err)
	}
	return nil
}

// LookupByToken resolves token to a username. A missing token is not an
// error; found is false.
func (d *Directory) LookupByToken(ctx context.Context, token string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	var username string
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenPrefix + token))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			username = string(value)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup token: %w", err)
	}
	return username, true, nil
}
