// Package server validates bearer tokens for incoming connections against
// the user-lookup collaborator via the AuthGate type.
package server

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidToken indicates that a LOGIN token matched no known user. The
// connection must be closed without registering a session.
var ErrInvalidToken = errors.New("invalid token")

// AuthGate maps bearer tokens to usernames. Authentication is a single
// synchronous decision per connection attempt; there are no retries.
type AuthGate struct {
	directory UserDirectory
}

// NewAuthGate creates an AuthGate backed by the given user directory.
func NewAuthGate(directory UserDirectory) *AuthGate {
	return &AuthGate{directory: directory}
}

// Authenticate resolves token to a username. A directory lookup failure is
// indistinguishable from an unknown token as far as the client is concerned,
// but the underlying error is preserved for logging.
func (g *AuthGate) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	username, found, err := g.directory.LookupByToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("token lookup: %w", errors.Join(ErrInvalidToken, err))
	}
	if !found {
		return "", ErrInvalidToken
	}
	return username, nil
}
