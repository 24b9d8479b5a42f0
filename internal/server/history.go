package server

import "context"

// HistoryLog is the message-persistence collaborator consumed by the hub.
// Append stores one message durably; Recent returns up to limit of the most
// recently stored messages in ascending CreatedAt order.
type HistoryLog interface {
	Append(ctx context.Context, msg ChatMessage) error
	Recent(ctx context.Context, limit int) ([]ChatMessage, error)
}

// UserDirectory is the user-lookup collaborator consumed by the auth gate.
// LookupByToken resolves an opaque bearer token to a username; found is
// false when no user holds the token.
type UserDirectory interface {
	LookupByToken(ctx context.Context, token string) (username string, found bool, err error)
}
