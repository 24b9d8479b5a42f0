package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/server"
)

const historyPrefix = "msg:"

// History is the append-only chat history log on Badger. Keys embed a
// 19-digit zero-padded nanosecond timestamp so lexicographic key order is
// chronological order, with a UUID suffix as a collision disconnector for
// messages stored in the same nanosecond.
type History struct {
	db  *badger.DB
	log *slog.Logger
}

var _ server.HistoryLog = (*History)(nil)

// NewHistory creates a history log over the given database.
func NewHistory(db *badger.DB, log *slog.Logger) *History {
	return &History{db: db, log: log}
}

func historyKey(msg server.ChatMessage) []byte {
	return fmt.Appendf(nil, "%s%019d:%s", historyPrefix, msg.CreatedAt.UnixNano(), uuid.New())
}

// Append durably stores one message. Messages are immutable once written.
func (h *History) Append(ctx context.Context, msg server.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	err = h.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(msg), value)
	})
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// Recent returns up to limit of the most recently stored messages in
// ascending chronological order. It scans backwards from the newest key and
// reverses the result, so the cost is bounded by limit, not history size.
func (h *History) Recent(ctx context.Context, limit int) ([]server.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []server.ChatMessage{}, nil
	}

	var collected []server.ChatMessage
	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(historyPrefix)
		// Seek past every possible timestamp to land on the newest entry.
		seekKey := append(append([]byte{}, prefix...), []byte("9999999999999999999:")...)

		for it.Seek(seekKey); it.ValidForPrefix(prefix) && len(collected) < limit; it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var msg server.ChatMessage
				if err := json.Unmarshal(value, &msg); err != nil {
					h.log.Warn("skipping undecodable history entry", "key", string(it.Item().Key()), "error", err)
					return nil
				}
				collected = append(collected, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	// Collected newest-first; flip to ascending.
	ascending := make([]server.ChatMessage, 0, len(collected))
	for i := len(collected) - 1; i >= 0; i-- {
		ascending = append(ascending, collected[i])
	}
	return ascending, nil
}
