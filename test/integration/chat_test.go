// Package integration contains end-to-end tests for the chat service,
// exercising the full protocol over real WebSocket connections: login,
// history replay, roster updates, message broadcast, and error envelopes.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/internal/server"
	"github.com/parleychat/parley/test/testhelpers"
)

const frameTimeout = 2 * time.Second

// TestLoginReplayAndRoster walks the canonical two-client scenario: alice
// joins an empty room, bob joins, alice speaks, bob leaves.
func TestLoginReplayAndRoster(t *testing.T) {
	cs := testhelpers.StartChatServer(t, map[string]string{
		"alice": "t1",
		"bob":   "t2",
	}, nil)

	connA := cs.Dial(t)
	initial, roster := testhelpers.Login(t, connA, "t1")

	var history []server.ChatMessage
	testhelpers.DecodePayload(t, initial, &history)
	if len(history) != 0 {
		t.Fatalf("expected empty history for a fresh room, got %d messages", len(history))
	}

	var entries []server.RosterEntry
	testhelpers.DecodePayload(t, roster, &entries)
	if len(entries) != 1 || entries[0].Username != "alice" {
		t.Fatalf("expected roster [alice], got %+v", entries)
	}

	connB := cs.Dial(t)
	_, rosterB := testhelpers.Login(t, connB, "t2")
	testhelpers.DecodePayload(t, rosterB, &entries)
	if len(entries) != 2 || entries[0].Username != "alice" || entries[1].Username != "bob" {
		t.Fatalf("expected roster [alice bob] in join order, got %+v", entries)
	}

	// Alice also sees the updated roster after bob's join.
	rosterA := testhelpers.ExpectFrameType(t, connA, server.TypeUserList, frameTimeout)
	testhelpers.DecodePayload(t, rosterA, &entries)
	if len(entries) != 2 {
		t.Fatalf("expected alice to see 2 users, got %+v", entries)
	}
	departingID := entries[1].ID

	// Alice speaks; both clients receive the broadcast, sender included.
	testhelpers.SendEnvelope(t, connA, server.TypeMessage, "hi")
	for _, conn := range []*websocket.Conn{connA, connB} {
		frame := testhelpers.ExpectFrameType(t, conn, server.TypeMessage, frameTimeout)
		var msg server.MessagePayload
		testhelpers.DecodePayload(t, frame, &msg)
		if msg.Username != "alice" || msg.Text != "hi" {
			t.Fatalf("expected message from alice %q, got %+v", "hi", msg)
		}
	}

	// Bob disconnects; alice receives USER_LEAVE then the recomputed roster.
	if err := connB.Close(); err != nil {
		t.Fatalf("failed to close bob's connection: %v", err)
	}

	leave := testhelpers.ExpectFrameType(t, connA, server.TypeUserLeave, frameTimeout)
	var left server.LeavePayload
	testhelpers.DecodePayload(t, leave, &left)
	if left.ID != departingID {
		t.Fatalf("expected USER_LEAVE for session %s, got %s", departingID, left.ID)
	}

	rosterAfterLeave := testhelpers.ExpectFrameType(t, connA, server.TypeUserList, frameTimeout)
	testhelpers.DecodePayload(t, rosterAfterLeave, &entries)
	if len(entries) != 1 || entries[0].Username != "alice" {
		t.Fatalf("expected roster [alice] after bob left, got %+v", entries)
	}
}

// TestMessageOrderingAcrossClients verifies that a burst of messages from
// one client arrives at every other client complete and in send order.
func TestMessageOrderingAcrossClients(t *testing.T) {
	const messageCount = 20

	cs := testhelpers.StartChatServer(t, map[string]string{
		"alice": "t1",
		"bob":   "t2",
	}, func(cfg *server.Config) {
		cfg.RateLimit.Burst = messageCount * 2
	})

	sender := cs.Dial(t)
	testhelpers.Login(t, sender, "t1")

	receiver := cs.Dial(t)
	testhelpers.Login(t, receiver, "t2")
	testhelpers.ExpectFrameType(t, sender, server.TypeUserList, frameTimeout)

	for i := 0; i < messageCount; i++ {
		testhelpers.SendEnvelope(t, sender, server.TypeMessage, fmt.Sprintf("message-%d", i))
	}

	for i := 0; i < messageCount; i++ {
		frame := testhelpers.ExpectFrameType(t, receiver, server.TypeMessage, frameTimeout)
		var msg server.MessagePayload
		testhelpers.DecodePayload(t, frame, &msg)
		if want := fmt.Sprintf("message-%d", i); msg.Text != want {
			t.Fatalf("message %d out of order: expected %q, got %q", i, want, msg.Text)
		}
	}
}

// TestMessageBeforeLoginIgnored verifies that MESSAGE frames on an
// unauthenticated connection produce neither a broadcast nor an error.
func TestMessageBeforeLoginIgnored(t *testing.T) {
	cs := testhelpers.StartChatServer(t, map[string]string{"alice": "t1"}, nil)

	observer := cs.Dial(t)
	testhelpers.Login(t, observer, "t1")

	silent := cs.Dial(t)
	testhelpers.SendEnvelope(t, silent, server.TypeMessage, "should vanish")

	testhelpers.ExpectNoFrame(t, silent, 500*time.Millisecond)
	testhelpers.ExpectNoFrame(t, observer, 500*time.Millisecond)
}

// TestMalformedFrameKeepsConnectionUsable verifies that an unparsable frame
// draws exactly one error envelope and that the connection can still LOGIN
// afterwards.
func TestMalformedFrameKeepsConnectionUsable(t *testing.T) {
	cs := testhelpers.StartChatServer(t, map[string]string{"alice": "t1"}, nil)

	conn := cs.Dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("this is not json")); err != nil {
		t.Fatalf("failed to write garbage frame: %v", err)
	}

	frame := testhelpers.ReadFrame(t, conn, frameTimeout)
	if frame.Error != "Invalid message format" {
		t.Fatalf("expected %q error envelope, got %+v", "Invalid message format", frame)
	}

	// Exactly one error envelope, then the connection still authenticates.
	_, roster := testhelpers.Login(t, conn, "t1")
	var entries []server.RosterEntry
	testhelpers.DecodePayload(t, roster, &entries)
	if len(entries) != 1 || entries[0].Username != "alice" {
		t.Fatalf("expected roster [alice] after recovering from garbage, got %+v", entries)
	}
}

// TestLoginPayloadWrongType verifies that a LOGIN envelope whose payload is
// not a string is treated as malformed, not as an invalid token.
func TestLoginPayloadWrongType(t *testing.T) {
	cs := testhelpers.StartChatServer(t, map[string]string{"alice": "t1"}, nil)

	conn := cs.Dial(t)
	testhelpers.SendEnvelope(t, conn, server.TypeLogin, 12345)

	frame := testhelpers.ReadFrame(t, conn, frameTimeout)
	if frame.Error != "Invalid message format" {
		t.Fatalf("expected invalid format error, got %+v", frame)
	}

	// The connection remains open and unauthenticated.
	testhelpers.Login(t, conn, "t1")
}

// TestInvalidTokenClosesConnection verifies the fatal path: error envelope,
// transport close, and no session registered.
func TestInvalidTokenClosesConnection(t *testing.T) {
	cs := testhelpers.StartChatServer(t, map[string]string{"alice": "t1"}, nil)

	conn := cs.Dial(t)
	testhelpers.SendEnvelope(t, conn, server.TypeLogin, "bogus")

	frame := testhelpers.ReadFrame(t, conn, frameTimeout)
	if frame.Error != "Invalid token" {
		t.Fatalf("expected %q error envelope, got %+v", "Invalid token", frame)
	}

	// The server closes the connection after the error envelope.
	if err := conn.SetReadDeadline(time.Now().Add(frameTimeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed after an invalid token")
	}

	if size := cs.Hub.Sessions().Len(); size != 0 {
		t.Fatalf("expected no registered sessions, got %d", size)
	}
}

// TestInitialMessagesTail verifies that history replay returns at most the
// configured limit, ascending, matching the tail of persisted history.
func TestInitialMessagesTail(t *testing.T) {
	const persisted = 35
	const limit = 30

	cs := testhelpers.StartChatServer(t, map[string]string{"alice": "t1"}, nil)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < persisted; i++ {
		err := cs.History.Append(context.Background(), server.ChatMessage{
			Username:  "scribe",
			Text:      fmt.Sprintf("entry-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("failed to persist message %d: %v", i, err)
		}
	}

	conn := cs.Dial(t)
	initial, _ := testhelpers.Login(t, conn, "t1")

	var history []server.ChatMessage
	testhelpers.DecodePayload(t, initial, &history)
	if len(history) != limit {
		t.Fatalf("expected %d replayed messages, got %d", limit, len(history))
	}
	for i, msg := range history {
		if want := fmt.Sprintf("entry-%d", persisted-limit+i); msg.Text != want {
			t.Fatalf("replay position %d: expected %q, got %q", i, want, msg.Text)
		}
		if i > 0 && msg.CreatedAt.Before(history[i-1].CreatedAt) {
			t.Fatalf("replay not ascending at position %d", i)
		}
	}
}

// TestDuplicateLoginIgnored verifies that a second LOGIN on an authenticated
// connection neither errors nor creates a second session.
func TestDuplicateLoginIgnored(t *testing.T) {
	cs := testhelpers.StartChatServer(t, map[string]string{"alice": "t1", "bob": "t2"}, nil)

	conn := cs.Dial(t)
	testhelpers.Login(t, conn, "t1")

	testhelpers.SendEnvelope(t, conn, server.TypeLogin, "t2")
	testhelpers.ExpectNoFrame(t, conn, 500*time.Millisecond)

	if size := cs.Hub.Sessions().Len(); size != 1 {
		t.Fatalf("expected a single session, got %d", size)
	}
}
