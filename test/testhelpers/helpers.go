// Package testhelpers provides common utilities for integration testing the
// chat service: a fully wired test server (hub, Badger storage, seeded user
// directory) and WebSocket frame helpers.
package testhelpers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/internal/server"
	"github.com/parleychat/parley/internal/store"
)

// Frame is a decoded server-to-client frame. Error envelopes carry no type,
// so both shapes share this struct.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
}

// ChatServer is a running chat service backed by a throwaway Badger
// database, ready for WebSocket dials.
type ChatServer struct {
	URL     string
	Hub     *server.Hub
	History *store.History

	ts *httptest.Server
}

// StartChatServer wires storage, directory, hub, and HTTP routes into a test
// server seeded with the given username-to-token pairs. Everything is torn
// down via t.Cleanup. The customize hook may adjust the configuration before
// it is applied; the test server's own URL is always an allowed origin.
func StartChatServer(t *testing.T, seed map[string]string, customize func(cfg *server.Config)) *ChatServer {
	t.Helper()

	log := slog.Default()

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	directory := store.NewDirectory(db)
	for username, token := range seed {
		if err := directory.Put(context.Background(), username, token); err != nil {
			t.Fatalf("failed to seed user %s: %v", username, err)
		}
	}

	history := store.NewHistory(db, log)
	hub := server.NewHub(history, server.NewAuthGate(directory), log)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(5 * time.Second) })

	ts := httptest.NewServer(server.SetupRoutes(hub))
	t.Cleanup(ts.Close)

	cfg := server.NewConfig()
	cfg.AllowedOrigins = append([]string{ts.URL}, cfg.AllowedOrigins...)
	if customize != nil {
		customize(cfg)
	}
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	return &ChatServer{
		URL:     ts.URL,
		Hub:     hub,
		History: history,
		ts:      ts,
	}
}

// Dial opens a WebSocket connection to the chat endpoint with an allowed
// origin header. The connection is closed via t.Cleanup.
func (cs *ChatServer) Dial(t *testing.T) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(cs.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/chat"

	header := http.Header{}
	header.Set("Origin", cs.URL)

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", u.String(), err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEnvelope writes one {type, payload} frame.
func SendEnvelope(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()

	frame, err := json.Marshal(map[string]any{"type": eventType, "payload": payload})
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("failed to write envelope: %v", err)
	}
}

// ReadFrame reads and decodes the next frame, failing the test if none
// arrives within the timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) Frame {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("failed to decode frame %q: %v", raw, err)
	}
	return frame
}

// ExpectFrameType reads the next frame and asserts its type.
func ExpectFrameType(t *testing.T, conn *websocket.Conn, eventType string, timeout time.Duration) Frame {
	t.Helper()

	frame := ReadFrame(t, conn, timeout)
	if frame.Type != eventType {
		t.Fatalf("expected frame type %s, got %q (error=%q)", eventType, frame.Type, frame.Error)
	}
	return frame
}

// ExpectNoFrame asserts that nothing arrives on the connection within the
// timeout. A clean close also counts as silence.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, but received %q", raw)
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of frames: %v", err)
}

// Login performs the LOGIN handshake and returns the INITIAL_MESSAGES and
// USER_LIST frames the server replies with.
func Login(t *testing.T, conn *websocket.Conn, token string) (initial Frame, roster Frame) {
	t.Helper()

	SendEnvelope(t, conn, server.TypeLogin, token)
	initial = ExpectFrameType(t, conn, server.TypeInitialMessages, 2*time.Second)
	roster = ExpectFrameType(t, conn, server.TypeUserList, 2*time.Second)
	return initial, roster
}

// DecodePayload unmarshals a frame payload into out.
func DecodePayload(t *testing.T, frame Frame, out any) {
	t.Helper()

	if err := json.Unmarshal(frame.Payload, out); err != nil {
		t.Fatalf("failed to decode %s payload %q: %v", frame.Type, frame.Payload, err)
	}
}
