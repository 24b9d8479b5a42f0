// Package server defines the JSON wire envelopes exchanged between chat
// clients and the hub, along with shared helpers for building them.
package server

import (
	"encoding/json"
	"strings"
	"time"
)

// Client-to-server event types.
const (
	TypeLogin   = "LOGIN"
	TypeMessage = "MESSAGE"
)

// Server-to-client event types.
const (
	TypeInitialMessages = "INITIAL_MESSAGES"
	TypeUserList        = "USER_LIST"
	TypeUserLeave       = "USER_LEAVE"
)

// Envelope is the {type, payload} wrapper around every frame on the wire.
// Inbound payloads are decoded lazily because their shape depends on Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChatMessage is a single persisted chat message. Instances are immutable
// once written to the history log.
type ChatMessage struct {
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessagePayload is the body of an outbound MESSAGE broadcast.
type MessagePayload struct {
	Username string `json:"username"`
	Text     string `json:"text"`
}

// RosterEntry is one element of a USER_LIST payload.
type RosterEntry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// LeavePayload is the body of a USER_LEAVE broadcast.
type LeavePayload struct {
	ID string `json:"id"`
}

// ErrorEnvelope is sent to a single client when its last frame could not be
// processed. It deliberately has no type field so clients can distinguish it
// from regular events.
type ErrorEnvelope struct {
	Error string `json:"error"`
}

// Error texts surfaced to clients.
const (
	errInvalidToken   = "Invalid token"
	errInvalidFormat  = "Invalid message format"
	errMessageDropped = "Message could not be stored"
)

func marshalEvent(eventType string, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload"`
	}{Type: eventType, Payload: payload})
}

// mustMarshalEvent is for payloads built from our own types, which cannot
// fail to encode.
func mustMarshalEvent(eventType string, payload any) []byte {
	data, err := marshalEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

func errorFrame(text string) []byte {
	data, _ := json.Marshal(ErrorEnvelope{Error: text})
	return data
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
