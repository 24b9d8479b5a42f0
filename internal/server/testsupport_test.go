package server

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// memHistory is an in-memory HistoryLog used by unit tests. Setting failErr
// makes Append fail, exercising the persistence-failure path. A non-nil
// appendGate makes Append wait on it first, letting tests hold the publish
// loop at its serialization point.
type memHistory struct {
	mu         sync.Mutex
	messages   []ChatMessage
	failErr    error
	appendGate chan struct{}
}

func (m *memHistory) Append(_ context.Context, msg ChatMessage) error {
	if m.appendGate != nil {
		<-m.appendGate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memHistory) Recent(_ context.Context, limit int) ([]ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return nil, m.failErr
	}
	start := len(m.messages) - limit
	if start < 0 {
		start = 0
	}
	return append([]ChatMessage{}, m.messages[start:]...), nil
}

func (m *memHistory) stored() []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatMessage{}, m.messages...)
}

// memDirectory is an in-memory UserDirectory keyed by token.
type memDirectory struct {
	users   map[string]string
	lookupE error
}

func (m *memDirectory) LookupByToken(_ context.Context, token string) (string, bool, error) {
	if m.lookupE != nil {
		return "", false, m.lookupE
	}
	username, found := m.users[token]
	return username, found, nil
}

func newTestHub(t *testing.T, history HistoryLog) *Hub {
	t.Helper()

	if history == nil {
		history = &memHistory{}
	}
	gate := NewAuthGate(&memDirectory{users: map[string]string{}})
	hub := NewHub(history, gate, slog.Default())
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
	return hub
}

// newTestClient builds a client without a transport. Its send channel is
// fully usable, which is all the store and fan-out tests need.
func newTestClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	return NewClient(nil, hub, "test:0")
}

// receiveFrame reads one queued frame from a client's send buffer.
func receiveFrame(t *testing.T, c *Client, timeout time.Duration) []byte {
	t.Helper()

	select {
	case frame, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed while awaiting frame")
		}
		return frame
	case <-time.After(timeout):
		t.Fatal("timed out awaiting frame")
		return nil
	}
}

// expectSilence asserts that nothing is queued for the client.
func expectSilence(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()

	select {
	case frame, ok := <-c.send:
		if ok {
			t.Fatalf("expected no frame, got %q", frame)
		}
	case <-time.After(wait):
	}
}
