// Package server coordinates session registration, message fan-out, and
// connection cleanup for the chat service via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hub owns the session store and drives the broadcast protocol. Connection
// goroutines submit work over channels; a single event loop applies
// membership changes and fans events out, so every USER_LIST snapshot
// reflects a consistent point-in-time roster. A separate publish loop
// serializes message persistence so broadcast order always equals persisted
// order, even under concurrent senders.
type Hub struct {
	sessions *SessionStore
	history  HistoryLog
	gate     *AuthGate
	log      *slog.Logger

	// clients holds every open connection, authenticated or not. It is
	// touched only from the Run goroutine.
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	joins      chan joinRequest
	inbound    chan inboundMessage
	events     chan hubEvent

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	pubDone chan struct{}
}

// joinRequest carries an authenticated connection into the session store.
// The publish loop fills history with the replay window before the event
// loop applies the join. The reply channel delivers the assigned session
// ID, or is closed without a value when the hub rejects the join.
type joinRequest struct {
	client   *Client
	username string
	history  []ChatMessage
	reply    chan uuid.UUID
}

// inboundMessage is a validated MESSAGE event awaiting persistence.
type inboundMessage struct {
	sender *Client
	msg    ChatMessage
}

// hubEvent is one unit of ordered work forwarded from the publish loop to
// the event loop: either a frame to fan out or a join whose replay window
// has been fetched. Sharing a channel keeps joins ordered relative to the
// broadcasts around them.
type hubEvent struct {
	frame []byte
	join  *joinRequest
}

// NewHub creates a Hub wired to the given history log and auth gate. The
// returned Hub is inert until Run is called.
func NewHub(history HistoryLog, gate *AuthGate, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:   NewSessionStore(),
		history:    history,
		gate:       gate,
		log:        log,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan joinRequest),
		inbound:    make(chan inboundMessage),
		events:     make(chan hubEvent),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		pubDone:    make(chan struct{}),
	}
}

// Sessions exposes the session store for roster inspection.
func (h *Hub) Sessions() *SessionStore {
	return h.sessions
}

// Run starts the hub's event loop and its publish loop. It should be called
// in a separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)
	go h.publishLoop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}
			h.clients[client] = true
			h.log.Info("client connected", "addr", client.addr, "total", len(h.clients))

			if client.conn != nil {
				h.wg.Add(2)
				go func() {
					defer h.wg.Done()
					client.writePump()
				}()
				go func() {
					defer h.wg.Done()
					client.readPump()
				}()
			}

		case client := <-h.unregister:
			h.dropClient(client)

		case ev := <-h.events:
			if ev.join != nil {
				h.handleJoin(*ev.join)
				continue
			}
			h.fanout(ev.frame)
		}
	}
}

// publishLoop persists MESSAGE events one at a time and forwards each
// successfully stored message to the event loop. Being the only writer to
// the history log gives a total persisted order identical to broadcast
// order. Timestamps are stamped here, strictly increasing in append order,
// so the log's timestamp-keyed replay reproduces exactly that order even
// when racing senders submitted at the same instant. Joins pass through the
// same loop: the replay window is fetched between appends, so it contains
// precisely the messages whose broadcasts the joiner will not receive.
// Persistence failures are reported to the sender alone; the message is
// dropped, never retried.
func (h *Hub) publishLoop() {
	defer close(h.pubDone)

	var lastStamp time.Time
	for {
		select {
		case <-h.ctx.Done():
			return

		case in := <-h.inbound:
			stamp := time.Now().UTC()
			if !stamp.After(lastStamp) {
				stamp = lastStamp.Add(time.Nanosecond)
			}
			lastStamp = stamp
			in.msg.CreatedAt = stamp

			if err := h.history.Append(h.ctx, in.msg); err != nil {
				h.log.Error("message persistence failed", "username", in.msg.Username, "error", err)
				in.sender.enqueue(errorFrame(errMessageDropped))
				continue
			}
			frame := mustMarshalEvent(TypeMessage, MessagePayload{
				Username: in.msg.Username,
				Text:     in.msg.Text,
			})
			select {
			case h.events <- hubEvent{frame: frame}:
			case <-h.ctx.Done():
				return
			}

		case req := <-h.joins:
			req.history = h.recentHistory(h.ctx)
			select {
			case h.events <- hubEvent{join: &req}:
			case <-h.ctx.Done():
				close(req.reply)
				return
			}
		}
	}
}

// handleJoin registers an authenticated connection, replays history to the
// joiner, and announces the new roster to everyone.
func (h *Hub) handleJoin(req joinRequest) {
	if !h.clients[req.client] {
		// Connection went away while authentication was in flight.
		close(req.reply)
		return
	}

	id, err := h.sessions.Add(req.client, req.username)
	if err != nil {
		h.log.Error("session registration rejected", "addr", req.client.addr, "error", err)
		close(req.reply)
		h.dropClient(req.client)
		return
	}

	initial := req.history
	if initial == nil {
		initial = []ChatMessage{}
	}
	req.client.enqueue(mustMarshalEvent(TypeInitialMessages, initial))
	req.reply <- id

	h.log.Info("user joined", "username", req.username, "session", id, "online", h.sessions.Len())
	h.fanout(mustMarshalEvent(TypeUserList, h.sessions.Roster()))
}

// fanout delivers a frame to every session and drops clients whose send
// buffers were full. Dropping may trigger further roster broadcasts; the
// loop terminates because membership strictly shrinks.
func (h *Hub) fanout(frame []byte) {
	for _, client := range h.sessions.Broadcast(frame) {
		h.log.Warn("dropping unresponsive client", "addr", client.addr)
		h.dropClient(client)
	}
}

// dropClient removes a connection from the hub. If the connection owned a
// session, the remaining sessions are told about the departure. Duplicate
// drops are harmless no-ops.
func (h *Hub) dropClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)

	session, err := h.sessions.RemoveClient(client)
	client.markClosed()

	if err != nil {
		// Never authenticated; nothing to announce.
		h.log.Info("client disconnected", "addr", client.addr, "total", len(h.clients))
		return
	}

	h.log.Info("user left", "username", session.Username, "session", session.ID, "online", h.sessions.Len())
	h.fanout(mustMarshalEvent(TypeUserLeave, LeavePayload{ID: session.ID.String()}))
	h.fanout(mustMarshalEvent(TypeUserList, h.sessions.Roster()))
}

// submitMessage hands a validated MESSAGE event to the publish loop,
// preserving the sender's frame order.
func (h *Hub) submitMessage(sender *Client, msg ChatMessage) {
	select {
	case h.inbound <- inboundMessage{sender: sender, msg: msg}:
	case <-h.ctx.Done():
	}
}

// submitUnregister schedules a connection for removal without blocking past
// hub shutdown.
func (h *Hub) submitUnregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// submitJoin forwards a join request to the publish loop, which attaches
// the replay window and passes it on to the event loop. It reports false
// when the hub is shutting down.
func (h *Hub) submitJoin(req joinRequest) bool {
	select {
	case h.joins <- req:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// recentHistory fetches the replay window for a new joiner. Replay is best
// effort: a failing history log yields an empty window rather than a failed
// login.
func (h *Hub) recentHistory(ctx context.Context) []ChatMessage {
	limit := currentConfig().HistoryLimit
	messages, err := h.history.Recent(ctx, limit)
	if err != nil {
		h.log.Error("history replay failed", "error", err)
		return []ChatMessage{}
	}
	return messages
}

// shutdownClients closes every active connection during hub shutdown.
func (h *Hub) shutdownClients() {
	h.log.Info("closing client connections", "count", len(h.clients))

	for client := range h.clients {
		_, _ = h.sessions.RemoveClient(client)
		client.markClosed()
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn("error closing client connection", "addr", client.addr, "error", err)
			}
		}
	}
	h.clients = make(map[*Client]bool)
}

// Shutdown stops the hub and waits for all connection goroutines to finish,
// or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	<-h.done
	<-h.pubDone

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.log.Info("hub shutdown complete")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timed out; some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
