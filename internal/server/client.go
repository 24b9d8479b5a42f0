// Package server manages individual WebSocket connections, handling the
// per-connection protocol state machine, read/write pumps, rate limiting,
// and lifecycle control.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// connState is the protocol state of a single connection.
type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Client represents one WebSocket connection to the chat service. Protocol
// state belongs exclusively to the read pump goroutine; the send channel and
// closed flag are shared with the hub and guarded by mu.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	log  *slog.Logger
	addr string

	// state machine fields, read pump goroutine only
	state     connState
	username  string
	sessionID uuid.UUID

	mu     sync.Mutex
	send   chan []byte
	closed bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a Client for the given WebSocket connection. New
// connections start unauthenticated; the client's send channel is buffered
// to absorb fan-out bursts.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		hub:            hub,
		log:            hub.log.With("addr", addr),
		addr:           addr,
		state:          stateUnauthenticated,
		send:           make(chan []byte, 256),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// enqueue queues a frame for delivery without blocking. It reports false
// when the connection is closed or its buffer is full, so one slow consumer
// never stalls the caller.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// markClosed closes the send channel exactly once. Frames already queued are
// still flushed by the write pump before it emits the close frame.
func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError records why the read loop is stopping, at a severity matching
// how expected the error is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("connection closed", "error", err)
	default:
		c.log.Warn("websocket read error", "error", err)
	}
}

// readPump consumes the connection's sequential event stream and drives the
// protocol state machine. It exits on transport close, after which the
// deferred unregister releases the session (if any) and triggers the roster
// update.
func (c *Client) readPump() {
	defer func() {
		c.hub.submitUnregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection in read pump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if c.state == stateClosed {
			// Drain frames racing with a server-side close.
			continue
		}
		if c.rateLimiter != nil && !c.rateLimiter.allow() {
			c.log.Warn("rate limit exceeded; discarding frame",
				"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
			continue
		}
		c.processFrame(raw)
	}
}

// processFrame dispatches one inbound envelope according to the connection
// state. Malformed frames draw a single error envelope and leave the
// connection open; events that cannot be attributed to a session are
// silently ignored.
func (c *Client) processFrame(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.enqueue(errorFrame(errInvalidFormat))
		return
	}

	switch env.Type {
	case TypeLogin:
		if c.state != stateUnauthenticated {
			return
		}
		var token string
		if err := json.Unmarshal(env.Payload, &token); err != nil {
			c.enqueue(errorFrame(errInvalidFormat))
			return
		}
		c.handleLogin(token)

	case TypeMessage:
		if c.state != stateAuthenticated {
			return
		}
		var text string
		if err := json.Unmarshal(env.Payload, &text); err != nil {
			c.enqueue(errorFrame(errInvalidFormat))
			return
		}
		// CreatedAt is stamped by the hub's publish loop, where appends
		// are serialized.
		c.hub.submitMessage(c, ChatMessage{
			Username: c.username,
			Text:     text,
		})

	default:
		// Unknown event types are ignored, matching the treatment of
		// unattributable events.
	}
}

// handleLogin runs the auth gate and, on success, joins the session store.
// The call blocks until the hub has applied the join so that a MESSAGE frame
// arriving right after LOGIN observes the authenticated state.
func (c *Client) handleLogin(token string) {
	username, err := c.hub.gate.Authenticate(c.hub.ctx, token)
	if err != nil {
		c.log.Warn("login rejected", "error", err)
		c.enqueue(errorFrame(errInvalidToken))
		c.state = stateClosed
		c.hub.submitUnregister(c)
		return
	}

	req := joinRequest{
		client:   c,
		username: username,
		reply:    make(chan uuid.UUID, 1),
	}
	if !c.hub.submitJoin(req) {
		c.state = stateClosed
		return
	}

	id, ok := <-req.reply
	if !ok {
		c.state = stateClosed
		return
	}
	c.username = username
	c.sessionID = id
	c.state = stateAuthenticated
}

// writePump flushes queued frames to the connection and keeps it alive with
// periodic pings. It exits when the send channel is closed or a write fails,
// closing the connection either way.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection in write pump", "error", err)
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("error setting write deadline", "error", err)
				return
			}
			if !ok {
				c.writeCloseMessage()
				return
			}
			if !c.writeFrame(frame) {
				return
			}
		case <-ticker.C:
			if !c.ping() {
				return
			}
		}
	}
}

func (c *Client) writeCloseMessage() {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("error writing close message", "error", err)
	}
}

// writeFrame writes one frame plus anything else already queued, each as its
// own text message so clients can decode envelopes independently.
func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing frame", "error", err)
		}
		return false
	}

	for i := 0; i < len(c.send); i++ {
		queued, ok := <-c.send
		if !ok {
			c.writeCloseMessage()
			return false
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
			if !isExpectedCloseError(err) {
				c.log.Warn("error writing queued frame", "error", err)
			}
			return false
		}
	}
	return true
}

// ping keeps the connection alive between frames.
func (c *Client) ping() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing ping", "error", err)
		}
		return false
	}
	return true
}
