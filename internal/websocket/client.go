// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/sessionreplay/relay/internal/logging"
	"github.com/sessionreplay/relay/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1 MB; events_batch frames can be large
	sendBufferSize = 256
)

// Role classifies a connection from its upgrade query parameter.
type Role string

const (
	RoleTracker Role = "tracker"
	RoleViewer  Role = "viewer"
)

// clientIDCounter generates unique, monotonically increasing client IDs
// used for deterministic broadcast ordering and session ownership.
var clientIDCounter atomic.Uint64

// Client is the middleman between one WebSocket connection and the hub.
// The read pump is the only goroutine that mutates sessionID and
// watched; the hub's sweep and broadcast paths read them under mu.
//
// The send channel is never closed. Removal is signaled through done so
// a read pump concurrently replying via trySend cannot race a close.
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	role Role

	joinedAt time.Time
	stopOnce sync.Once

	mu            sync.Mutex
	sessionID     string
	lastHeartbeat time.Time
	watched       map[string]struct{}
}

// NewClient creates a Client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, role Role) *Client {
	return &Client{
		id:            clientIDCounter.Add(1),
		hub:           hub,
		conn:          conn,
		send:          make(chan Message, sendBufferSize),
		done:          make(chan struct{}),
		role:          role,
		joinedAt:      time.Now(),
		lastHeartbeat: time.Now(),
		watched:       make(map[string]struct{}),
	}
}

// Start begins the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// stop signals both pumps to exit. Idempotent; called by the hub when
// the client is removed.
func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// trySend queues a message without blocking. Returns false when the
// send buffer is full, which the hub treats as a dead client. Messages
// for a stopped client are dropped.
func (c *Client) trySend(msg Message) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		metrics.RecordOutbound(msg.Type)
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Client) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat)
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// SessionID returns the session owned by a tracker, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) watch(sessionID string) {
	c.mu.Lock()
	c.watched[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unwatch(sessionID string) {
	c.mu.Lock()
	delete(c.watched, sessionID)
	c.mu.Unlock()
}

func (c *Client) isWatching(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watched[sessionID]
	return ok
}

// readPump pumps frames from the connection into the hub's router.
// Malformed frames get a best-effort error reply and the connection
// stays open; transport errors end the pump and run the disconnect
// path through Unregister.
func (c *Client) readPump() {
	defer func() {
		// The hub may already have stopped this client (sweep, full
		// buffer, shutdown); done unblocks the handoff in that case.
		select {
		case c.hub.Unregister <- c:
		case <-c.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.touchHeartbeat()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Uint64("client_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Debug().Err(err).Uint64("client_id", c.id).Msg("malformed frame")
			c.trySend(errorMessage("invalid message format"))
			continue
		}

		c.touchHeartbeat()
		metrics.RecordInbound(env.Type)
		c.hub.route(c, env)
	}
}

// writePump serializes all writes to the connection: queued messages
// and transport-level pings share the single writer goroutine so
// concurrent broadcasts and direct replies never interleave frames.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				logging.Debug().Err(err).Uint64("client_id", c.id).Msg("write failed")
				return
			}

		case <-c.done:
			// The hub removed this client.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithReason sends a close frame with the given reason before
// dropping the connection. Used by the heartbeat sweep.
func (c *Client) closeWithReason(reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.conn.Close()
}
