// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package websocket

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evemaps/killfeed/internal/dispatch"
	"github.com/evemaps/killfeed/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// clientIDCounter gives clients a stable sort key so shutdown order is
// deterministic.
var clientIDCounter atomic.Uint64

// Client bridges one consumer websocket and the dispatcher. The client is
// its own dispatch sink: events land in the send buffer and the write pump
// drains it.
type Client struct {
	id           uint64
	subscriberID string
	systems      []int64
	hub          *Hub
	conn         *websocket.Conn
	send         chan dispatch.Message
}

// NewClient creates a Client watching the given systems.
func NewClient(hub *Hub, conn *websocket.Conn, subscriberID string, systems []int64) *Client {
	return &Client{
		id:           clientIDCounter.Add(1),
		subscriberID: subscriberID,
		systems:      systems,
		hub:          hub,
		conn:         conn,
		send:         make(chan dispatch.Message, 256),
	}
}

// Deliver implements dispatch.Sink. Never blocks; a full buffer drops the
// event.
func (c *Client) Deliver(msg dispatch.Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Start begins the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump drains inbound frames. Consumers send nothing meaningful; the
// pump exists to run the pong handler and detect closure.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("subscriber_id", c.subscriberID).Msg("unexpected websocket close")
			}
			return
		}
	}
}

// writePump forwards dispatched events to the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logging.Warn().Err(err).Str("subscriber_id", c.subscriberID).Msg("consumer write failed")
				return
			}

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
