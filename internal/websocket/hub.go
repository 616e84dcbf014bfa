// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package websocket serves the consumer-facing event feed at GET /ws. Each
// connected consumer is registered with the dispatcher for the systems it
// asked to watch; the hub owns client lifecycle and graceful shutdown.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/evemaps/killfeed/internal/dispatch"
	"github.com/evemaps/killfeed/internal/logging"
)

// Hub maintains the set of connected consumer clients.
type Hub struct {
	dispatcher *dispatch.Dispatcher

	Register   chan *Client
	Unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates a Hub backed by the given dispatcher.
func NewHub(dispatcher *dispatch.Dispatcher) *Hub {
	return &Hub{
		dispatcher: dispatcher,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run processes client lifecycle events until ctx is canceled, then closes
// every connected client. Designed for supervised operation.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			logging.Info().Str("component", "websocket-hub").Msg("websocket hub stopped")
			return ctx.Err()

		case client := <-h.Register:
			h.addClient(client)

		case client := <-h.Unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	if err := h.dispatcher.Register(client.subscriberID, client.systems, client); err != nil {
		logging.Warn().Err(err).Str("subscriber_id", client.subscriberID).Msg("consumer registration rejected")
		close(client.send)
		return
	}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	logging.Info().
		Int("total_clients", total).
		Str("subscriber_id", client.subscriberID).
		Int("systems", len(client.systems)).
		Msg("websocket consumer connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.dispatcher.Unregister(client.subscriberID)
	close(client.send)

	logging.Info().
		Int("total_clients", total).
		Str("subscriber_id", client.subscriberID).
		Msg("websocket consumer disconnected")
}

// closeAllClients tears down every client in ID order.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, client := range clients {
		h.dispatcher.Unregister(client.subscriberID)
		close(client.send)
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected consumers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
