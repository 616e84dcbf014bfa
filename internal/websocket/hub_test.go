// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/evemaps/killfeed/internal/dispatch"
	"github.com/evemaps/killfeed/internal/models"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHubRegistersConsumerWithDispatcher(t *testing.T) {
	d := dispatch.New()
	hub := NewHub(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	defer func() { cancel(); <-done }()

	client := NewClient(hub, nil, "consumer-1", []int64{30000142})
	hub.Register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "client never registered")

	// Events for the watched system land in the client's send buffer.
	d.PublishKills(30000142, []*models.Killmail{{KillmailID: 7, SolarSystemID: 30000142}})

	select {
	case msg := <-client.send:
		if msg.Type != dispatch.MessageTypeKillmails || msg.Killmails[0].KillmailID != 7 {
			t.Errorf("bad message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("registered consumer received nothing")
	}
}

func TestHubUnregisterRemovesConsumer(t *testing.T) {
	d := dispatch.New()
	hub := NewHub(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	defer func() { cancel(); <-done }()

	client := NewClient(hub, nil, "consumer-2", []int64{30000142})
	hub.Register <- client
	waitFor(t, func() bool { return d.ConsumerCount() == 1 }, "never registered")

	hub.Unregister <- client
	waitFor(t, func() bool { return d.ConsumerCount() == 0 }, "never unregistered")

	// The send channel is closed on removal.
	if _, ok := <-client.send; ok {
		t.Error("send channel still open after unregister")
	}
}

func TestHubRejectsInvalidSystems(t *testing.T) {
	d := dispatch.New()
	hub := NewHub(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	defer func() { cancel(); <-done }()

	client := NewClient(hub, nil, "consumer-bad", []int64{42})
	hub.Register <- client

	// Registration is rejected and the client closed, never tracked.
	if _, ok := <-client.send; ok {
		t.Error("rejected client left open")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("rejected client tracked: %d", hub.ClientCount())
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	d := dispatch.New()
	hub := NewHub(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	a := NewClient(hub, nil, "consumer-a", []int64{30000142})
	b := NewClient(hub, nil, "consumer-b", []int64{30000143})
	hub.Register <- a
	hub.Register <- b
	waitFor(t, func() bool { return hub.ClientCount() == 2 }, "clients never registered")

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	if _, ok := <-a.send; ok {
		t.Error("client a left open after shutdown")
	}
	if _, ok := <-b.send; ok {
		t.Error("client b left open after shutdown")
	}
	if d.ConsumerCount() != 0 {
		t.Errorf("dispatcher still tracks %d consumers", d.ConsumerCount())
	}
}
