// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package dispatch republishes killmail and count events to registered
// consumers by solar system. Delivery is best-effort: a consumer that
// cannot keep up loses events, never blocks the publisher, and never
// affects delivery to other consumers.
package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/evemaps/killfeed/internal/logging"
	"github.com/evemaps/killfeed/internal/metrics"
	"github.com/evemaps/killfeed/internal/models"
	"github.com/evemaps/killfeed/internal/subscription"
)

// Message types delivered to consumers.
const (
	MessageTypeKillmails = "killmail_update"
	MessageTypeKillCount = "kill_count_update"
)

// Message is one consumer-facing event.
type Message struct {
	Type      string             `json:"type"`
	SystemID  int64              `json:"system_id"`
	Killmails []*models.Killmail `json:"killmails,omitempty"`
	Count     int                `json:"count,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Sink receives messages for one consumer. Deliver must not block; it
// reports whether the message was accepted.
type Sink interface {
	Deliver(msg Message) bool
}

type consumer struct {
	id      string
	systems map[int64]struct{}
	sink    Sink
}

// Dispatcher is the consumer registry and fan-out point. It also answers
// the subscription manager's "which systems are tracked" query.
type Dispatcher struct {
	mu        sync.RWMutex
	consumers map[string]*consumer
	bySystem  map[int64]map[string]*consumer
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		consumers: make(map[string]*consumer),
		bySystem:  make(map[int64]map[string]*consumer),
	}
}

// Register adds or replaces a consumer watching the given systems.
func (d *Dispatcher) Register(id string, systems []int64, sink Sink) error {
	if err := subscription.ValidateSystemIDs(systems); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.consumers[id]; ok {
		d.removeLocked(old)
	}

	c := &consumer{
		id:      id,
		systems: make(map[int64]struct{}, len(systems)),
		sink:    sink,
	}
	for _, sysID := range systems {
		c.systems[sysID] = struct{}{}
		watchers, ok := d.bySystem[sysID]
		if !ok {
			watchers = make(map[string]*consumer)
			d.bySystem[sysID] = watchers
		}
		watchers[id] = c
	}
	d.consumers[id] = c
	metrics.ConsumerCount.Set(float64(len(d.consumers)))

	logging.Info().
		Str("subscriber_id", id).
		Int("systems", len(systems)).
		Msg("consumer registered")
	return nil
}

// Unregister removes a consumer. Removing an unknown consumer reports
// false; callers treat that as already satisfied.
func (d *Dispatcher) Unregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.consumers[id]
	if !ok {
		return false
	}
	d.removeLocked(c)
	metrics.ConsumerCount.Set(float64(len(d.consumers)))

	logging.Info().Str("subscriber_id", id).Msg("consumer unregistered")
	return true
}

// PublishKills delivers a stored killmail batch to every consumer watching
// the system.
func (d *Dispatcher) PublishKills(systemID int64, kills []*models.Killmail) {
	d.publish(systemID, Message{
		Type:      MessageTypeKillmails,
		SystemID:  systemID,
		Killmails: kills,
		Timestamp: time.Now().UTC(),
	})
}

// PublishCount delivers a rolling-count update to every consumer watching
// the system.
func (d *Dispatcher) PublishCount(systemID int64, count int) {
	d.publish(systemID, Message{
		Type:      MessageTypeKillCount,
		SystemID:  systemID,
		Count:     count,
		Timestamp: time.Now().UTC(),
	})
}

// TrackedSystems returns the union of all consumers' watched systems.
func (d *Dispatcher) TrackedSystems() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]int64, 0, len(d.bySystem))
	for id, watchers := range d.bySystem {
		if len(watchers) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ConsumerCount returns the number of registered consumers.
func (d *Dispatcher) ConsumerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.consumers)
}

func (d *Dispatcher) publish(systemID int64, msg Message) {
	d.mu.RLock()
	watchers := d.bySystem[systemID]
	targets := make([]*consumer, 0, len(watchers))
	for _, c := range watchers {
		targets = append(targets, c)
	}
	d.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	// Deterministic delivery order across consumers.
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	delivered := 0
	for _, c := range targets {
		if c.sink.Deliver(msg) {
			delivered++
		} else {
			logging.Debug().
				Str("subscriber_id", c.id).
				Int64("system_id", systemID).
				Str("type", msg.Type).
				Msg("consumer lagging, event dropped")
		}
	}
	metrics.DispatchedEvents.WithLabelValues(msg.Type).Add(float64(delivered))
}

func (d *Dispatcher) removeLocked(c *consumer) {
	for sysID := range c.systems {
		watchers := d.bySystem[sysID]
		delete(watchers, c.id)
		if len(watchers) == 0 {
			delete(d.bySystem, sysID)
		}
	}
	delete(d.consumers, c.id)
}

// ChannelSink adapts a buffered channel to the Sink interface. Useful for
// in-process consumers and tests.
type ChannelSink struct {
	C chan Message
}

// NewChannelSink creates a ChannelSink with the given buffer.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{C: make(chan Message, size)}
}

// Deliver accepts the message if buffer space remains.
func (s *ChannelSink) Deliver(msg Message) bool {
	select {
	case s.C <- msg:
		return true
	default:
		return false
	}
}
