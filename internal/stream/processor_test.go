// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evemaps/killfeed/internal/cache"
	"github.com/evemaps/killfeed/internal/killmail"
	"github.com/evemaps/killfeed/internal/models"
)

type fakePublisher struct {
	mu     sync.Mutex
	kills  map[int64][]*models.Killmail
	counts map[int64]int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		kills:  make(map[int64][]*models.Killmail),
		counts: make(map[int64]int),
	}
}

func (p *fakePublisher) PublishKills(systemID int64, kills []*models.Killmail) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills[systemID] = append(p.kills[systemID], kills...)
}

func (p *fakePublisher) PublishCount(systemID int64, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[systemID] = count
}

func streamRaw(id int64, killTime time.Time, npc bool) models.RawKillmail {
	return models.RawKillmail{
		KillmailID:    id,
		KillmailTime:  killTime.UTC().Format(time.RFC3339),
		SolarSystemID: 30000142,
		Victim:        models.RawVictim{CharacterID: id * 10, ShipTypeID: 587},
		Attackers:     []models.RawAttacker{{CharacterID: id*10 + 1, FinalBlow: true}},
		Zkb:           &models.ZkbMeta{Hash: "h", NPC: npc},
	}
}

func newTestProcessor(t *testing.T) (*Processor, *cache.Store, *fakePublisher) {
	t.Helper()
	store := cache.New(cache.Config{CleanupInterval: time.Hour})
	t.Cleanup(store.Close)
	parser := killmail.NewParser(store, nil, killmail.Config{})
	pub := newFakePublisher()
	return NewProcessor(parser, store, pub, time.Hour), store, pub
}

func TestKillmailBatchStoredAndRepublished(t *testing.T) {
	p, store, pub := newTestProcessor(t)
	now := time.Now()

	p.HandleEvent(context.Background(), models.KillmailUpdate{
		SystemID: 30000142,
		Killmails: []models.RawKillmail{
			streamRaw(1, now.Add(-time.Minute), false),
			streamRaw(2, now.Add(-2*time.Minute), true), // npc, dropped
			streamRaw(3, now.Add(-3*time.Minute), false),
		},
	})

	if _, ok := store.Get(cache.KillmailKey(1)); !ok {
		t.Error("killmail 1 not stored")
	}
	if _, ok := store.Get(cache.KillmailKey(2)); ok {
		t.Error("NPC killmail stored")
	}
	if got := len(pub.kills[30000142]); got != 2 {
		t.Errorf("republished %d kills, want 2", got)
	}
	if n := store.Counter(cache.SystemCountKey(30000142)); n != 2 {
		t.Errorf("rolling count = %d, want 2", n)
	}
}

func TestStaleBatchNotRepublished(t *testing.T) {
	p, store, pub := newTestProcessor(t)

	// Older than the streaming path's one-hour cutoff.
	p.HandleEvent(context.Background(), models.KillmailUpdate{
		SystemID:  30000142,
		Killmails: []models.RawKillmail{streamRaw(4, time.Now().Add(-3*time.Hour), false)},
	})

	if len(pub.kills) != 0 {
		t.Errorf("stale batch republished: %v", pub.kills)
	}
	if _, ok := store.Get(cache.KillmailKey(4)); ok {
		t.Error("stale killmail stored")
	}
}

func TestCountUpdateOverwritesCounter(t *testing.T) {
	p, store, pub := newTestProcessor(t)

	// Locally accumulated count is replaced by the upstream's value.
	store.Increment(cache.SystemCountKey(30000142), 5, 0, time.Hour)

	p.HandleEvent(context.Background(), models.KillCountUpdate{SystemID: 30000142, Count: 12})

	if n := store.Counter(cache.SystemCountKey(30000142)); n != 12 {
		t.Errorf("counter = %d, want upstream value 12", n)
	}
	if pub.counts[30000142] != 12 {
		t.Errorf("count not republished: %v", pub.counts)
	}
}

func TestConnectionLostIsQuiet(t *testing.T) {
	p, _, pub := newTestProcessor(t)

	p.HandleEvent(context.Background(), models.ConnectionLost{Reason: "read: EOF"})

	if len(pub.kills) != 0 || len(pub.counts) != 0 {
		t.Error("connection loss must not publish to consumers")
	}
}
