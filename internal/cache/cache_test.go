// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/evemaps/killfeed/internal/metrics"
)

func newTestStore() *Store {
	return New(Config{CleanupInterval: time.Hour})
}

func TestHitMissCountersExported(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	s.Put("key1", "value1", time.Minute)

	beforeHits := testutil.ToFloat64(metrics.CacheHits)
	beforeMisses := testutil.ToFloat64(metrics.CacheMisses)

	s.Get("key1")
	s.Get("absent")

	if got := testutil.ToFloat64(metrics.CacheHits) - beforeHits; got != 1 {
		t.Errorf("cache hit counter delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.CacheMisses) - beforeMisses; got != 1 {
		t.Errorf("cache miss counter delta = %v, want 1", got)
	}

	// Internal stats move in lockstep with the exported counters.
	stats := s.GetStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", stats)
	}
}

func TestPutGet(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	s.Put("key1", "value1", time.Minute)

	v, ok := s.Get("key1")
	if !ok {
		t.Fatal("expected key1 to exist")
	}
	if v != "value1" {
		t.Errorf("expected value1, got %v", v)
	}

	if _, ok := s.Get("missing"); ok {
		t.Error("expected missing key to report not found")
	}
}

func TestGetExpired(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	s.Put("key1", "value1", 30*time.Millisecond)

	if _, ok := s.Get("key1"); !ok {
		t.Fatal("expected key1 immediately after put")
	}

	time.Sleep(60 * time.Millisecond)

	if _, ok := s.Get("key1"); ok {
		t.Error("expected key1 to be expired")
	}
}

func TestPutResetsTTL(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	s.Put("key1", "old", 40*time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	s.Put("key1", "new", 40*time.Millisecond)
	time.Sleep(25 * time.Millisecond)

	v, ok := s.Get("key1")
	if !ok {
		t.Fatal("expected key1 alive after TTL reset")
	}
	if v != "new" {
		t.Errorf("expected overwrite to new, got %v", v)
	}
}

func TestIncrementCreatesAtDefaultPlusAmount(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	got := s.Increment("count", 1, 0, time.Minute)
	if got != 1 {
		t.Errorf("expected 1 on first increment, got %d", got)
	}

	got = s.Increment("count", 2, 0, time.Minute)
	if got != 3 {
		t.Errorf("expected 3, got %d", got)
	}

	if n := s.Counter("count"); n != 3 {
		t.Errorf("Counter = %d, want 3", n)
	}
}

func TestIncrementAfterExpiryRestartsFromDefault(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	s.Increment("count", 5, 0, 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	got := s.Increment("count", 1, 0, time.Minute)
	if got != 1 {
		t.Errorf("expected counter restart at 1 after TTL lapse, got %d", got)
	}
}

func TestIncrementConcurrent(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	const workers = 16
	const perWorker = 100

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				s.Increment("count", 1, 0, time.Minute)
			}
		}()
	}
	wg.Wait()

	if n := s.Counter("count"); n != workers*perWorker {
		t.Errorf("Counter = %d, want %d", n, workers*perWorker)
	}
}

func TestCounterMissIsZero(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	if n := s.Counter("absent"); n != 0 {
		t.Errorf("expected 0 for absent counter, got %d", n)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	s := New(Config{CleanupInterval: 20 * time.Millisecond})
	defer s.Close()

	s.Put("gone", "v", 10*time.Millisecond)
	s.Put("kept", "v", time.Minute)

	time.Sleep(60 * time.Millisecond)

	stats := s.GetStats()
	if stats.TotalKeys != 1 {
		t.Errorf("expected 1 key after cleanup, got %d", stats.TotalKeys)
	}
	if stats.Evictions == 0 {
		t.Error("expected at least one eviction recorded")
	}
}

func TestAddToIndexDedup(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	key := SystemKillsKey(30000142)
	s.AddToIndex(key, 101, time.Minute)
	s.AddToIndex(key, 101, time.Minute)
	s.AddToIndex(key, 101, time.Minute)

	ids := s.IndexIDs(key, 0)
	if len(ids) != 1 || ids[0] != 101 {
		t.Errorf("expected [101] after duplicate appends, got %v", ids)
	}
}

func TestAddToIndexPrependsNewestFirst(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	key := SystemKillsKey(31000005)
	s.AddToIndex(key, 1, time.Minute)
	s.AddToIndex(key, 2, time.Minute)
	s.AddToIndex(key, 3, time.Minute)

	ids := s.IndexIDs(key, 0)
	want := []int64{3, 2, 1}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestIndexIDsLimit(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	key := SystemKillsKey(30002187)
	for id := int64(1); id <= 5; id++ {
		s.AddToIndex(key, id, time.Minute)
	}

	ids := s.IndexIDs(key, 2)
	if len(ids) != 2 || ids[0] != 5 || ids[1] != 4 {
		t.Errorf("expected newest two [5 4], got %v", ids)
	}
}

func TestIndexIDsMissIsEmpty(t *testing.T) {
	s := newTestStore()
	defer s.Close()

	if ids := s.IndexIDs("absent", 10); len(ids) != 0 {
		t.Errorf("expected empty index on miss, got %v", ids)
	}
}
