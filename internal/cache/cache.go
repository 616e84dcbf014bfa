// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package cache provides the process-local key/value store shared by the
// parser, fetcher, and stream dispatch paths: per-key TTL, atomic counters,
// a most-recent-first deduplicating ID index, and a jittered freshness
// marker used to throttle refetching.
//
// No operation spans more than one key, so concurrent access needs no
// cross-operation locking beyond the store's own mutex.
package cache

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/evemaps/killfeed/internal/metrics"
)

// Default tuning. All overridable via Config.
const (
	DefaultCleanupInterval = 5 * time.Minute
	DefaultFreshBase       = 15 * time.Minute
	DefaultFreshMin        = 1 * time.Minute

	// freshJitterFrac is the ± fraction of the base window applied on
	// every MarkFresh so per-system freshness never expires in lockstep.
	freshJitterFrac = 0.10
)

type entry struct {
	data      any
	expiresAt time.Time
}

// Stats tracks cache performance counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	TotalKeys int64
}

// Config holds store construction parameters. Zero values take defaults.
type Config struct {
	// CleanupInterval is how often the background sweep removes expired
	// entries.
	CleanupInterval time.Duration

	// FreshBase is the nominal freshness window written by MarkFresh.
	FreshBase time.Duration

	// FreshMin is the floor applied to the jittered freshness window.
	FreshMin time.Duration

	// randFloat overrides the jitter source; tests only.
	randFloat func() float64
}

// Store is a thread-safe in-memory cache with TTL expiry.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	freshBase time.Duration
	freshMin  time.Duration
	randFloat func() float64

	statsMu sync.Mutex
	stats   Stats

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Store and starts its background cleanup sweep. Call Close
// to stop the sweep.
func New(cfg Config) *Store {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.FreshBase <= 0 {
		cfg.FreshBase = DefaultFreshBase
	}
	if cfg.FreshMin <= 0 {
		cfg.FreshMin = DefaultFreshMin
	}
	if cfg.randFloat == nil {
		cfg.randFloat = rand.Float64
	}

	s := &Store{
		entries:   make(map[string]entry),
		freshBase: cfg.FreshBase,
		freshMin:  cfg.FreshMin,
		randFloat: cfg.randFloat,
		stop:      make(chan struct{}),
	}

	go s.cleanupLoop(cfg.CleanupInterval)

	return s
}

// Put stores a value unconditionally, resetting the TTL on every write.
func (s *Store) Put(key string, value any, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = entry{data: value, expiresAt: time.Now().Add(ttl)}
	total := int64(len(s.entries))
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.TotalKeys = total
	s.statsMu.Unlock()
}

// Get retrieves a value by key. A miss (absent or expired) returns
// (nil, false) and never an error.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.recordMiss()
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		s.recordMiss()
		s.recordEvictions(1)
		return nil, false
	}

	s.recordHit()
	return e.data, true
}

// Increment atomically adds amount to the counter at key, creating it at
// def+amount when absent or expired. The TTL is reapplied on every
// increment; staleness is expiry-driven, there is no decrement.
func (s *Store) Increment(key string, amount, def int64, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	value := def
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		if current, isInt := e.data.(int64); isInt {
			value = current
		}
	}
	value += amount
	s.entries[key] = entry{data: value, expiresAt: now.Add(ttl)}

	return value
}

// Counter returns the counter value at key, or 0 when absent or expired.
func (s *Store) Counter(key string) int64 {
	v, ok := s.Get(key)
	if !ok {
		return 0
	}
	n, isInt := v.(int64)
	if !isInt {
		return 0
	}
	return n
}

// Delete removes a key. No-op when absent.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	s.recordEvictions(1)
}

// GetStats returns a snapshot of the performance counters.
func (s *Store) GetStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close stops the background cleanup sweep. Entries remain readable.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	evicted := int64(0)
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
			evicted++
		}
	}
	total := int64(len(s.entries))
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.Evictions += evicted
	s.stats.TotalKeys = total
	s.statsMu.Unlock()
}

func (s *Store) recordHit() {
	s.statsMu.Lock()
	s.stats.Hits++
	s.statsMu.Unlock()
	metrics.CacheHits.Inc()
}

func (s *Store) recordMiss() {
	s.statsMu.Lock()
	s.stats.Misses++
	s.statsMu.Unlock()
	metrics.CacheMisses.Inc()
}

func (s *Store) recordEvictions(n int64) {
	s.statsMu.Lock()
	s.stats.Evictions += n
	s.statsMu.Unlock()
}
