// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package cache

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestIsFreshLifecycle(t *testing.T) {
	s := New(Config{
		CleanupInterval: time.Hour,
		FreshBase:       50 * time.Millisecond,
		FreshMin:        10 * time.Millisecond,
	})
	defer s.Close()

	key := SystemFetchedKey(30000142)

	if s.IsFresh(key) {
		t.Error("expected not fresh before any MarkFresh")
	}

	s.MarkFresh(key)
	if !s.IsFresh(key) {
		t.Error("expected fresh immediately after MarkFresh")
	}

	time.Sleep(80 * time.Millisecond)
	if s.IsFresh(key) {
		t.Error("expected stale once real time passed the stored expiry")
	}
}

func TestFreshWindowBounds(t *testing.T) {
	// With the 15m default base and ±10% jitter the resulting window must
	// stay within [1min, 16.5min] for every possible jitter draw.
	for _, f := range []float64{0.0, 0.25, 0.5, 0.75, 0.999999} {
		s := New(Config{CleanupInterval: time.Hour, randFloat: func() float64 { return f }})

		window := s.freshWindow()
		if window < time.Minute {
			t.Errorf("randFloat=%v: window %v below 1 minute floor", f, window)
		}
		if window > 990*time.Second {
			t.Errorf("randFloat=%v: window %v above 16.5 minutes", f, window)
		}
		s.Close()
	}
}

func TestFreshWindowFloor(t *testing.T) {
	// A tiny base must be floored at FreshMin even with maximum negative
	// jitter.
	s := New(Config{
		CleanupInterval: time.Hour,
		FreshBase:       time.Second,
		FreshMin:        time.Minute,
		randFloat:       func() float64 { return 0 },
	})
	defer s.Close()

	if window := s.freshWindow(); window != time.Minute {
		t.Errorf("expected floor of 1 minute, got %v", window)
	}
}

func TestFreshWindowJitterApplied(t *testing.T) {
	// Two stores seeded differently must not produce the exact base window
	// repeatedly; identical consecutive windows would mean jitter is dead.
	for seed := uint64(1); seed <= 3; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed))
		s := New(Config{CleanupInterval: time.Hour, randFloat: rng.Float64})

		exactBase := 0
		const draws = 16
		for i := 0; i < draws; i++ {
			if s.freshWindow() == s.freshBase {
				exactBase++
			}
		}
		if exactBase == draws {
			t.Errorf("seed %d: every window equaled the base; jitter not applied", seed)
		}
		s.Close()
	}
}

func TestIsFreshNeverMutates(t *testing.T) {
	s := New(Config{
		CleanupInterval: time.Hour,
		FreshBase:       40 * time.Millisecond,
		FreshMin:        10 * time.Millisecond,
	})
	defer s.Close()

	key := SystemFetchedKey(31000001)
	s.MarkFresh(key)

	// Repeated reads must not extend the window.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.IsFresh(key)
		time.Sleep(5 * time.Millisecond)
	}

	if s.IsFresh(key) {
		t.Error("reads extended the freshness window")
	}
}
