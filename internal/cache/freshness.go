// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package cache

import "time"

// MarkFresh records that a full fetch just completed for key. The stored
// value is a future expiry instant, now + base ± 10% jitter, floored at the
// configured minimum so the window is never degenerate. Returns the expiry
// instant that was stored.
//
// The jitter exists so that hundreds of systems marked fresh in the same
// burst do not all expire, and refetch, in lockstep.
func (s *Store) MarkFresh(key string) time.Time {
	window := s.freshWindow()
	expiresAt := time.Now().Add(window)
	s.Put(key, expiresAt, window)
	return expiresAt
}

// IsFresh reports whether key was marked fresh and its jittered window has
// not yet lapsed. An absent key is never fresh. Reads never extend the
// window.
func (s *Store) IsFresh(key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	expiresAt, isTime := v.(time.Time)
	if !isTime {
		return false
	}
	return time.Now().Before(expiresAt)
}

// freshWindow computes base + jitter, jitter uniform in ±10% of base.
func (s *Store) freshWindow() time.Duration {
	jitter := (s.randFloat()*2 - 1) * freshJitterFrac * float64(s.freshBase)
	window := s.freshBase + time.Duration(jitter)
	if window < s.freshMin {
		window = s.freshMin
	}
	return window
}
