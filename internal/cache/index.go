// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package cache

import (
	"fmt"
	"time"
)

// Cache key layout. One killmail record, one per-system ID index, one
// per-system rolling counter, one per-system freshness marker.
func KillmailKey(id int64) string      { return fmt.Sprintf("killmail:%d", id) }
func SystemKillsKey(id int64) string   { return fmt.Sprintf("system:%d:kills", id) }
func SystemCountKey(id int64) string   { return fmt.Sprintf("system:%d:count", id) }
func SystemFetchedKey(id int64) string { return fmt.Sprintf("system:%d:fetched", id) }

// AddToIndex prepends id to the ID list at key, with set-like dedup: an ID
// already present leaves the index unchanged. New IDs go to the front so
// readers taking the first N get the newest entries without sorting. The
// TTL is reset on every successful prepend.
func (s *Store) AddToIndex(key string, id int64, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var ids []int64
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		if existing, isIndex := e.data.([]int64); isIndex {
			for _, present := range existing {
				if present == id {
					return
				}
			}
			ids = existing
		}
	}

	updated := make([]int64, 0, len(ids)+1)
	updated = append(updated, id)
	updated = append(updated, ids...)
	s.entries[key] = entry{data: updated, expiresAt: now.Add(ttl)}
}

// IndexIDs returns up to limit IDs from the index at key, newest first.
// limit <= 0 returns the whole index. Misses yield an empty slice.
func (s *Store) IndexIDs(key string, limit int) []int64 {
	v, ok := s.Get(key)
	if !ok {
		return nil
	}
	ids, isIndex := v.([]int64)
	if !isIndex {
		return nil
	}
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]int64, len(ids))
	copy(out, ids)
	return out
}
