// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package fetcher retrieves killmails for systems over the pull API,
// bounded by page count and an age cutoff. Used for cold-start backfill
// before streaming subscriptions are live and for direct queries. Shares
// the cache and parser with the streaming path.
package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evemaps/killfeed/internal/cache"
	"github.com/evemaps/killfeed/internal/killmail"
	"github.com/evemaps/killfeed/internal/logging"
	"github.com/evemaps/killfeed/internal/metrics"
	"github.com/evemaps/killfeed/internal/models"
)

// Upstream is the slice of the zkb client the fetcher needs.
type Upstream interface {
	PartialPage(ctx context.Context, systemID int64, page int) ([]models.RawPartial, error)
	FullKillmail(ctx context.Context, id int64, hash string) (*models.RawKillmail, error)
}

// Options control one fetch.
type Options struct {
	// SinceHours sets the age cutoff: records strictly older than
	// now-SinceHours halt pagination. Zero takes the configured default.
	SinceHours int

	// Limit stops the fetch once this many records are accepted.
	// Zero means bounded by cutoff and page cap only.
	Limit int
}

// SystemResult is the per-system outcome of a multi-system fetch. Failure
// domains are independent: one system's error never aborts its siblings.
type SystemResult struct {
	SystemID  int64
	Kills     []*models.Killmail
	FromCache bool
	Err       error
}

// Config holds fetcher construction parameters.
type Config struct {
	PageSize    int
	MaxPages    int
	SinceHours  int
	Concurrency int

	// now overrides the wall clock; tests only.
	now func() time.Time
}

// Fetcher runs the paginated retrieval loop.
type Fetcher struct {
	store    *cache.Store
	upstream Upstream
	parser   *killmail.Parser

	pageSize    int
	maxPages    int
	sinceHours  int
	concurrency int
	now         func() time.Time
}

// New creates a Fetcher.
func New(store *cache.Store, upstream Upstream, parser *killmail.Parser, cfg Config) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.SinceHours <= 0 {
		cfg.SinceHours = 24
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Fetcher{
		store:       store,
		upstream:    upstream,
		parser:      parser,
		pageSize:    cfg.PageSize,
		maxPages:    cfg.MaxPages,
		sinceHours:  cfg.SinceHours,
		concurrency: cfg.Concurrency,
		now:         cfg.now,
	}
}

// FetchSystem retrieves killmails for one system. A system whose freshness
// marker is still valid is served from cache without touching upstream.
// On completion of a real retrieval cycle the system is marked fresh.
func (f *Fetcher) FetchSystem(ctx context.Context, systemID int64, opts Options) ([]*models.Killmail, error) {
	start := time.Now()

	if f.store.IsFresh(cache.SystemFetchedKey(systemID)) {
		metrics.FetchDuration.WithLabelValues("cached").Observe(time.Since(start).Seconds())
		return f.CachedKills(systemID, opts.Limit), nil
	}

	kills, err := f.fetchPages(ctx, systemID, opts)
	if err != nil {
		metrics.FetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}

	f.store.MarkFresh(cache.SystemFetchedKey(systemID))
	metrics.FetchDuration.WithLabelValues("fetched").Observe(time.Since(start).Seconds())
	return kills, nil
}

// fetchPages walks pages strictly in order; the cutoff-halt depends on the
// upstream feed being time-descending within and across pages.
func (f *Fetcher) fetchPages(ctx context.Context, systemID int64, opts Options) ([]*models.Killmail, error) {
	sinceHours := opts.SinceHours
	if sinceHours <= 0 {
		sinceHours = f.sinceHours
	}
	cutoff := f.now().Add(-time.Duration(sinceHours) * time.Hour)

	var accepted []*models.Killmail

	for page := 1; page <= f.maxPages; page++ {
		partials, err := f.upstream.PartialPage(ctx, systemID, page)
		if err != nil {
			return nil, fmt.Errorf("system %d: %w", systemID, err)
		}

		for _, partial := range partials {
			if opts.Limit > 0 && len(accepted) >= opts.Limit {
				return accepted, nil
			}

			// Dedup: an already-cached record needs no refetch, but it
			// still belongs in the result set. Cached records obey the
			// cutoff exactly like freshly parsed ones, including the
			// time-ordered halt.
			if cached, ok := f.cachedKillmail(partial.KillmailID); ok {
				if cached.KillTime.Before(cutoff) {
					return accepted, nil
				}
				accepted = append(accepted, cached)
				continue
			}

			raw, err := f.upstream.FullKillmail(ctx, partial.KillmailID, partial.Zkb.Hash)
			if err != nil {
				return nil, fmt.Errorf("system %d: %w", systemID, err)
			}

			outcome, km := f.parser.Process(ctx, raw, cutoff, "fetch")
			switch outcome {
			case killmail.OutcomeOlder:
				// Feed is time-ordered: everything beyond this record is
				// at least as old. Halt the whole system fetch.
				return accepted, nil
			case killmail.OutcomeSkipped:
				continue
			case killmail.OutcomeStored:
				accepted = append(accepted, km)
				if opts.Limit > 0 && len(accepted) >= opts.Limit {
					return accepted, nil
				}
			}
		}

		// A partial page means the history is exhausted.
		if len(partials) < f.pageSize {
			return accepted, nil
		}
	}

	return accepted, nil
}

// FetchSystems fans one fetch out across systems with bounded concurrency.
// Every system gets its own result; a failed system carries its terminal
// error while siblings proceed.
func (f *Fetcher) FetchSystems(ctx context.Context, systemIDs []int64, opts Options) map[int64]SystemResult {
	results := make(map[int64]SystemResult, len(systemIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	sem := make(chan struct{}, f.concurrency)
	for _, systemID := range systemIDs {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fresh := f.store.IsFresh(cache.SystemFetchedKey(id))
			kills, err := f.FetchSystem(ctx, id, opts)
			if err != nil {
				logging.Warn().Err(err).Int64("system_id", id).Msg("system fetch failed")
			}

			mu.Lock()
			results[id] = SystemResult{SystemID: id, Kills: kills, FromCache: fresh, Err: err}
			mu.Unlock()
		}(systemID)
	}
	wg.Wait()

	return results
}

// CachedKills reads a system's recent killmails straight from the cache,
// newest first.
func (f *Fetcher) CachedKills(systemID int64, limit int) []*models.Killmail {
	ids := f.store.IndexIDs(cache.SystemKillsKey(systemID), limit)
	kills := make([]*models.Killmail, 0, len(ids))
	for _, id := range ids {
		if km, ok := f.cachedKillmail(id); ok {
			kills = append(kills, km)
		}
	}
	return kills
}

func (f *Fetcher) cachedKillmail(id int64) (*models.Killmail, bool) {
	v, ok := f.store.Get(cache.KillmailKey(id))
	if !ok {
		return nil, false
	}
	km, isKM := v.(*models.Killmail)
	if !isKM {
		return nil, false
	}
	return km, true
}
