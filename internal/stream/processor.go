// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package stream

import (
	"context"
	"time"

	"github.com/evemaps/killfeed/internal/cache"
	"github.com/evemaps/killfeed/internal/killmail"
	"github.com/evemaps/killfeed/internal/logging"
	"github.com/evemaps/killfeed/internal/models"
)

// Publisher republishes normalized events to downstream consumers.
// Satisfied by the dispatcher.
type Publisher interface {
	PublishKills(systemID int64, kills []*models.Killmail)
	PublishCount(systemID int64, count int)
}

// Processor routes inbound stream events: killmail batches run through the
// parser pipeline (same pipeline as the pull path), count updates overwrite
// the rolling counter with the upstream's authoritative value, and both are
// republished to consumers.
type Processor struct {
	parser    *killmail.Parser
	store     *cache.Store
	publisher Publisher
	countTTL  time.Duration
}

// NewProcessor creates a Processor. A nil publisher disables republishing.
func NewProcessor(parser *killmail.Parser, store *cache.Store, publisher Publisher, countTTL time.Duration) *Processor {
	if countTTL <= 0 {
		countTTL = time.Hour
	}
	return &Processor{
		parser:    parser,
		store:     store,
		publisher: publisher,
		countTTL:  countTTL,
	}
}

// HandleEvent dispatches exhaustively over the closed event set.
func (p *Processor) HandleEvent(ctx context.Context, ev models.Event) {
	switch e := ev.(type) {
	case models.KillmailUpdate:
		p.handleKillmails(ctx, e)
	case models.KillCountUpdate:
		p.handleCount(e)
	case models.ConnectionLost:
		// Reconnection is the client's job; consumers tolerate gaps.
		logging.Warn().Str("reason", e.Reason).Msg("stream interrupted, deliveries may gap")
	}
}

func (p *Processor) handleKillmails(ctx context.Context, ev models.KillmailUpdate) {
	cutoff := p.parser.DefaultCutoff()

	stored := make([]*models.Killmail, 0, len(ev.Killmails))
	for i := range ev.Killmails {
		outcome, km := p.parser.Process(ctx, &ev.Killmails[i], cutoff, "stream")
		if outcome == killmail.OutcomeStored {
			stored = append(stored, km)
		}
	}
	if len(stored) == 0 {
		return
	}

	logging.Debug().
		Int64("system_id", ev.SystemID).
		Int("stored", len(stored)).
		Int("received", len(ev.Killmails)).
		Msg("killmail batch processed")

	if p.publisher != nil {
		p.publisher.PublishKills(ev.SystemID, stored)
	}
}

func (p *Processor) handleCount(ev models.KillCountUpdate) {
	p.store.Put(cache.SystemCountKey(ev.SystemID), int64(ev.Count), p.countTTL)

	if p.publisher != nil {
		p.publisher.PublishCount(ev.SystemID, ev.Count)
	}
}
