// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package killmail

import (
	"context"
	"errors"

	"github.com/evemaps/killfeed/internal/esi"
	"github.com/evemaps/killfeed/internal/metrics"
	"github.com/evemaps/killfeed/internal/models"
)

// enrich resolves victim and final-blow identities to display names and
// tickers. Explicitly lossy: every lookup is independent, a failed or
// not-found lookup leaves its field nil, and enrichment never fails the
// record.
func (p *Parser) enrich(ctx context.Context, km *models.Killmail) {
	if p.resolver == nil {
		return
	}

	p.enrichVictim(ctx, &km.Victim)
	if fb := km.FinalBlow(); fb != nil {
		p.enrichAttacker(ctx, fb)
	}
}

func (p *Parser) enrichVictim(ctx context.Context, v *models.Victim) {
	if v.CharacterID != 0 {
		if name, ok := p.lookupName(p.resolver.CharacterName, ctx, v.CharacterID); ok {
			v.CharacterName = &name
		}
	}
	if v.CorporationID != 0 {
		if name, ticker, ok := p.lookupInfo(p.resolver.CorporationInfo, ctx, v.CorporationID); ok {
			v.CorporationName = &name
			v.CorporationTicker = &ticker
		}
	}
	if v.AllianceID != 0 {
		if name, ticker, ok := p.lookupInfo(p.resolver.AllianceInfo, ctx, v.AllianceID); ok {
			v.AllianceName = &name
			v.AllianceTicker = &ticker
		}
	}
	if v.ShipTypeID != 0 {
		if name, ok := p.lookupName(p.resolver.TypeName, ctx, v.ShipTypeID); ok {
			v.ShipName = &name
		}
	}
}

func (p *Parser) enrichAttacker(ctx context.Context, a *models.Attacker) {
	if a.CharacterID != 0 {
		if name, ok := p.lookupName(p.resolver.CharacterName, ctx, a.CharacterID); ok {
			a.CharacterName = &name
		}
	}
	if a.CorporationID != 0 {
		if name, ticker, ok := p.lookupInfo(p.resolver.CorporationInfo, ctx, a.CorporationID); ok {
			a.CorporationName = &name
			a.CorporationTicker = &ticker
		}
	}
	if a.AllianceID != 0 {
		if name, ticker, ok := p.lookupInfo(p.resolver.AllianceInfo, ctx, a.AllianceID); ok {
			a.AllianceName = &name
			a.AllianceTicker = &ticker
		}
	}
	if a.ShipTypeID != 0 {
		if name, ok := p.lookupName(p.resolver.TypeName, ctx, a.ShipTypeID); ok {
			a.ShipName = &name
		}
	}
}

func (p *Parser) lookupName(fn func(context.Context, int64) (string, error), ctx context.Context, id int64) (string, bool) {
	name, err := fn(ctx, id)
	if err != nil {
		if !errors.Is(err, esi.ErrNotFound) {
			metrics.EnrichmentFailures.Inc()
		}
		return "", false
	}
	return name, name != ""
}

func (p *Parser) lookupInfo(fn func(context.Context, int64) (string, string, error), ctx context.Context, id int64) (string, string, bool) {
	name, ticker, err := fn(ctx, id)
	if err != nil {
		if !errors.Is(err, esi.ErrNotFound) {
			metrics.EnrichmentFailures.Inc()
		}
		return "", "", false
	}
	return name, ticker, name != ""
}
