// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package killmail validates, normalizes, and enriches raw upstream records
// into canonical killmails, then commits them to the cache. Both the
// streaming path and the paginated fetch path run records through the same
// pipeline, so a killmail produces the identical canonical record no matter
// which way it arrived.
package killmail

import (
	"context"
	"fmt"
	"time"

	"github.com/evemaps/killfeed/internal/cache"
	"github.com/evemaps/killfeed/internal/metrics"
	"github.com/evemaps/killfeed/internal/models"
)

// Outcome is the pipeline result for one record.
type Outcome int

const (
	// OutcomeStored: validated and committed to cache.
	OutcomeStored Outcome = iota

	// OutcomeSkipped: locally invalid (bad timestamp) or NPC-only;
	// dropped for this record only, never retried.
	OutcomeSkipped

	// OutcomeOlder: strictly older than the caller's cutoff. Signals the
	// fetcher to halt pagination for the system.
	OutcomeOlder
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeOlder:
		return "older"
	default:
		return "unknown"
	}
}

// recentWindow is the fixed "hot right now" window feeding the rolling
// count. Deliberately decoupled from the caller's cutoff: the cutoff
// scopes a historical query, the recent check scopes activity badges.
const recentWindow = time.Hour

// Resolver looks up display names and tickers. Satisfied by *esi.Client.
type Resolver interface {
	CharacterName(ctx context.Context, id int64) (string, error)
	CorporationInfo(ctx context.Context, id int64) (name, ticker string, err error)
	AllianceInfo(ctx context.Context, id int64) (name, ticker string, err error)
	TypeName(ctx context.Context, id int64) (string, error)
}

// Config holds parser construction parameters.
type Config struct {
	KillmailTTL time.Duration
	CountTTL    time.Duration

	// now overrides the wall clock; tests only.
	now func() time.Time
}

// Parser is the validation/enrichment/commit pipeline.
type Parser struct {
	store       *cache.Store
	resolver    Resolver
	killmailTTL time.Duration
	countTTL    time.Duration
	now         func() time.Time
}

// NewParser creates a Parser. A nil resolver disables enrichment entirely
// (records are stored unenriched).
func NewParser(store *cache.Store, resolver Resolver, cfg Config) *Parser {
	if cfg.KillmailTTL <= 0 {
		cfg.KillmailTTL = 24 * time.Hour
	}
	if cfg.CountTTL <= 0 {
		cfg.CountTTL = time.Hour
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Parser{
		store:       store,
		resolver:    resolver,
		killmailTTL: cfg.KillmailTTL,
		countTTL:    cfg.CountTTL,
		now:         cfg.now,
	}
}

// DefaultCutoff is the streaming-path cutoff: one hour before now.
func (p *Parser) DefaultCutoff() time.Time {
	return p.now().Add(-time.Hour)
}

// Process runs one raw record through the pipeline. Stages in strict order:
// timestamp parse, cutoff compare, canonical build (NPC discard),
// best-effort enrichment, cache commit. source labels metrics only.
func (p *Parser) Process(ctx context.Context, raw *models.RawKillmail, cutoff time.Time, source string) (Outcome, *models.Killmail) {
	outcome, km := p.process(ctx, raw, cutoff)
	metrics.KillmailsProcessed.WithLabelValues(outcome.String(), source).Inc()
	return outcome, km
}

func (p *Parser) process(ctx context.Context, raw *models.RawKillmail, cutoff time.Time) (Outcome, *models.Killmail) {
	killTime, err := ParseKillTime(raw.KillmailTime)
	if err != nil {
		return OutcomeSkipped, nil
	}

	if killTime.Before(cutoff) {
		return OutcomeOlder, nil
	}

	km := build(raw, killTime)
	if km.NPC {
		return OutcomeSkipped, nil
	}

	p.enrich(ctx, km)

	p.commit(km)
	return OutcomeStored, km
}

// commit stores the record, indexes it for its system, and bumps the
// rolling count when the kill is inside the fixed recent window.
func (p *Parser) commit(km *models.Killmail) {
	if km.KillmailID == 0 || km.Hash == "" {
		// Identity-less record: time-checked and stored, but with no ID
		// there is nothing to dedup an index entry against.
		key := fmt.Sprintf("killmail:anon:%d:%d", km.SolarSystemID, km.KillTime.UnixNano())
		p.store.Put(key, km, p.killmailTTL)
		return
	}

	_, existed := p.store.Get(cache.KillmailKey(km.KillmailID))

	p.store.Put(cache.KillmailKey(km.KillmailID), km, p.killmailTTL)
	p.store.AddToIndex(cache.SystemKillsKey(km.SolarSystemID), km.KillmailID, p.killmailTTL)

	// Only a newly stored killmail bumps the rolling count; reprocessing a
	// cached record must not double count.
	if !existed && km.KillTime.After(p.now().Add(-recentWindow)) {
		p.store.Increment(cache.SystemCountKey(km.SolarSystemID), 1, 0, p.countTTL)
	}
}

// killTimeFormats are the upstream timestamp layouts, tried in order.
var killTimeFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006.01.02 15:04:05",
}

// ParseKillTime parses an upstream killmail timestamp.
func ParseKillTime(s string) (time.Time, error) {
	for _, layout := range killTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable kill time %q", s)
}

// build maps a raw record onto the canonical shape, duplicating victim and
// final-blow identity at the root.
func build(raw *models.RawKillmail, killTime time.Time) *models.Killmail {
	km := &models.Killmail{
		KillmailID:    raw.KillmailID,
		SolarSystemID: raw.SolarSystemID,
		KillTime:      killTime,
		Victim: models.Victim{
			CharacterID:   raw.Victim.CharacterID,
			CorporationID: raw.Victim.CorporationID,
			AllianceID:    raw.Victim.AllianceID,
			ShipTypeID:    raw.Victim.ShipTypeID,
			DamageTaken:   raw.Victim.DamageTaken,
		},
		AttackerCount: len(raw.Attackers),

		VictimCharacterID:   raw.Victim.CharacterID,
		VictimCorporationID: raw.Victim.CorporationID,
		VictimAllianceID:    raw.Victim.AllianceID,
		VictimShipTypeID:    raw.Victim.ShipTypeID,
	}

	if raw.Zkb != nil {
		km.Hash = raw.Zkb.Hash
		km.TotalValue = raw.Zkb.TotalValue
		km.Points = raw.Zkb.Points
		km.NPC = raw.Zkb.NPC
	}

	km.Attackers = make([]models.Attacker, 0, len(raw.Attackers))
	for _, a := range raw.Attackers {
		km.Attackers = append(km.Attackers, models.Attacker{
			CharacterID:    a.CharacterID,
			CorporationID:  a.CorporationID,
			AllianceID:     a.AllianceID,
			ShipTypeID:     a.ShipTypeID,
			WeaponTypeID:   a.WeaponTypeID,
			DamageDone:     a.DamageDone,
			FinalBlow:      a.FinalBlow,
			SecurityStatus: a.SecurityStatus,
		})
	}

	if fb := km.FinalBlow(); fb != nil {
		km.FinalBlowCharacterID = fb.CharacterID
		km.FinalBlowCorporationID = fb.CorporationID
		km.FinalBlowAllianceID = fb.AllianceID
		km.FinalBlowShipTypeID = fb.ShipTypeID
	}

	return km
}
