// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package models defines the canonical killmail shape, the raw upstream wire
// shapes, and the inbound stream event variants shared across components.
package models

import "time"

// Victim identifies the destroyed party. Name/ticker fields are enrichment:
// they are nil until (and unless) identity lookups resolve them.
type Victim struct {
	CharacterID   int64 `json:"character_id,omitempty"`
	CorporationID int64 `json:"corporation_id,omitempty"`
	AllianceID    int64 `json:"alliance_id,omitempty"`
	ShipTypeID    int64 `json:"ship_type_id,omitempty"`
	DamageTaken   int64 `json:"damage_taken,omitempty"`

	CharacterName     *string `json:"character_name,omitempty"`
	CorporationName   *string `json:"corporation_name,omitempty"`
	CorporationTicker *string `json:"corporation_ticker,omitempty"`
	AllianceName      *string `json:"alliance_name,omitempty"`
	AllianceTicker    *string `json:"alliance_ticker,omitempty"`
	ShipName          *string `json:"ship_name,omitempty"`
}

// Attacker identifies one attacking party on a killmail.
type Attacker struct {
	CharacterID    int64   `json:"character_id,omitempty"`
	CorporationID  int64   `json:"corporation_id,omitempty"`
	AllianceID     int64   `json:"alliance_id,omitempty"`
	ShipTypeID     int64   `json:"ship_type_id,omitempty"`
	WeaponTypeID   int64   `json:"weapon_type_id,omitempty"`
	DamageDone     int64   `json:"damage_done,omitempty"`
	FinalBlow      bool    `json:"final_blow"`
	SecurityStatus float64 `json:"security_status,omitempty"`

	CharacterName     *string `json:"character_name,omitempty"`
	CorporationName   *string `json:"corporation_name,omitempty"`
	CorporationTicker *string `json:"corporation_ticker,omitempty"`
	AllianceName      *string `json:"alliance_name,omitempty"`
	AllianceTicker    *string `json:"alliance_ticker,omitempty"`
	ShipName          *string `json:"ship_name,omitempty"`
}

// Killmail is the canonical, cache-resident record of one destruction event.
//
// Victim and final-blow identifiers are duplicated at the record root so that
// consumers rendering activity lists never traverse the nested structures.
// Once stored a Killmail is immutable except for enrichment fields, which may
// be filled in asynchronously after the base record exists.
type Killmail struct {
	KillmailID    int64      `json:"killmail_id"`
	Hash          string     `json:"hash"`
	SolarSystemID int64      `json:"solar_system_id"`
	KillTime      time.Time  `json:"kill_time"`
	Victim        Victim     `json:"victim"`
	Attackers     []Attacker `json:"attackers,omitempty"`
	AttackerCount int        `json:"attacker_count"`
	TotalValue    float64    `json:"total_value"`
	Points        int        `json:"points,omitempty"`
	NPC           bool       `json:"npc"`

	// Root-level duplicates of victim identity.
	VictimCharacterID   int64 `json:"victim_char_id,omitempty"`
	VictimCorporationID int64 `json:"victim_corp_id,omitempty"`
	VictimAllianceID    int64 `json:"victim_alliance_id,omitempty"`
	VictimShipTypeID    int64 `json:"victim_ship_type_id,omitempty"`

	// Root-level duplicates of the final-blow attacker identity.
	FinalBlowCharacterID   int64 `json:"final_blow_char_id,omitempty"`
	FinalBlowCorporationID int64 `json:"final_blow_corp_id,omitempty"`
	FinalBlowAllianceID    int64 `json:"final_blow_alliance_id,omitempty"`
	FinalBlowShipTypeID    int64 `json:"final_blow_ship_type_id,omitempty"`
}

// FinalBlow returns the attacker flagged as having landed the final blow,
// or nil when the attacker list carries no such flag.
func (k *Killmail) FinalBlow() *Attacker {
	for i := range k.Attackers {
		if k.Attackers[i].FinalBlow {
			return &k.Attackers[i]
		}
	}
	return nil
}

// ZkbMeta is the metadata block attached to full upstream records. The NPC
// flag lives here, not on the partial, so NPC-only kills are only detectable
// after the full record has been retrieved.
type ZkbMeta struct {
	Hash       string  `json:"hash"`
	TotalValue float64 `json:"totalValue"`
	Points     int     `json:"points"`
	NPC        bool    `json:"npc"`
	Solo       bool    `json:"solo"`
}

// RawPartial is one entry of an upstream list page: identity plus metadata,
// without the full victim/attacker detail.
type RawPartial struct {
	KillmailID int64   `json:"killmail_id"`
	Zkb        ZkbMeta `json:"zkb"`
}

// RawVictim is the upstream victim shape.
type RawVictim struct {
	CharacterID   int64 `json:"character_id"`
	CorporationID int64 `json:"corporation_id"`
	AllianceID    int64 `json:"alliance_id"`
	ShipTypeID    int64 `json:"ship_type_id"`
	DamageTaken   int64 `json:"damage_taken"`
}

// RawAttacker is the upstream attacker shape.
type RawAttacker struct {
	CharacterID    int64   `json:"character_id"`
	CorporationID  int64   `json:"corporation_id"`
	AllianceID     int64   `json:"alliance_id"`
	ShipTypeID     int64   `json:"ship_type_id"`
	WeaponTypeID   int64   `json:"weapon_type_id"`
	DamageDone     int64   `json:"damage_done"`
	FinalBlow      bool    `json:"final_blow"`
	SecurityStatus float64 `json:"security_status"`
}

// RawKillmail is a full upstream record, delivered both by the pull API and
// inside killmail_update stream events. KillmailTime stays a string here;
// timestamp parsing is a validation stage, not a decode concern.
type RawKillmail struct {
	KillmailID    int64         `json:"killmail_id"`
	KillmailTime  string        `json:"killmail_time"`
	SolarSystemID int64         `json:"solar_system_id"`
	Victim        RawVictim     `json:"victim"`
	Attackers     []RawAttacker `json:"attackers"`
	Zkb           *ZkbMeta      `json:"zkb,omitempty"`
}
