// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package models

// Event is the closed set of inbound stream events. Handlers switch
// exhaustively over the concrete types; adding a variant without updating
// every switch is a compile-time-visible gap, not a logged fallback.
type Event interface {
	isEvent()
}

// KillmailUpdate carries a batch of raw killmails for one solar system.
type KillmailUpdate struct {
	SystemID  int64         `json:"system_id"`
	Killmails []RawKillmail `json:"killmails"`
}

// KillCountUpdate carries the upstream's rolling kill count for one system.
type KillCountUpdate struct {
	SystemID int64 `json:"system_id"`
	Count    int   `json:"count"`
}

// ConnectionLost signals that the streaming connection dropped. Transport
// errors, join rejections, and monitored process exits are all normalized
// into this one variant.
type ConnectionLost struct {
	Reason string
}

func (KillmailUpdate) isEvent()  {}
func (KillCountUpdate) isEvent() {}
func (ConnectionLost) isEvent()  {}

// Envelope is the JSON response wrapper of the pull API: Data on success,
// Error on failure, never both.
type Envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}
