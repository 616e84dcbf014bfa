// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package stream

import (
	"github.com/goccy/go-json"
)

// Channel protocol events. The upstream feed speaks a Phoenix-style framed
// protocol: every message carries a topic, an event name, and a payload.
const (
	evJoin        = "phx_join"
	evReply       = "phx_reply"
	evError       = "phx_error"
	evClose       = "phx_close"
	evKillmail    = "killmail_update"
	evKillCount   = "kill_count_update"
	evSubscribe   = "subscribe_systems"
	evUnsubscribe = "unsubscribe_systems"
)

type outboundMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
}

type inboundMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// joinPayload seeds the channel with the currently-desired system set so
// streaming starts without a separate subscribe round-trip.
type joinPayload struct {
	Systems          []int64 `json:"systems"`
	ClientIdentifier string  `json:"client_identifier"`
}

type systemsPayload struct {
	Systems []int64 `json:"systems"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}
