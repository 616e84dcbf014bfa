// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/evemaps/killfeed/internal/cache"
	"github.com/evemaps/killfeed/internal/dispatch"
	"github.com/evemaps/killfeed/internal/fetcher"
	"github.com/evemaps/killfeed/internal/logging"
	"github.com/evemaps/killfeed/internal/models"
	"github.com/evemaps/killfeed/internal/stream"
	"github.com/evemaps/killfeed/internal/subscription"
	wsfeed "github.com/evemaps/killfeed/internal/websocket"
)

// StreamControl is the slice of the stream client the API needs for health
// and the explicit-reconnect operation.
type StreamControl interface {
	Status() stream.Status
	Reconnect(ctx context.Context) error
}

// Handler implements the pull API endpoints.
type Handler struct {
	store      *cache.Store
	fetcher    *fetcher.Fetcher
	subs       *subscription.Manager
	dispatcher *dispatch.Dispatcher
	hub        *wsfeed.Hub
	streamCtl  StreamControl
	startedAt  time.Time

	upgrader gws.Upgrader
}

// NewHandler creates a Handler.
func NewHandler(
	store *cache.Store,
	f *fetcher.Fetcher,
	subs *subscription.Manager,
	dispatcher *dispatch.Dispatcher,
	hub *wsfeed.Hub,
	streamCtl StreamControl,
) *Handler {
	return &Handler{
		store:      store,
		fetcher:    f,
		subs:       subs,
		dispatcher: dispatcher,
		hub:        hub,
		streamCtl:  streamCtl,
		startedAt:  time.Now(),
		upgrader: gws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type systemKillsResponse struct {
	SystemID  int64              `json:"system_id"`
	Count     int                `json:"count"`
	Killmails []*models.Killmail `json:"killmails"`
	FromCache bool               `json:"from_cache,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// KillsForSystem serves GET /kills/system/{id}. Fetches from upstream
// unless the system's freshness marker short-circuits to cache.
func (h *Handler) KillsForSystem(w http.ResponseWriter, r *http.Request) {
	const endpoint = "kills_system"

	systemID, err := pathID(r, "id")
	if err != nil {
		respondError(w, endpoint, http.StatusBadRequest, "invalid system id")
		return
	}
	if err := subscription.ValidateSystemIDs([]int64{systemID}); err != nil {
		respondError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	sinceHours, err := queryInt(r, "since_hours", 0)
	if err != nil {
		respondError(w, endpoint, http.StatusBadRequest, "invalid since_hours")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, endpoint, http.StatusBadRequest, "invalid limit")
		return
	}

	kills, err := h.fetcher.FetchSystem(r.Context(), systemID, fetcher.Options{
		SinceHours: sinceHours,
		Limit:      limit,
	})
	if err != nil {
		logging.Warn().Err(err).Int64("system_id", systemID).Msg("system fetch failed")
		respondError(w, endpoint, http.StatusBadGateway, "upstream fetch failed")
		return
	}

	respondData(w, endpoint, http.StatusOK, systemKillsResponse{
		SystemID:  systemID,
		Count:     len(kills),
		Killmails: kills,
	})
}

type multiSystemRequest struct {
	SystemIDs  []int64 `json:"system_ids"`
	SinceHours int     `json:"since_hours"`
	Limit      int     `json:"limit"`
}

// KillsForSystems serves POST /kills/systems. Failure domains are
// per-system: one system's error appears in its own entry.
func (h *Handler) KillsForSystems(w http.ResponseWriter, r *http.Request) {
	const endpoint = "kills_systems"

	var req multiSystemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, endpoint, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.SystemIDs) == 0 {
		respondError(w, endpoint, http.StatusBadRequest, "system_ids is required")
		return
	}
	if err := subscription.ValidateSystemIDs(req.SystemIDs); err != nil {
		respondError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}

	results := h.fetcher.FetchSystems(r.Context(), req.SystemIDs, fetcher.Options{
		SinceHours: req.SinceHours,
		Limit:      req.Limit,
	})

	out := make([]systemKillsResponse, 0, len(results))
	for _, id := range req.SystemIDs {
		res := results[id]
		entry := systemKillsResponse{
			SystemID:  id,
			Count:     len(res.Kills),
			Killmails: res.Kills,
			FromCache: res.FromCache,
		}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		out = append(out, entry)
	}
	respondData(w, endpoint, http.StatusOK, out)
}

// CachedKills serves GET /kills/cached/{id} straight from cache, never
// touching upstream.
func (h *Handler) CachedKills(w http.ResponseWriter, r *http.Request) {
	const endpoint = "kills_cached"

	systemID, err := pathID(r, "id")
	if err != nil {
		respondError(w, endpoint, http.StatusBadRequest, "invalid system id")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, endpoint, http.StatusBadRequest, "invalid limit")
		return
	}

	kills := h.fetcher.CachedKills(systemID, limit)
	respondData(w, endpoint, http.StatusOK, systemKillsResponse{
		SystemID:  systemID,
		Count:     len(kills),
		Killmails: kills,
		FromCache: true,
	})
}

// KillCount serves GET /kills/count/{id}: the rolling one-hour counter.
func (h *Handler) KillCount(w http.ResponseWriter, r *http.Request) {
	const endpoint = "kills_count"

	systemID, err := pathID(r, "id")
	if err != nil {
		respondError(w, endpoint, http.StatusBadRequest, "invalid system id")
		return
	}

	respondData(w, endpoint, http.StatusOK, map[string]any{
		"system_id": systemID,
		"count":     h.store.Counter(cache.SystemCountKey(systemID)),
	})
}

// Killmail serves GET /killmail/{id}.
func (h *Handler) Killmail(w http.ResponseWriter, r *http.Request) {
	const endpoint = "killmail"

	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, endpoint, http.StatusBadRequest, "invalid killmail id")
		return
	}

	v, ok := h.store.Get(cache.KillmailKey(id))
	if !ok {
		respondError(w, endpoint, http.StatusNotFound, "killmail not found")
		return
	}
	respondData(w, endpoint, http.StatusOK, v)
}

type subscriptionRequest struct {
	SubscriberID string  `json:"subscriber_id"`
	SystemIDs    []int64 `json:"system_ids"`
}

type subscriptionResponse struct {
	SubscriberID string  `json:"subscriber_id"`
	SystemIDs    []int64 `json:"system_ids"`
}

// CreateSubscription serves POST /subscriptions: registers a consumer and
// ensures its systems are streamed from upstream.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	const endpoint = "subscriptions_create"

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, endpoint, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.SystemIDs) == 0 {
		respondError(w, endpoint, http.StatusBadRequest, "system_ids is required")
		return
	}
	if req.SubscriberID == "" {
		req.SubscriberID = uuid.NewString()
	}

	if err := h.subs.Subscribe(req.SystemIDs); err != nil {
		respondError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.dispatcher.Register(req.SubscriberID, req.SystemIDs, dispatch.NewChannelSink(256)); err != nil {
		respondError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}

	respondData(w, endpoint, http.StatusCreated, subscriptionResponse{
		SubscriberID: req.SubscriberID,
		SystemIDs:    req.SystemIDs,
	})
}

// DeleteSubscription serves DELETE /subscriptions/{subscriber_id}. An
// unknown subscriber answers 404 with a data envelope: the deletion is
// already satisfied, not a failure.
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	const endpoint = "subscriptions_delete"

	subscriberID := chi.URLParam(r, "subscriber_id")
	if subscriberID == "" {
		respondError(w, endpoint, http.StatusBadRequest, "subscriber_id is required")
		return
	}

	removed := h.dispatcher.Unregister(subscriberID)
	status := http.StatusOK
	if !removed {
		status = http.StatusNotFound
	}
	respondData(w, endpoint, status, map[string]any{
		"subscriber_id": subscriberID,
		"removed":       removed,
	})
}

// StreamReconnect serves POST /stream/reconnect: cancel pending backoff
// and reconnect now.
func (h *Handler) StreamReconnect(w http.ResponseWriter, r *http.Request) {
	const endpoint = "stream_reconnect"

	if err := h.streamCtl.Reconnect(r.Context()); err != nil {
		respondError(w, endpoint, http.StatusBadGateway, err.Error())
		return
	}
	respondData(w, endpoint, http.StatusOK, h.streamCtl.Status())
}

// Health serves GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	const endpoint = "health"

	respondData(w, endpoint, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"connection":     h.streamCtl.Status(),
		"cache":          h.store.GetStats(),
		"consumers":      h.dispatcher.ConsumerCount(),
	})
}

// ConsumerFeed serves GET /ws: upgrades the connection and streams
// dispatched events for the requested systems.
func (h *Handler) ConsumerFeed(w http.ResponseWriter, r *http.Request) {
	const endpoint = "ws"

	systems, err := parseSystemList(r.URL.Query().Get("systems"))
	if err != nil {
		respondError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	if len(systems) == 0 {
		respondError(w, endpoint, http.StatusBadRequest, "systems is required")
		return
	}
	if err := subscription.ValidateSystemIDs(systems); err != nil {
		respondError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	// Streamed systems must also be subscribed upstream.
	if err := h.subs.Subscribe(systems); err != nil {
		respondError(w, endpoint, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := wsfeed.NewClient(h.hub, conn, subscriberID, systems)
	h.hub.Register <- client
	client.Start()
}

// parseSystemList splits a comma-separated system ID list.
func parseSystemList(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
