// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package main is the entry point for the Killfeed server.
//
// Killfeed ingests EVE Online killmails in near real time over the
// zKillboard websocket feed, backfills recent history over the paginated
// pull API, enriches records with names resolved from ESI, and fans the
// result out to subscribed consumers over its own websocket feed and a
// JSON pull API.
//
// # Application Architecture
//
// Components start in the following order:
//
//  1. Configuration: Koanf v2 with defaults, YAML file, KILLFEED_* env vars
//  2. Cache: in-memory TTL store shared by the stream and fetch paths
//  3. Clients: zKillboard pull API (rate limited, retried) and ESI (circuit
//     breaker, best-effort)
//  4. Dispatcher and websocket hub: consumer fan-out
//  5. Stream client: upstream websocket with two-tier reconnect backoff
//  6. Subscription manager: desired-state system subscriptions with hourly
//     reconciliation
//  7. HTTP server: pull API, subscription management, health, metrics
//
// Long-running components run under a suture supervisor tree with two
// layers: ingest (stream client, reconciler) and serve (hub, HTTP server).
// A crash on the ingest side leaves the pull API answering from cache.
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the root context; the supervisor tree stops
// every service and the HTTP server drains in-flight requests.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/evemaps/killfeed/internal/api"
	"github.com/evemaps/killfeed/internal/cache"
	"github.com/evemaps/killfeed/internal/config"
	"github.com/evemaps/killfeed/internal/dispatch"
	"github.com/evemaps/killfeed/internal/esi"
	"github.com/evemaps/killfeed/internal/fetcher"
	"github.com/evemaps/killfeed/internal/killmail"
	"github.com/evemaps/killfeed/internal/logging"
	"github.com/evemaps/killfeed/internal/stream"
	"github.com/evemaps/killfeed/internal/subscription"
	"github.com/evemaps/killfeed/internal/supervisor"
	ws "github.com/evemaps/killfeed/internal/websocket"
	"github.com/evemaps/killfeed/internal/zkb"
)

// streamPusher defers Pusher calls to the stream client. The subscription
// manager is constructed before the client because the client reads its
// interest set from the manager on every join.
type streamPusher struct {
	client *stream.Client
}

func (p *streamPusher) PushSubscribe(systems []int64) error   { return p.client.PushSubscribe(systems) }
func (p *streamPusher) PushUnsubscribe(systems []int64) error { return p.client.PushUnsubscribe(systems) }
func (p *streamPusher) Subscribed() []int64                   { return p.client.Subscribed() }

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	logging.Info().
		Str("upstream", cfg.Upstream.BaseURL).
		Str("socket", cfg.Upstream.SocketURL).
		Int("port", cfg.Server.Port).
		Msg("Starting Killfeed")

	store := cache.New(cache.Config{
		CleanupInterval: cfg.Cache.CleanupInterval,
		FreshBase:       cfg.Cache.FreshBase,
		FreshMin:        cfg.Cache.FreshMin,
	})
	defer store.Close()

	resolver := esi.NewClient(esi.Config{
		BaseURL:        cfg.ESI.BaseURL,
		RequestTimeout: cfg.ESI.RequestTimeout,
	})

	parser := killmail.NewParser(store, resolver, killmail.Config{
		KillmailTTL: cfg.Cache.KillmailTTL,
		CountTTL:    cfg.Cache.CountTTL,
	})

	upstream := zkb.NewClient(zkb.Config{
		BaseURL:           cfg.Upstream.BaseURL,
		RequestTimeout:    cfg.Upstream.RequestTimeout,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		RetryBudget:       cfg.Fetch.RetryBudget,
	})

	fetch := fetcher.New(store, upstream, parser, fetcher.Config{
		PageSize:    cfg.Fetch.PageSize,
		MaxPages:    cfg.Fetch.MaxPages,
		SinceHours:  cfg.Fetch.SinceHours,
		Concurrency: cfg.Fetch.Concurrency,
	})

	dispatcher := dispatch.New()
	hub := ws.NewHub(dispatcher)
	processor := stream.NewProcessor(parser, store, dispatcher, cfg.Cache.CountTTL)

	pusher := &streamPusher{}
	subs := subscription.NewManager(pusher, dispatcher, cfg.Subscription.ReconcileInterval)

	client := stream.NewClient(stream.Config{
		SocketURL:        cfg.Upstream.SocketURL,
		ProtocolVersion:  cfg.Upstream.ProtocolVersion,
		Topic:            cfg.Upstream.Topic,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		PingInterval:     cfg.Stream.PingInterval,
		ReadTimeout:      cfg.Stream.ReadTimeout,
		Workers:          cfg.Stream.Workers,
		QueueSize:        cfg.Stream.QueueSize,
	}, subs, processor)
	pusher.client = client

	handler := api.NewHandler(store, fetch, subs, dispatcher, hub, client)
	server := api.NewServer(api.NewRouter(handler, cfg.Server), cfg.Server)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddIngestService(supervisor.NewService("stream-client", client))
	tree.AddIngestService(supervisor.NewService("subscription-reconciler", subs))
	tree.AddServeService(supervisor.NewService("websocket-hub", hub))
	tree.AddServeService(supervisor.NewService("http-server", server))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}

	logging.Info().Msg("Shutdown complete")
}
