// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package metrics exposes Prometheus collectors for ingestion, fetching,
// caching, and the streaming connection. Scrape at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest pipeline outcomes, labeled by the parser result
	// (stored, skipped, older).
	KillmailsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_killmails_processed_total",
			Help: "Killmails run through the parser pipeline by outcome",
		},
		[]string{"outcome", "source"}, // source: stream, fetch
	)

	EnrichmentFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_enrichment_failures_total",
			Help: "Identity lookups that failed terminally (record still stored)",
		},
	)

	// Paginated fetcher.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "killfeed_fetch_duration_seconds",
			Help:    "Duration of one system's paginated fetch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // cached, fetched, error
	)

	FetchPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_fetch_pages_total",
			Help: "Partial pages retrieved from the upstream list API",
		},
	)

	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_upstream_retries_total",
			Help: "Upstream HTTP retries by cause",
		},
		[]string{"cause"}, // rate_limited, transport, server_error
	)

	// Streaming connection.
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "killfeed_connection_state",
			Help: "Streaming connection state (0 disconnected, 1 connecting, 2 connected)",
		},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_reconnects_total",
			Help: "Reconnect attempts by tier (short, cooldown, forced)",
		},
		[]string{"tier"},
	)

	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_stream_events_total",
			Help: "Inbound stream events by type",
		},
		[]string{"type"},
	)

	// Subscriptions and dispatch.
	SubscribedSystems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "killfeed_subscribed_systems",
			Help: "Systems the live connection is currently subscribed to",
		},
	)

	DispatchedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_dispatched_events_total",
			Help: "Events republished to consumers by type",
		},
		[]string{"type"},
	)

	ConsumerCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "killfeed_consumers",
			Help: "Registered downstream consumers",
		},
	)

	// Cache.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_cache_hits_total",
			Help: "Cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_cache_misses_total",
			Help: "Cache misses",
		},
	)

	// API surface.
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_api_requests_total",
			Help: "API requests by endpoint and status code",
		},
		[]string{"endpoint", "status"},
	)
)
