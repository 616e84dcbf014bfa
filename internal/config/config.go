// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package config loads Killfeed configuration with koanf: struct defaults,
// overridden by an optional YAML file, overridden by KILLFEED_* environment
// variables.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Log          LogConfig          `koanf:"log"`
	Server       ServerConfig       `koanf:"server"`
	Upstream     UpstreamConfig     `koanf:"upstream"`
	ESI          ESIConfig          `koanf:"esi"`
	Cache        CacheConfig        `koanf:"cache"`
	Stream       StreamConfig       `koanf:"stream"`
	Fetch        FetchConfig        `koanf:"fetch"`
	Subscription SubscriptionConfig `koanf:"subscription"`
}

// LogConfig controls the zerolog global logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ServerConfig controls the HTTP pull API.
type ServerConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// RateLimitReqs requests per RateLimitWindow per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// UpstreamConfig points at the killmail feed: the list/detail HTTP API and
// the streaming websocket endpoint.
type UpstreamConfig struct {
	BaseURL string `koanf:"base_url"`

	// SocketURL is the websocket endpoint; the protocol version is added
	// as a query parameter on dial.
	SocketURL       string `koanf:"socket_url"`
	ProtocolVersion string `koanf:"protocol_version"`
	Topic           string `koanf:"topic"`

	RequestTimeout time.Duration `koanf:"request_timeout"`

	// RequestsPerSecond paces page and full-record fetches upstream-wide.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// ESIConfig points at the identity resolution service (names, tickers,
// ship types). Lookups are best-effort.
type ESIConfig struct {
	BaseURL        string        `koanf:"base_url"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// CacheConfig holds the TTLs of the store.
type CacheConfig struct {
	KillmailTTL     time.Duration `koanf:"killmail_ttl"`
	CountTTL        time.Duration `koanf:"count_ttl"`
	FreshBase       time.Duration `koanf:"fresh_base"`
	FreshMin        time.Duration `koanf:"fresh_min"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// StreamConfig tunes the websocket connection manager.
type StreamConfig struct {
	// Workers is the size of the inbound-event worker pool.
	Workers int `koanf:"workers"`

	// QueueSize is the inbound-event buffer between the read loop and the
	// workers.
	QueueSize int `koanf:"queue_size"`

	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	PingInterval     time.Duration `koanf:"ping_interval"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
}

// FetchConfig tunes the paginated fetcher.
type FetchConfig struct {
	PageSize   int `koanf:"page_size"`
	MaxPages   int `koanf:"max_pages"`
	SinceHours int `koanf:"since_hours"`

	// Concurrency bounds parallel per-system fetches in multi-system calls.
	Concurrency int `koanf:"concurrency"`

	// RetryBudget is the max elapsed time spent retrying one upstream call.
	RetryBudget time.Duration `koanf:"retry_budget"`
}

// SubscriptionConfig tunes the subscription manager.
type SubscriptionConfig struct {
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
}

// defaultConfig returns a Config with every default applied. Defaults load
// first, then the YAML file, then environment variables.
func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            4004,
			RequestTimeout:  30 * time.Second,
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
		},
		Upstream: UpstreamConfig{
			BaseURL:           "https://zkillboard.com/api",
			SocketURL:         "wss://zkillboard.com/websocket/",
			ProtocolVersion:   "2.0.0",
			Topic:             "killstream",
			RequestTimeout:    15 * time.Second,
			RequestsPerSecond: 5,
		},
		ESI: ESIConfig{
			BaseURL:        "https://esi.evetech.net/latest",
			RequestTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			KillmailTTL:     24 * time.Hour,
			CountTTL:        time.Hour,
			FreshBase:       15 * time.Minute,
			FreshMin:        time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Stream: StreamConfig{
			Workers:          4,
			QueueSize:        256,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
		},
		Fetch: FetchConfig{
			PageSize:    200,
			MaxPages:    10,
			SinceHours:  24,
			Concurrency: 4,
			RetryBudget: 2 * time.Minute,
		},
		Subscription: SubscriptionConfig{
			ReconcileInterval: time.Hour,
		},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.SocketURL == "" {
		return fmt.Errorf("upstream.socket_url is required")
	}
	if c.ESI.BaseURL == "" {
		return fmt.Errorf("esi.base_url is required")
	}
	if c.Fetch.PageSize < 1 {
		return fmt.Errorf("fetch.page_size must be positive, got %d", c.Fetch.PageSize)
	}
	if c.Fetch.MaxPages < 1 {
		return fmt.Errorf("fetch.max_pages must be positive, got %d", c.Fetch.MaxPages)
	}
	if c.Fetch.Concurrency < 1 {
		return fmt.Errorf("fetch.concurrency must be positive, got %d", c.Fetch.Concurrency)
	}
	if c.Stream.Workers < 1 {
		return fmt.Errorf("stream.workers must be positive, got %d", c.Stream.Workers)
	}
	if c.Cache.KillmailTTL <= 0 {
		return fmt.Errorf("cache.killmail_ttl must be positive")
	}
	if c.Cache.CountTTL <= 0 {
		return fmt.Errorf("cache.count_ttl must be positive")
	}
	if c.Cache.FreshMin > c.Cache.FreshBase {
		return fmt.Errorf("cache.fresh_min %v exceeds cache.fresh_base %v",
			c.Cache.FreshMin, c.Cache.FreshBase)
	}
	if c.Subscription.ReconcileInterval <= 0 {
		return fmt.Errorf("subscription.reconcile_interval must be positive")
	}
	return nil
}
