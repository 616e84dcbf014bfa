// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package esi resolves numeric identifiers to display names and tickers.
// It is a best-effort dependency: timeouts and server errors are retried
// briefly, "not found" is accepted terminally, and a circuit breaker keeps
// a dead identity service from stalling the ingest pipeline.
package esi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/evemaps/killfeed/internal/logging"
)

// ErrNotFound is terminal: the identifier does not resolve upstream.
var ErrNotFound = errors.New("esi: not found")

// Config holds client construction parameters.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration

	// RetryBudget caps the elapsed retry time of one lookup. Lookups are
	// best-effort, so the default budget is short.
	RetryBudget time.Duration

	// RetryInitialInterval seeds the backoff. Default 250ms.
	RetryInitialInterval time.Duration
}

// Client performs identity lookups.
type Client struct {
	baseURL       string
	http          *http.Client
	breaker       *gobreaker.CircuitBreaker[[]byte]
	retryBudget   time.Duration
	retryInterval time.Duration
}

// NewClient creates a Client with its circuit breaker. The breaker opens at
// a 60% failure rate over at least 10 requests and probes again after 2
// minutes; while open, lookups fail fast and enrichment degrades.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 10 * time.Second
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 250 * time.Millisecond
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "esi",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("identity lookup breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// Not-found is a valid answer, not a service failure.
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})

	return &Client{
		baseURL:       cfg.BaseURL,
		http:          &http.Client{Timeout: cfg.RequestTimeout},
		breaker:       breaker,
		retryBudget:   cfg.RetryBudget,
		retryInterval: cfg.RetryInitialInterval,
	}
}

type nameResponse struct {
	Name string `json:"name"`
}

type tickerResponse struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// CharacterName resolves a character ID to its name.
func (c *Client) CharacterName(ctx context.Context, id int64) (string, error) {
	var out nameResponse
	if err := c.lookup(ctx, fmt.Sprintf("/characters/%d/", id), &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

// CorporationInfo resolves a corporation ID to its name and ticker.
func (c *Client) CorporationInfo(ctx context.Context, id int64) (name, ticker string, err error) {
	var out tickerResponse
	if err := c.lookup(ctx, fmt.Sprintf("/corporations/%d/", id), &out); err != nil {
		return "", "", err
	}
	return out.Name, out.Ticker, nil
}

// AllianceInfo resolves an alliance ID to its name and ticker.
func (c *Client) AllianceInfo(ctx context.Context, id int64) (name, ticker string, err error) {
	var out tickerResponse
	if err := c.lookup(ctx, fmt.Sprintf("/alliances/%d/", id), &out); err != nil {
		return "", "", err
	}
	return out.Name, out.Ticker, nil
}

// TypeName resolves a ship/item type ID to its name.
func (c *Client) TypeName(ctx context.Context, id int64) (string, error) {
	var out nameResponse
	if err := c.lookup(ctx, fmt.Sprintf("/universe/types/%d/", id), &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

// lookup runs one breaker-guarded, briefly-retried GET and decodes the body.
func (c *Client) lookup(ctx context.Context, path string, out any) error {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.getWithRetry(ctx, c.baseURL+path)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxElapsedTime = c.retryBudget

	return backoff.RetryWithData(func() ([]byte, error) {
		body, err := c.get(ctx, url)
		switch {
		case err == nil:
			return body, nil
		case errors.Is(err, ErrNotFound):
			return nil, backoff.Permanent(err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, backoff.Permanent(err)
		default:
			return nil, err
		}
	}, backoff.WithContext(bo, ctx))
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return io.ReadAll(resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("esi: unexpected status %d", resp.StatusCode)
	}
}
