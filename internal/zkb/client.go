// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package zkb is the HTTP client for the upstream killmail service: partial
// list pages per system and full killmail records. Every call is paced by a
// shared rate limiter and wrapped in a jittered exponential retry with a
// bounded elapsed-time budget; HTTP 429 retries like a transport error, it
// never fails a call outright.
package zkb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/evemaps/killfeed/internal/logging"
	"github.com/evemaps/killfeed/internal/metrics"
	"github.com/evemaps/killfeed/internal/models"
)

// Sentinel errors surfaced to callers.
var (
	// ErrNotFound is terminal: the record does not exist upstream.
	ErrNotFound = errors.New("zkb: not found")

	// ErrRateLimited marks an HTTP 429; always retried within the budget.
	ErrRateLimited = errors.New("zkb: rate limited")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zkb: unexpected status %d", e.Code)
}

// Config holds client construction parameters.
type Config struct {
	BaseURL string

	// RequestTimeout bounds one HTTP round trip.
	RequestTimeout time.Duration

	// RequestsPerSecond paces all calls through one limiter.
	RequestsPerSecond float64

	// RetryBudget caps the total elapsed time of retries for one call.
	RetryBudget time.Duration

	// RetryInitialInterval seeds the exponential backoff. Default 500ms.
	RetryInitialInterval time.Duration
}

// Client talks to the upstream killmail HTTP API.
type Client struct {
	baseURL       string
	http          *http.Client
	limiter       *rate.Limiter
	retryBudget   time.Duration
	retryInterval time.Duration
}

// NewClient creates a Client. Zero config fields take conservative defaults.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 2 * time.Minute
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}

	return &Client{
		baseURL:       cfg.BaseURL,
		http:          &http.Client{Timeout: cfg.RequestTimeout},
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		retryBudget:   cfg.RetryBudget,
		retryInterval: cfg.RetryInitialInterval,
	}
}

// PartialPage fetches one list page for a system, newest first. Pages are
// 1-based; an empty slice means the system has no further history.
func (c *Client) PartialPage(ctx context.Context, systemID int64, page int) ([]models.RawPartial, error) {
	url := fmt.Sprintf("%s/kills/systemID/%d/page/%d/", c.baseURL, systemID, page)

	var partials []models.RawPartial
	err := c.withRetry(ctx, "partial_page", func() error {
		return c.getJSON(ctx, url, &partials)
	})
	if err != nil {
		return nil, fmt.Errorf("partial page %d for system %d: %w", page, systemID, err)
	}

	metrics.FetchPages.Inc()
	return partials, nil
}

// FullKillmail fetches one full record by ID and verification hash.
func (c *Client) FullKillmail(ctx context.Context, id int64, hash string) (*models.RawKillmail, error) {
	url := fmt.Sprintf("%s/killmail/%d/%s/", c.baseURL, id, hash)

	raw := &models.RawKillmail{}
	err := c.withRetry(ctx, "full_killmail", func() error {
		return c.getJSON(ctx, url, raw)
	})
	if err != nil {
		return nil, fmt.Errorf("full killmail %d: %w", id, err)
	}

	return raw, nil
}

// withRetry runs op under the shared pacing limiter and the retry policy:
// jittered exponential backoff, capped interval, bounded elapsed budget.
// Not-found and context errors are permanent; rate limiting, server errors,
// and transport failures retry until the budget is spent. Exhausting the
// budget surfaces the last underlying error, wrapped.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = c.retryBudget

	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound):
			return backoff.Permanent(err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	notify := func(err error, wait time.Duration) {
		metrics.UpstreamRetries.WithLabelValues(retryCause(err)).Inc()
		logging.Warn().Err(err).Str("op", op).Dur("wait", wait).Msg("upstream call retrying")
	}

	if err := backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("retry budget exhausted: %w", err)
	}
	return nil
}

func retryCause(err error) string {
	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &statusErr):
		return "server_error"
	default:
		return "transport"
	}
}

// getJSON performs one GET and decodes the body, classifying HTTP statuses
// into the retry taxonomy.
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return &StatusError{Code: resp.StatusCode}
	default:
		return backoff.Permanent(&StatusError{Code: resp.StatusCode})
	}
}
