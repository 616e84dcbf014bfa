// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package supervisor

import (
	"context"
	"errors"

	"github.com/evemaps/killfeed/internal/logging"
)

// Runner is anything with a blocking Run loop. The stream client, the
// subscription reconciler, the websocket hub, and the HTTP server all
// satisfy it.
type Runner interface {
	Run(ctx context.Context) error
}

// Service adapts a Runner to suture.Service.
type Service struct {
	name   string
	runner Runner
}

// NewService wraps a Runner for supervision under the given name.
func NewService(name string, runner Runner) *Service {
	return &Service{name: name, runner: runner}
}

// Serve runs the wrapped component until ctx is canceled. Context
// cancellation is a clean stop, not a failure, so suture does not count it
// against the failure threshold.
func (s *Service) Serve(ctx context.Context) error {
	logging.Info().Str("service", s.name).Msg("service starting")
	err := s.runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Warn().Err(err).Str("service", s.name).Msg("service exited")
		return err
	}
	logging.Info().Str("service", s.name).Msg("service stopped")
	return err
}

// String names the service in suture logs.
func (s *Service) String() string {
	return s.name
}
