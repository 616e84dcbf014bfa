// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package api serves the HTTP pull interface: recent kills per system,
// rolling counts, killmail lookups, subscription management, the consumer
// websocket feed, health, and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evemaps/killfeed/internal/config"
	"github.com/evemaps/killfeed/internal/logging"
)

// Router wires handlers into the chi mux.
type Router struct {
	handler *Handler
	cfg     config.ServerConfig
}

// NewRouter creates a Router.
func NewRouter(handler *Handler, cfg config.ServerConfig) *Router {
	return &Router{handler: handler, cfg: cfg}
}

// Setup builds the full route tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Health and metrics stay unthrottled for monitoring.
	r.Get("/health", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByRealIP(router.cfg.RateLimitReqs, router.cfg.RateLimitWindow))
		if router.cfg.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(router.cfg.RequestTimeout))
		}

		r.Route("/kills", func(r chi.Router) {
			r.Get("/system/{id}", router.handler.KillsForSystem)
			r.Post("/systems", router.handler.KillsForSystems)
			r.Get("/cached/{id}", router.handler.CachedKills)
			r.Get("/count/{id}", router.handler.KillCount)
		})

		r.Get("/killmail/{id}", router.handler.Killmail)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", router.handler.CreateSubscription)
			r.Delete("/{subscriber_id}", router.handler.DeleteSubscription)
		})

		r.Post("/stream/reconnect", router.handler.StreamReconnect)
		r.Get("/ws", router.handler.ConsumerFeed)
	})

	return r
}

// Server runs the HTTP listener under supervision.
type Server struct {
	srv *http.Server
}

// NewServer builds the http.Server around the router.
func NewServer(router *Router, cfg config.ServerConfig) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           router.Setup(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("http shutdown incomplete")
			_ = s.srv.Close()
		}
		<-errCh
		return ctx.Err()
	}
}
