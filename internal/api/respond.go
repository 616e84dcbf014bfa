// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/evemaps/killfeed/internal/logging"
	"github.com/evemaps/killfeed/internal/metrics"
	"github.com/evemaps/killfeed/internal/models"
)

// respondData writes the success envelope.
func respondData(w http.ResponseWriter, endpoint string, status int, data any) {
	writeEnvelope(w, endpoint, status, models.Envelope{Data: data})
}

// respondError writes the error envelope.
func respondError(w http.ResponseWriter, endpoint string, status int, msg string) {
	writeEnvelope(w, endpoint, status, models.Envelope{Error: msg})
}

func writeEnvelope(w http.ResponseWriter, endpoint string, status int, env models.Envelope) {
	metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logging.Warn().Err(err).Str("endpoint", endpoint).Msg("response write failed")
	}
}

// pathID parses a numeric path parameter.
func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// queryInt parses an optional integer query parameter, returning def when
// absent or malformed-empty.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return v, nil
}
