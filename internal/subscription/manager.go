// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package subscription tracks the desired set of solar systems to stream
// and issues minimal subscribe/unsubscribe diffs against what the live
// connection currently carries. The desired set is the single source of
// truth for join payloads after a reconnect.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evemaps/killfeed/internal/logging"
)

// ErrInvalidIdentifiers rejects a batch containing any implausible system
// ID. No partial application: one bad ID fails the whole batch.
var ErrInvalidIdentifiers = errors.New("invalid_identifiers")

// Solar system IDs occupy a fixed numeric range.
const (
	minSystemID = 30_000_000
	maxSystemID = 40_000_000
)

// Pusher is the slice of the stream client the manager pushes diffs
// through.
type Pusher interface {
	PushSubscribe(systems []int64) error
	PushUnsubscribe(systems []int64) error
	Subscribed() []int64
}

// TrackedSource answers "which systems matter right now" for periodic
// reconciliation. Typically backed by the dispatcher's consumer registry.
type TrackedSource interface {
	TrackedSystems() []int64
}

// Manager owns the desired system set.
type Manager struct {
	pusher   Pusher
	source   TrackedSource
	interval time.Duration

	mu      sync.Mutex
	desired map[int64]struct{}
}

// NewManager creates a Manager. A nil source disables reconciliation
// pruning; the desired set is then mutated only by Subscribe/Unsubscribe.
func NewManager(pusher Pusher, source TrackedSource, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Manager{
		pusher:   pusher,
		source:   source,
		interval: interval,
		desired:  make(map[int64]struct{}),
	}
}

// ValidateSystemIDs checks every ID falls in the solar system range.
func ValidateSystemIDs(ids []int64) error {
	for _, id := range ids {
		if id < minSystemID || id >= maxSystemID {
			return fmt.Errorf("%w: %d out of system range", ErrInvalidIdentifiers, id)
		}
	}
	return nil
}

// Subscribe adds systems to the desired set and pushes the diff against the
// live subscription. Idempotent per ID; a push failure is tolerated because
// the next join payload carries the full desired set.
func (m *Manager) Subscribe(ids []int64) error {
	if err := ValidateSystemIDs(ids); err != nil {
		return err
	}

	m.mu.Lock()
	for _, id := range ids {
		m.desired[id] = struct{}{}
	}
	toPush := m.missingFromLiveLocked(ids)
	m.mu.Unlock()

	if len(toPush) == 0 {
		return nil
	}
	if err := m.pusher.PushSubscribe(toPush); err != nil {
		logging.Warn().Err(err).Ints64("systems", toPush).Msg("subscribe push deferred")
	}
	return nil
}

// Unsubscribe removes systems from the desired set and pushes the diff.
// Unsubscribing an ID that was never subscribed is a no-op for that ID.
func (m *Manager) Unsubscribe(ids []int64) error {
	if err := ValidateSystemIDs(ids); err != nil {
		return err
	}

	m.mu.Lock()
	for _, id := range ids {
		delete(m.desired, id)
	}
	m.mu.Unlock()

	toPush := m.presentInLive(ids)
	if len(toPush) == 0 {
		return nil
	}
	if err := m.pusher.PushUnsubscribe(toPush); err != nil {
		logging.Warn().Err(err).Ints64("systems", toPush).Msg("unsubscribe push deferred")
	}
	return nil
}

// InterestedSystems snapshots the desired set, sorted. Supplies the join
// payload on (re)connect.
func (m *Manager) InterestedSystems() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.desired))
	for id := range m.desired {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reconcile recomputes the desired set from the tracked-systems source and
// unsubscribes anything no longer wanted. Bounds subscription growth when
// consumers vanish without an explicit unsubscribe.
func (m *Manager) Reconcile(ctx context.Context) {
	if m.source == nil {
		return
	}

	tracked := m.source.TrackedSystems()
	want := make(map[int64]struct{}, len(tracked))
	for _, id := range tracked {
		if id >= minSystemID && id < maxSystemID {
			want[id] = struct{}{}
		}
	}

	m.mu.Lock()
	var stale []int64
	for id := range m.desired {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	var missing []int64
	for id := range want {
		if _, ok := m.desired[id]; !ok {
			missing = append(missing, id)
		}
	}
	m.desired = want
	m.mu.Unlock()

	if len(stale) == 0 && len(missing) == 0 {
		return
	}
	logging.Info().
		Int("removed", len(stale)).
		Int("added", len(missing)).
		Msg("subscription reconciliation")

	if len(stale) > 0 {
		if err := m.pusher.PushUnsubscribe(stale); err != nil {
			logging.Warn().Err(err).Msg("reconcile unsubscribe deferred")
		}
	}
	if len(missing) > 0 {
		if err := m.pusher.PushSubscribe(missing); err != nil {
			logging.Warn().Err(err).Msg("reconcile subscribe deferred")
		}
	}
}

// Run reconciles on a fixed interval until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// missingFromLiveLocked returns the subset of ids the live connection does
// not yet carry.
func (m *Manager) missingFromLiveLocked(ids []int64) []int64 {
	live := make(map[int64]struct{})
	for _, id := range m.pusher.Subscribed() {
		live[id] = struct{}{}
	}
	var out []int64
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// presentInLive returns the subset of ids the live connection carries.
func (m *Manager) presentInLive(ids []int64) []int64 {
	live := make(map[int64]struct{})
	for _, id := range m.pusher.Subscribed() {
		live[id] = struct{}{}
	}
	var out []int64
	for _, id := range ids {
		if _, ok := live[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
