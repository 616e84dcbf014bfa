// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"

	"github.com/evemaps/killfeed/internal/cache"
	"github.com/evemaps/killfeed/internal/config"
	"github.com/evemaps/killfeed/internal/dispatch"
	"github.com/evemaps/killfeed/internal/fetcher"
	"github.com/evemaps/killfeed/internal/killmail"
	"github.com/evemaps/killfeed/internal/models"
	"github.com/evemaps/killfeed/internal/stream"
	"github.com/evemaps/killfeed/internal/subscription"
	wsfeed "github.com/evemaps/killfeed/internal/websocket"
)

// fakeUpstream serves canned pages and full records.
type fakeUpstream struct {
	pages    map[int64][][]models.RawPartial
	fulls    map[int64]*models.RawKillmail
	pageErrs map[int64]error
}

func (u *fakeUpstream) PartialPage(_ context.Context, systemID int64, page int) ([]models.RawPartial, error) {
	if err, ok := u.pageErrs[systemID]; ok {
		return nil, err
	}
	pages := u.pages[systemID]
	if page > len(pages) {
		return nil, nil
	}
	return pages[page-1], nil
}

func (u *fakeUpstream) FullKillmail(_ context.Context, id int64, _ string) (*models.RawKillmail, error) {
	raw, ok := u.fulls[id]
	if !ok {
		return nil, errors.New("unknown killmail")
	}
	return raw, nil
}

// fakePusher tracks the upstream-facing subscription set.
type fakePusher struct {
	live map[int64]struct{}
}

func newFakePusher() *fakePusher { return &fakePusher{live: make(map[int64]struct{})} }

func (p *fakePusher) PushSubscribe(systems []int64) error {
	for _, id := range systems {
		p.live[id] = struct{}{}
	}
	return nil
}

func (p *fakePusher) PushUnsubscribe(systems []int64) error {
	for _, id := range systems {
		delete(p.live, id)
	}
	return nil
}

func (p *fakePusher) Subscribed() []int64 {
	out := make([]int64, 0, len(p.live))
	for id := range p.live {
		out = append(out, id)
	}
	return out
}

// fakeStream satisfies StreamControl.
type fakeStream struct {
	status     stream.Status
	reconnects int
	err        error
}

func (s *fakeStream) Status() stream.Status { return s.status }

func (s *fakeStream) Reconnect(context.Context) error {
	s.reconnects++
	return s.err
}

type testAPI struct {
	handler    http.Handler
	store      *cache.Store
	dispatcher *dispatch.Dispatcher
	hub        *wsfeed.Hub
	pusher     *fakePusher
	streamCtl  *fakeStream
}

func newTestAPI(t *testing.T, upstream *fakeUpstream) *testAPI {
	t.Helper()

	store := cache.New(cache.Config{CleanupInterval: time.Hour})
	t.Cleanup(store.Close)

	parser := killmail.NewParser(store, nil, killmail.Config{})
	f := fetcher.New(store, upstream, parser, fetcher.Config{PageSize: 200})

	dispatcher := dispatch.New()
	hub := wsfeed.NewHub(dispatcher)
	pusher := newFakePusher()
	subs := subscription.NewManager(pusher, dispatcher, time.Hour)
	streamCtl := &fakeStream{status: stream.Status{State: "connected"}}

	h := NewHandler(store, f, subs, dispatcher, hub, streamCtl)
	router := NewRouter(h, config.ServerConfig{
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	})

	return &testAPI{
		handler:    router.Setup(),
		store:      store,
		dispatcher: dispatcher,
		hub:        hub,
		pusher:     pusher,
		streamCtl:  streamCtl,
	}
}

func rawKill(id, systemID int64, killTime time.Time) *models.RawKillmail {
	return &models.RawKillmail{
		KillmailID:    id,
		KillmailTime:  killTime.UTC().Format(time.RFC3339),
		SolarSystemID: systemID,
		Victim:        models.RawVictim{CharacterID: id * 10, ShipTypeID: 587},
		Attackers:     []models.RawAttacker{{CharacterID: id*10 + 1, FinalBlow: true}},
		Zkb:           &models.ZkbMeta{Hash: fmt.Sprintf("h%d", id)},
	}
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.Envelope {
	t.Helper()
	var env models.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func TestKillsForSystemReturnsEnvelope(t *testing.T) {
	const system = int64(30000142)
	now := time.Now()

	api := newTestAPI(t, &fakeUpstream{
		pages: map[int64][][]models.RawPartial{
			system: {{
				{KillmailID: 1, Zkb: models.ZkbMeta{Hash: "h1"}},
				{KillmailID: 2, Zkb: models.ZkbMeta{Hash: "h2"}},
			}},
		},
		fulls: map[int64]*models.RawKillmail{
			1: rawKill(1, system, now.Add(-5*time.Minute)),
			2: rawKill(2, system, now.Add(-10*time.Minute)),
		},
	})

	rec := doRequest(t, api.handler, http.MethodGet, "/kills/system/30000142", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Error != "" {
		t.Fatalf("unexpected error %q", env.Error)
	}

	var data systemKillsResponse
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.SystemID != system || data.Count != 2 {
		t.Errorf("data = %+v, want system %d with 2 kills", data, system)
	}
}

func TestKillsForSystemRejectsBadID(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})

	for _, target := range []string{"/kills/system/42", "/kills/system/abc"} {
		rec := doRequest(t, api.handler, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
		if env := decodeEnvelope(t, rec); env.Error == "" {
			t.Errorf("%s: error envelope missing", target)
		}
	}
}

func TestKillsForSystemUpstreamFailure(t *testing.T) {
	const system = int64(30000142)
	api := newTestAPI(t, &fakeUpstream{
		pageErrs: map[int64]error{system: errors.New("boom")},
	})

	rec := doRequest(t, api.handler, http.MethodGet, "/kills/system/30000142", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestKillsForSystemsIsolatesFailures(t *testing.T) {
	const good, bad = int64(30000142), int64(30000143)
	now := time.Now()

	api := newTestAPI(t, &fakeUpstream{
		pages: map[int64][][]models.RawPartial{
			good: {{{KillmailID: 1, Zkb: models.ZkbMeta{Hash: "h1"}}}},
		},
		fulls: map[int64]*models.RawKillmail{
			1: rawKill(1, good, now.Add(-time.Minute)),
		},
		pageErrs: map[int64]error{bad: errors.New("boom")},
	})

	rec := doRequest(t, api.handler, http.MethodPost, "/kills/systems",
		`{"system_ids":[30000142,30000143]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var entries []systemKillsResponse
	env := decodeEnvelope(t, rec)
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	byID := map[int64]systemKillsResponse{}
	for _, e := range entries {
		byID[e.SystemID] = e
	}
	if byID[good].Count != 1 || byID[good].Error != "" {
		t.Errorf("good system entry = %+v", byID[good])
	}
	if byID[bad].Error == "" {
		t.Errorf("bad system entry carries no error: %+v", byID[bad])
	}
}

func TestKillsForSystemsRejectsWholeBatch(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})

	rec := doRequest(t, api.handler, http.MethodPost, "/kills/systems",
		`{"system_ids":[30000142,99]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestKillCountReadsCounter(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})
	api.store.Increment(cache.SystemCountKey(30000142), 7, 0, time.Hour)

	rec := doRequest(t, api.handler, http.MethodGet, "/kills/count/30000142", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	if got := data["count"].(float64); got != 7 {
		t.Errorf("count = %v, want 7", got)
	}
}

func TestKillmailLookup(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})
	api.store.Put(cache.KillmailKey(9001), &models.Killmail{KillmailID: 9001, SolarSystemID: 30000142}, time.Hour)

	rec := doRequest(t, api.handler, http.MethodGet, "/killmail/9001", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doRequest(t, api.handler, http.MethodGet, "/killmail/9002", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing killmail status = %d, want 404", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error == "" {
		t.Error("missing killmail must use the error envelope")
	}
}

func TestCreateSubscriptionGeneratesID(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})

	rec := doRequest(t, api.handler, http.MethodPost, "/subscriptions/",
		`{"system_ids":[30000142,30000143]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp subscriptionResponse
	env := decodeEnvelope(t, rec)
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if resp.SubscriberID == "" {
		t.Error("subscriber_id was not generated")
	}
	if api.dispatcher.ConsumerCount() != 1 {
		t.Errorf("dispatcher tracks %d consumers, want 1", api.dispatcher.ConsumerCount())
	}
	// The upstream subscription set follows.
	if len(api.pusher.live) != 2 {
		t.Errorf("upstream set has %d systems, want 2", len(api.pusher.live))
	}
}

func TestCreateSubscriptionRejectsInvalidSystems(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})

	rec := doRequest(t, api.handler, http.MethodPost, "/subscriptions/",
		`{"system_ids":[30000142,5]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if api.dispatcher.ConsumerCount() != 0 {
		t.Error("rejected subscription registered a consumer")
	}
	if len(api.pusher.live) != 0 {
		t.Error("rejected subscription pushed systems upstream")
	}
}

func TestDeleteSubscriptionIdempotent(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})

	rec := doRequest(t, api.handler, http.MethodPost, "/subscriptions/",
		`{"subscriber_id":"sub-1","system_ids":[30000142]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	rec = doRequest(t, api.handler, http.MethodDelete, "/subscriptions/sub-1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("first delete status = %d, want 200", rec.Code)
	}

	// The repeat delete is already satisfied: 404, data envelope, no error.
	rec = doRequest(t, api.handler, http.MethodDelete, "/subscriptions/sub-1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error != "" {
		t.Errorf("second delete carries error %q, want data envelope", env.Error)
	}
}

func TestStreamReconnectEndpoint(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})

	rec := doRequest(t, api.handler, http.MethodPost, "/stream/reconnect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if api.streamCtl.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", api.streamCtl.reconnects)
	}

	api.streamCtl.err = errors.New("dial refused")
	rec = doRequest(t, api.handler, http.MethodPost, "/stream/reconnect", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("failed reconnect status = %d, want 502", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})

	rec := doRequest(t, api.handler, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	if data["status"] != "ok" {
		t.Errorf("status field = %v", data["status"])
	}
	conn := data["connection"].(map[string]any)
	if conn["state"] != "connected" {
		t.Errorf("connection state = %v", conn["state"])
	}
}

func TestConsumerFeedDeliversEvents(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan error, 1)
	go func() { hubDone <- api.hub.Run(ctx) }()
	defer func() { cancel(); <-hubDone }()

	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?systems=30000142"
	conn, resp, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	// The feed subscription reaches the upstream set.
	if _, ok := api.pusher.live[30000142]; !ok {
		t.Error("feed systems not pushed upstream")
	}

	deadline := time.Now().Add(2 * time.Second)
	for api.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	api.dispatcher.PublishKills(30000142, []*models.Killmail{{KillmailID: 7, SolarSystemID: 30000142}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg dispatch.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != dispatch.MessageTypeKillmails || msg.SystemID != 30000142 {
		t.Errorf("message = %+v", msg)
	}
	if len(msg.Killmails) != 1 || msg.Killmails[0].KillmailID != 7 {
		t.Errorf("killmails = %+v", msg.Killmails)
	}
}

func TestConsumerFeedRejectsInvalidSystems(t *testing.T) {
	api := newTestAPI(t, &fakeUpstream{})

	rec := doRequest(t, api.handler, http.MethodGet, "/ws?systems=42", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, api.handler, http.MethodGet, "/ws", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing systems status = %d, want 400", rec.Code)
	}
}
