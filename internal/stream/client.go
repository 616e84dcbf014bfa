// Killfeed - EVE Online Killmail Ingestion and Activity Feed
// Copyright 2026 Killfeed Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evemaps/killfeed

// Package stream owns the single persistent websocket connection to the
// upstream killmail feed. The Client is an explicit state machine
// (Disconnected, Connecting, Connected) behind one mutex; nothing outside
// this package mutates connection state directly. Inbound events are handed
// to a bounded worker pool so a slow or failing batch never blocks the read
// loop.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/evemaps/killfeed/internal/logging"
	"github.com/evemaps/killfeed/internal/metrics"
	"github.com/evemaps/killfeed/internal/models"
)

// ErrNotConnected is returned by subscription pushes while the connection
// is down. Callers reconcile once the connection is re-established.
var ErrNotConnected = errors.New("stream: not connected")

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Reconnect policy: three short retries, then one long cooldown, then the
// short sequence restarts. Prevents reconnect storms during an upstream
// outage while still recovering unattended.
var shortBackoff = [...]time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

const reconnectCooldown = 10 * time.Minute

// Handler consumes normalized inbound events. Called from worker
// goroutines; implementations must be safe for concurrent use.
type Handler interface {
	HandleEvent(ctx context.Context, ev models.Event)
}

// InterestSource supplies the currently-desired system set for join
// payloads. Satisfied by the subscription manager.
type InterestSource interface {
	InterestedSystems() []int64
}

// wsConn is the slice of *websocket.Conn the client uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, rawURL string) (wsConn, error)

// Config holds client construction parameters.
type Config struct {
	SocketURL       string
	ProtocolVersion string
	Topic           string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration

	// Workers and QueueSize bound the inbound-event pool.
	Workers   int
	QueueSize int

	// Test hooks.
	dial     dialFunc
	timerFn  func(d time.Duration, f func()) *time.Timer
	jitterFn func() time.Duration
}

// Status is a point-in-time snapshot for the health endpoint.
type Status struct {
	State      string `json:"state"`
	RetryCount int    `json:"retry_count"`
	CycleCount int    `json:"cycle_count"`
	LastError  string `json:"last_error,omitempty"`
	Subscribed int    `json:"subscribed_systems"`
}

// Client maintains at most one live streaming connection.
type Client struct {
	cfg      Config
	handler  Handler
	interest InterestSource
	clientID string

	mu             sync.Mutex
	state          State
	retryCount     int
	cycleCount     int
	lastErr        error
	conn           wsConn
	connDone       chan struct{}
	reconnectTimer *time.Timer
	subscribed     map[int64]struct{}
	closed         bool

	// readGen invalidates read and ping loops of torn-down connections so
	// a late error from an old socket cannot disturb its successor.
	readGen int

	runCtx context.Context
	queue  chan models.Event
	wg     sync.WaitGroup
	refSeq atomic.Int64
}

// NewClient creates a Client. It does not connect; call Run.
func NewClient(cfg Config, interest InterestSource, handler Handler) *Client {
	if cfg.Topic == "" {
		cfg.Topic = "killstream"
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = "2.0.0"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.timerFn == nil {
		cfg.timerFn = time.AfterFunc
	}
	if cfg.jitterFn == nil {
		// Startup jitter desynchronizes initial connects across instances.
		cfg.jitterFn = func() time.Duration {
			return 50*time.Millisecond + rand.N(900*time.Millisecond)
		}
	}

	c := &Client{
		cfg:      cfg,
		handler:  handler,
		interest: interest,
		clientID: uuid.NewString(),
		queue:    make(chan models.Event, cfg.QueueSize),
	}
	if c.cfg.dial == nil {
		c.cfg.dial = c.defaultDial
	}
	return c
}

// Run starts the worker pool, connects after a short startup jitter, and
// blocks until ctx is canceled. Reconnects are scheduled internally; a
// failed initial connect is not fatal.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}

	select {
	case <-time.After(c.cfg.jitterFn()):
	case <-ctx.Done():
		c.shutdown()
		c.wg.Wait()
		return ctx.Err()
	}

	if err := c.Connect(ctx); err != nil {
		logging.Warn().Err(err).Msg("initial stream connect failed, reconnect scheduled")
	}

	<-ctx.Done()
	c.shutdown()
	c.wg.Wait()
	return ctx.Err()
}

// Connect establishes the connection and joins the channel. Idempotent: a
// no-op while already Connecting or Connected, so concurrent entry points
// cannot open duplicate sockets.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	attempt := c.readGen
	c.mu.Unlock()

	logging.Info().Str("url", c.cfg.SocketURL).Msg("connecting to killmail stream")

	conn, err := c.cfg.dial(ctx, c.dialURL())
	if err != nil {
		c.connectFailed(attempt, fmt.Errorf("dial: %w", err))
		return err
	}

	systems := c.interest.InterestedSystems()
	if err := c.join(conn, systems); err != nil {
		_ = conn.Close()
		c.connectFailed(attempt, err)
		return err
	}

	c.mu.Lock()
	// A forced reconnect or shutdown may have superseded this attempt while
	// the dial was in flight. The newer connection owns the state; this one
	// must not be installed.
	if c.closed || c.readGen != attempt {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.connDone = make(chan struct{})
	done := c.connDone
	c.retryCount = 0
	c.cycleCount = 0
	c.lastErr = nil
	c.subscribed = make(map[int64]struct{}, len(systems))
	for _, id := range systems {
		c.subscribed[id] = struct{}{}
	}
	metrics.SubscribedSystems.Set(float64(len(c.subscribed)))
	c.setStateLocked(StateConnected)
	gen := c.readGen
	c.mu.Unlock()

	logging.Info().Int("systems", len(systems)).Msg("killmail stream connected")

	c.wg.Add(2)
	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen, done)
	return nil
}

// Reconnect cancels any pending backoff timer, force-closes a live socket,
// and connects immediately.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.readGen++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	metrics.Reconnects.WithLabelValues("forced").Inc()
	return c.Connect(ctx)
}

// PushSubscribe adds systems to the live subscription on the open channel.
func (c *Client) PushSubscribe(systems []int64) error {
	return c.push(evSubscribe, systems, true)
}

// PushUnsubscribe removes systems from the live subscription.
func (c *Client) PushUnsubscribe(systems []int64) error {
	return c.push(evUnsubscribe, systems, false)
}

// Subscribed returns the system set the live connection currently believes
// it is subscribed to. Empty while disconnected.
func (c *Client) Subscribed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	return ids
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status snapshots connection health.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:      c.state.String(),
		RetryCount: c.retryCount,
		CycleCount: c.cycleCount,
		Subscribed: len(c.subscribed),
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Client) push(event string, systems []int64, add bool) error {
	if len(systems) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return ErrNotConnected
	}

	msg := outboundMessage{
		Topic:   c.cfg.Topic,
		Event:   event,
		Payload: systemsPayload{Systems: systems},
		Ref:     c.nextRef(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		reason := fmt.Sprintf("push %s: %v", event, err)
		c.disconnectLocked(reason)
		c.enqueue(models.ConnectionLost{Reason: reason})
		return fmt.Errorf("stream: %s", reason)
	}

	// Optimistic: the set reflects what was pushed. Reconciliation repairs
	// drift after the next reconnect.
	for _, id := range systems {
		if add {
			c.subscribed[id] = struct{}{}
		} else {
			delete(c.subscribed, id)
		}
	}
	metrics.SubscribedSystems.Set(float64(len(c.subscribed)))
	return nil
}

// join sends the channel join and waits for the acknowledgement. A join
// rejection is treated exactly like a transport failure.
func (c *Client) join(conn wsConn, systems []int64) error {
	msg := outboundMessage{
		Topic: c.cfg.Topic,
		Event: evJoin,
		Payload: joinPayload{
			Systems:          systems,
			ClientIdentifier: c.clientID,
		},
		Ref: c.nextRef(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("join write: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("join reply: %w", err)
	}

	var in inboundMessage
	if err := json.Unmarshal(reply, &in); err != nil {
		return fmt.Errorf("join reply decode: %w", err)
	}
	if in.Event != evReply {
		return fmt.Errorf("unexpected join reply event %q", in.Event)
	}
	var rp replyPayload
	if err := json.Unmarshal(in.Payload, &rp); err != nil {
		return fmt.Errorf("join reply payload: %w", err)
	}
	if rp.Status != "ok" {
		return fmt.Errorf("join rejected: status %q", rp.Status)
	}
	return nil
}

func (c *Client) readLoop(conn wsConn, gen int) {
	defer c.wg.Done()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.disconnect(gen, fmt.Sprintf("set read deadline: %v", err))
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.disconnect(gen, fmt.Sprintf("read: %v", err))
			return
		}
		c.handleMessage(gen, data)
	}
}

func (c *Client) pingLoop(conn wsConn, gen int, done <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.disconnect(gen, fmt.Sprintf("ping: %v", err))
				return
			}
		}
	}
}

func (c *Client) handleMessage(gen int, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warn().Err(err).Msg("undecodable stream message")
		return
	}

	switch msg.Event {
	case evKillmail:
		var ev models.KillmailUpdate
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			logging.Warn().Err(err).Msg("bad killmail_update payload")
			return
		}
		metrics.StreamEvents.WithLabelValues(evKillmail).Inc()
		c.enqueue(ev)

	case evKillCount:
		var ev models.KillCountUpdate
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			logging.Warn().Err(err).Msg("bad kill_count_update payload")
			return
		}
		metrics.StreamEvents.WithLabelValues(evKillCount).Inc()
		c.enqueue(ev)

	case evReply:
		// Acknowledgement of a subscription push. The set was already
		// updated optimistically.

	case evError, evClose:
		c.disconnect(gen, fmt.Sprintf("channel %s", msg.Event))

	default:
		logging.Debug().Str("event", msg.Event).Msg("ignoring stream event")
	}
}

// disconnect normalizes every failure path into one signal. Duplicate
// reports for the same connection generation are ignored.
func (c *Client) disconnect(gen int, reason string) {
	c.mu.Lock()
	if gen != c.readGen || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.disconnectLocked(reason)
	c.mu.Unlock()

	c.enqueue(models.ConnectionLost{Reason: reason})
}

func (c *Client) disconnectLocked(reason string) {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.readGen++
	c.lastErr = errors.New(reason)
	c.subscribed = nil
	metrics.SubscribedSystems.Set(0)
	c.setStateLocked(StateDisconnected)

	logging.Warn().Str("reason", reason).Msg("stream connection lost")

	if !c.closed {
		c.scheduleReconnectLocked()
	}
}

func (c *Client) connectFailed(attempt int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readGen != attempt {
		// Superseded by a forced reconnect; the stale failure is moot.
		return
	}
	c.lastErr = err
	c.setStateLocked(StateDisconnected)
	if !c.closed {
		c.scheduleReconnectLocked()
	}
}

// scheduleReconnectLocked applies the two-tier backoff. retryCount indexes
// the short escalation; once it is exhausted, a single long cooldown fires,
// resets retryCount, and increments cycleCount.
func (c *Client) scheduleReconnectLocked() {
	c.retryCount++

	var delay time.Duration
	tier := "short"
	cooldown := c.retryCount > len(shortBackoff)
	if cooldown {
		delay = reconnectCooldown
		tier = "cooldown"
	} else {
		delay = shortBackoff[c.retryCount-1]
	}
	metrics.Reconnects.WithLabelValues(tier).Inc()

	logging.Info().
		Dur("delay", delay).
		Int("retry_count", c.retryCount).
		Int("cycle_count", c.cycleCount).
		Msg("reconnect scheduled")

	c.reconnectTimer = c.cfg.timerFn(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if cooldown {
			c.retryCount = 0
			c.cycleCount++
		}
		ctx := c.runCtx
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return
		}
		if ctx == nil {
			ctx = context.Background()
		} else if ctx.Err() != nil {
			return
		}
		if err := c.Connect(ctx); err != nil {
			logging.Warn().Err(err).Msg("reconnect attempt failed")
		}
	})
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.readGen++
	c.subscribed = nil
	metrics.SubscribedSystems.Set(0)
	c.setStateLocked(StateDisconnected)
}

func (c *Client) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.queue:
			c.handler.HandleEvent(ctx, ev)
		}
	}
}

// enqueue hands an event to the worker pool without ever blocking the read
// loop. A full queue drops the event; delivery to consumers is best-effort.
func (c *Client) enqueue(ev models.Event) {
	select {
	case c.queue <- ev:
	default:
		metrics.StreamEvents.WithLabelValues("dropped").Inc()
		logging.Warn().Msg("event queue full, dropping stream event")
	}
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	metrics.ConnectionState.Set(float64(s))
}

func (c *Client) nextRef() string {
	return strconv.FormatInt(c.refSeq.Add(1), 10)
}

func (c *Client) dialURL() string {
	u, err := url.Parse(c.cfg.SocketURL)
	if err != nil {
		return c.cfg.SocketURL
	}
	q := u.Query()
	q.Set("vsn", c.cfg.ProtocolVersion)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) defaultDial(ctx context.Context, rawURL string) (wsConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, nil
}
