package mandarin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Handler receives the raw payload of a channel event.
type Handler func(payload json.RawMessage)

// connConfig configures a ConnectionManager. Zero fields are normalized to
// the defaults below.
type connConfig struct {
	url              string
	token            string
	connectTimeout   time.Duration
	baseDelay        time.Duration
	maxDelay         time.Duration
	maxAttempts      int
	serverCloseDelay time.Duration
	clock            func() time.Time
}

func (c *connConfig) norm() {
	if c.connectTimeout <= 0 {
		c.connectTimeout = 10 * time.Second
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Second
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 30 * time.Second
	}
	if c.maxAttempts == 0 {
		c.maxAttempts = 10
	}
	if c.serverCloseDelay <= 0 {
		c.serverCloseDelay = time.Second
	}
	if c.clock == nil {
		c.clock = time.Now
	}
}

// queuedEvent is an outbound event retained while disconnected.
type queuedEvent struct {
	event   Event
	payload any
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

type subscription struct {
	event   Event
	handler Handler
}

// ConnectionManager owns one authenticated bidirectional channel. It handles
// the auth handshake, reconnection with backoff, a typed send/subscribe
// surface, and queues an allow-list of outbound events while disconnected.
//
// The channel handle and pending queue are mutated only here; other
// components go through Send and Subscribe.
type ConnectionManager struct {
	cfg connConfig
	log *zap.Logger

	mu         sync.Mutex
	state      ConnState
	conn       *websocket.Conn
	closed     bool
	inflight   *connectAttempt
	readCancel context.CancelFunc
	retryTimer *time.Timer
	queue      []queuedEvent
	recon      *reconnector

	subMu sync.Mutex
	subs  map[Event][]*subscription
}

func newConnectionManager(cfg connConfig, log *zap.Logger) *ConnectionManager {
	cfg.norm()
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectionManager{
		cfg:   cfg,
		log:   log,
		state: StateDisconnected,
		recon: &reconnector{
			baseDelay:   cfg.baseDelay,
			maxDelay:    cfg.maxDelay,
			maxAttempts: cfg.maxAttempts,
		},
		subs: make(map[Event][]*subscription),
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PendingEvents returns the number of queued outbound events awaiting
// reconnection.
func (m *ConnectionManager) PendingEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Connect establishes the channel and performs the auth handshake. It is
// idempotent: while connected it returns nil without dialing, and concurrent
// callers collapse into one underlying attempt and share its result.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errSessionClosed
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if att := m.inflight; att != nil {
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &connectAttempt{done: make(chan struct{})}
	m.inflight = att
	m.state = StateConnecting
	// A deliberate attempt supersedes any scheduled retry.
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	err := m.dial(ctx)

	m.mu.Lock()
	att.err = err
	m.inflight = nil
	if err != nil && !m.closed {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	close(att.done)
	return err
}

// Reconnect resets backoff state and retries immediately.
func (m *ConnectionManager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errSessionClosed
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.recon.reset()
	m.mu.Unlock()
	return m.Connect(context.Background())
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, wsURL(m.cfg.url), nil)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Op: "connect", Wait: m.cfg.connectTimeout}
		}
		return &TransportError{Op: "dial", Err: err}
	}

	// Identity handshake: auth out, authenticated back as the first frame.
	if err := writeEnvelope(dctx, conn, EventAuth, AuthPayload{Token: m.cfg.token}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return &TransportError{Op: "auth handshake", Err: err}
	}
	_, data, err := conn.Read(dctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Op: "auth handshake", Wait: m.cfg.connectTimeout}
		}
		return &TransportError{Op: "auth handshake", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return &TransportError{Op: "auth handshake", Err: err}
	}
	switch env.Event {
	case EventAuthenticated:
	case EventError:
		conn.Close(websocket.StatusNormalClosure, "")
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return &AuthError{Reason: p.Detail}
	default:
		conn.Close(websocket.StatusNormalClosure, "")
		return &AuthError{Reason: fmt.Sprintf("unexpected handshake event %q", env.Event)}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return errSessionClosed
	}
	m.conn = conn
	m.state = StateConnected
	m.recon.markConnected()
	pending := m.queue
	m.queue = nil
	rctx, rcancel := context.WithCancel(context.Background())
	m.readCancel = rcancel
	m.mu.Unlock()

	// Queued events flush in enqueue order before any connected handler runs,
	// so nothing submitted from a handler can jump ahead of them.
	for i, q := range pending {
		if err := m.write(q.event, q.payload); err != nil {
			m.log.Warn("flush failed, re-queueing remainder",
				zap.String("event", string(q.event)), zap.Error(err))
			m.mu.Lock()
			m.queue = append(pending[i:], m.queue...)
			m.mu.Unlock()
			break
		}
	}

	m.emit(EventConnected, nil)
	m.emitConnectionChanged(true, "")
	go m.readLoop(rctx, conn)
	return nil
}

// sendOutcome is what became of an outbound event.
type sendOutcome int

const (
	sendDelivered sendOutcome = iota
	sendQueued
	sendDropped
	sendFailed
)

// Send transmits immediately when connected and reports true. While
// disconnected it retains only allow-listed events for the reconnect flush
// and reports false; everything else is dropped.
func (m *ConnectionManager) Send(event Event, payload any) bool {
	return m.send(event, payload) == sendDelivered
}

// send resolves the event's fate under one lock acquisition, so callers never
// have to re-derive queued-versus-failed from connection state that may have
// changed in the meantime.
func (m *ConnectionManager) send(event Event, payload any) sendOutcome {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		if !m.closed && queueable(event) {
			m.queue = append(m.queue, queuedEvent{event: event, payload: payload})
			m.mu.Unlock()
			return sendQueued
		}
		m.mu.Unlock()
		return sendDropped
	}
	m.mu.Unlock()

	if err := m.write(event, payload); err != nil {
		m.log.Warn("channel write failed", zap.String("event", string(event)), zap.Error(err))
		return sendFailed
	}
	return sendDelivered
}

// queueable is the fixed allow-list of events worth retaining offline: user
// actions whose loss would be visible. Typing pings are transient and go
// stale before any reconnect, so they are dropped instead.
func queueable(event Event) bool {
	switch event {
	case EventMessageSend, EventRead,
		EventIncomingCall, EventCallAccepted, EventCallDeclined, EventHangup:
		return true
	}
	return false
}

// Subscribe registers a handler for an event. Handlers run in registration
// order on the read goroutine. The returned unsubscribe function is
// idempotent and never disturbs other handlers.
func (m *ConnectionManager) Subscribe(event Event, handler Handler) func() {
	s := &subscription{event: event, handler: handler}
	m.subMu.Lock()
	m.subs[event] = append(m.subs[event], s)
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		list := m.subs[event]
		for i, cur := range list {
			if cur == s {
				m.subs[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (m *ConnectionManager) emit(event Event, payload json.RawMessage) {
	m.subMu.Lock()
	list := m.subs[event]
	handlers := make([]*subscription, len(list))
	copy(handlers, list)
	m.subMu.Unlock()

	for _, s := range handlers {
		m.invoke(s, payload)
	}
}

func (m *ConnectionManager) invoke(s *subscription, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("event handler panicked",
				zap.String("event", string(s.event)), zap.Any("panic", r))
		}
	}()
	s.handler(payload)
}

func (m *ConnectionManager) emitConnectionChanged(connected bool, reason string) {
	m.emit(EventConnectionChanged, rawJSON(ConnectionChangedPayload{
		Connected: connected,
		Reason:    reason,
	}))
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleReadError(ctx, conn, err)
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			m.log.Debug("dropping malformed frame")
			continue
		}
		m.emit(env.Event, env.Payload)
	}
}

func (m *ConnectionManager) handleReadError(ctx context.Context, conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.closed || ctx.Err() != nil || m.conn != conn {
		// Intentional teardown, or the loop belongs to a superseded connection.
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.conn = nil
	m.readCancel = nil
	m.mu.Unlock()

	reason := err.Error()
	status := websocket.CloseStatus(err)
	m.log.Info("channel disconnected", zap.String("reason", reason), zap.Int("status", int(status)))
	m.emit(EventDisconnected, rawJSON(ErrorPayload{Detail: reason}))
	m.emitConnectionChanged(false, reason)

	// A server-initiated close gets one fast retry; transport failures go
	// through backoff.
	if status == websocket.StatusGoingAway || status == websocket.StatusPolicyViolation ||
		status == websocket.StatusServiceRestart {
		m.scheduleRetry(m.cfg.serverCloseDelay)
		return
	}
	m.scheduleBackoff()
}

func (m *ConnectionManager) scheduleBackoff() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.recon.shouldReconnect() {
		m.mu.Unlock()
		m.emit(EventError, rawJSON(ErrorPayload{Detail: "reconnect attempts exhausted"}))
		return
	}
	delay := m.recon.nextDelay()
	m.setRetryTimerLocked(delay)
	m.mu.Unlock()
}

func (m *ConnectionManager) scheduleRetry(delay time.Duration) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.setRetryTimerLocked(delay)
	m.mu.Unlock()
}

// setRetryTimerLocked replaces any pending retry timer; the superseded timer
// must never fire after a logical restart.
func (m *ConnectionManager) setRetryTimerLocked(delay time.Duration) {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, m.retryOnce)
}

func (m *ConnectionManager) retryOnce() {
	err := m.Connect(context.Background())
	if err == nil || errors.Is(err, errSessionClosed) {
		return
	}
	if IsAuthError(err) {
		// Fatal: credentials were rejected, retrying cannot help.
		m.emit(EventError, rawJSON(ErrorPayload{Detail: err.Error()}))
		return
	}
	m.scheduleBackoff()
}

// Disconnect closes the channel without tearing down subscriptions or the
// pending queue. No automatic reconnect follows.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	m.emitConnectionChanged(false, "client disconnect")
}

// Close tears the manager down: cancels timers, drops the channel, discards
// (does not flush) the pending queue, and removes all subscriptions. An
// in-flight connect attempt finishing afterwards is ignored.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.queue = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}

	m.subMu.Lock()
	m.subs = make(map[Event][]*subscription)
	m.subMu.Unlock()
}

func (m *ConnectionManager) write(event Event, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return writeEnvelope(ctx, conn, event, payload)
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, event Event, payload any) error {
	data, err := json.Marshal(command{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func wsURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

func rawJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks backoff state across reconnect attempts: exponential
// delay with jitter, a bounded attempt count, and a reset once a connection
// has stayed up long enough to count as stable.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
