package mandarin

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallState is the lifecycle state of a call invitation.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallRingingOut CallState = "ringingOut"
	CallRingingIn  CallState = "ringingIn"
	CallActive     CallState = "active"
	CallEnded      CallState = "ended"
)

// CallDirection records which side initiated the call.
type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// CallSession is a snapshot of the one call invitation a session may track.
type CallSession struct {
	CallID    string
	PeerID    string
	Direction CallDirection
	State     CallState
	StartedAt time.Time
}

// CallManager tracks at most one concurrent call invitation, translating
// channel events into guarded state transitions. Every inbound event is
// validated against the tracked call's peer and id; mismatches are dropped,
// never applied, so simultaneous conversations cannot cross-talk.
type CallManager struct {
	conn  *ConnectionManager
	log   *zap.Logger
	clock func() time.Time

	mu      sync.Mutex
	current CallSession
	unsubs  []func()
}

func newCallManager(conn *ConnectionManager, log *zap.Logger, clock func() time.Time) *CallManager {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	m := &CallManager{
		conn:    conn,
		log:     log,
		clock:   clock,
		current: CallSession{State: CallIdle},
	}
	m.unsubs = []func(){
		conn.Subscribe(EventIncomingCall, m.onEvent(m.handleIncoming)),
		conn.Subscribe(EventCallAccepted, m.onEvent(m.handleAccepted)),
		conn.Subscribe(EventCallDeclined, m.onEvent(m.handleDeclined)),
		conn.Subscribe(EventHangup, m.onEvent(m.handleHangup)),
	}
	return m
}

func (m *CallManager) onEvent(fn func(CallPayload)) Handler {
	return func(raw json.RawMessage) {
		var p CallPayload
		if json.Unmarshal(raw, &p) != nil || p.PeerID == "" {
			return
		}
		fn(p)
	}
}

// Current returns a snapshot of the tracked call.
func (m *CallManager) Current() CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Initiate starts an outgoing call to the peer. Only legal from idle.
func (m *CallManager) Initiate(peerID string) (CallSession, error) {
	if peerID == "" {
		return CallSession{}, &ValidationError{Field: "peerId", Reason: "must not be empty"}
	}
	m.mu.Lock()
	if m.current.State != CallIdle {
		cur := m.current
		m.mu.Unlock()
		return cur, &ValidationError{Field: "call", Reason: "another call is in progress"}
	}
	m.current = CallSession{
		CallID:    uuid.NewString(),
		PeerID:    peerID,
		Direction: CallOutgoing,
		State:     CallRingingOut,
		StartedAt: m.clock(),
	}
	cur := m.current
	m.mu.Unlock()

	m.conn.Send(EventIncomingCall, CallPayload{
		CallID:    cur.CallID,
		PeerID:    peerID,
		Timestamp: cur.StartedAt.UnixMilli(),
	})
	return cur, nil
}

// Accept answers a ringing incoming call.
func (m *CallManager) Accept() (CallSession, error) {
	m.mu.Lock()
	if m.current.State != CallRingingIn {
		cur := m.current
		m.mu.Unlock()
		return cur, &ValidationError{Field: "call", Reason: "no incoming call to accept"}
	}
	m.current.State = CallActive
	cur := m.current
	m.mu.Unlock()

	m.conn.Send(EventCallAccepted, CallPayload{
		CallID:    cur.CallID,
		PeerID:    cur.PeerID,
		Timestamp: m.clock().UnixMilli(),
	})
	return cur, nil
}

// Decline rejects a ringing incoming call and returns to idle.
func (m *CallManager) Decline() (CallSession, error) {
	m.mu.Lock()
	if m.current.State != CallRingingIn {
		cur := m.current
		m.mu.Unlock()
		return cur, &ValidationError{Field: "call", Reason: "no incoming call to decline"}
	}
	ended := m.current
	ended.State = CallEnded
	m.current = CallSession{State: CallIdle}
	m.mu.Unlock()

	m.conn.Send(EventCallDeclined, CallPayload{
		CallID:    ended.CallID,
		PeerID:    ended.PeerID,
		Timestamp: m.clock().UnixMilli(),
	})
	return ended, nil
}

// Hangup is legal in every state and always lands on idle. When a call id is
// known the peer gets a best-effort hangup notification.
func (m *CallManager) Hangup() CallSession {
	m.mu.Lock()
	ended := m.current
	m.current = CallSession{State: CallIdle}
	m.mu.Unlock()

	if ended.CallID != "" {
		m.conn.Send(EventHangup, CallPayload{
			CallID:    ended.CallID,
			PeerID:    ended.PeerID,
			Timestamp: m.clock().UnixMilli(),
		})
	}
	if ended.State != CallIdle {
		ended.State = CallEnded
	}
	return ended
}

// ============================================================================
// Inbound transitions
// ============================================================================

func (m *CallManager) handleIncoming(p CallPayload) {
	m.mu.Lock()
	if m.current.State != CallIdle {
		dup := p.CallID == m.current.CallID && p.PeerID == m.current.PeerID
		m.mu.Unlock()
		if dup {
			// Redelivered invite for the call already being tracked.
			return
		}
		m.log.Info("rejecting invite while busy",
			zap.String("callId", p.CallID), zap.String("peer", p.PeerID))
		m.conn.Send(EventCallDeclined, CallPayload{
			CallID:    p.CallID,
			PeerID:    p.PeerID,
			Timestamp: m.clock().UnixMilli(),
		})
		return
	}
	m.current = CallSession{
		CallID:    p.CallID,
		PeerID:    p.PeerID,
		Direction: CallIncoming,
		State:     CallRingingIn,
		StartedAt: m.clock(),
	}
	m.mu.Unlock()
}

func (m *CallManager) handleAccepted(p CallPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matchesLocked(p) {
		return
	}
	if m.current.State != CallRingingOut {
		return
	}
	m.current.State = CallActive
}

func (m *CallManager) handleDeclined(p CallPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matchesLocked(p) {
		return
	}
	if m.current.State != CallRingingOut && m.current.State != CallRingingIn {
		return
	}
	m.current = CallSession{State: CallIdle}
}

func (m *CallManager) handleHangup(p CallPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matchesLocked(p) {
		return
	}
	m.current = CallSession{State: CallIdle}
}

// matchesLocked validates an event against the tracked call's id and peer.
// Requires m.mu held.
func (m *CallManager) matchesLocked(p CallPayload) bool {
	if m.current.State == CallIdle {
		return false
	}
	if p.PeerID != m.current.PeerID || (p.CallID != "" && p.CallID != m.current.CallID) {
		m.log.Debug("dropping call event for unrelated call",
			zap.String("callId", p.CallID), zap.String("peer", p.PeerID))
		return false
	}
	return true
}

func (m *CallManager) close() {
	for _, u := range m.unsubs {
		u()
	}
	m.unsubs = nil
}
