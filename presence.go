package mandarin

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultQuietWindow clears a peer's typing flag when no fresh ping arrives.
const defaultQuietWindow = 3 * time.Second

// PresenceTracker maintains transient typing and online state per peer,
// independent of message history. Typing flags decay on a quiet-window timer;
// online flags come from out-of-band roster updates and have no timer.
type PresenceTracker struct {
	conn  *ConnectionManager
	log   *zap.Logger
	quiet time.Duration

	mu     sync.Mutex
	typing map[string]*time.Timer
	online map[string]bool
	closed bool
}

func newPresenceTracker(conn *ConnectionManager, log *zap.Logger, quiet time.Duration) *PresenceTracker {
	if quiet <= 0 {
		quiet = defaultQuietWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PresenceTracker{
		conn:   conn,
		log:    log,
		quiet:  quiet,
		typing: make(map[string]*time.Timer),
		online: make(map[string]bool),
	}
}

// ReceiveTyping marks the peer as typing and restarts its quiet-window timer.
func (t *PresenceTracker) ReceiveTyping(peerID string) {
	if peerID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if timer, ok := t.typing[peerID]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.quiet, func() {
		t.expire(peerID, timer)
	})
	t.typing[peerID] = timer
}

// expire clears the peer's typing flag, but only when the fired timer still
// owns the map entry. Stop returns false for a timer that already fired, so a
// refresh can race a parked callback; the superseded callback must not clear
// the flag the refresh just set.
func (t *PresenceTracker) expire(peerID string, timer *time.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.typing[peerID] == timer {
		delete(t.typing, peerID)
	}
}

// IsTyping reports whether the peer's typing flag is currently set.
func (t *PresenceTracker) IsTyping(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[peerID]
	return ok
}

// SendTyping forwards a typing ping for the peer over the channel. The
// tracker does no rate limiting; callers debounce keystrokes themselves.
func (t *PresenceTracker) SendTyping(peerID string) bool {
	return t.conn.Send(EventTyping, TypingPayload{PeerID: peerID})
}

// SetOnline records a peer's online flag from a roster update.
func (t *PresenceTracker) SetOnline(peerID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if online {
		t.online[peerID] = true
	} else {
		delete(t.online, peerID)
	}
}

// IsOnline reports the peer's last known online flag.
func (t *PresenceTracker) IsOnline(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[peerID]
}

// Close stops every outstanding typing timer.
func (t *PresenceTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for peer, timer := range t.typing {
		timer.Stop()
		delete(t.typing, peer)
	}
}
