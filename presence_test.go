package mandarin

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestTracker(quiet time.Duration) *PresenceTracker {
	conn := newTestManager("http://unreachable.invalid")
	return newPresenceTracker(conn, zap.NewNop(), quiet)
}

func TestTypingExpiresAfterQuietWindow(t *testing.T) {
	tr := newTestTracker(30 * time.Millisecond)
	defer tr.Close()

	tr.ReceiveTyping("peer")
	if !tr.IsTyping("peer") {
		t.Fatal("IsTyping() = false right after a ping, want true")
	}

	waitFor(t, time.Second, func() bool { return !tr.IsTyping("peer") },
		"typing flag never expired")
}

func TestTypingRefreshExtendsWindow(t *testing.T) {
	tr := newTestTracker(50 * time.Millisecond)
	defer tr.Close()

	tr.ReceiveTyping("peer")
	time.Sleep(30 * time.Millisecond)
	tr.ReceiveTyping("peer")
	time.Sleep(30 * time.Millisecond)

	// 60ms after the first ping but only 30ms after the refresh.
	if !tr.IsTyping("peer") {
		t.Error("IsTyping() = false after refresh, want window extended")
	}

	waitFor(t, time.Second, func() bool { return !tr.IsTyping("peer") },
		"typing flag never expired after refresh")
}

func TestSupersededTimerCannotClearRefreshedFlag(t *testing.T) {
	tr := newTestTracker(time.Hour)
	defer tr.Close()

	tr.ReceiveTyping("peer")
	tr.mu.Lock()
	stale := tr.typing["peer"]
	tr.mu.Unlock()

	// Stop returns false once a timer has fired, so a refresh can land while
	// the old callback is still waiting on the lock. Run that callback body
	// directly: it must notice it lost ownership and leave the flag alone.
	tr.ReceiveTyping("peer")
	tr.expire("peer", stale)

	if !tr.IsTyping("peer") {
		t.Fatal("superseded timer callback cleared the refreshed typing flag")
	}

	tr.mu.Lock()
	current := tr.typing["peer"]
	tr.mu.Unlock()
	tr.expire("peer", current)
	if tr.IsTyping("peer") {
		t.Error("owning timer callback did not clear the flag")
	}
}

func TestTypingTracksPeersIndependently(t *testing.T) {
	tr := newTestTracker(time.Minute)
	defer tr.Close()

	tr.ReceiveTyping("a")
	if !tr.IsTyping("a") {
		t.Error("IsTyping(a) = false, want true")
	}
	if tr.IsTyping("b") {
		t.Error("IsTyping(b) = true, want false")
	}
}

func TestSendTypingOfflineDropped(t *testing.T) {
	conn := newTestManager("http://unreachable.invalid")
	defer conn.Close()
	tr := newPresenceTracker(conn, zap.NewNop(), 0)
	defer tr.Close()

	if tr.SendTyping("peer") {
		t.Error("SendTyping() while disconnected = true, want false")
	}
	if got := conn.PendingEvents(); got != 0 {
		t.Errorf("pending events = %d, want 0 (typing is never retained)", got)
	}
}

func TestOnlineFlags(t *testing.T) {
	tr := newTestTracker(time.Minute)
	defer tr.Close()

	if tr.IsOnline("peer") {
		t.Error("IsOnline() = true for an unknown peer, want false")
	}
	tr.SetOnline("peer", true)
	if !tr.IsOnline("peer") {
		t.Error("IsOnline() = false after SetOnline(true), want true")
	}
	tr.SetOnline("peer", false)
	if tr.IsOnline("peer") {
		t.Error("IsOnline() = true after SetOnline(false), want false")
	}
}

func TestTrackerCloseStopsTimers(t *testing.T) {
	tr := newTestTracker(time.Minute)
	tr.ReceiveTyping("peer")
	tr.Close()

	// Pings after close are ignored.
	tr.ReceiveTyping("other")
	if tr.IsTyping("other") {
		t.Error("IsTyping() = true for a ping after Close(), want false")
	}
}

func TestSessionRoutesTypingToTracker(t *testing.T) {
	s := newTestSession(t, &fakeStore{}, nil)

	s.conn.emit(EventTyping, rawJSON(TypingPayload{PeerID: "peer"}))

	if !s.Presence().IsTyping("peer") {
		t.Error("IsTyping() = false after typing event, want true")
	}
	if !s.Conversation("peer").PeerTyping() {
		t.Error("PeerTyping() = false, want true")
	}
}

func TestTypingEmptyPeerIgnored(t *testing.T) {
	tr := newTestTracker(time.Minute)
	defer tr.Close()

	tr.ReceiveTyping("")
	if tr.IsTyping("") {
		t.Error("empty peer id produced a typing flag")
	}
}
