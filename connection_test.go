package mandarin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test helpers
// ============================================================================

// channelServer is a fake channel endpoint that performs the auth handshake
// and then hands the connection to the test's handler.
type channelServer struct {
	*httptest.Server
	accepts atomic.Int32
}

func newChannelServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) *channelServer {
	t.Helper()
	cs := &channelServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		cs.accepts.Add(1)
		ctx := r.Context()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event != EventAuth {
			c.Close(websocket.StatusPolicyViolation, "bad handshake")
			return
		}
		if err := writeEnvelope(ctx, c, EventAuthenticated, nil); err != nil {
			return
		}

		if handler != nil {
			handler(ctx, c)
			return
		}
		c.Read(ctx) // park until the client goes away
	}))
	t.Cleanup(cs.Close)
	return cs
}

func newTestManager(url string) *ConnectionManager {
	return newConnectionManager(connConfig{
		url:              url,
		token:            "test-token",
		connectTimeout:   2 * time.Second,
		baseDelay:        10 * time.Millisecond,
		maxDelay:         50 * time.Millisecond,
		maxAttempts:      10,
		serverCloseDelay: 5 * time.Millisecond,
	}, zap.NewNop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ============================================================================
// Connect
// ============================================================================

func TestConnectAndClose(t *testing.T) {
	cs := newChannelServer(t, nil)
	m := newTestManager(cs.URL)
	defer m.Close()

	if got := m.State(); got != StateDisconnected {
		t.Errorf("state before connect = %q, want %q", got, StateDisconnected)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Errorf("state after connect = %q, want %q", got, StateConnected)
	}

	m.Close()
	if got := m.State(); got != StateDisconnected {
		t.Errorf("state after close = %q, want %q", got, StateDisconnected)
	}
}

func TestConnectIdempotent(t *testing.T) {
	cs := newChannelServer(t, nil)
	m := newTestManager(cs.URL)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if got := cs.accepts.Load(); got != 1 {
		t.Errorf("server accepted %d connections, want 1", got)
	}
}

func TestConnectCollapsesConcurrentAttempts(t *testing.T) {
	release := make(chan struct{})
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepts.Add(1)
		ctx := r.Context()
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		<-release
		if err := writeEnvelope(ctx, c, EventAuthenticated, nil); err != nil {
			return
		}
		c.Read(ctx)
	}))
	defer srv.Close()

	m := newTestManager(srv.URL)
	defer m.Close()

	errs := make(chan error, 2)
	go func() { errs <- m.Connect(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	go func() { errs <- m.Connect(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Connect() did not return")
		}
	}
	if got := accepts.Load(); got != 1 {
		t.Errorf("server accepted %d connections, want 1 (attempts should collapse)", got)
	}
}

func TestConnectAuthRejected(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepts.Add(1)
		ctx := r.Context()
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		writeEnvelope(ctx, c, EventError, ErrorPayload{Detail: "bad token"})
	}))
	defer srv.Close()

	m := newTestManager(srv.URL)
	defer m.Close()

	err := m.Connect(context.Background())
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("Connect() error = %v, want AuthError", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("state = %q, want %q", got, StateDisconnected)
	}

	// Auth rejection must not trigger any automatic retry.
	time.Sleep(100 * time.Millisecond)
	if got := accepts.Load(); got != 1 {
		t.Errorf("server accepted %d connections, want 1", got)
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Accept the auth frame but never answer it.
		c.Read(r.Context())
		c.Read(r.Context())
	}))
	defer srv.Close()

	m := newConnectionManager(connConfig{
		url:            srv.URL,
		token:          "test-token",
		connectTimeout: 100 * time.Millisecond,
	}, zap.NewNop())
	defer m.Close()

	err := m.Connect(context.Background())
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Connect() error = %v, want TimeoutError", err)
	}
}

func TestConnectAfterClose(t *testing.T) {
	cs := newChannelServer(t, nil)
	m := newTestManager(cs.URL)
	m.Close()
	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect() after Close() returned nil, want error")
	}
}

// ============================================================================
// Send and offline queueing
// ============================================================================

func TestSendOfflineAllowList(t *testing.T) {
	m := newTestManager("http://unreachable.invalid")
	defer m.Close()

	if m.Send(EventTyping, TypingPayload{PeerID: "p1"}) {
		t.Error("Send(typing) while disconnected = true, want false")
	}
	if got := m.PendingEvents(); got != 0 {
		t.Errorf("typing was queued: pending = %d, want 0", got)
	}

	if m.Send(EventMessageSend, SendPayload{Recipient: "p1", Content: "hi", TempID: "tmp-1"}) {
		t.Error("Send(message:send) while disconnected = true, want false")
	}
	if got := m.PendingEvents(); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

func TestQueueFlushedInOrderBeforeHandlers(t *testing.T) {
	got := make(chan SendPayload, 8)
	cs := newChannelServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) != nil || env.Event != EventMessageSend {
				continue
			}
			var p SendPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				got <- p
			}
		}
	})

	m := newTestManager(cs.URL)
	defer m.Close()

	m.Send(EventMessageSend, SendPayload{Recipient: "p1", Content: "first", TempID: "tmp-a"})
	m.Send(EventMessageSend, SendPayload{Recipient: "p1", Content: "second", TempID: "tmp-b"})

	// A send submitted from a connected handler must not jump the queue.
	m.Subscribe(EventConnected, func(json.RawMessage) {
		m.Send(EventMessageSend, SendPayload{Recipient: "p1", Content: "third", TempID: "tmp-c"})
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := m.PendingEvents(); got != 0 {
		t.Errorf("pending after flush = %d, want 0", got)
	}

	want := []string{"tmp-a", "tmp-b", "tmp-c"}
	for _, w := range want {
		select {
		case p := <-got:
			if p.TempID != w {
				t.Fatalf("server received tempId %q, want %q", p.TempID, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server never received %q", w)
		}
	}
}

func TestSendOutcomeResolvedUnderOneLock(t *testing.T) {
	m := newTestManager("http://unreachable.invalid")
	defer m.Close()

	if got := m.send(EventMessageSend, SendPayload{Recipient: "p1", Content: "hi", TempID: "tmp-1"}); got != sendQueued {
		t.Errorf("send(message:send) while disconnected = %v, want sendQueued", got)
	}
	if got := m.send(EventTyping, TypingPayload{PeerID: "p1"}); got != sendDropped {
		t.Errorf("send(typing) while disconnected = %v, want sendDropped", got)
	}

	m.Close()
	if got := m.send(EventMessageSend, SendPayload{Recipient: "p1", Content: "hi", TempID: "tmp-2"}); got != sendDropped {
		t.Errorf("send after Close() = %v, want sendDropped", got)
	}
}

func TestCloseDiscardsQueue(t *testing.T) {
	m := newTestManager("http://unreachable.invalid")
	m.Send(EventMessageSend, SendPayload{Recipient: "p1", Content: "hi", TempID: "tmp-1"})
	if got := m.PendingEvents(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	m.Close()
	if got := m.PendingEvents(); got != 0 {
		t.Errorf("pending after close = %d, want 0 (queue is discarded, not flushed)", got)
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

func TestSubscribeRegistrationOrder(t *testing.T) {
	m := newTestManager("http://unreachable.invalid")
	defer m.Close()

	var order []int
	m.Subscribe(EventMessageReceived, func(json.RawMessage) { order = append(order, 1) })
	m.Subscribe(EventMessageReceived, func(json.RawMessage) { order = append(order, 2) })
	m.Subscribe(EventMessageReceived, func(json.RawMessage) { order = append(order, 3) })

	m.emit(EventMessageReceived, nil)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("handler invocation order = %v, want [1 2 3]", order)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	m := newTestManager("http://unreachable.invalid")
	defer m.Close()

	var first, second int
	unsub := m.Subscribe(EventMessageReceived, func(json.RawMessage) { first++ })
	m.Subscribe(EventMessageReceived, func(json.RawMessage) { second++ })

	unsub()
	unsub() // second call must not panic or touch the other handler

	m.emit(EventMessageReceived, nil)

	if first != 0 {
		t.Errorf("unsubscribed handler ran %d times, want 0", first)
	}
	if second != 1 {
		t.Errorf("unrelated handler ran %d times, want 1", second)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	m := newTestManager("http://unreachable.invalid")
	defer m.Close()

	var ran bool
	m.Subscribe(EventMessageReceived, func(json.RawMessage) { panic("boom") })
	m.Subscribe(EventMessageReceived, func(json.RawMessage) { ran = true })

	m.emit(EventMessageReceived, nil)

	if !ran {
		t.Error("handler after the panicking one did not run")
	}
}

// ============================================================================
// Reconnection policy
// ============================================================================

func TestServerInitiatedDisconnectFastRetry(t *testing.T) {
	var first atomic.Bool
	first.Store(true)
	cs := newChannelServer(t, func(ctx context.Context, c *websocket.Conn) {
		if first.CompareAndSwap(true, false) {
			c.Close(websocket.StatusGoingAway, "maintenance")
			return
		}
		c.Read(ctx)
	})

	m := newTestManager(cs.URL)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return cs.accepts.Load() >= 2 && m.State() == StateConnected
	}, "client did not reconnect after server-initiated disconnect")
}

func TestTransportDropReconnectsWithBackoff(t *testing.T) {
	var first atomic.Bool
	first.Store(true)
	cs := newChannelServer(t, func(ctx context.Context, c *websocket.Conn) {
		if first.CompareAndSwap(true, false) {
			c.Close(websocket.StatusInternalError, "dropped")
			return
		}
		c.Read(ctx)
	})

	m := newTestManager(cs.URL)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return cs.accepts.Load() >= 2 && m.State() == StateConnected
	}, "client did not reconnect after transport drop")
}

func TestDisconnectEmitsConnectionChanged(t *testing.T) {
	cs := newChannelServer(t, func(ctx context.Context, c *websocket.Conn) {
		c.Close(websocket.StatusInternalError, "dropped")
	})

	m := newTestManager(cs.URL)
	defer m.Close()

	changes := make(chan bool, 64)
	m.Subscribe(EventConnectionChanged, func(p json.RawMessage) {
		var cc ConnectionChangedPayload
		if json.Unmarshal(p, &cc) == nil {
			changes <- cc.Connected
		}
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := <-changes; !got {
		t.Error("first connectionChanged = false, want true")
	}
	select {
	case got := <-changes:
		if got {
			t.Error("second connectionChanged = true, want false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnected signal after server drop")
	}
}
