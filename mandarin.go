// Package mandarin is the client-resident realtime conversation engine for
// the Mandarin messaging service. It keeps local two-party conversation
// views synchronized with the remote store over a long-lived bidirectional
// channel, surviving reconnects, forced disconnects, and concurrent local and
// remote message creation.
//
// Example:
//
//	session := mandarin.New(token, mandarin.WithServerURL("https://chat.example.com"))
//	if err := session.Connect(ctx); err != nil { ... }
//	defer session.Close()
//
//	conv := session.Conversation("peer-42")
//	conv.LoadInitial(ctx)
//	conv.Send("hello", mandarin.TypeText, nil)
package mandarin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	DefaultServerURL = "https://api.mandarin-app.com"
	DefaultPageSize  = 20
	DefaultTimeout   = 30 * time.Second
)

// Store is the persistent-store collaborator: paginated history reads
// (newest first, the way the REST surface returns them) and the mark-read
// call. Durability lives entirely behind this interface.
type Store interface {
	FetchMessages(ctx context.Context, peerID string, page, pageSize int) ([]Message, error)
	MarkConversationRead(ctx context.Context, peerID string) error
}

// Session is one authenticated client: it owns the connection manager, the
// conversation views, the presence tracker, and the call state machine.
// Created on login, torn down with Close on logout or credential loss.
type Session struct {
	token      string
	serverURL  string
	selfID     string
	pageSize   int
	log        *zap.Logger
	clock      func() time.Time
	httpClient *http.Client
	store      Store
	conn       *ConnectionManager
	presence   *PresenceTracker
	calls      *CallManager

	mu     sync.Mutex
	convs  map[string]*Conversation
	closed bool
	unsubs []func()
}

type Option func(*Session)

func WithServerURL(u string) Option {
	return func(s *Session) { s.serverURL = strings.TrimRight(u, "/") }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithStore replaces the default REST-backed store collaborator.
func WithStore(store Store) Option {
	return func(s *Session) { s.store = store }
}

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithPageSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithSelfID overrides the sender identity otherwise taken from the token's
// subject claim.
func WithSelfID(id string) Option {
	return func(s *Session) { s.selfID = id }
}

// New creates a Session for the given credential token.
func New(token string, opts ...Option) *Session {
	s := &Session{
		token:      token,
		serverURL:  DefaultServerURL,
		pageSize:   DefaultPageSize,
		log:        zap.NewNop(),
		clock:      time.Now,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		convs:      make(map[string]*Conversation),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.selfID == "" {
		s.selfID = subjectFromToken(token)
	}
	if s.store == nil {
		s.store = &restStore{baseURL: s.serverURL, token: token, httpClient: s.httpClient}
	}

	s.conn = newConnectionManager(connConfig{
		url:   s.serverURL,
		token: token,
		clock: s.clock,
	}, s.log)
	s.presence = newPresenceTracker(s.conn, s.log, 0)
	s.calls = newCallManager(s.conn, s.log, s.clock)

	s.unsubs = append(s.unsubs, s.conn.Subscribe(EventTyping, func(p json.RawMessage) {
		var tp TypingPayload
		if json.Unmarshal(p, &tp) == nil {
			s.presence.ReceiveTyping(tp.PeerID)
		}
	}))
	return s
}

// Connect establishes the channel. An already-expired credential fails fast
// with an AuthError before anything is dialed.
func (s *Session) Connect(ctx context.Context) error {
	if tokenExpired(s.token, s.clock()) {
		return &AuthError{Reason: "token expired"}
	}
	return s.conn.Connect(ctx)
}

// Reconnect resets backoff and retries immediately.
func (s *Session) Reconnect() error {
	return s.conn.Reconnect()
}

// Connection exposes the session's connection manager.
func (s *Session) Connection() *ConnectionManager { return s.conn }

// Presence exposes the typing/online tracker.
func (s *Session) Presence() *PresenceTracker { return s.presence }

// Calls exposes the call signaling state machine.
func (s *Session) Calls() *CallManager { return s.calls }

// SelfID returns the session's own user identifier.
func (s *Session) SelfID() string { return s.selfID }

// Conversation returns the view for the given peer, creating it on first
// access. Views are never evicted by the engine.
func (s *Session) Conversation(peerID string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[peerID]; ok {
		return c
	}
	c := newConversation(s, peerID)
	s.convs[peerID] = c
	return c
}

// OnConnectionChanged subscribes to the synthesized lifecycle signal. The
// consumer is expected to resynchronize the active conversation after a
// reconnect, since broadcasts missed while offline are not replayed.
func (s *Session) OnConnectionChanged(h func(connected bool)) func() {
	return s.conn.Subscribe(EventConnectionChanged, func(p json.RawMessage) {
		var cc ConnectionChangedPayload
		if json.Unmarshal(p, &cc) == nil {
			h(cc.Connected)
		}
	})
}

// Close tears the session down: cancels all timers, unsubscribes every
// handler, discards the pending queue, and drops the channel. An in-flight
// connect attempt may finish but its result is ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	convs := s.convs
	s.convs = make(map[string]*Conversation)
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	for _, c := range convs {
		c.close()
	}
	s.calls.close()
	s.presence.Close()
	s.conn.Close()
}

// ============================================================================
// Token helpers
// ============================================================================

// tokenExpired checks the exp claim without verifying the signature; the
// server remains the authority, this just avoids dialing with a credential
// that cannot possibly pass.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false // opaque token, let the server judge it
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}

func subjectFromToken(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

// ============================================================================
// REST store collaborator
// ============================================================================

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return e.Code + ": " + e.Message
}

type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

// restStore talks to the store's REST surface with the session credential.
type restStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func (r *restStore) FetchMessages(ctx context.Context, peerID string, page, pageSize int) ([]Message, error) {
	path := "/api/messages/" + url.PathEscape(peerID)
	data, err := r.doRequest(ctx, http.MethodGet, path, nil, map[string]string{
		"page":     fmt.Sprintf("%d", page),
		"pageSize": fmt.Sprintf("%d", pageSize),
	})
	if err != nil {
		return nil, err
	}
	var res apiResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, &TransportError{Op: "fetch messages", Err: res.Error}
		}
		return nil, &TransportError{Op: "fetch messages", Err: fmt.Errorf("request failed")}
	}
	var msgs []Message
	if err := res.decode(&msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *restStore) MarkConversationRead(ctx context.Context, peerID string) error {
	path := "/api/messages/" + url.PathEscape(peerID) + "/read"
	data, err := r.doRequest(ctx, http.MethodPost, path, nil, nil)
	if err != nil {
		return err
	}
	var res apiResult
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !res.OK && res.Error != nil {
		return &TransportError{Op: "mark read", Err: res.Error}
	}
	return nil
}

func (res *apiResult) decode(v any) error {
	if res.Data == nil {
		return nil
	}
	return json.Unmarshal(res.Data, v)
}

func (r *restStore) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "store request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Reason: resp.Status}
	}
	return io.ReadAll(resp.Body)
}
