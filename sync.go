package mandarin

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

const (
	// dupWindow is the trailing window inside which an identical send to the
	// same peer is rejected as an accidental double submission.
	dupWindow = 5 * time.Second

	// loadRetryDelay precedes the single automatic retry of a failed page
	// fetch.
	loadRetryDelay = 500 * time.Millisecond
)

// Conversation keeps the ordered, deduplicated message list for one peer in
// sync with the remote store and the live channel. It merges paginated
// historical loads, live arrivals, and local optimistic sends.
//
// Ordering discipline: the list is fully re-sorted ascending by CreatedAt
// after every page-load insertion, while live single-message arrivals are
// appended positionally without a re-sort. That trades strict global order
// for stable visual position during rapid interleaving, and is intentional.
type Conversation struct {
	s      *Session
	peerID string

	mu       sync.Mutex
	messages []Message
	page     int
	hasMore  bool
	loading  bool
	recent   []recentSend
	unsubs   []func()
}

type recentSend struct {
	content string
	typ     MessageType
	at      time.Time
}

func newConversation(s *Session, peerID string) *Conversation {
	c := &Conversation{s: s, peerID: peerID, hasMore: true}
	c.unsubs = []func(){
		s.conn.Subscribe(EventMessageReceived, func(p json.RawMessage) {
			var msg Message
			if json.Unmarshal(p, &msg) == nil {
				c.handleReceived(msg)
			}
		}),
		s.conn.Subscribe(EventMessageSent, func(p json.RawMessage) {
			var sp SentPayload
			if json.Unmarshal(p, &sp) == nil {
				c.handleSent(sp)
			}
		}),
		s.conn.Subscribe(EventMessageUpdated, func(p json.RawMessage) {
			c.handleUpdated(p)
		}),
		s.conn.Subscribe(EventMessageError, func(p json.RawMessage) {
			var ep SendErrorPayload
			if json.Unmarshal(p, &ep) == nil {
				c.handleSendError(ep)
			}
		}),
	}
	return c
}

// PeerID returns the stable identifier of the conversation's peer.
func (c *Conversation) PeerID() string { return c.peerID }

// Messages returns a snapshot of the current message list, oldest first.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// HasMore reports whether older pages remain in the store.
func (c *Conversation) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// PeerTyping reports the peer's current typing flag.
func (c *Conversation) PeerTyping() bool {
	return c.s.presence.IsTyping(c.peerID)
}

// SendTyping forwards a typing ping for this conversation.
func (c *Conversation) SendTyping() bool {
	return c.s.presence.SendTyping(c.peerID)
}

// ============================================================================
// Page loads
// ============================================================================

// LoadInitial fetches the first page and replaces local state with it,
// deduplicated by id and sorted ascending by CreatedAt. A load already in
// flight makes this a no-op.
func (c *Conversation) LoadInitial(ctx context.Context) ([]Message, error) {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return nil, nil
	}
	c.loading = true
	c.mu.Unlock()
	defer c.doneLoading()

	fetched, err := c.fetchWithRetry(ctx, 1)
	if err != nil {
		return nil, err
	}

	msgs := dedupeByID(fetched)
	sortByCreatedAt(msgs)

	c.mu.Lock()
	c.messages = msgs
	c.page = 1
	c.hasMore = len(fetched) == c.s.pageSize
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	c.mu.Unlock()
	return out, nil
}

// LoadMore fetches the next page on its own cursor and prepends messages
// older than the current oldest. No-op while a load is in flight or when the
// store is exhausted.
func (c *Conversation) LoadMore(ctx context.Context) ([]Message, error) {
	c.mu.Lock()
	if c.loading || !c.hasMore {
		c.mu.Unlock()
		return nil, nil
	}
	c.loading = true
	next := c.page + 1
	oldest := oldestCreatedAt(c.messages)
	known := make(map[string]struct{}, len(c.messages))
	for _, m := range c.messages {
		if m.ID != "" {
			known[m.ID] = struct{}{}
		}
	}
	c.mu.Unlock()
	defer c.doneLoading()

	fetched, err := c.fetchWithRetry(ctx, next)
	if err != nil {
		return nil, err
	}

	var older []Message
	for _, m := range fetched {
		if m.ID != "" {
			if _, dup := known[m.ID]; dup {
				continue
			}
		}
		if oldest.IsZero() || m.CreatedAt.Before(oldest) {
			older = append(older, m)
		}
	}

	c.mu.Lock()
	c.messages = append(older, c.messages...)
	sortByCreatedAt(c.messages)
	c.page = next
	c.hasMore = len(fetched) == c.s.pageSize
	c.mu.Unlock()
	return older, nil
}

func (c *Conversation) doneLoading() {
	c.mu.Lock()
	c.loading = false
	c.mu.Unlock()
}

// fetchWithRetry retries a failed page fetch once after a short delay before
// surfacing the error.
func (c *Conversation) fetchWithRetry(ctx context.Context, page int) ([]Message, error) {
	msgs, err := c.s.store.FetchMessages(ctx, c.peerID, page, c.s.pageSize)
	if err == nil {
		return msgs, nil
	}
	c.s.log.Warn("page fetch failed, retrying once",
		zap.String("peer", c.peerID), zap.Int("page", page), zap.Error(err))

	select {
	case <-time.After(loadRetryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	msgs, err = c.s.store.FetchMessages(ctx, c.peerID, page, c.s.pageSize)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// ============================================================================
// Sending
// ============================================================================

// Send appends an optimistic sending-state record before any network I/O,
// then transmits it over the channel. The returned message carries the fresh
// tempId; the server confirmation later replaces the record in place. Send
// failures are never auto-retried.
func (c *Conversation) Send(content string, typ MessageType, metadata map[string]any) (Message, error) {
	if typ == "" {
		typ = TypeText
	}
	if strings.TrimSpace(content) == "" && typ != TypeWink {
		return Message{}, &ValidationError{Field: "content", Reason: "must not be empty"}
	}

	now := c.s.clock()
	c.mu.Lock()
	if c.isDuplicateLocked(content, typ, now) {
		c.mu.Unlock()
		return Message{}, &ValidationError{Field: "content", Reason: "duplicate of a message sent moments ago"}
	}
	msg := Message{
		TempID:    "tmp-" + uuid.NewString(),
		Sender:    c.s.selfID,
		Recipient: c.peerID,
		Content:   content,
		Type:      typ,
		Metadata:  metadata,
		CreatedAt: now,
		Status:    StatusSending,
	}
	c.messages = append(c.messages, msg)
	c.recent = append(c.recent, recentSend{content: content, typ: typ, at: now})
	c.mu.Unlock()

	outcome := c.s.conn.send(EventMessageSend, SendPayload{
		Recipient: c.peerID,
		Content:   content,
		Type:      typ,
		Metadata:  metadata,
		TempID:    msg.TempID,
	})
	switch outcome {
	case sendFailed, sendDropped:
		// The server never saw it and nothing will retry it. A queued event
		// sits in the pending queue instead and the record stays in sending
		// state until the reconnect flush delivers it.
		c.setStatus(msg.TempID, StatusError)
		msg.Status = StatusError
	}
	return msg, nil
}

func (c *Conversation) isDuplicateLocked(content string, typ MessageType, now time.Time) bool {
	kept := c.recent[:0]
	dup := false
	for _, r := range c.recent {
		if now.Sub(r.at) > dupWindow {
			continue
		}
		kept = append(kept, r)
		if r.content == content && r.typ == typ {
			dup = true
		}
	}
	c.recent = kept
	return dup
}

func (c *Conversation) setStatus(tempID string, status MessageStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexByTempID(tempID); i >= 0 {
		c.messages[i].Status = status
	}
}

// MarkRead tells the store the conversation was read and emits a read
// receipt over the channel. Inbound messages flip to read locally.
func (c *Conversation) MarkRead(ctx context.Context) error {
	if err := c.s.store.MarkConversationRead(ctx, c.peerID); err != nil {
		return err
	}
	c.s.conn.Send(EventRead, ReadPayload{PeerID: c.peerID})

	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].Sender == c.peerID {
			c.messages[i].Status = StatusRead
		}
	}
	c.mu.Unlock()
	return nil
}

// ============================================================================
// Inbound handlers
// ============================================================================

func (c *Conversation) handleReceived(msg Message) {
	if msg.Sender != c.peerID && msg.Recipient != c.peerID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.ID != "" && c.indexByID(msg.ID) >= 0 {
		return
	}
	if msg.Status == "" {
		msg.Status = StatusDelivered
	}
	c.messages = append(c.messages, msg)
}

func (c *Conversation) handleSent(p SentPayload) {
	if p.Recipient != c.peerID {
		return
	}
	c.mu.Lock()
	i := c.indexByTempID(p.TempMessageID)
	if i < 0 {
		c.mu.Unlock()
		// A confirmation for a message created before this view existed.
		c.s.log.Warn("reconciliation miss",
			zap.String("tempId", p.TempMessageID), zap.String("peer", c.peerID))
		return
	}
	confirmed := p.Message
	confirmed.TempID = p.TempMessageID
	if confirmed.Status == "" {
		confirmed.Status = StatusSent
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = c.messages[i].CreatedAt
	}
	c.messages[i] = confirmed
	c.mu.Unlock()
}

func (c *Conversation) handleSendError(p SendErrorPayload) {
	c.mu.Lock()
	i := c.indexByTempID(p.TempMessageID)
	if i < 0 {
		c.mu.Unlock()
		c.s.log.Debug("send error for unknown tempId", zap.String("tempId", p.TempMessageID))
		return
	}
	c.messages[i].Status = StatusError
	c.mu.Unlock()
	c.s.log.Warn("server rejected send",
		zap.String("tempId", p.TempMessageID), zap.String("error", p.Error))
}

// updatePatch is the partial shape of a messageUpdated event; only fields
// actually present get applied.
type updatePatch struct {
	ID       string         `mapstructure:"id"`
	TempID   string         `mapstructure:"tempId"`
	Status   MessageStatus  `mapstructure:"status"`
	Content  string         `mapstructure:"content"`
	Metadata map[string]any `mapstructure:"metadata"`
}

func (c *Conversation) handleUpdated(raw json.RawMessage) {
	var fields map[string]any
	if json.Unmarshal(raw, &fields) != nil {
		return
	}
	var p updatePatch
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil || dec.Decode(fields) != nil {
		c.s.log.Debug("undecodable messageUpdated payload")
		return
	}

	c.mu.Lock()
	i := -1
	if p.ID != "" {
		i = c.indexByID(p.ID)
	}
	if i < 0 && p.TempID != "" {
		i = c.indexByTempID(p.TempID)
	}
	if i < 0 {
		c.mu.Unlock()
		c.s.log.Debug("update for unknown message",
			zap.String("id", p.ID), zap.String("tempId", p.TempID))
		return
	}
	if p.ID != "" && c.messages[i].ID == "" {
		c.messages[i].ID = p.ID
	}
	if p.Status != "" {
		c.messages[i].Status = p.Status
	}
	if p.Content != "" {
		c.messages[i].Content = p.Content
	}
	if p.Metadata != nil {
		c.messages[i].Metadata = p.Metadata
	}
	c.mu.Unlock()
}

func (c *Conversation) close() {
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
}

// ============================================================================
// Helpers
// ============================================================================

// indexByID and indexByTempID require c.mu held.

func (c *Conversation) indexByID(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) indexByTempID(tempID string) int {
	for i := range c.messages {
		if c.messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

func dedupeByID(msgs []Message) []Message {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		out = append(out, m)
	}
	return out
}

func sortByCreatedAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func oldestCreatedAt(msgs []Message) time.Time {
	var oldest time.Time
	for _, m := range msgs {
		if oldest.IsZero() || m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
	}
	return oldest
}
