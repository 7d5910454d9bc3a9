package mandarin

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// MessageType classifies message content.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeWink   MessageType = "wink"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// MessageStatus tracks a message through its delivery lifecycle.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

// Message is one message in a two-party conversation.
//
// ID is server-assigned and absent while the message is still pending.
// TempID is client-assigned on every locally created message and is the
// reconciliation key: once set it never changes, and at most one record
// carries a given TempID at a time.
type Message struct {
	ID        string         `json:"id,omitempty"`
	TempID    string         `json:"tempId,omitempty"`
	Sender    string         `json:"sender"`
	Recipient string         `json:"recipient"`
	Content   string         `json:"content"`
	Type      MessageType    `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Status    MessageStatus  `json:"status,omitempty"`
}

// ============================================================================
// Channel events
// ============================================================================

// Event names exchanged over the channel, plus locally synthesized
// lifecycle events.
type Event string

const (
	// client → server
	EventAuth        Event = "auth"
	EventMessageSend Event = "message:send"
	EventRead        Event = "read"

	// server → client
	EventAuthenticated   Event = "authenticated"
	EventMessageReceived Event = "messageReceived"
	EventMessageSent     Event = "messageSent"
	EventMessageUpdated  Event = "messageUpdated"
	EventMessageError    Event = "messageError"

	// both directions
	EventTyping       Event = "typing"
	EventIncomingCall Event = "incomingCall"
	EventCallAccepted Event = "callAccepted"
	EventCallDeclined Event = "callDeclined"
	EventHangup       Event = "hangup"

	// locally synthesized
	EventConnected         Event = "connected"
	EventDisconnected      Event = "disconnected"
	EventError             Event = "error"
	EventConnectionChanged Event = "connectionChanged"
)

// Envelope is the wire format for all channel traffic.
type Envelope struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// command is an outbound envelope before marshaling.
type command struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload,omitempty"`
}

// ============================================================================
// Event payloads
// ============================================================================

type AuthPayload struct {
	Token string `json:"token"`
}

// SendPayload is the body of a message:send command.
type SendPayload struct {
	Recipient string         `json:"recipient"`
	Content   string         `json:"content"`
	Type      MessageType    `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TempID    string         `json:"tempId"`
}

// SentPayload confirms a client send, joining the server record to the
// optimistic one by TempMessageID.
type SentPayload struct {
	Message
	TempMessageID string `json:"tempMessageId"`
}

// SendErrorPayload reports a server-side send failure.
type SendErrorPayload struct {
	TempMessageID string `json:"tempMessageId"`
	Error         string `json:"error"`
}

type TypingPayload struct {
	PeerID string `json:"peerId"`
}

type ReadPayload struct {
	PeerID string `json:"peerId"`
}

// ConnectionChangedPayload is synthesized locally on every lifecycle
// transition.
type ConnectionChangedPayload struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorPayload carries channel-level error detail.
type ErrorPayload struct {
	Detail string `json:"detail"`
}

// CallPayload is shared by all four call-signaling events.
type CallPayload struct {
	CallID    string `json:"callId"`
	PeerID    string `json:"peerId"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
