package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType enumerates the application message types the relay routes. Content is opaque to the relay; the type
// only drives validation and rate-limit cost.
type MessageType string

const (
	MessageHandshake    MessageType = "HANDSHAKE"
	MessageQuery        MessageType = "QUERY"
	MessageResponse     MessageType = "RESPONSE"
	MessageProposal     MessageType = "PROPOSAL"
	MessageConfirmation MessageType = "CONFIRMATION"
	MessageRejection    MessageType = "REJECTION"
	MessageHeartbeat    MessageType = "HEARTBEAT"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageHandshake, MessageQuery, MessageResponse, MessageProposal,
		MessageConfirmation, MessageRejection, MessageHeartbeat:
		return true
	default:
		return false
	}
}

// Directed reports whether t requires a non-empty recipient.
func (t MessageType) Directed() bool {
	switch t {
	case MessageQuery, MessageResponse, MessageProposal, MessageConfirmation, MessageRejection:
		return true
	default:
		return false
	}
}

// Cost returns the rate-limit points one message of this type consumes from the websocket-messages bucket.
func (t MessageType) Cost() float64 {
	switch t {
	case MessageHeartbeat:
		return 0.1
	case MessageHandshake:
		return 2.0
	default:
		return 1.0
	}
}

// Priority is the sender-declared delivery priority. The relay carries it but does not schedule on it.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Metadata carries optional sender-supplied message attributes.
type Metadata struct {
	Priority         Priority `json:"priority,omitempty"`
	ExpiresAt        int64    `json:"expiresAt,omitempty"`
	Encrypted        bool     `json:"encrypted,omitempty"`
	RequiresResponse bool     `json:"requiresResponse,omitempty"`
}

// Envelope is the transport-neutral object carrying one application message between two agents. Content is opaque
// ciphertext; the relay checks shape only. Envelopes are immutable after creation.
type Envelope struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId,omitempty"`
	SenderID       string          `json:"senderId"`
	RecipientID    string          `json:"recipientId,omitempty"` // empty means broadcast
	Type           MessageType     `json:"messageType"`
	Content        json.RawMessage `json:"content"`
	Timestamp      int64           `json:"timestamp"` // milliseconds since epoch
	Metadata       *Metadata       `json:"metadata,omitempty"`
	Encrypted      bool            `json:"encrypted,omitempty"`
	Signature      string          `json:"signature,omitempty"`
}

// Envelope validation errors. All map onto the INVALID_MESSAGE_FORMAT error frame.
var (
	ErrMissingMessageID = errors.New("messageId is required")
	ErrMissingSender    = errors.New("senderId is required")
	ErrMissingRecipient = errors.New("recipientId is required for directed message types")
	ErrUnknownType      = errors.New("unknown message type")
	ErrMissingContent   = errors.New("content is required")
	ErrMissingTimestamp = errors.New("timestamp is required")
	ErrInvalidPriority  = errors.New("unknown priority")
)

// Validate performs the shape check described by the wire contract. It never inspects Content beyond presence.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return ErrMissingMessageID
	}
	if e.SenderID == "" {
		return ErrMissingSender
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.Type.Directed() && e.RecipientID == "" {
		return ErrMissingRecipient
	}
	if len(e.Content) == 0 || string(e.Content) == "null" {
		return ErrMissingContent
	}
	if e.Timestamp <= 0 {
		return ErrMissingTimestamp
	}
	if e.Metadata != nil && e.Metadata.Priority != "" {
		switch e.Metadata.Priority {
		case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidPriority, e.Metadata.Priority)
		}
	}
	return nil
}

// Broadcast reports whether the envelope addresses every agent rather than one recipient.
func (e *Envelope) Broadcast() bool {
	return e.RecipientID == ""
}

// DeliveryStatus is the relay's verdict on one routed envelope.
type DeliveryStatus string

const (
	// StatusSent means the envelope was accepted and forwarded over pub/sub; final recipient reachability on the
	// remote instance is unknown.
	StatusSent DeliveryStatus = "SENT"
	// StatusDelivered means the envelope was written to a local authenticated connection.
	StatusDelivered DeliveryStatus = "DELIVERED"
	// StatusFailed means the recipient was unreachable or delivery raised an error.
	StatusFailed DeliveryStatus = "FAILED"
)

// Ack reports the delivery outcome for one message back to its sender.
type Ack struct {
	MessageID  string         `json:"messageId"`
	Status     DeliveryStatus `json:"status"`
	Timestamp  int64          `json:"timestamp"`
	Recipients int            `json:"recipients,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// PresenceEvent announces an agent's online/offline transition.
type PresenceEvent struct {
	AgentID   string `json:"agentId"`
	Status    string `json:"status"` // "online" or "offline"
	Timestamp int64  `json:"timestamp"`
}

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// TypingEvent is the relay-internal typing indicator. It never enters the Router.
type TypingEvent struct {
	AgentID        string `json:"agentId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// busMessage is the payload published on the agent-messages channel. The underscore fields are relay-internal routing
// hints; Origin lets an instance skip payloads it published itself.
type busMessage struct {
	Envelope
	IsBroadcast     bool     `json:"_isBroadcast,omitempty"`
	ExcludeAgentIDs []string `json:"_excludeAgentIds,omitempty"`
	Origin          string   `json:"_origin,omitempty"`
}

// busPresence is the payload published on the presence-updates channel.
type busPresence struct {
	PresenceEvent
	Origin string `json:"_origin,omitempty"`
}
