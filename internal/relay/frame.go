package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Socket event names. Frames are JSON objects of the form {"event": ..., "data": ...}; connect and disconnect are
// transport-level and never appear as frames.
const (
	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"
	EventMessage       = "message"
	EventPresence      = "presence"
	EventTyping        = "typing"
	EventAck           = "ack"
	EventError         = "error"
	EventHeartbeat     = "heartbeat"
)

// Frame is the envelope for every discrete socket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorType enumerates the coarse error codes surfaced to clients.
type ErrorType string

const (
	ErrAuthenticationFailed    ErrorType = "AUTHENTICATION_FAILED"
	ErrConnectionLimitExceeded ErrorType = "CONNECTION_LIMIT_EXCEEDED"
	ErrRateLimitExceeded       ErrorType = "RATE_LIMIT_EXCEEDED"
	ErrInvalidMessageFormat    ErrorType = "INVALID_MESSAGE_FORMAT"
	ErrRecipientNotFound       ErrorType = "RECIPIENT_NOT_FOUND"
	ErrEncryptionError         ErrorType = "ENCRYPTION_ERROR"
	ErrServerError             ErrorType = "SERVER_ERROR"
)

// AuthenticateData is the client's authenticate frame payload. All fields are required; PublicKey is opaque to the
// relay.
type AuthenticateData struct {
	Token     string `json:"token"`
	AgentID   string `json:"agentId"`
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

// AuthenticatedData is the server's reply to a successful authenticate frame.
type AuthenticatedData struct {
	ConnectionID string `json:"connectionId"`
	AgentID      string `json:"agentId"`
}

// MessageData wraps an envelope for the message event in both directions.
type MessageData struct {
	Message   *Envelope `json:"message"`
	Encrypted bool      `json:"encrypted"`
	Signature string    `json:"signature,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// ErrorData is the error frame payload. RetryAfter is set for rate-limit errors, in seconds.
type ErrorData struct {
	ErrorType  ErrorType `json:"errorType"`
	Message    string    `json:"message"`
	RetryAfter int64     `json:"retryAfter,omitempty"`
}

// HeartbeatData carries the server timestamp on heartbeat frames.
type HeartbeatData struct {
	Timestamp int64 `json:"timestamp"`
}

func newFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// NewAuthenticatedFrame returns a serialised authenticated frame.
func NewAuthenticatedFrame(connectionID, agentID string) ([]byte, error) {
	return newFrame(EventAuthenticated, AuthenticatedData{ConnectionID: connectionID, AgentID: agentID})
}

// NewMessageFrame returns a serialised message frame carrying the envelope.
func NewMessageFrame(env *Envelope) ([]byte, error) {
	return newFrame(EventMessage, MessageData{
		Message:   env,
		Encrypted: env.Encrypted,
		Signature: env.Signature,
		Timestamp: env.Timestamp,
	})
}

// NewAckFrame returns a serialised ack frame.
func NewAckFrame(ack Ack) ([]byte, error) {
	return newFrame(EventAck, ack)
}

// NewPresenceFrame returns a serialised presence frame.
func NewPresenceFrame(ev PresenceEvent) ([]byte, error) {
	return newFrame(EventPresence, ev)
}

// NewTypingFrame returns a serialised typing frame.
func NewTypingFrame(ev TypingEvent) ([]byte, error) {
	return newFrame(EventTyping, ev)
}

// NewErrorFrame returns a serialised error frame with the given coarse code and message.
func NewErrorFrame(errType ErrorType, message string) ([]byte, error) {
	return newFrame(EventError, ErrorData{ErrorType: errType, Message: message})
}

// NewRateLimitFrame returns a RATE_LIMIT_EXCEEDED error frame carrying retry-after in whole seconds, rounded up so a
// client that waits exactly that long is past the window.
func NewRateLimitFrame(retryAfter time.Duration) ([]byte, error) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return newFrame(EventError, ErrorData{
		ErrorType:  ErrRateLimitExceeded,
		Message:    "Rate limit exceeded",
		RetryAfter: secs,
	})
}

// NewHeartbeatFrame returns a serialised heartbeat frame stamped with the current time.
func NewHeartbeatFrame(now time.Time) ([]byte, error) {
	return newFrame(EventHeartbeat, HeartbeatData{Timestamp: now.UnixMilli()})
}
