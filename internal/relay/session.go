package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmesh/agentmesh-server/internal/ratelimit"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 65536

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// sendBuffer is the per-connection outbound queue depth. A full buffer closes the connection so a slow reader
	// cannot stall the Router.
	sendBuffer = 256
)

// State is the lifecycle state of one connection.
type State string

const (
	StateConnecting     State = "CONNECTING"
	StateConnected      State = "CONNECTED"
	StateAuthenticating State = "AUTHENTICATING"
	StateAuthenticated  State = "AUTHENTICATED"
	StateDisconnecting  State = "DISCONNECTING"
	StateDisconnected   State = "DISCONNECTED"
)

// ClientMeta carries the transport-level client details captured at accept time.
type ClientMeta struct {
	RemoteIP     string
	ForwardedFor string
	UserAgent    string
	DeviceID     string
}

// Session owns one WebSocket connection and drives its state machine. Exactly one goroutine (the read pump) mutates
// session state; other goroutines only enqueue outbound frames or request termination.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	id          uuid.UUID
	connectedAt time.Time
	meta        ClientMeta

	// Identity, state, and the send-queue close flag, protected by mu. Written during authentication and teardown,
	// read by the Router, Reaper, and admin surface.
	mu         sync.RWMutex
	state      State
	errored    bool
	agentID    uuid.UUID
	userID     uuid.UUID
	publicKey  string
	sendClosed bool

	lastActivity atomic.Int64 // unix milliseconds

	sendOnce sync.Once
	dropOnce sync.Once
	hbOnce   sync.Once
	hbStop   chan struct{}
}

func newSession(hub *Hub, conn *websocket.Conn, meta ClientMeta, logger zerolog.Logger) *Session {
	s := &Session{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          uuid.New(),
		connectedAt: time.Now(),
		meta:        meta,
		state:       StateConnecting,
		hbStop:      make(chan struct{}),
	}
	s.log = logger.With().Stringer("connection_id", s.id).Str("remote_ip", meta.RemoteIP).Logger()
	s.touch()
	return s
}

// ID returns the opaque connection identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// AgentID returns the authenticated agent ID, or the zero UUID before authentication.
func (s *Session) AgentID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// UserID returns the authenticated user ID, or the zero UUID before authentication.
func (s *Session) UserID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Authenticated reports whether the session has completed authentication and is still live.
func (s *Session) Authenticated() bool {
	return s.State() == StateAuthenticated
}

// LastActivity returns the time of the most recent inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// setError flags the error substate on the way to DISCONNECTING.
func (s *Session) setError() {
	s.mu.Lock()
	s.errored = true
	s.state = StateDisconnecting
	s.mu.Unlock()
}

// bindIdentity records the verified identity. Called exactly once, from the read pump, before registration.
func (s *Session) bindIdentity(userID, agentID uuid.UUID, publicKey string) {
	s.mu.Lock()
	s.userID = userID
	s.agentID = agentID
	s.publicKey = publicKey
	s.mu.Unlock()
}

// readPump reads frames from the connection and routes them by event name. It runs in its own goroutine and owns the
// session teardown when the loop exits.
func (s *Session) readPump() {
	defer func() {
		s.hub.drop(s)
	}()

	s.setState(StateConnected)
	s.conn.SetReadLimit(maxMessageSize)
	// Allow slightly more than one heartbeat interval before the read times out, so a single missed heartbeat does
	// not immediately sever the connection.
	readDeadline := s.hub.cfg.PingInterval() + s.hub.cfg.PingInterval()/2
	_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))

	// Authentication deadline: the connection must authenticate or be closed.
	authTimer := s.startAuthTimer()
	defer authTimer.Stop()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		s.touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.sendError(ErrInvalidMessageFormat, "invalid JSON")
			continue
		}

		switch frame.Event {
		case EventAuthenticate:
			authTimer.Stop()
			s.handleAuthenticate(frame.Data)
		case EventMessage:
			s.handleMessage(frame.Data)
		case EventHeartbeat:
			s.handleHeartbeat()
		case EventTyping:
			s.handleTyping(frame.Data)
		case EventAck:
			// Client-side acks are activity only; relay-layer acks are generated server-side.
			s.log.Debug().Msg("Client ack received")
		default:
			s.sendError(ErrInvalidMessageFormat, "unknown event: "+frame.Event)
		}
	}
}

// writePump writes frames from the send channel to the connection. It runs in its own goroutine and exits when the
// send channel is closed.
func (s *Session) writePump() {
	defer func() { _ = s.conn.Close() }()

	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// startAuthTimer arms the authentication deadline. The read pump stops the returned timer once the client sends its
// authenticate frame.
func (s *Session) startAuthTimer() *time.Timer {
	return time.AfterFunc(s.hub.cfg.AuthDeadline(), func() {
		if !s.Authenticated() {
			s.log.Debug().Msg("Authentication deadline elapsed")
			s.fail(ErrAuthenticationFailed, "authentication deadline exceeded", CloseAuthFailed)
		}
	})
}

// heartbeatLoop sends periodic heartbeat frames while the session is authenticated. Idle eviction is the Reaper's
// job; this loop only keeps the client informed that the server is alive.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.hbStop:
			return
		case now := <-ticker.C:
			frame, err := NewHeartbeatFrame(now)
			if err != nil {
				continue
			}
			s.enqueue(frame)
		}
	}
}

func (s *Session) stopHeartbeat() {
	s.hbOnce.Do(func() { close(s.hbStop) })
}

// handleAuthenticate processes the authenticate frame. Authentication failures close the connection.
func (s *Session) handleAuthenticate(data json.RawMessage) {
	if s.Authenticated() {
		s.fail(ErrAuthenticationFailed, "already authenticated", CloseAlreadyAuthed)
		return
	}

	var payload AuthenticateData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.fail(ErrAuthenticationFailed, "invalid authenticate payload", CloseDecodeError)
		return
	}
	if payload.Token == "" || payload.AgentID == "" || payload.UserID == "" || payload.PublicKey == "" {
		s.fail(ErrAuthenticationFailed, "token, agentId, userId, and publicKey are required", CloseAuthFailed)
		return
	}

	s.setState(StateAuthenticating)
	s.hub.authenticate(s, payload)
}

// handleMessage rate-limits, validates, and hands one envelope to the Router, then acknowledges the outcome to the
// sender. Per-frame errors keep the connection open.
func (s *Session) handleMessage(data json.RawMessage) {
	if !s.Authenticated() {
		s.fail(ErrAuthenticationFailed, "not authenticated", CloseNotAuthenticated)
		return
	}

	s.hub.stats.MessageReceived()

	var payload MessageData
	if err := json.Unmarshal(data, &payload); err != nil || payload.Message == nil {
		s.sendError(ErrInvalidMessageFormat, "invalid message payload")
		return
	}
	env := payload.Message

	res := s.hub.limiter.Consume(s.hub.baseCtx, ratelimit.ClassWebsocketMessages, s.AgentID().String(), env.Type.Cost())
	if !res.Allowed {
		s.sendRateLimit(res.RetryAfter)
		return
	}

	// The sender field must match the authenticated agent; an empty field is filled in server-side.
	agentID := s.AgentID().String()
	if env.SenderID == "" {
		env.SenderID = agentID
	} else if env.SenderID != agentID {
		s.sendError(ErrInvalidMessageFormat, "senderId does not match authenticated agent")
		return
	}

	if err := env.Validate(); err != nil {
		s.sendError(ErrInvalidMessageFormat, err.Error())
		s.sendAck(Ack{
			MessageID: env.MessageID,
			Status:    StatusFailed,
			Timestamp: time.Now().UnixMilli(),
			Reason:    string(ErrInvalidMessageFormat),
		})
		return
	}

	ack := s.hub.router.Route(s.hub.baseCtx, env, nil)
	s.sendAck(ack)
}

// handleHeartbeat answers a client heartbeat. Heartbeats cost 0.1 points so a quiet connection can stay alive well
// within the message budget.
func (s *Session) handleHeartbeat() {
	identity := s.meta.RemoteIP
	if s.Authenticated() {
		identity = s.AgentID().String()
	}
	res := s.hub.limiter.Consume(s.hub.baseCtx, ratelimit.ClassWebsocketMessages, identity, MessageHeartbeat.Cost())
	if !res.Allowed {
		s.sendRateLimit(res.RetryAfter)
		return
	}

	frame, err := NewHeartbeatFrame(time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build heartbeat frame")
		return
	}
	s.enqueue(frame)
}

// handleTyping fans a typing indicator out to the other local authenticated agents. Typing frames are relay-internal
// and never enter the Router.
func (s *Session) handleTyping(data json.RawMessage) {
	if !s.Authenticated() {
		return
	}

	var ev TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.sendError(ErrInvalidMessageFormat, "invalid typing payload")
		return
	}
	ev.AgentID = s.AgentID().String()

	res := s.hub.limiter.Consume(s.hub.baseCtx, ratelimit.ClassWebsocketMessages, ev.AgentID, MessageHeartbeat.Cost())
	if !res.Allowed {
		s.sendRateLimit(res.RetryAfter)
		return
	}

	s.hub.relayTyping(s, ev)
}

// enqueue queues a frame for the write pump. It returns false once the session is torn down, or when the buffer is
// full, in which case the frame is dropped and the connection is closed to keep backpressure away from the Router.
// The read lock excludes closeSend, so the Router, presence fan-out, and heartbeat loop can never send on a closed
// channel even when they hold the session from a pre-teardown snapshot.
func (s *Session) enqueue(msg []byte) bool {
	s.mu.RLock()
	if s.sendClosed {
		s.mu.RUnlock()
		return false
	}
	select {
	case s.send <- msg:
		s.mu.RUnlock()
		return true
	default:
		s.mu.RUnlock()
		s.log.Warn().Msg("Send buffer full, closing connection")
		s.hub.drop(s)
		return false
	}
}

func (s *Session) sendError(errType ErrorType, message string) {
	if frame, err := NewErrorFrame(errType, message); err == nil {
		s.enqueue(frame)
	}
}

func (s *Session) sendRateLimit(retryAfter time.Duration) {
	if frame, err := NewRateLimitFrame(retryAfter); err == nil {
		s.enqueue(frame)
	}
}

func (s *Session) sendAck(ack Ack) {
	if frame, err := NewAckFrame(ack); err == nil {
		s.enqueue(frame)
	}
}

// fail queues a typed error frame, flags the error substate, and closes the transport. The frame goes through the
// write pump because it owns WriteMessage; only WriteControl may be issued from other goroutines.
func (s *Session) fail(errType ErrorType, message string, closeCode int) {
	s.setError()
	if frame, err := NewErrorFrame(errType, message); err == nil {
		s.enqueue(frame)
	}
	s.closeWithCode(closeCode, message)
}

// closeSend closes the outbound queue exactly once, letting the write pump drain and exit. The flag flips under the
// write lock so no in-flight enqueue can race the close.
func (s *Session) closeSend() {
	s.sendOnce.Do(func() {
		s.mu.Lock()
		s.sendClosed = true
		close(s.send)
		s.mu.Unlock()
	})
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (s *Session) closeWithCode(code int, reason string) {
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// ConnectionInfo is the sanitised view of a connection exposed to operators. It never carries the public key or the
// transport handle.
type ConnectionInfo struct {
	ConnectionID string    `json:"connectionId"`
	AgentID      string    `json:"agentId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	Status       State     `json:"status"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	RemoteIP     string    `json:"remoteIp"`
	UserAgent    string    `json:"userAgent,omitempty"`
	DeviceID     string    `json:"deviceId,omitempty"`
}

// Info returns the sanitised connection details.
func (s *Session) Info() ConnectionInfo {
	s.mu.RLock()
	state := s.state
	agentID := s.agentID
	userID := s.userID
	s.mu.RUnlock()

	info := ConnectionInfo{
		ConnectionID: s.id.String(),
		Status:       state,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.LastActivity(),
		RemoteIP:     s.meta.RemoteIP,
		UserAgent:    s.meta.UserAgent,
		DeviceID:     s.meta.DeviceID,
	}
	if agentID != uuid.Nil {
		info.AgentID = agentID.String()
	}
	if userID != uuid.Nil {
		info.UserID = userID.String()
	}
	return info
}
