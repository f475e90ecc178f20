package relay

import (
	"context"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmesh/agentmesh-server/internal/auth"
	"github.com/agentmesh/agentmesh-server/internal/config"
	"github.com/agentmesh/agentmesh-server/internal/pubsub"
	"github.com/agentmesh/agentmesh-server/internal/ratelimit"
)

// Hub is the relay's connection lifecycle engine. It accepts sockets, gates them through rate limiting and capacity
// checks, drives authentication, and binds the ConnectionTable, Router, and Presence service together. One Hub runs
// per instance; the fleet coordinates only through the pub/sub bus.
type Hub struct {
	cfg      *config.Config
	verifier *auth.Verifier
	limiter  *ratelimit.Limiter
	bus      pubsub.Bus
	table    *Table
	router   *Router
	presence *Presence
	stats    *Stats
	log      zerolog.Logger

	instanceID string
	baseCtx    context.Context
}

// NewHub creates a hub. ctx bounds all hub-initiated work (routing, presence fan-out, rate-limit lookups) and is
// fixed for the hub's lifetime so session goroutines can read it without synchronisation. bus may be nil for
// standalone mode.
func NewHub(ctx context.Context, cfg *config.Config, verifier *auth.Verifier, limiter *ratelimit.Limiter, bus pubsub.Bus, logger zerolog.Logger) *Hub {
	instanceID := uuid.New().String()
	table := NewTable()
	stats := NewStats()
	log := logger.With().Str("component", "relay").Logger()

	h := &Hub{
		cfg:        cfg,
		verifier:   verifier,
		limiter:    limiter,
		bus:        bus,
		table:      table,
		stats:      stats,
		log:        log,
		instanceID: instanceID,
		baseCtx:    ctx,
	}
	h.router = NewRouter(table, bus, stats, instanceID, logger)
	h.presence = NewPresence(table, bus, instanceID, logger)
	return h
}

// InstanceID returns this process's fleet-unique identifier.
func (h *Hub) InstanceID() string { return h.instanceID }

// Router returns the hub's router, used by the admin injection endpoints.
func (h *Hub) Router() *Router { return h.router }

// Run subscribes to the fleet channels and blocks until the context is cancelled. In standalone mode it only waits
// for cancellation.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		if err := h.bus.Subscribe(ctx, pubsub.ChannelAgentMessages, h.router.HandleBusMessage); err != nil {
			return err
		}
		if err := h.bus.Subscribe(ctx, pubsub.ChannelPresenceUpdates, h.presence.HandleBusEvent); err != nil {
			return err
		}
		h.log.Info().Str("instance_id", h.instanceID).Msg("Subscribed to fleet channels")
	} else {
		h.log.Info().Msg("Pub/sub disabled, running in standalone mode")
	}

	<-ctx.Done()
	return ctx.Err()
}

// ServeWebSocket gates and adopts one upgraded connection. It blocks until the connection closes.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, meta ClientMeta) {
	identity := ratelimit.ClientIdentity("", meta.ForwardedFor, meta.RemoteIP)
	res := h.limiter.Consume(h.baseCtx, ratelimit.ClassConnectionAttempts, identity, 1)
	if !res.Allowed {
		h.rejectSocket(conn, NewRateLimitFrame, res.RetryAfter, CloseRateLimited, "connection rate limit exceeded")
		return
	}

	// Capacity is checked before any session state is materialised.
	if h.table.Len() >= h.cfg.MaxConnections {
		if conn != nil {
			frame, _ := NewErrorFrame(ErrConnectionLimitExceeded, "connection limit exceeded")
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, frame)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseConnectionLimit, "connection limit exceeded"),
				time.Now().Add(writeWait))
			_ = conn.Close()
		}
		return
	}

	s := newSession(h, conn, meta, h.log)
	h.table.Add(s)
	h.stats.ConnectionOpened()
	h.log.Debug().Stringer("connection_id", s.ID()).Msg("Connection accepted")

	go s.writePump()
	s.readPump()
}

func (h *Hub) rejectSocket(conn *websocket.Conn, build func(time.Duration) ([]byte, error), retryAfter time.Duration, code int, reason string) {
	if conn == nil {
		return
	}
	if frame, err := build(retryAfter); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = conn.Close()
}

// authenticate verifies the client's credentials and promotes the session to AUTHENTICATED. Called from the session's
// read pump while in AUTHENTICATING.
func (h *Hub) authenticate(s *Session, payload AuthenticateData) {
	identity := ratelimit.ClientIdentity("", s.meta.ForwardedFor, s.meta.RemoteIP)
	res := h.limiter.Consume(h.baseCtx, ratelimit.ClassAuthAttempts, identity, 1)
	if !res.Allowed {
		s.fail(ErrRateLimitExceeded, "too many authentication attempts", CloseRateLimited)
		return
	}

	verified, err := h.verifier.Verify(payload.Token)
	if err != nil {
		h.log.Debug().Err(err).Stringer("connection_id", s.ID()).Msg("Token verification failed")
		s.fail(ErrAuthenticationFailed, "invalid credentials", CloseAuthFailed)
		return
	}

	// The self-declared identity must match the token's claims.
	if payload.AgentID != verified.AgentID.String() || payload.UserID != verified.UserID.String() {
		s.fail(ErrAuthenticationFailed, "identity does not match credentials", CloseAuthFailed)
		return
	}

	s.bindIdentity(verified.UserID, verified.AgentID, payload.PublicKey)

	prev := h.table.Authenticate(s)
	s.setState(StateAuthenticated)

	if prev != nil {
		h.log.Info().
			Stringer("agent_id", verified.AgentID).
			Stringer("superseded", prev.ID()).
			Stringer("by", s.ID()).
			Msg("Connection superseded")
		prev.setError()
		prev.closeWithCode(CloseSuperseded, "superseded")
		h.drop(prev)
	}

	frame, err := NewAuthenticatedFrame(s.ID().String(), verified.AgentID.String())
	if err == nil {
		s.enqueue(frame)
	}

	// Supersede keeps the agent continuously present, so presence(online) only fires when the agent was absent.
	if prev == nil {
		h.presence.AgentOnline(h.baseCtx, verified.AgentID)
	}

	go s.heartbeatLoop()

	h.log.Info().
		Stringer("connection_id", s.ID()).
		Stringer("agent_id", verified.AgentID).
		Stringer("user_id", verified.UserID).
		Msg("Agent authenticated")
}

// drop tears a session down exactly once: table removal, counters, presence(offline), timers, transport. Every
// disconnect path funnels here, so client-initiated closes, transport failures, eviction, supersede, and shutdown all
// drive the same transition.
func (h *Hub) drop(s *Session) {
	s.dropOnce.Do(func() {
		removed := h.table.Remove(s)
		// State may already be DISCONNECTING here (eviction, forced disconnect), so presence keys off the bound
		// agent identity. A superseded session is no longer in the table and must not flap presence.
		wasAuthenticated := removed && s.AgentID() != uuid.Nil

		s.setState(StateDisconnecting)
		s.stopHeartbeat()
		s.closeSend()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		h.stats.ConnectionClosed()

		if wasAuthenticated {
			h.presence.AgentOffline(h.baseCtx, s.AgentID())
		}

		s.setState(StateDisconnected)
		h.log.Debug().Stringer("connection_id", s.ID()).Bool("authenticated", wasAuthenticated).Msg("Connection closed")
	})
}

// relayTyping fans a typing indicator out to every other local authenticated socket.
func (h *Hub) relayTyping(sender *Session, ev TypingEvent) {
	frame, err := NewTypingFrame(ev)
	if err != nil {
		return
	}
	for _, target := range h.table.Snapshot() {
		if target.ID() == sender.ID() || !target.Authenticated() {
			continue
		}
		target.enqueue(frame)
	}
}

// IsAgentConnected reports whether the agent has a live authenticated connection on this instance.
func (h *Hub) IsAgentConnected(agentID uuid.UUID) bool {
	s, ok := h.table.Agent(agentID)
	return ok && s.Authenticated()
}

// AgentInfo returns the sanitised connection details for the agent.
func (h *Hub) AgentInfo(agentID uuid.UUID) (ConnectionInfo, bool) {
	s, ok := h.table.Agent(agentID)
	if !ok {
		return ConnectionInfo{}, false
	}
	return s.Info(), true
}

// DisconnectAgent forcibly closes the agent's connection with the given reason. It returns false when the agent has
// no connection on this instance, making repeated calls idempotent.
func (h *Hub) DisconnectAgent(agentID uuid.UUID, reason string) bool {
	s, ok := h.table.Agent(agentID)
	if !ok {
		return false
	}
	h.log.Info().Stringer("agent_id", agentID).Str("reason", reason).Msg("Operator disconnect")
	s.setError()
	s.closeWithCode(CloseForcedByOperator, reason)
	h.drop(s)
	return true
}

// StatsSnapshot returns the server-wide statistics.
func (h *Hub) StatsSnapshot() Snapshot {
	return h.stats.Snapshot()
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	return h.table.Len()
}

// BusConnected reports pub/sub reachability for the health surface.
func (h *Hub) BusConnected() bool {
	return h.bus != nil && h.bus.Connected()
}

// Shutdown closes every connection with a Going Away status. Callers bound the overall grace period; this only
// performs the per-connection transitions.
func (h *Hub) Shutdown() {
	for _, s := range h.table.All() {
		if s.conn != nil {
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
		}
		h.drop(s)
	}
	h.log.Info().Msg("Relay hub shut down")
}
