package api

import (
	"time"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/agentmesh/agentmesh-server/internal/relay"
)

// SocketHandler serves the WebSocket upgrade endpoint for the relay.
type SocketHandler struct {
	hub              *relay.Hub
	handshakeTimeout time.Duration
}

// NewSocketHandler creates a new socket handler. handshakeTimeout bounds the upgrade handshake itself; a zero value
// leaves the handshake unbounded.
func NewSocketHandler(hub *relay.Hub, handshakeTimeout time.Duration) *SocketHandler {
	return &SocketHandler{hub: hub, handshakeTimeout: handshakeTimeout}
}

// Upgrade handles the socket path. It upgrades the HTTP connection to a WebSocket and hands it to the Hub. Client
// metadata is captured here because the request context is gone once the upgrade completes.
func (h *SocketHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	meta := relay.ClientMeta{
		RemoteIP:     c.IP(),
		ForwardedFor: c.Get("X-Forwarded-For"),
		UserAgent:    c.Get("User-Agent"),
		DeviceID:     c.Query("deviceId"),
	}

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, meta)
	}, websocket.Config{HandshakeTimeout: h.handshakeTimeout})(c)
}
