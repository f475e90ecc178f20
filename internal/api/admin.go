package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmesh/agentmesh-server/internal/httputil"
	"github.com/agentmesh/agentmesh-server/internal/relay"
)

// AdminHandler serves the operator endpoints: connection introspection, forced disconnect, and server-side message
// injection. All routes sit behind the admin key middleware.
type AdminHandler struct {
	hub *relay.Hub
	log zerolog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(hub *relay.Hub, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		hub: hub,
		log: logger.With().Str("component", "admin-api").Logger(),
	}
}

// Stats handles GET /websocket/stats.
func (h *AdminHandler) Stats(c fiber.Ctx) error {
	return httputil.Success(c, fiber.Map{
		"instanceId":  h.hub.InstanceID(),
		"connections": h.hub.ConnectionCount(),
		"stats":       h.hub.StatsSnapshot(),
	})
}

// ConnectionStatus handles GET /websocket/connection/:agentId. It answers the liveness question without exposing
// connection internals.
func (h *AdminHandler) ConnectionStatus(c fiber.Ctx) error {
	agentID, err := uuid.Parse(c.Params("agentId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid agent ID")
	}
	return httputil.Success(c, fiber.Map{
		"agentId":     agentID.String(),
		"isConnected": h.hub.IsAgentConnected(agentID),
	})
}

// ConnectionDetails handles GET /websocket/connection/:agentId/details.
func (h *AdminHandler) ConnectionDetails(c fiber.Ctx) error {
	agentID, err := uuid.Parse(c.Params("agentId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid agent ID")
	}
	info, ok := h.hub.AgentInfo(agentID)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Agent is not connected to this instance")
	}
	return httputil.Success(c, info)
}

type disconnectRequest struct {
	Reason string `json:"reason"`
}

// Disconnect handles DELETE /websocket/connection/:agentId. Repeating the call for an already-disconnected agent
// succeeds with disconnected=false.
func (h *AdminHandler) Disconnect(c fiber.Ctx) error {
	agentID, err := uuid.Parse(c.Params("agentId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Invalid agent ID")
	}

	var body disconnectRequest
	_ = c.Bind().Body(&body)
	reason := body.Reason
	if reason == "" {
		reason = "disconnected by operator"
	}

	disconnected := h.hub.DisconnectAgent(agentID, reason)
	return httputil.Success(c, fiber.Map{
		"agentId":      agentID.String(),
		"disconnected": disconnected,
	})
}

type injectRequest struct {
	Message         *relay.Envelope `json:"message"`
	ExcludeAgentIDs []string        `json:"excludeAgentIds"`
}

// SendMessage handles POST /websocket/message: injects a directed envelope as if it arrived on a socket. Injected
// envelopes skip the per-agent message quota; the admin key is the gate.
func (h *AdminHandler) SendMessage(c fiber.Ctx) error {
	var body injectRequest
	if err := c.Bind().Body(&body); err != nil || body.Message == nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Request body must carry a message")
	}
	if body.Message.RecipientID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "recipientId is required")
	}

	ack := h.hub.Router().Route(c.Context(), body.Message, nil)
	h.log.Info().
		Str("message_id", body.Message.MessageID).
		Str("recipient_id", body.Message.RecipientID).
		Str("status", string(ack.Status)).
		Msg("Operator message injected")
	return httputil.Success(c, ack)
}

// Broadcast handles POST /websocket/broadcast: injects a broadcast envelope, optionally excluding agents.
func (h *AdminHandler) Broadcast(c fiber.Ctx) error {
	var body injectRequest
	if err := c.Bind().Body(&body); err != nil || body.Message == nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "Request body must carry a message")
	}
	body.Message.RecipientID = ""

	ack := h.hub.Router().Route(c.Context(), body.Message, body.ExcludeAgentIDs)
	h.log.Info().
		Str("message_id", body.Message.MessageID).
		Int("recipients", ack.Recipients).
		Str("status", string(ack.Status)).
		Msg("Operator broadcast injected")
	return httputil.Success(c, ack)
}
