package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/agentmesh/agentmesh-server/internal/httputil"
	"github.com/agentmesh/agentmesh-server/internal/relay"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	hub           *relay.Hub
	pubsubEnabled bool
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(hub *relay.Hub, pubsubEnabled bool) *HealthHandler {
	return &HealthHandler{hub: hub, pubsubEnabled: pubsubEnabled}
}

// Health reports instance liveness and pub/sub reachability. A standalone instance is healthy without a bus; an
// instance configured for a bus it cannot reach reports degraded.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	busStatus := "disabled"
	overall := "ok"
	status := fiber.StatusOK

	if h.pubsubEnabled {
		if h.hub.BusConnected() {
			busStatus = "ok"
		} else {
			busStatus = "unavailable"
			overall = "degraded"
			status = fiber.StatusServiceUnavailable
		}
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":      overall,
		"pubsub":      busStatus,
		"connections": h.hub.ConnectionCount(),
	})
}
