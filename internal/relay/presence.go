package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmesh/agentmesh-server/internal/pubsub"
)

// Presence emits online/offline transitions to every local authenticated socket except the subject, and publishes
// them on the presence-updates channel so the rest of the fleet can fan them out too. Inbound fleet events are fanned
// out locally and never re-published.
type Presence struct {
	table      *Table
	bus        pubsub.Bus
	instanceID string
	log        zerolog.Logger
}

// NewPresence creates the presence service.
func NewPresence(table *Table, bus pubsub.Bus, instanceID string, logger zerolog.Logger) *Presence {
	return &Presence{
		table:      table,
		bus:        bus,
		instanceID: instanceID,
		log:        logger.With().Str("component", "presence").Logger(),
	}
}

// AgentOnline announces that the agent gained an authenticated connection.
func (p *Presence) AgentOnline(ctx context.Context, agentID uuid.UUID) {
	p.emit(ctx, PresenceEvent{
		AgentID:   agentID.String(),
		Status:    PresenceOnline,
		Timestamp: time.Now().UnixMilli(),
	})
}

// AgentOffline announces that the agent lost its authenticated connection.
func (p *Presence) AgentOffline(ctx context.Context, agentID uuid.UUID) {
	p.emit(ctx, PresenceEvent{
		AgentID:   agentID.String(),
		Status:    PresenceOffline,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *Presence) emit(ctx context.Context, ev PresenceEvent) {
	p.fanOut(ev)

	if p.bus != nil && p.bus.Connected() {
		payload := busPresence{PresenceEvent: ev, Origin: p.instanceID}
		if _, err := p.bus.Publish(ctx, pubsub.ChannelPresenceUpdates, payload); err != nil {
			p.log.Warn().Err(err).Str("agent_id", ev.AgentID).Msg("Presence publish failed")
		}
	}
}

// fanOut writes the event to every local authenticated socket except the subject.
func (p *Presence) fanOut(ev PresenceEvent) {
	frame, err := NewPresenceFrame(ev)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to build presence frame")
		return
	}

	for _, target := range p.table.Snapshot() {
		if !target.Authenticated() || target.AgentID().String() == ev.AgentID {
			continue
		}
		target.enqueue(frame)
	}
}

// HandleBusEvent processes one inbound payload from the presence-updates channel.
func (p *Presence) HandleBusEvent(payload []byte) {
	var ev busPresence
	if err := json.Unmarshal(payload, &ev); err != nil {
		p.log.Warn().Err(err).Msg("Invalid presence-updates payload")
		return
	}
	if ev.Origin == p.instanceID {
		return
	}
	p.fanOut(ev.PresenceEvent)
}
