package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmesh/agentmesh-server/internal/pubsub"
)

// Router resolves each envelope's recipient locally or hands it across the fleet via the pub/sub bus, and reports the
// outcome as an acknowledgement. The bus may be nil or disconnected, in which case the relay routes local-only.
type Router struct {
	table      *Table
	bus        pubsub.Bus
	stats      *Stats
	instanceID string
	log        zerolog.Logger
}

// NewRouter creates a router for this instance. instanceID distinguishes this process's bus publications from those
// of the rest of the fleet.
func NewRouter(table *Table, bus pubsub.Bus, stats *Stats, instanceID string, logger zerolog.Logger) *Router {
	return &Router{
		table:      table,
		bus:        bus,
		stats:      stats,
		instanceID: instanceID,
		log:        logger.With().Str("component", "router").Logger(),
	}
}

func (r *Router) busConnected() bool {
	return r.bus != nil && r.bus.Connected()
}

// Route validates and delivers one envelope. exclude lists agent IDs a broadcast must skip in addition to the sender.
// The returned acknowledgement is what the sender should see.
func (r *Router) Route(ctx context.Context, env *Envelope, exclude []string) Ack {
	now := time.Now().UnixMilli()

	if err := env.Validate(); err != nil {
		r.stats.MessageFailed()
		return Ack{
			MessageID: env.MessageID,
			Status:    StatusFailed,
			Timestamp: now,
			Reason:    string(ErrInvalidMessageFormat),
		}
	}

	if env.Broadcast() {
		return r.routeBroadcast(ctx, env, exclude, now)
	}
	return r.routeDirected(ctx, env, now)
}

func (r *Router) routeBroadcast(ctx context.Context, env *Envelope, exclude []string, now int64) Ack {
	delivered := r.deliverLocalBroadcast(env, exclude)

	if r.busConnected() {
		msg := busMessage{
			Envelope:        *env,
			IsBroadcast:     true,
			ExcludeAgentIDs: exclude,
			Origin:          r.instanceID,
		}
		if _, err := r.bus.Publish(ctx, pubsub.ChannelAgentMessages, msg); err != nil {
			r.log.Warn().Err(err).Str("message_id", env.MessageID).Msg("Broadcast publish failed")
		}
	}

	r.stats.MessageDelivered()
	return Ack{
		MessageID:  env.MessageID,
		Status:     StatusDelivered,
		Timestamp:  now,
		Recipients: delivered,
	}
}

func (r *Router) routeDirected(ctx context.Context, env *Envelope, now int64) Ack {
	recipientID, err := uuid.Parse(env.RecipientID)
	if err != nil {
		r.stats.MessageFailed()
		return Ack{
			MessageID: env.MessageID,
			Status:    StatusFailed,
			Timestamp: now,
			Reason:    string(ErrRecipientNotFound),
		}
	}

	if target, ok := r.table.Agent(recipientID); ok && target.Authenticated() {
		if r.write(target, env) {
			r.stats.MessageDelivered()
			r.stats.MessageSent()
			return Ack{MessageID: env.MessageID, Status: StatusDelivered, Timestamp: now}
		}
		// A failed write tears the target connection down; the message is lost.
		r.stats.MessageFailed()
		return Ack{
			MessageID: env.MessageID,
			Status:    StatusFailed,
			Timestamp: now,
			Reason:    string(ErrRecipientNotFound),
		}
	}

	if r.busConnected() {
		msg := busMessage{Envelope: *env, Origin: r.instanceID}
		if _, err := r.bus.Publish(ctx, pubsub.ChannelAgentMessages, msg); err == nil {
			// Optimistic: the relay cannot observe final reachability on a remote instance.
			r.stats.MessageSent()
			return Ack{MessageID: env.MessageID, Status: StatusSent, Timestamp: now}
		}
		r.log.Warn().Str("message_id", env.MessageID).Msg("Directed publish failed")
	}

	r.stats.MessageFailed()
	return Ack{
		MessageID: env.MessageID,
		Status:    StatusFailed,
		Timestamp: now,
		Reason:    string(ErrRecipientNotFound),
	}
}

// deliverLocalBroadcast writes the envelope to every local authenticated agent except the sender and the excluded
// set, returning the number of recipients reached. The table snapshot keeps socket writes outside the lock.
func (r *Router) deliverLocalBroadcast(env *Envelope, exclude []string) int {
	skip := make(map[string]struct{}, len(exclude)+1)
	skip[env.SenderID] = struct{}{}
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	delivered := 0
	for _, target := range r.table.Snapshot() {
		if !target.Authenticated() {
			continue
		}
		if _, excluded := skip[target.AgentID().String()]; excluded {
			continue
		}
		if r.write(target, env) {
			delivered++
			r.stats.MessageSent()
		}
	}
	return delivered
}

func (r *Router) write(target *Session, env *Envelope) bool {
	frame, err := NewMessageFrame(env)
	if err != nil {
		r.log.Error().Err(err).Str("message_id", env.MessageID).Msg("Failed to build message frame")
		return false
	}
	return target.enqueue(frame)
}

// HandleBusMessage processes one inbound payload from the agent-messages channel. It runs on the bus delivery
// goroutine; local writes go through non-blocking enqueues so the handler never stalls the bus.
func (r *Router) HandleBusMessage(payload []byte) {
	var msg busMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.log.Warn().Err(err).Msg("Invalid agent-messages payload")
		return
	}

	// This instance already delivered locally before publishing.
	if msg.Origin == r.instanceID {
		return
	}

	if msg.IsBroadcast {
		r.deliverLocalBroadcast(&msg.Envelope, msg.ExcludeAgentIDs)
		return
	}

	recipientID, err := uuid.Parse(msg.RecipientID)
	if err != nil {
		return
	}
	if target, ok := r.table.Agent(recipientID); ok && target.Authenticated() {
		if r.write(target, &msg.Envelope) {
			r.stats.MessageDelivered()
			r.stats.MessageSent()
		}
	}
	// Not local: drop silently. Another instance will have delivered, or no one will.
}
