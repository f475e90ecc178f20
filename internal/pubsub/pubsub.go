// Package pubsub provides the cross-instance coordination bus. Instances publish JSON payloads to named channels over
// Redis pub/sub and receive every payload published by any instance, themselves included. Delivery is at-most-once
// and unordered across publishers. The relay treats the bus as optional: with no bus (or a disconnected one) it keeps
// serving local traffic in standalone mode.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Channel names used by the relay.
const (
	ChannelAgentMessages   = "agent-messages"
	ChannelPresenceUpdates = "presence-updates"
)

// Handler receives one raw payload from a subscribed channel. Handlers run on the bus's delivery goroutine and must
// not block; blocking work has to be handed off to the caller's own goroutine.
type Handler func(payload []byte)

// Bus is the publish/subscribe interface the relay depends on.
type Bus interface {
	Publish(ctx context.Context, channel string, payload any) (int64, error)
	Subscribe(ctx context.Context, channel string, h Handler) error
	Unsubscribe(channel string)
	Connected() bool
	Close() error
}

// Connect dials the pub/sub backend and pings it to verify the connection.
func Connect(ctx context.Context, addr string, dialTimeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: dialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping pubsub backend: %w", err)
	}
	return client, nil
}

// RedisBus implements Bus over Redis pub/sub. Channel names are namespaced under a key prefix so multiple relay
// deployments can share one Redis.
type RedisBus struct {
	rdb       *redis.Client
	prefix    string
	log       zerolog.Logger
	connected atomic.Bool

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	mu       sync.RWMutex
	handlers []Handler
}

// NewRedisBus creates a bus over the given Redis client.
func NewRedisBus(rdb *redis.Client, prefix string, logger zerolog.Logger) *RedisBus {
	b := &RedisBus{
		rdb:    rdb,
		prefix: prefix,
		log:    logger.With().Str("component", "pubsub").Logger(),
		subs:   make(map[string]*subscription),
	}
	b.connected.Store(true)
	return b
}

func (b *RedisBus) channelKey(channel string) string {
	if b.prefix == "" {
		return channel
	}
	return b.prefix + ":" + channel
}

// Publish serialises the payload as JSON and publishes it, returning the number of subscribers notified across the
// fleet.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal pubsub payload: %w", err)
	}
	n, err := b.rdb.Publish(ctx, b.channelKey(channel), data).Result()
	if err != nil {
		b.connected.Store(false)
		return 0, fmt.Errorf("publish to %s: %w", channel, err)
	}
	b.connected.Store(true)
	return n, nil
}

// Subscribe registers a handler for the channel. The first handler on a channel opens the underlying subscription and
// starts its delivery goroutine; later handlers share it.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[channel]; ok {
		sub.mu.Lock()
		sub.handlers = append(sub.handlers, h)
		sub.mu.Unlock()
		return nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ps := b.rdb.Subscribe(subCtx, b.channelKey(channel))
	if _, err := ps.Receive(subCtx); err != nil {
		cancel()
		_ = ps.Close()
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	sub := &subscription{pubsub: ps, cancel: cancel, handlers: []Handler{h}}
	b.subs[channel] = sub
	go b.deliver(subCtx, channel, sub)
	return nil
}

// Unsubscribe drops all handlers for the channel and closes the underlying subscription. Calling it for a channel
// with no subscription is a no-op.
func (b *RedisBus) Unsubscribe(channel string) {
	b.mu.Lock()
	sub, ok := b.subs[channel]
	if ok {
		delete(b.subs, channel)
	}
	b.mu.Unlock()

	if ok {
		sub.cancel()
		_ = sub.pubsub.Close()
	}
}

// Connected reports whether the bus believes the backend is reachable.
func (b *RedisBus) Connected() bool {
	return b.connected.Load()
}

// Close shuts down all subscriptions. The Redis client itself is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		_ = sub.pubsub.Close()
	}
	return nil
}

// deliver fans each received payload out to the channel's handlers. It exits when the subscription closes.
func (b *RedisBus) deliver(ctx context.Context, channel string, sub *subscription) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.connected.Store(false)
				b.log.Warn().Str("channel", channel).Msg("Pub/sub delivery channel closed")
				return
			}
			b.connected.Store(true)
			sub.mu.RLock()
			handlers := make([]Handler, len(sub.handlers))
			copy(handlers, sub.handlers)
			sub.mu.RUnlock()
			for _, h := range handlers {
				h([]byte(msg.Payload))
			}
		}
	}
}
