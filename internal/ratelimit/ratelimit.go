// Package ratelimit implements token-bucket rate limiting for the relay's four quota classes. Buckets are keyed by
// (class, identity) and live in a pluggable store: in-process by default, or shared counters in Redis so that a fleet
// of instances enforces one combined quota. If the shared store becomes unreachable the limiter falls back to the
// in-process store and logs once.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Class identifies a quota class. Each class has its own points budget, window, and block duration.
type Class string

const (
	ClassConnectionAttempts Class = "connection-attempts"
	ClassAuthAttempts       Class = "authentication-attempts"
	ClassGeneralAPI         Class = "general-api"
	ClassWebsocketMessages  Class = "websocket-messages"
)

// Policy describes the budget for one class: Points may be consumed per Window; exceeding the budget blocks the
// identity for Block on top of the window remainder.
type Policy struct {
	Points float64
	Window time.Duration
	Block  time.Duration
}

// Result is the outcome of a consumption attempt. RetryAfter is only meaningful when Allowed is false.
type Result struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Store persists rate-limit buckets. Implementations must keep points non-negative and must be safe for concurrent
// callers.
type Store interface {
	Consume(ctx context.Context, key string, cost float64, policy Policy) (Result, error)
}

// Limiter applies per-class policies against a bucket store.
type Limiter struct {
	policies map[Class]Policy
	store    Store
	fallback Store
	log      zerolog.Logger
	warnOnce sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore sets a shared bucket store (typically Redis-backed). Without it the limiter is purely in-process.
func WithStore(s Store) Option {
	return func(l *Limiter) { l.store = s }
}

// New creates a limiter with the given per-class policies. The in-process store is always constructed; it serves as
// the primary store when no shared store is configured and as the fallback when the shared store fails.
func New(policies map[Class]Policy, logger zerolog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		policies: policies,
		fallback: newMemoryStore(),
		log:      logger.With().Str("component", "ratelimit").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = l.fallback
	}
	return l
}

// Consume deducts cost from the bucket identified by (class, identity). A class without a policy is unlimited. When
// the shared store errors, the call is retried against the in-process fallback; the correctness-for-availability
// trade-off is deliberate, as quotas here are abuse mitigation rather than a security boundary.
func (l *Limiter) Consume(ctx context.Context, class Class, identity string, cost float64) Result {
	policy, ok := l.policies[class]
	if !ok {
		return Result{Allowed: true}
	}

	key := string(class) + ":" + identity
	res, err := l.store.Consume(ctx, key, cost, policy)
	if err == nil {
		return res
	}

	l.warnOnce.Do(func() {
		l.log.Warn().Err(err).Msg("Shared rate-limit store unreachable, falling back to in-process buckets")
	})

	res, err = l.fallback.Consume(ctx, key, cost, policy)
	if err != nil {
		// The memory store never errors today; fail open rather than refuse traffic.
		return Result{Allowed: true}
	}
	return res
}

// Policy returns the configured policy for a class and whether one exists.
func (l *Limiter) Policy(class Class) (Policy, bool) {
	p, ok := l.policies[class]
	return p, ok
}

// ClientIdentity selects the identity a bucket is keyed by: the authenticated user ID when available, otherwise the
// first entry of the forwarded-for header, otherwise the direct remote IP.
func ClientIdentity(userID, forwardedFor, remoteIP string) string {
	if userID != "" {
		return userID
	}
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return remoteIP
}
