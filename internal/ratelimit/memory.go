package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket tracks consumption for one (class, identity) pair within the current window.
type bucket struct {
	consumed   float64
	resetAt    time.Time
	blockUntil time.Time
}

// memoryStore keeps buckets in a map guarded by a mutex. Expired buckets are pruned opportunistically whenever the
// map grows past a threshold, so the store does not need a background sweeper.
type memoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

const pruneThreshold = 4096

func newMemoryStore() *memoryStore {
	return &memoryStore{buckets: make(map[string]*bucket)}
}

// NewMemoryStore returns an in-process bucket store.
func NewMemoryStore() Store {
	return newMemoryStore()
}

func (s *memoryStore) Consume(_ context.Context, key string, cost float64, policy Policy) (Result, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buckets) > pruneThreshold {
		s.prune(now)
	}

	b, ok := s.buckets[key]
	if !ok || now.After(b.resetAt) {
		// A fresh window. An active block outlives window resets.
		var blockUntil time.Time
		if ok {
			blockUntil = b.blockUntil
		}
		b = &bucket{resetAt: now.Add(policy.Window), blockUntil: blockUntil}
		s.buckets[key] = b
	}

	if now.Before(b.blockUntil) {
		return Result{RetryAfter: retryAfter(now, b)}, nil
	}

	if b.consumed+cost > policy.Points {
		b.blockUntil = now.Add(policy.Block)
		return Result{RetryAfter: retryAfter(now, b)}, nil
	}

	b.consumed += cost
	return Result{Allowed: true, Remaining: policy.Points - b.consumed}, nil
}

// retryAfter returns the time until both the window resets and any block interval ends.
func retryAfter(now time.Time, b *bucket) time.Duration {
	d := b.resetAt.Sub(now)
	if until := b.blockUntil.Sub(now); until > d {
		d = until
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (s *memoryStore) prune(now time.Time) {
	for key, b := range s.buckets {
		if now.After(b.resetAt) && now.After(b.blockUntil) {
			delete(s.buckets, key)
		}
	}
}
