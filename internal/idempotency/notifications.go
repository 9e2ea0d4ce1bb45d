// Package idempotency deduplicates webhook notification deliveries. It
// is a Redis-backed seen-before cache with an in-memory fallback,
// narrowed to a boolean seen-before check rather than cached HTTP
// responses, since a notification has no response body worth replaying.
// The external planner retries undelivered notifications, so the
// receiver must treat a repeat delivery as a no-op.
package idempotency

import (
	"context"
	"log"
	"sync"
	"time"
)

// ttl bounds how long a notification id is remembered: comfortably past
// the external planner's redelivery window, but short enough that a
// genuine follow-up change to the same resource is never mistaken for a
// stale retry.
const ttl = 5 * time.Minute

// Backend is the subset of redisstore the notification dedupe cache
// needs, narrowed so this package doesn't import redisstore directly.
type Backend interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Store tracks which notification ids have already been processed.
// Falls back to an in-process map when backend is nil (tests, or a
// degraded-mode receiver that would rather risk a duplicate apply than
// refuse to process anything).
type Store struct {
	backend Backend
	mu sync.Mutex
	seen map[string]time.Time
}

// NewStore builds a Store. Pass a nil backend to force the in-memory
// fallback.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend, seen: make(map[string]time.Time)}
}

// Seen reports whether id has already been processed, recording it as
// seen if not. The check-and-record is not atomic across the in-memory
// fallback path under concurrent callers for the same id within the same
// instant, which is acceptable: the worst case is processing one
// notification twice, not zero times.
func (s *Store) Seen(ctx context.Context, id string) bool {
	if s.backend != nil {
		wasNew, err := s.backend.SetNX(ctx, notificationKey(id), ttl)
		if err != nil {
			log.Printf("idempotency: backend error for %s, falling back to in-memory: %v", id, err)
			return s.seenMemory(id)
		}
		return !wasNew
	}
	return s.seenMemory(id)
}

func (s *Store) seenMemory(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired()
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = time.Now().Add(ttl)
	return false
}

func (s *Store) evictExpired() {
	now := time.Now()
	for id, expiry := range s.seen {
		if now.After(expiry) {
			delete(s.seen, id)
		}
	}
}

func notificationKey(id string) string { return "webhook_seen/" + id }
