package redisstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubscriptionRecord is the persisted descriptor for one family's active
// change-notification subscription.
type SubscriptionRecord struct {
	ID string `json:"id"`
	Resource string `json:"resource"`
	ExpirationDateTime time.Time `json:"expiration_date_time"`
	ClientState string `json:"client_state"`
	Status string `json:"status"` // active, degraded, disabled
	LastEventAt time.Time `json:"last_event_at"`
}

// SaveSubscription persists a family's subscription descriptor.
func (s *Store) SaveSubscription(ctx context.Context, family string, rec SubscriptionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.Set(ctx, SubscriptionKey(family), data, 0).Err()
}

// GetSubscription returns a family's persisted subscription descriptor,
// or ErrNotFound if none exists yet.
func (s *Store) GetSubscription(ctx context.Context, family string) (SubscriptionRecord, error) {
	var rec SubscriptionRecord
	start := time.Now()
	data, err := s.client.Get(ctx, SubscriptionKey(family)).Bytes()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	return rec, json.Unmarshal(data, &rec)
}

// DeleteSubscription removes a family's persisted subscription descriptor.
func (s *Store) DeleteSubscription(ctx context.Context, family string) error {
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.Del(ctx, SubscriptionKey(family)).Err()
}

// AllSubscriptions returns every persisted subscription descriptor, keyed
// by family, used by the webhook receiver to validate a notification's
// clientState against the known-subscriptions table rather than a
// static prefix match.
func (s *Store) AllSubscriptions(ctx context.Context) (map[string]SubscriptionRecord, error) {
	start := time.Now()
	var keys []string
	iter := s.client.Scan(ctx, 0, "sub/*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.timeRedisOp(start)
		return nil, err
	}
	if len(keys) == 0 {
		s.timeRedisOp(start)
		return map[string]SubscriptionRecord{}, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	s.timeRedisOp(start)
	if err != nil {
		return nil, err
	}

	out := make(map[string]SubscriptionRecord, len(keys))
	for i, key := range keys {
		raw, ok := vals[i].(string)
		if !ok {
			continue
		}
		var rec SubscriptionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		family := strings.TrimPrefix(key, "sub/")
		out[family] = rec
	}
	return out, nil
}

// TouchSubscriptionEvent records t as the last time a notification for
// family's subscription arrived.
func (s *Store) TouchSubscriptionEvent(ctx context.Context, family string, t time.Time) error {
	rec, err := s.GetSubscription(ctx, family)
	if err != nil {
		return err
	}
	rec.LastEventAt = t
	return s.SaveSubscription(ctx, family, rec)
}
