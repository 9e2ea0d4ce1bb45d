package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/redis/go-redis/v9"
)

// DefaultHealthTTL is the TTL for the `health` key; its
// absence for longer than this is the dead-syncer signal external
// monitoring watches for.
const DefaultHealthTTL = 5 * time.Minute

// PublishHealth writes the health snapshot, re-setting its TTL on every
// write so its absence always means more than one interval of silence.
func (s *Store) PublishHealth(ctx context.Context, snap model.HealthSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.Set(ctx, keyHealth, data, ttl).Err()
}

// GetHealth returns the current health snapshot, or ErrNotFound if the
// key has expired or was never written (the dead-syncer condition).
func (s *Store) GetHealth(ctx context.Context) (model.HealthSnapshot, error) {
	var snap model.HealthSnapshot
	start := time.Now()
	data, err := s.client.Get(ctx, keyHealth).Bytes()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, err
	}
	return snap, json.Unmarshal(data, &snap)
}

// TouchLastSuccessfulSync records t as the most recent successful
// upload/download apply, persisted independently of the TTL'd health
// snapshot so the housekeeper can read it back across its own 5-minute
// cadence.
func (s *Store) TouchLastSuccessfulSync(ctx context.Context, t time.Time) error {
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.Set(ctx, keyLastSuccessfulSync, strconv.FormatInt(t.UTC().Unix(), 10), 0).Err()
}

// GetLastSuccessfulSync returns the last successful sync timestamp, or the
// zero time if none has been recorded yet.
func (s *Store) GetLastSuccessfulSync(ctx context.Context) (time.Time, error) {
	start := time.Now()
	v, err := s.client.Get(ctx, keyLastSuccessfulSync).Result()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
