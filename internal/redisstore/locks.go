package redisstore

import (
	"context"
	"time"
)

// AcquireTaskLock guarantees at-most-one in-flight operation per agent
// task id. ownerID lets the holder release only its own lock.
func (s *Store) AcquireTaskLock(ctx context.Context, agentID, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.client.SetNX(ctx, TaskLockKey(agentID), ownerID, ttl).Result()
	s.timeRedisOp(start)
	return ok, err
}

// ReleaseTaskLock releases the lock if held by ownerID.
func (s *Store) ReleaseTaskLock(ctx context.Context, agentID, ownerID string) error {
	const script = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`
	start := time.Now()
	_, err := s.client.Eval(ctx, script, []string{TaskLockKey(agentID)}, ownerID).Result()
	s.timeRedisOp(start)
	return err
}

// SetNX sets a bare marker key if absent, returning whether this call was
// the one that created it. Satisfies internal/idempotency's Backend
// interface for webhook notification dedupe.
func (s *Store) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	s.timeRedisOp(start)
	return ok, err
}

// AcquireRemoteLock guards the mapping-establish step for a not-yet-mapped
// remote id, preventing duplicate agent-side creations from concurrent
// webhook deliveries.
func (s *Store) AcquireRemoteLock(ctx context.Context, remoteID, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.client.SetNX(ctx, RemoteLockKey(remoteID), ownerID, ttl).Result()
	s.timeRedisOp(start)
	return ok, err
}

// ReleaseRemoteLock releases the remote-id establish lock if held by
// ownerID.
func (s *Store) ReleaseRemoteLock(ctx context.Context, remoteID, ownerID string) error {
	const script = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`
	start := time.Now()
	_, err := s.client.Eval(ctx, script, []string{RemoteLockKey(remoteID)}, ownerID).Result()
	s.timeRedisOp(start)
	return err
}
