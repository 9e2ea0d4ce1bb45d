package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/redis/go-redis/v9"
)

// SetETag records the last observed ETag for a remote task. Persistent,
// no TTL.
func (s *Store) SetETag(ctx context.Context, remoteID, etag string) error {
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.Set(ctx, ETagKey(remoteID), etag, 0).Err()
}

// GetETag returns the last observed ETag, or ErrNotFound if none is cached.
func (s *Store) GetETag(ctx context.Context, remoteID string) (string, error) {
	start := time.Now()
	v, err := s.client.Get(ctx, ETagKey(remoteID)).Result()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

// SetLastUpload records the Unix timestamp of the last successful push
// for an agent task.
func (s *Store) SetLastUpload(ctx context.Context, agentID string, t time.Time) error {
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.Set(ctx, LastUploadKey(agentID), strconv.FormatInt(t.Unix(), 10), 0).Err()
}

// GetLastUpload returns the last successful push time, or the zero time
// if none is recorded.
func (s *Store) GetLastUpload(ctx context.Context, agentID string) (time.Time, error) {
	start := time.Now()
	v, err := s.client.Get(ctx, LastUploadKey(agentID)).Result()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

// SetCachedRemote caches the last fetched remote body for 1h, used to
// suppress no-op echoes.
func (s *Store) SetCachedRemote(ctx context.Context, remoteID string, task *model.RemoteTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.Set(ctx, CachedRemoteKey(remoteID), data, time.Hour).Err()
}

// GetCachedRemote returns the cached remote snapshot, or ErrNotFound if
// absent/expired.
func (s *Store) GetCachedRemote(ctx context.Context, remoteID string) (*model.RemoteTask, error) {
	start := time.Now()
	data, err := s.client.Get(ctx, CachedRemoteKey(remoteID)).Bytes()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var task model.RemoteTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SetMeta caches a piece of directory metadata (user/group/plan/bucket)
// for 24h, re-applying the TTL on every write so a missed housekeeper
// pass never leaves a permanent key.
func (s *Store) SetMeta(ctx context.Context, kind, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.Set(ctx, MetaKey(kind, id), data, 24*time.Hour).Err()
}

// GetMeta returns cached directory metadata into dst, or ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, kind, id string, dst any) error {
	start := time.Now()
	data, err := s.client.Get(ctx, MetaKey(kind, id)).Bytes()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// EnsureMetaTTL re-applies the 24h TTL to a metadata key if it is
// missing one (housekeeping duty). Returns whether a TTL
// was (re-)applied.
func (s *Store) EnsureMetaTTL(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ttl, err := s.client.TTL(ctx, key).Result()
	s.timeRedisOp(start)
	if err != nil {
		return false, err
	}
	if ttl < 0 {
		// -1: key exists with no TTL. -2: key absent (nothing to do).
		if ttl == -1 {
			return true, s.client.Expire(ctx, key, 24*time.Hour).Err()
		}
		return false, nil
	}
	return false, nil
}
