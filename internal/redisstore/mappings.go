package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// BindMapping atomically writes both directions of the agent_id<->remote_id
// identity mapping, along with the bind timestamp the housekeeper's
// stale-mapping purge measures against. Idempotent: re-binding the same
// pair is a no-op beyond re-writing the same values (and refreshing the
// bind timestamp, which is what TouchBoundAt relies on too).
func (s *Store) BindMapping(ctx context.Context, agentID, remoteID string) error {
	start := time.Now()
	defer s.timeRedisOp(start)
	now := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	_, err := s.evalSha(ctx, s.bindMappingSHA, bindMappingScript,
		[]string{keyMapAgentToRemote, keyMapRemoteToAgent, keyMapBoundAt}, agentID, remoteID, now)
	return err
}

// UnbindByAgent removes both mapping directions for an agent task id and
// clears its sidecars (etag, last_upload, cached_remote). Returns the
// remote id that was unbound, or "" if no mapping existed.
func (s *Store) UnbindByAgent(ctx context.Context, agentID string) (string, error) {
	start := time.Now()
	res, err := s.evalSha(ctx, s.unbindAgentSHA, unbindAgentScript,
		[]string{keyMapAgentToRemote, keyMapRemoteToAgent, keyMapBoundAt}, agentID)
	s.timeRedisOp(start)
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	remoteID, _ := res.(string)
	if remoteID == "" {
		return "", nil
	}
	if err := s.clearSidecars(ctx, agentID, remoteID); err != nil {
		return remoteID, err
	}
	return remoteID, nil
}

// UnbindByRemote removes both mapping directions for a remote task id and
// clears its sidecars. Returns the agent id that was unbound, or "" if no
// mapping existed.
func (s *Store) UnbindByRemote(ctx context.Context, remoteID string) (string, error) {
	start := time.Now()
	res, err := s.evalSha(ctx, s.unbindRemoteSHA, unbindRemoteScript,
		[]string{keyMapAgentToRemote, keyMapRemoteToAgent, keyMapBoundAt}, remoteID)
	s.timeRedisOp(start)
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	agentID, _ := res.(string)
	if agentID == "" {
		return "", nil
	}
	if err := s.clearSidecars(ctx, agentID, remoteID); err != nil {
		return agentID, err
	}
	return agentID, nil
}

func (s *Store) clearSidecars(ctx context.Context, agentID, remoteID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, ETagKey(remoteID))
	pipe.Del(ctx, LastUploadKey(agentID))
	pipe.Del(ctx, CachedRemoteKey(remoteID))
	_, err := pipe.Exec(ctx)
	return err
}

// ResolveAgent looks up the agent id mapped to a remote id. Returns
// ErrNotFound if absent.
func (s *Store) ResolveAgent(ctx context.Context, remoteID string) (string, error) {
	start := time.Now()
	v, err := s.client.HGet(ctx, keyMapRemoteToAgent, remoteID).Result()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// ResolveRemote looks up the remote id mapped to an agent id. Returns
// ErrNotFound if absent.
func (s *Store) ResolveRemote(ctx context.Context, agentID string) (string, error) {
	start := time.Now()
	v, err := s.client.HGet(ctx, keyMapAgentToRemote, agentID).Result()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// AllMappings returns the full forward mapping table, used by the
// housekeeper's asymmetry scan and the drift detector.
func (s *Store) AllMappings(ctx context.Context) (map[string]string, error) {
	start := time.Now()
	m, err := s.client.HGetAll(ctx, keyMapAgentToRemote).Result()
	s.timeRedisOp(start)
	return m, err
}

// AllReverseMappings returns the full reverse mapping table.
func (s *Store) AllReverseMappings(ctx context.Context) (map[string]string, error) {
	start := time.Now()
	m, err := s.client.HGetAll(ctx, keyMapRemoteToAgent).Result()
	s.timeRedisOp(start)
	return m, err
}

// RepairAsymmetry restores a missing reverse entry from a forward one (or
// vice versa), used after a crash between bind steps.
func (s *Store) RepairAsymmetry(ctx context.Context, agentID, remoteID string) error {
	pipe := s.client.Pipeline()
	pipe.HSetNX(ctx, keyMapAgentToRemote, agentID, remoteID)
	pipe.HSetNX(ctx, keyMapRemoteToAgent, remoteID, agentID)
	_, err := pipe.Exec(ctx)
	return err
}

// AllBoundAt returns every agent id's mapping bind timestamp, used by the
// housekeeper's stale-mapping purge to find mappings old enough to
// revalidate against the remote side.
func (s *Store) AllBoundAt(ctx context.Context) (map[string]int64, error) {
	start := time.Now()
	raw, err := s.client.HGetAll(ctx, keyMapBoundAt).Result()
	s.timeRedisOp(start)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for agentID, v := range raw {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[agentID] = ts
	}
	return out, nil
}

// TouchBoundAt refreshes an agent id's mapping bind timestamp without
// disturbing the mapping itself, used after a stale mapping is
// revalidated against the remote side rather than torn down.
func (s *Store) TouchBoundAt(ctx context.Context, agentID string) error {
	start := time.Now()
	defer s.timeRedisOp(start)
	now := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	return s.client.HSet(ctx, keyMapBoundAt, agentID, now).Err()
}
