// Package redisstore is the sole shared-mutable-state layer of the sync
// engine: every mutation to the conscious-state document, the identity
// mapping tables, and the operation queues goes through here, and only
// here.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/itskum47/tasksync/internal/observability"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a lookup key does not exist.
var ErrNotFound = errors.New("redisstore: not found")

// Store wraps a redis client with the JSONPath-scoped, Lua-atomic
// operations the sync engine needs.
type Store struct {
	client *redis.Client

	// jsonModule records whether the server answers JSON.* commands.
	// Without the module, document operations fall back to whole-value
	// GET/SET with Go-side path handling (see jsondoc.go), trading
	// path-scoped concurrency for compatibility with plain Redis.
	jsonModule bool

	bindMappingSHA string
	unbindAgentSHA string
	unbindRemoteSHA string
}

// lua scripts. Keeping a bind as one round trip is what makes the
// forward and reverse maps mutual inverses at all times outside an
// in-flight operation, without a distributed transaction primitive:
// Redis itself serializes the script body.
const bindMappingScript = `
-- KEYS[1] = forward map hash key (agent_to_remote)
-- KEYS[2] = reverse map hash key (remote_to_agent)
-- KEYS[3] = bound_at hash key
-- ARGV[1] = agent_id
-- ARGV[2] = remote_id
-- ARGV[3] = bind unix timestamp (computed in Go, not redis.call("TIME"))
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[3])
return 1
`

const unbindAgentScript = `
-- KEYS[1] = forward map hash key
-- KEYS[2] = reverse map hash key
-- KEYS[3] = bound_at hash key
-- ARGV[1] = agent_id
local remote_id = redis.call("HGET", KEYS[1], ARGV[1])
if remote_id then
	redis.call("HDEL", KEYS[1], ARGV[1])
	redis.call("HDEL", KEYS[2], remote_id)
	redis.call("HDEL", KEYS[3], ARGV[1])
end
return remote_id
`

const unbindRemoteScript = `
-- KEYS[1] = forward map hash key
-- KEYS[2] = reverse map hash key
-- KEYS[3] = bound_at hash key
-- ARGV[1] = remote_id
local agent_id = redis.call("HGET", KEYS[2], ARGV[1])
if agent_id then
	redis.call("HDEL", KEYS[2], ARGV[1])
	redis.call("HDEL", KEYS[1], agent_id)
	redis.call("HDEL", KEYS[3], agent_id)
end
return agent_id
`

// New connects to Redis and preloads the Lua scripts used for atomic
// mapping maintenance.
func New(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		Password: password,
		DB: db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: connect: %w", err)
	}

	bindSHA, err := client.ScriptLoad(ctx, bindMappingScript).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: preload bind script: %w", err)
	}
	unbindAgentSHA, err := client.ScriptLoad(ctx, unbindAgentScript).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: preload unbind-agent script: %w", err)
	}
	unbindRemoteSHA, err := client.ScriptLoad(ctx, unbindRemoteScript).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: preload unbind-remote script: %w", err)
	}

	jsonModule := true
	if err := client.Do(ctx, "JSON.GET", "__module_probe__").Err(); isUnknownCommand(err) {
		jsonModule = false
		log.Printf("redisstore: server has no JSON module, using whole-document fallback for state keys")
	}

	return &Store{
		client: client,
		jsonModule: jsonModule,
		bindMappingSHA: bindSHA,
		unbindAgentSHA: unbindAgentSHA,
		unbindRemoteSHA: unbindRemoteSHA,
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the raw redis client for callers (keyspace notification
// subscription, pub/sub) that need operations this wrapper doesn't cover.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) timeRedisOp(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

func (s *Store) evalSha(ctx context.Context, sha, script string, keys []string, args ...any) (any, error) {
	res, err := s.client.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && isNoScript(err) {
		newSHA, loadErr := s.client.ScriptLoad(ctx, script).Result()
		if loadErr != nil {
			return nil, loadErr
		}
		res, err = s.client.EvalSha(ctx, newSHA, keys, args...).Result()
	}
	return res, err
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

func isUnknownCommand(err error) bool {
	return err != nil && err != redis.Nil && strings.Contains(err.Error(), "unknown command")
}
