package redisstore

import (
	"context"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	// ChannelTaskUpdates is published to by the download pipeline after a
	// write-back; no component in this module subscribes to it.
	ChannelTaskUpdates = "tasks/updates"
	// ChannelTaskSync carries sync-confirmation events emitted by the core.
	ChannelTaskSync = "tasks/sync"
)

// EnsureKeyspaceNotifications best-effort enables the keyspace/keyevent
// notification classes the upload pipeline's trigger surface #1 depends
// on. Safe to call repeatedly; failures are logged, not
// fatal, since some managed Redis offerings disallow CONFIG SET and the
// operator is expected to have configured this at the server level.
func (s *Store) EnsureKeyspaceNotifications(ctx context.Context) {
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "KEA").Err(); err != nil {
		log.Printf("redisstore: could not set notify-keyspace-events (may already be configured externally): %v", err)
	}
}

// SubscribeKeyspace subscribes to keyspace notifications for conscious-
// state keys (agent_state/global and agent_state/conv/*). The returned
// channel yields the mutated key name on every event; the caller (upload
// pipeline) treats each as a debounce trigger, not a diff itself.
func (s *Store) SubscribeKeyspace(ctx context.Context) (<-chan string, func() error) {
	pubsub := s.client.PSubscribe(ctx, "__keyspace@*__:agent_state/*")
	out := make(chan string, 64)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for msg := range ch {
			key := keyFromKeyspaceChannel(msg.Channel)
			if key == "" {
				continue
			}
			select {
			case out <- key:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, pubsub.Close
}

func keyFromKeyspaceChannel(channel string) string {
	idx := strings.Index(channel, "__:")
	if idx < 0 {
		return ""
	}
	return channel[idx+3:]
}

// SubscribeAnnouncements subscribes to the fine-grained agent
// announcement pub/sub channel (trigger surface #2).
func (s *Store) SubscribeAnnouncements(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}

// PublishTaskUpdate publishes a task-change notification on
// tasks/updates, used by the download pipeline's write-back step.
func (s *Store) PublishTaskUpdate(ctx context.Context, agentID string) error {
	return s.client.Publish(ctx, ChannelTaskUpdates, agentID).Err()
}

// PublishSyncConfirmation publishes a sync-confirmation event on
// tasks/sync, used to poke the upload pipeline after the agent wins a
// conflict, so the remote copy is brought back in line with the agent's.
func (s *Store) PublishSyncConfirmation(ctx context.Context, agentID string) error {
	return s.client.Publish(ctx, ChannelTaskSync, agentID).Err()
}
