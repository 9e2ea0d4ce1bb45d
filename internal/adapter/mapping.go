package adapter

import (
	"context"

	"github.com/itskum47/tasksync/internal/redisstore"
)

// Mapper exposes the identity-mapping operations, backed by Redis. It is
// a thin wrapper: all atomicity guarantees live in
// internal/redisstore, this type only gives the adapter package a
// convenient surface to depend on.
type Mapper struct {
	store *redisstore.Store
}

// NewMapper wraps a redisstore.Store for mapping operations.
func NewMapper(store *redisstore.Store) *Mapper {
	return &Mapper{store: store}
}

// Bind atomically establishes both directions of agent_id<->remote_id.
func (m *Mapper) Bind(ctx context.Context, agentID, remoteID string) error {
	return m.store.BindMapping(ctx, agentID, remoteID)
}

// UnbindByAgent tears down the mapping (and sidecars) for an agent id.
func (m *Mapper) UnbindByAgent(ctx context.Context, agentID string) (remoteID string, err error) {
	return m.store.UnbindByAgent(ctx, agentID)
}

// UnbindByRemote tears down the mapping (and sidecars) for a remote id.
func (m *Mapper) UnbindByRemote(ctx context.Context, remoteID string) (agentID string, err error) {
	return m.store.UnbindByRemote(ctx, remoteID)
}

// ResolveAgent looks up the agent id bound to a remote id.
func (m *Mapper) ResolveAgent(ctx context.Context, remoteID string) (string, error) {
	return m.store.ResolveAgent(ctx, remoteID)
}

// ResolveRemote looks up the remote id bound to an agent id.
func (m *Mapper) ResolveRemote(ctx context.Context, agentID string) (string, error) {
	return m.store.ResolveRemote(ctx, agentID)
}
