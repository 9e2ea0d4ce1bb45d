package redisstore

import "fmt"

// Key namespace. Names are the stable contract with upstream agent
// code; the arrow-bearing mapping keys are rendered ASCII-safe
// ("map/agent_to_remote", "map/remote_to_agent").
const (keyAgentStateGlobal = "agent_state/global"
	keyAgentStateConvFmt = "agent_state/conv/%s"
	keyTaskMirrorFmt = "tasks/%s"

	keyMapAgentToRemote = "map/agent_to_remote"
	keyMapRemoteToAgent = "map/remote_to_agent"
	keyMapBoundAt = "map/bound_at"

	keyETagFmt = "etag/%s"
	keyLastUploadFmt = "last_upload/%s"
	keyCachedRemoteFmt = "cached_remote/%s"

	keyPendingOps = "pending_ops"
	keyFailedOps = "failed_ops"
	keySyncLog = "sync_log"

	keyHealth = "health"
	keyLastSuccessfulSync = "health/last_successful_sync"

	keyTokenFmt = "token/%s"
	keySubFmt = "sub/%s"
	keyMetaFmt = "meta/%s/%s"

	keyWebhookLog = "webhook_log"

	keyTaskLockFmt = "lock/task/%s"
	keyRemoteLockFmt = "lock/remote/%s"
)

// AgentStateConvKey returns the per-conversation task sub-tree key.
func AgentStateConvKey(conversationID string) string {
	return fmt.Sprintf(keyAgentStateConvFmt, conversationID)
}

// TaskMirrorKey returns the per-task canonical copy key.
func TaskMirrorKey(agentID string) string {
	return fmt.Sprintf(keyTaskMirrorFmt, agentID)
}

// ETagKey returns the sidecar key holding the last observed ETag for a
// remote task id.
func ETagKey(remoteID string) string {
	return fmt.Sprintf(keyETagFmt, remoteID)
}

// LastUploadKey returns the sidecar key holding the last successful push
// timestamp for an agent task id.
func LastUploadKey(agentID string) string {
	return fmt.Sprintf(keyLastUploadFmt, agentID)
}

// CachedRemoteKey returns the 1h-TTL cache key for a remote task snapshot.
func CachedRemoteKey(remoteID string) string {
	return fmt.Sprintf(keyCachedRemoteFmt, remoteID)
}

// TokenKey returns the cached-bearer key for a credential kind.
func TokenKey(kind string) string {
	return fmt.Sprintf(keyTokenFmt, kind)
}

// SubscriptionKey returns the subscription descriptor hash key for a
// resource family.
func SubscriptionKey(family string) string {
	return fmt.Sprintf(keySubFmt, family)
}

// MetaKey returns the 24h-TTL directory metadata cache key.
func MetaKey(kind, id string) string {
	return fmt.Sprintf(keyMetaFmt, kind, id)
}

// TaskLockKey returns the per-agent-task-id lock key used to guarantee
// at-most-one in-flight operation per task.
func TaskLockKey(agentID string) string {
	return fmt.Sprintf(keyTaskLockFmt, agentID)
}

// RemoteLockKey guards the mapping-establish step for a not-yet-mapped
// remote id (ordering guarantees).
func RemoteLockKey(remoteID string) string {
	return fmt.Sprintf(keyRemoteLockFmt, remoteID)
}
