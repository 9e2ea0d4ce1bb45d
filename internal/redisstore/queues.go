package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	syncLogMaxEntries = 500
	webhookLogMaxEntries = 500
)

// EnqueueOp pushes an operation descriptor onto pending_ops. FIFO order
// (RPUSH/LPOP) gives the per-agent-task enqueue ordering the upload
// worker pool relies on.
func (s *Store) EnqueueOp(ctx context.Context, op *model.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.RPush(ctx, keyPendingOps, data).Err()
}

// DequeueOp blocks up to timeout for the next pending operation. A zero
// timeout blocks forever on the server (bounded by ctx cancellation).
func (s *Store) DequeueOp(ctx context.Context, timeout time.Duration) (*model.Operation, error) {
	start := time.Now()
	res, err := s.client.BLPop(ctx, timeout, keyPendingOps).Result()
	s.timeRedisOp(start)
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value].
	if len(res) < 2 {
		return nil, nil
	}
	var op model.Operation
	if err := json.Unmarshal([]byte(res[1]), &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// PendingOpCount reports the current pending_ops depth, used for the
// back-pressure check and health snapshots.
func (s *Store) PendingOpCount(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.client.LLen(ctx, keyPendingOps).Result()
	s.timeRedisOp(start)
	return n, err
}

// FailOp moves an operation that exhausted its retry budget onto
// failed_ops, bounded for inspection.
func (s *Store) FailOp(ctx context.Context, op *model.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, keyFailedOps, data)
	pipe.LTrim(ctx, keyFailedOps, -1000, -1)
	start := time.Now()
	_, err = pipe.Exec(ctx)
	s.timeRedisOp(start)
	return err
}

// FailedOpCount reports the current failed_ops depth for health snapshots.
func (s *Store) FailedOpCount(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.client.LLen(ctx, keyFailedOps).Result()
	s.timeRedisOp(start)
	return n, err
}

// AppendSyncLog appends a diagnostic entry to sync_log and trims to the
// last 500 entries.
func (s *Store) AppendSyncLog(ctx context.Context, entry model.SyncLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, keySyncLog, data)
	pipe.LTrim(ctx, keySyncLog, -syncLogMaxEntries, -1)
	start := time.Now()
	_, err = pipe.Exec(ctx)
	s.timeRedisOp(start)
	return err
}

// RecentSyncLog returns up to n of the most recent sync_log entries.
func (s *Store) RecentSyncLog(ctx context.Context, n int64) ([]model.SyncLogEntry, error) {
	start := time.Now()
	raw, err := s.client.LRange(ctx, keySyncLog, -n, -1).Result()
	s.timeRedisOp(start)
	if err != nil {
		return nil, err
	}
	entries := make([]model.SyncLogEntry, 0, len(raw))
	for _, r := range raw {
		var e model.SyncLogEntry
		if err := json.Unmarshal([]byte(r), &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// AppendWebhookLog appends a compact audit record of a received
// notification and trims to the last 500.
func (s *Store) AppendWebhookLog(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, keyWebhookLog, data)
	pipe.LTrim(ctx, keyWebhookLog, -webhookLogMaxEntries, -1)
	start := time.Now()
	_, err = pipe.Exec(ctx)
	s.timeRedisOp(start)
	return err
}
