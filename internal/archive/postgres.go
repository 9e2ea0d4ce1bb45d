// Package archive mirrors sync_log and webhook_log entries into Postgres
// for long-term, queryable audit history. Redis remains the authoritative
// store for live state; this mirror is best-effort and asynchronous, so
// a write failure here never blocks or fails the operation that
// produced the entry.
package archive

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/observability"
)

// Store is the async Postgres mirror. The zero value is not usable; build
// one with New.
type Store struct {
	pool *pgxpool.Pool
	syncCh chan model.SyncLogEntry
	webhook chan model.Notification
}

// New opens a connection pool against connString and runs the schema
// migration for the two archive tables if they don't already exist.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	if err := migrate(ctx, pool); err != nil {
		return nil, err
	}

	s := &Store{
		pool: pool,
		syncCh: make(chan model.SyncLogEntry, 1000),
		webhook: make(chan model.Notification, 1000),
	}
	return s, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_log_archive (id BIGSERIAL PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL,
			event TEXT NOT NULL,
			agent_id TEXT,
			remote_id TEXT,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS sync_log_archive_occurred_at_idx ON sync_log_archive (occurred_at);

		CREATE TABLE IF NOT EXISTS webhook_log_archive (id BIGSERIAL PRIMARY KEY,
			received_at TIMESTAMPTZ NOT NULL,
			change_type TEXT NOT NULL,
			resource TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS webhook_log_archive_received_at_idx ON webhook_log_archive (received_at);
	`)
	return err
}

// Close closes the pool without draining; in-flight writes are
// fire-and-forget.
func (s *Store) Close() {
	s.pool.Close()
}

// Run drives the background writer loop until ctx is cancelled. It must
// be started exactly once per Store.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.syncCh:
			s.writeSyncLog(ctx, e)
		case n := <-s.webhook:
			s.writeWebhookLog(ctx, n)
		}
	}
}

// WriteSyncLog enqueues a sync_log entry for archival. It never blocks the
// caller on Postgres latency: the entry is dropped (and a metric
// incremented) if the writer is backed up.
func (s *Store) WriteSyncLog(entry model.SyncLogEntry) {
	select {
	case s.syncCh <- entry:
	default:
		observability.ArchiveWriteFailures.WithLabelValues("sync_log").Inc()
		log.Printf("archive: sync_log channel full, dropping entry for %s", entry.AgentID)
	}
}

// WriteWebhookLog enqueues a webhook notification for archival.
func (s *Store) WriteWebhookLog(n model.Notification) {
	select {
	case s.webhook <- n:
	default:
		observability.ArchiveWriteFailures.WithLabelValues("webhook_log").Inc()
		log.Printf("archive: webhook_log channel full, dropping entry for %s", n.ResourceID)
	}
}

func (s *Store) writeSyncLog(ctx context.Context, e model.SyncLogEntry) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.pool.Exec(writeCtx, `
		INSERT INTO sync_log_archive (occurred_at, event, agent_id, remote_id, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, e.Timestamp, e.Event, nullIfEmpty(e.AgentID), nullIfEmpty(e.RemoteID), nullIfEmpty(e.Detail))
	if err != nil {
		observability.ArchiveWriteFailures.WithLabelValues("sync_log").Inc()
		log.Printf("archive: write sync_log: %v", err)
	}
}

func (s *Store) writeWebhookLog(ctx context.Context, n model.Notification) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.pool.Exec(writeCtx, `
		INSERT INTO webhook_log_archive (received_at, change_type, resource, resource_id, subscription_id)
		VALUES ($1, $2, $3, $4, $5)
	`, n.ReceivedAt, n.ChangeType, n.Resource, n.ResourceID, n.SubscriptionID)
	if err != nil {
		observability.ArchiveWriteFailures.WithLabelValues("webhook_log").Inc()
		log.Printf("archive: write webhook_log: %v", err)
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
