// Package observability holds the Prometheus metrics emitted across the
// sync engine, as one promauto-backed package-level var block rather than
// a metrics struct threaded through every component.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisLatency tracks Redis operation roundtrip latency across every
	// redisstore call.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "tasksync_redis_roundtrip_latency_seconds",
		Help: "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// UploadQueueDepth tracks pending_ops depth.
	UploadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tasksync_upload_queue_depth",
		Help: "Current number of operations waiting in pending_ops",
	})

	// UploadOpsTotal tracks upload operations by kind and outcome.
	UploadOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_upload_ops_total",
		Help: "Total upload operations processed",
	}, []string{"kind", "outcome"}) // outcome: success, retry, failed, demoted

	// UploadOpDuration tracks end-to-end operation execution time.
	UploadOpDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "tasksync_upload_op_duration_seconds",
		Help: "Duration of a single upload operation execution",
		Buckets: prometheus.DefBuckets,
	})

	// DownloadNotificationsTotal tracks webhook notifications processed
	// by outcome.
	DownloadNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_download_notifications_total",
		Help: "Total webhook notifications processed",
	}, []string{"family", "outcome"}) // outcome: created, deleted, conflict_remote_won, conflict_agent_won, discarded, noop, no_task_payload

	// PollTicksTotal tracks polling-fallback ticks by family.
	PollTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_poll_ticks_total",
		Help: "Total polling-fallback ticks executed",
	}, []string{"family"})

	// WebhookQueueDepth tracks the webhook receiver's in-memory queue.
	WebhookQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tasksync_webhook_queue_depth",
		Help: "Current depth of the webhook receiver's in-memory notification queue",
	})

	// WebhookQueueDropsTotal tracks notifications dropped on overflow.
	WebhookQueueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_webhook_queue_drops_total",
		Help: "Notifications dropped because the in-memory queue was full",
	})

	// WebhookBudgetDeferredTotal counts notifications left unprocessed
	// when the receiver's ack budget ran out; redelivery or the polling
	// fallback picks them up.
	WebhookBudgetDeferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_webhook_budget_deferred_total",
		Help: "Notifications deferred to redelivery because the ack budget was spent",
	})

	// WebhookRejectedTotal tracks notifications discarded for clientState
	// mismatch.
	WebhookRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_webhook_rejected_total",
		Help: "Notifications discarded due to clientState mismatch",
	})

	// SubscriptionStatus tracks per-family subscription health (0=disabled,
	// 1=degraded, 2=active).
	SubscriptionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tasksync_subscription_status",
		Help: "Subscription health per resource family",
	}, []string{"family"})

	// SubscriptionRenewalsTotal tracks renewal attempts by outcome.
	SubscriptionRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_subscription_renewals_total",
		Help: "Subscription renewal attempts",
	}, []string{"family", "outcome"}) // outcome: renewed, recreated, failed

	// TokenAgeSeconds tracks the age of the cached token per kind.
	TokenAgeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tasksync_token_age_seconds",
		Help: "Age in seconds of the currently cached bearer token",
	}, []string{"kind"})

	// TokenRefreshTotal tracks refresh attempts by kind and outcome.
	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_token_refresh_total",
		Help: "Token refresh attempts",
	}, []string{"kind", "outcome"}) // outcome: success, failed, mfa_required

	// PlannerRequestDuration tracks outbound HTTP call latency to the
	// external planner.
	PlannerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "tasksync_planner_request_duration_seconds",
		Help: "External planner HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status_class"})

	// PlannerRateLimitedTotal tracks 429 responses encountered.
	PlannerRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_planner_rate_limited_total",
		Help: "429 responses received from the external planner",
	})

	// HousekeeperPurgedMappings tracks mappings torn down by the
	// housekeeper after a confirmed 404.
	HousekeeperPurgedMappings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_housekeeper_purged_mappings_total",
		Help: "Mappings torn down after the remote task returned 404",
	})

	// HousekeeperRepairedAsymmetry tracks forward/reverse mapping repairs.
	HousekeeperRepairedAsymmetry = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_housekeeper_repaired_asymmetry_total",
		Help: "Mapping asymmetries repaired after a partial bind crash",
	})

	// ArchiveWriteFailures tracks best-effort audit-archive write failures.
	ArchiveWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_archive_write_failures_total",
		Help: "Failed best-effort audit archive writes",
	}, []string{"table"})

	// StreamHubClients tracks connected operator live-feed clients.
	StreamHubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tasksync_streamhub_clients",
		Help: "Currently connected operator stream clients",
	})
)
