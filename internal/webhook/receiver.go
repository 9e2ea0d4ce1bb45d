package webhook

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/itskum47/tasksync/internal/idempotency"
	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/observability"
	"github.com/itskum47/tasksync/internal/redisstore"
)

// queueCapacity bounds the in-memory notification queue; once full, the
// oldest entry is dropped to make room rather than blocking the HTTP
// handler.
const queueCapacity = 2048

// ackBudget is the maximum time the handler may spend on synchronous
// per-notification work before returning HTTP 202. Notifications left
// unprocessed when it runs out are counted and abandoned; the planner's
// redelivery or the polling fallback picks them up.
const ackBudget = 200 * time.Millisecond

// Receiver is the HTTP handler for the external planner's webhook
// callback URL.
type Receiver struct {
	store *redisstore.Store
	dedupe *idempotency.Store
	queue chan model.Notification

	onWebhook func() // called once per accepted batch, used to reset poll backoff
	onLifecycle func(model.Notification) // subscription manager's lifecycle-event entry point
	archiver func(model.Notification) // mirrors accepted notifications into long-term storage
}

// Option configures a Receiver beyond its required constructor args.
type Option func(*Receiver)

// WithArchiver mirrors every accepted notification into fn, typically an
// *archive.Store's WriteWebhookLog, for long-term audit history
// alongside the trimmed live webhook_log.
func WithArchiver(fn func(model.Notification)) Option {
	return func(r *Receiver) { r.archiver = fn }
}

// NewReceiver builds a Receiver.
func NewReceiver(store *redisstore.Store, dedupe *idempotency.Store, opts ...Option) *Receiver {
	r := &Receiver{
		store: store,
		dedupe: dedupe,
		queue: make(chan model.Notification, queueCapacity),
		onWebhook: func() {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Queue returns the channel download.Pipeline.Run consumes.
func (r *Receiver) Queue() <-chan model.Notification { return r.queue }

// OnWebhook registers a callback invoked once per batch that carried at
// least one task-bearing notification (wired to Poller.NotifyWebhook by
// cmd/syncd).
func (r *Receiver) OnWebhook(fn func()) { r.onWebhook = fn }

// OnLifecycle registers the handler for reauthorizationRequired and
// subscriptionRemoved events, which go to the subscription manager
// rather than the download queue.
func (r *Receiver) OnLifecycle(fn func(model.Notification)) { r.onLifecycle = fn }

// ServeHTTP implements the validation handshake and notification batch
// intake.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if token := req.URL.Query().Get("validationToken"); token != "" {
		r.handleValidation(w, token)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	notifications, err := Decode(body, now)
	if err != nil {
		http.Error(w, "malformed batch", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), ackBudget)
	defer cancel()

	taskRelevant := false
	for i, n := range notifications {
		if ctx.Err() != nil {
			deferred := len(notifications) - i
			observability.WebhookBudgetDeferredTotal.Add(float64(deferred))
			log.Printf("webhook: ack budget spent, leaving %d notifications to redelivery", deferred)
			break
		}
		family, ok := r.resolveFamily(ctx, n)
		if !ok {
			observability.WebhookRejectedTotal.Inc()
			continue
		}
		n.Family = family
		if r.dedupe.Seen(ctx, NotificationID(n)) {
			continue
		}
		if err := r.store.TouchSubscriptionEvent(ctx, string(family), now); err != nil {
			log.Printf("webhook: touch subscription event for %s failed: %v", family, err)
		}
		if err := r.store.AppendWebhookLog(ctx, n); err != nil {
			log.Printf("webhook: append webhook_log failed: %v", err)
		}
		if r.archiver != nil {
			r.archiver(n)
		}
		if n.LifecycleEvent != "" {
			if r.onLifecycle != nil {
				go r.onLifecycle(n)
			}
			continue
		}
		r.enqueue(n)
		switch n.ResourceKind {
		case model.ResourceKindTask, model.ResourceKindPlan, model.ResourceKindGroup:
			taskRelevant = true
		}
	}

	// Only task-bearing notifications keep the poller backed off: a
	// stream of message notifications says nothing about whether task
	// edits are being delivered.
	if taskRelevant {
		r.onWebhook()
	}

	w.WriteHeader(http.StatusAccepted)
}

func (r *Receiver) enqueue(n model.Notification) {
	select {
	case r.queue <- n:
	default:
		select {
		case <-r.queue:
			observability.WebhookQueueDropsTotal.Inc()
		default:
		}
		select {
		case r.queue <- n:
		default:
		}
	}
	observability.WebhookQueueDepth.Set(float64(len(r.queue)))
}

// resolveFamily validates n against the known-subscriptions table rather
// than a static clientState prefix: a family whose subscription was torn
// down by subscription.Manager.disable no longer has an entry here, so a
// notification still carrying its defunct subscriptionId/clientState is
// rejected instead of being accepted forever.
func (r *Receiver) resolveFamily(ctx context.Context, n model.Notification) (model.Family, bool) {
	subs, err := r.store.AllSubscriptions(ctx)
	if err != nil {
		log.Printf("webhook: load known subscriptions failed: %v", err)
		return "", false
	}
	for family, rec := range subs {
		if rec.ID == n.SubscriptionID && rec.ClientState == n.ClientState {
			return model.Family(family), true
		}
	}
	return "", false
}

func (r *Receiver) handleValidation(w http.ResponseWriter, token string) {
	decoded, err := url.QueryUnescape(token)
	if err != nil {
		decoded = token
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(decoded))
}
