// Package subscription keeps the external planner's per-family change
// notification subscriptions alive.
package subscription

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/observability"
	"github.com/itskum47/tasksync/internal/planner"
	"github.com/itskum47/tasksync/internal/redisstore"
)

// subscriptionLifetime is how far out a newly created/renewed
// subscription's expirationDateTime is set (renew well
// before the external planner's own maximum).
const subscriptionLifetime = 60 * time.Minute

// renewLeadTime is how far ahead of expiry the manager renews.
const renewLeadTime = 15 * time.Minute

// Subscriber is the subset of *planner.Client the manager needs.
type Subscriber interface {
	CreateSubscription(ctx context.Context, sub *planner.Subscription) (*planner.Subscription, error)
	RenewSubscription(ctx context.Context, id, resource, expiration string) (*planner.Subscription, error)
	DeleteSubscription(ctx context.Context, id, resource string) error
}

// Manager owns the create/renew/reap lifecycle for every subscribed
// resource family.
type Manager struct {
	store *redisstore.Store
	client Subscriber
	webhookURL string
	clientStatePrefix string
	resources map[model.Family]string

	mu sync.Mutex
	disabled map[model.Family]bool
}

// NewManager builds a Manager. resources maps each subscribed family to
// the external planner's resource path for it.
func NewManager(store *redisstore.Store, client Subscriber, webhookURL, clientStatePrefix string, resources map[model.Family]string) *Manager {
	return &Manager{
		store: store,
		client: client,
		webhookURL: webhookURL,
		clientStatePrefix: clientStatePrefix,
		resources: resources,
		disabled: make(map[model.Family]bool),
	}
}

// EnsureAll creates a subscription for any family that doesn't have one
// yet. Called once at startup.
func (m *Manager) EnsureAll(ctx context.Context) {
	for family := range m.resources {
		if _, err := m.store.GetSubscription(ctx, string(family)); err == redisstore.ErrNotFound {
			m.create(ctx, family)
		}
	}
}

// RunRenewals starts the hourly renewal cron and blocks until ctx is
// cancelled.
func (m *Manager) RunRenewals(ctx context.Context) {
	c := cron.New()
	_, err := c.AddFunc("@every 1h", func() { m.renewAll(ctx) })
	if err != nil {
		log.Printf("subscription: schedule renewals: %v", err)
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (m *Manager) renewAll(ctx context.Context) {
	for family := range m.resources {
		m.renewOne(ctx, family)
	}
}

func (m *Manager) renewOne(ctx context.Context, family model.Family) {
	m.renew(ctx, family, false)
}

// renew extends family's subscription. force skips the lead-time check,
// used when the planner demands reauthorization regardless of how far
// out the current expiry sits.
func (m *Manager) renew(ctx context.Context, family model.Family, force bool) {
	m.mu.Lock()
	if m.disabled[family] {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	rec, err := m.store.GetSubscription(ctx, string(family))
	if err != nil {
		m.create(ctx, family)
		return
	}
	if !force && time.Until(rec.ExpirationDateTime) > renewLeadTime {
		return
	}

	expiration := time.Now().UTC().Add(subscriptionLifetime).Format(time.RFC3339)
	renewed, err := m.client.RenewSubscription(ctx, rec.ID, rec.Resource, expiration)
	if err != nil {
		if planner.IsForbidden(err) {
			m.disable(ctx, family, err)
			return
		}
		if planner.IsNotFound(err) {
			// The external planner forgot about this subscription; recreate.
			m.create(ctx, family)
			observability.SubscriptionRenewalsTotal.WithLabelValues(string(family), "recreated").Inc()
			return
		}
		log.Printf("subscription: renew %s failed, recreating: %v", family, err)
		observability.SubscriptionRenewalsTotal.WithLabelValues(string(family), "failed").Inc()
		if delErr := m.client.DeleteSubscription(ctx, rec.ID, rec.Resource); delErr != nil && !planner.IsNotFound(delErr) {
			log.Printf("subscription: delete %s before recreate failed: %v", family, delErr)
		}
		m.create(ctx, family)
		return
	}

	rec.ExpirationDateTime, _ = time.Parse(time.RFC3339, renewed.ExpirationDateTime)
	rec.Status = "active"
	if err := m.store.SaveSubscription(ctx, string(family), rec); err != nil {
		log.Printf("subscription: persist renewal for %s failed: %v", family, err)
	}
	observability.SubscriptionStatus.WithLabelValues(string(family)).Set(2)
	observability.SubscriptionRenewalsTotal.WithLabelValues(string(family), "renewed").Inc()
}

func (m *Manager) create(ctx context.Context, family model.Family) {
	resource, ok := m.resources[family]
	if !ok {
		return
	}
	expiration := time.Now().UTC().Add(subscriptionLifetime).Format(time.RFC3339)
	sub := &planner.Subscription{
		Resource: resource,
		ChangeType: "created,updated,deleted",
		NotificationURL: m.webhookURL,
		ExpirationDateTime: expiration,
		ClientState: m.clientStatePrefix + "-" + string(family),
	}
	created, err := m.client.CreateSubscription(ctx, sub)
	if err != nil {
		if planner.IsForbidden(err) {
			m.disable(ctx, family, err)
			return
		}
		log.Printf("subscription: create %s failed: %v", family, err)
		return
	}

	expiresAt, _ := time.Parse(time.RFC3339, created.ExpirationDateTime)
	rec := redisstore.SubscriptionRecord{
		ID: created.ID,
		Resource: resource,
		ExpirationDateTime: expiresAt,
		ClientState: created.ClientState,
		Status: "active",
	}
	if err := m.store.SaveSubscription(ctx, string(family), rec); err != nil {
		log.Printf("subscription: persist new subscription for %s failed: %v", family, err)
	}
	observability.SubscriptionStatus.WithLabelValues(string(family)).Set(2)
}

// HandleLifecycle reacts to the lifecycle notifications the webhook
// receiver routes here instead of the download pipeline: a removed
// subscription is recreated immediately, a reauthorization demand goes
// through the renewal path (which falls back to delete-and-recreate on
// failure).
func (m *Manager) HandleLifecycle(ctx context.Context, n model.Notification) {
	family, ok := m.familyBySubscriptionID(ctx, n.SubscriptionID)
	if !ok {
		log.Printf("subscription: lifecycle event %q for unknown subscription %s", n.LifecycleEvent, n.SubscriptionID)
		return
	}
	switch n.LifecycleEvent {
	case "subscriptionRemoved":
		if err := m.store.DeleteSubscription(ctx, string(family)); err != nil {
			log.Printf("subscription: clear removed descriptor for %s failed: %v", family, err)
		}
		m.create(ctx, family)
	case "reauthorizationRequired":
		m.renew(ctx, family, true)
	default:
		log.Printf("subscription: ignoring lifecycle event %q for %s", n.LifecycleEvent, family)
	}
}

func (m *Manager) familyBySubscriptionID(ctx context.Context, subscriptionID string) (model.Family, bool) {
	subs, err := m.store.AllSubscriptions(ctx)
	if err != nil {
		log.Printf("subscription: load subscriptions failed: %v", err)
		return "", false
	}
	for family, rec := range subs {
		if rec.ID == subscriptionID {
			return model.Family(family), true
		}
	}
	return "", false
}

// disable marks a family's subscription as permanently unavailable after
// a 403: the download pipeline's polling fallback becomes the only
// source of updates for this family.
func (m *Manager) disable(ctx context.Context, family model.Family, cause error) {
	m.mu.Lock()
	m.disabled[family] = true
	m.mu.Unlock()

	log.Printf("subscription: disabling %s after forbidden response: %v", family, cause)
	observability.SubscriptionStatus.WithLabelValues(string(family)).Set(0)
	if err := m.store.DeleteSubscription(ctx, string(family)); err != nil {
		log.Printf("subscription: clear disabled descriptor for %s failed: %v", family, err)
	}
}
