package subscription

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/planner"
	"github.com/itskum47/tasksync/internal/redisstore"
)

func newTestManagerStore(t *testing.T) *redisstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redisstore.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeSubscriber struct {
	created int
	renewed int
	forbidRenew bool
}

func (f *fakeSubscriber) CreateSubscription(ctx context.Context, sub *planner.Subscription) (*planner.Subscription, error) {
	f.created++
	out := *sub
	out.ID = "sub-1"
	return &out, nil
}

func (f *fakeSubscriber) RenewSubscription(ctx context.Context, id, resource, expiration string) (*planner.Subscription, error) {
	if f.forbidRenew {
		return nil, &planner.StatusError{Status: http.StatusForbidden, Method: "PATCH", Path: "/subscriptions/" + id}
	}
	f.renewed++
	return &planner.Subscription{ID: id, ExpirationDateTime: expiration}, nil
}

func (f *fakeSubscriber) DeleteSubscription(ctx context.Context, id, resource string) error {
	return nil
}

func TestEnsureAllCreatesMissingSubscriptions(t *testing.T) {
	store := newTestManagerStore(t)
	sub := &fakeSubscriber{}
	mgr := NewManager(store, sub, "https://example.test/webhook", "tasksync", map[model.Family]string{
		model.FamilyTaskGraph: "me/planner/tasks",
	})

	mgr.EnsureAll(context.Background())
	if sub.created != 1 {
		t.Fatalf("created = %d, want 1", sub.created)
	}
	rec, err := store.GetSubscription(context.Background(), string(model.FamilyTaskGraph))
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if rec.ID != "sub-1" {
		t.Fatalf("rec.ID = %q, want sub-1", rec.ID)
	}
}

func TestHandleLifecycleRecreatesRemovedSubscription(t *testing.T) {
	store := newTestManagerStore(t)
	sub := &fakeSubscriber{}
	mgr := NewManager(store, sub, "https://example.test/webhook", "tasksync", map[model.Family]string{
		model.FamilyTaskGraph: "me/planner/tasks",
	})

	ctx := context.Background()
	if err := store.SaveSubscription(ctx, string(model.FamilyTaskGraph), redisstore.SubscriptionRecord{
		ID: "sub-0",
		Resource: "me/planner/tasks",
		ExpirationDateTime: time.Now().Add(time.Hour),
		Status: "active",
	}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	mgr.HandleLifecycle(ctx, model.Notification{
		SubscriptionID: "sub-0",
		LifecycleEvent: "subscriptionRemoved",
	})

	if sub.created != 1 {
		t.Fatalf("created = %d, want 1 (removed subscription should be recreated)", sub.created)
	}
	rec, err := store.GetSubscription(ctx, string(model.FamilyTaskGraph))
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if rec.ID != "sub-1" {
		t.Fatalf("rec.ID = %q, want sub-1", rec.ID)
	}
}

func TestRenewDisablesOnForbidden(t *testing.T) {
	store := newTestManagerStore(t)
	sub := &fakeSubscriber{forbidRenew: true}
	mgr := NewManager(store, sub, "https://example.test/webhook", "tasksync", map[model.Family]string{
		model.FamilyTaskGraph: "me/planner/tasks",
	})

	ctx := context.Background()
	if err := store.SaveSubscription(ctx, string(model.FamilyTaskGraph), redisstore.SubscriptionRecord{
		ID: "sub-1",
		Resource: "me/planner/tasks",
		ExpirationDateTime: time.Now().Add(time.Minute),
		Status: "active",
	}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	mgr.renewOne(ctx, model.FamilyTaskGraph)

	if _, err := store.GetSubscription(ctx, string(model.FamilyTaskGraph)); err != redisstore.ErrNotFound {
		t.Fatalf("expected subscription cleared after disable, err = %v", err)
	}
}
