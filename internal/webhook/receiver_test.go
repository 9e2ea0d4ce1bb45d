package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/itskum47/tasksync/internal/idempotency"
	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/redisstore"
)

func newTestReceiver(t *testing.T) (*Receiver, *redisstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redisstore.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewReceiver(store, idempotency.NewStore(nil)), store
}

// seedSubscription records family's subscription descriptor so
// resolveFamily accepts notifications carrying its id/clientState.
func seedSubscription(t *testing.T, store *redisstore.Store, family, id, clientState string) {
	t.Helper()
	rec := redisstore.SubscriptionRecord{ID: id, ClientState: clientState, Status: "active"}
	if err := store.SaveSubscription(context.Background(), family, rec); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
}

func TestValidationHandshakeEchoesToken(t *testing.T) {
	r, _ := newTestReceiver(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook?validationToken=abc123", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "abc123" {
		t.Fatalf("body = %q, want abc123", w.Body.String())
	}
}

func TestBatchAcceptsMatchingClientStateOnly(t *testing.T) {
	r, store := newTestReceiver(t)
	seedSubscription(t, store, "task_graph", "s1", "tasksync-abc")
	body := `{"value":[
		{"subscriptionId":"s1","clientState":"tasksync-abc","changeType":"updated","resource":"me/planner/tasks/t1","resourceData":{"id":"t1"}},
		{"subscriptionId":"s1","clientState":"someone-else","changeType":"updated","resource":"me/planner/tasks/t2","resourceData":{"id":"t2"}}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	select {
	case n := <-r.Queue():
		if n.ResourceID != "t1" {
			t.Fatalf("queued notification = %+v, want t1", n)
		}
	default:
		t.Fatal("expected one notification queued")
	}
	select {
	case n := <-r.Queue():
		t.Fatalf("unexpected second notification queued: %+v", n)
	default:
	}
}

func TestBatchDedupesRedeliveries(t *testing.T) {
	r, store := newTestReceiver(t)
	seedSubscription(t, store, "task_graph", "s1", "tasksync-abc")
	body := `{"value":[{"subscriptionId":"s1","clientState":"tasksync-abc","changeType":"updated","resource":"me/planner/tasks/t1","resourceData":{"id":"t1"}}]}`

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
	}

	count := 0
	for {
		select {
		case <-r.Queue():
			count++
		default:
			if count != 1 {
				t.Fatalf("queued %d notifications, want 1 (redelivery should be deduped)", count)
			}
			return
		}
	}
}

func TestDecodeClassifiesResourceVariants(t *testing.T) {
	body := `{"value":[
		{"subscriptionId":"s1","clientState":"cs","changeType":"updated","resource":"groups('g1')/planner/plans('p1')/tasks('t1')","resourceData":{"id":"t1"}},
		{"subscriptionId":"s1","clientState":"cs","changeType":"updated","resource":"planner/plans('p1')","resourceData":{"id":"p1"}},
		{"subscriptionId":"s1","clientState":"cs","changeType":"updated","resource":"groups/g1/activities","resourceData":{"id":"act-1"}},
		{"subscriptionId":"s1","clientState":"cs","changeType":"created","resource":"chats('c1')/messages('m1')","resourceData":{"id":"m1"}},
		{"subscriptionId":"s1","clientState":"cs","changeType":"updated","resource":"somethingNew('x1')","resourceData":{"id":"x1"}}
	]}`

	out, err := Decode([]byte(body), time.Now())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("len(out) = %d, want 4 (unknown variant dropped)", len(out))
	}
	if out[0].ResourceKind != model.ResourceKindTask || out[0].ResourceID != "t1" {
		t.Fatalf("task variant = %+v", out[0])
	}
	if out[1].ResourceKind != model.ResourceKindPlan || out[1].PlanID != "p1" {
		t.Fatalf("plan variant = %+v", out[1])
	}
	if out[2].ResourceKind != model.ResourceKindGroup || out[2].GroupID != "g1" {
		t.Fatalf("group variant = %+v", out[2])
	}
	if out[3].ResourceKind != model.ResourceKindMessage {
		t.Fatalf("message variant = %+v", out[3])
	}
}

func TestDecodeKeepsLifecycleEventsUnclassified(t *testing.T) {
	body := `{"value":[{"subscriptionId":"s1","clientState":"cs","lifecycleEvent":"subscriptionRemoved","resource":"","resourceData":{"id":""}}]}`
	out, err := Decode([]byte(body), time.Now())
	if err != nil || len(out) != 1 {
		t.Fatalf("Decode = %+v, %v; lifecycle event must survive decoding", out, err)
	}
	if out[0].LifecycleEvent != "subscriptionRemoved" {
		t.Fatalf("LifecycleEvent = %q", out[0].LifecycleEvent)
	}
}

func TestBatchRejectsNotificationForTornDownSubscription(t *testing.T) {
	r, _ := newTestReceiver(t)
	// No subscription seeded: simulates a family torn down by
	// subscription.Manager.disable, which deletes the persisted record.
	// A prefix match alone would accept this forever; the
	// known-subscriptions lookup must not.
	body := `{"value":[{"subscriptionId":"s1","clientState":"tasksync-abc","changeType":"updated","resource":"me/planner/tasks/t1","resourceData":{"id":"t1"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	select {
	case n := <-r.Queue():
		t.Fatalf("unexpected notification queued for a torn-down subscription: %+v", n)
	default:
	}
}
