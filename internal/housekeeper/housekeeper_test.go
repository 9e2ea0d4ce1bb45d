package housekeeper

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/planner"
	"github.com/itskum47/tasksync/internal/redisstore"
	"github.com/itskum47/tasksync/internal/token"
)

type noopAcquirer struct{}

func (noopAcquirer) Acquire(ctx context.Context, kind token.Kind) (*token.Credential, error) {
	return nil, context.Canceled
}

// stubRemote never holds any mapping old enough to trigger a GetTask call
// in these tests, but is wired in so New's required RemoteClient param
// has a harmless implementation to exercise.
type stubRemote struct{}

func (stubRemote) GetTask(ctx context.Context, id string) (*model.RemoteTask, error) {
	return &model.RemoteTask{ID: id}, nil
}

func newTestHousekeeper(t *testing.T) (*Housekeeper, *redisstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redisstore.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tokens := token.NewService(store.Client(), noopAcquirer{})
	return New(store, tokens, stubRemote{}, []model.Family{model.FamilyTaskGraph}, 10000), store
}

func TestRepairAsymmetryFixesMissingReverse(t *testing.T) {
	hk, store := newTestHousekeeper(t)
	ctx := context.Background()

	if err := store.Client().HSet(ctx, "map/agent_to_remote", "a1", "r1").Err(); err != nil {
		t.Fatalf("seed forward mapping: %v", err)
	}

	hk.repairAsymmetry(ctx)

	agentID, err := store.ResolveAgent(ctx, "r1")
	if err != nil || agentID != "a1" {
		t.Fatalf("ResolveAgent(r1) = %q, %v, want a1", agentID, err)
	}
}

type notFoundRemote struct{}

func (notFoundRemote) GetTask(ctx context.Context, id string) (*model.RemoteTask, error) {
	return nil, &planner.StatusError{Status: http.StatusNotFound, Method: "GET", Path: "/tasks/" + id}
}

func TestPurgeStaleMappingsTearsDownAfter404(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := redisstore.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	tokens := token.NewService(store.Client(), noopAcquirer{})
	hk := New(store, tokens, notFoundRemote{}, []model.Family{model.FamilyTaskGraph}, 10000)

	ctx := context.Background()
	if err := store.BindMapping(ctx, "a1", "r1"); err != nil {
		t.Fatalf("BindMapping: %v", err)
	}
	stale := time.Now().UTC().Add(-25 * time.Hour).Unix()
	if err := store.Client().HSet(ctx, "map/bound_at", "a1", stale).Err(); err != nil {
		t.Fatalf("seed stale bound_at: %v", err)
	}

	hk.purgeStaleMappings(ctx)

	if _, err := store.ResolveRemote(ctx, "a1"); err != redisstore.ErrNotFound {
		t.Fatalf("ResolveRemote after purge = %v, want ErrNotFound", err)
	}
}

func TestPurgeStaleMappingsLeavesFreshBindingsAlone(t *testing.T) {
	hk, store := newTestHousekeeper(t)
	ctx := context.Background()
	if err := store.BindMapping(ctx, "a1", "r1"); err != nil {
		t.Fatalf("BindMapping: %v", err)
	}

	hk.purgeStaleMappings(ctx)

	if remoteID, err := store.ResolveRemote(ctx, "a1"); err != nil || remoteID != "r1" {
		t.Fatalf("ResolveRemote = %q, %v, want r1 (fresh binding should survive)", remoteID, err)
	}
}

func TestPublishHealthWritesSnapshot(t *testing.T) {
	hk, store := newTestHousekeeper(t)
	ctx := context.Background()

	hk.publishHealth(ctx)

	snap, err := store.GetHealth(ctx)
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}
	if snap.Status != "ok" {
		t.Fatalf("status = %q, want ok", snap.Status)
	}
	if fh, ok := snap.Subscriptions[model.FamilyTaskGraph]; !ok || fh.Status != "disabled" {
		t.Fatalf("FamilyTaskGraph health = %+v, want disabled (no subscription saved)", fh)
	}
}
