package upload

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/itskum47/tasksync/internal/adapter"
	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/planner"
	"github.com/itskum47/tasksync/internal/redisstore"
)

func newTestStore(t *testing.T) *redisstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redisstore.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeRemote struct {
	created []*model.RemoteTask
	patched map[string]map[string]any
	deleted []string
	createID string
}

func (f *fakeRemote) CreateTask(ctx context.Context, rt *model.RemoteTask) (*model.RemoteTask, error) {
	f.created = append(f.created, rt)
	out := *rt
	out.ID = f.createID
	out.ETag = "etag-1"
	return &out, nil
}

func (f *fakeRemote) PatchTask(ctx context.Context, id string, fields map[string]any, ifMatch string) (*model.RemoteTask, error) {
	if f.patched == nil {
		f.patched = make(map[string]map[string]any)
	}
	f.patched[id] = fields
	return &model.RemoteTask{ID: id, ETag: "etag-2"}, nil
}

func (f *fakeRemote) DeleteTask(ctx context.Context, id, ifMatch string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRemote) GetTask(ctx context.Context, id string) (*model.RemoteTask, error) {
	return &model.RemoteTask{ID: id, ETag: "etag-fresh"}, nil
}

// alwaysPreconditionFailedRemote patches always lose the ETag race, used
// to exercise the rebase-once-then-demote path.
type alwaysPreconditionFailedRemote struct{}

func (alwaysPreconditionFailedRemote) CreateTask(ctx context.Context, rt *model.RemoteTask) (*model.RemoteTask, error) {
	return nil, errors.New("not implemented")
}

func (alwaysPreconditionFailedRemote) PatchTask(ctx context.Context, id string, fields map[string]any, ifMatch string) (*model.RemoteTask, error) {
	return nil, &planner.StatusError{Status: http.StatusPreconditionFailed, Method: "PATCH", Path: "/tasks/" + id}
}

func (alwaysPreconditionFailedRemote) DeleteTask(ctx context.Context, id, ifMatch string) error {
	return errors.New("not implemented")
}

func (alwaysPreconditionFailedRemote) GetTask(ctx context.Context, id string) (*model.RemoteTask, error) {
	return &model.RemoteTask{ID: id, ETag: "etag-fresh"}, nil
}

type fakeConflictResolver struct{ called []string }

func (f *fakeConflictResolver) ProcessRemoteID(ctx context.Context, remoteID string) string {
	f.called = append(f.called, remoteID)
	return "conflict_remote_won"
}

func TestExecuteUpdateDemotesAfterSecondPreconditionFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mapper := adapter.NewMapper(store)
	if err := mapper.Bind(ctx, "a1", "r1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := store.SetETag(ctx, "r1", "etag-old"); err != nil {
		t.Fatalf("SetETag: %v", err)
	}

	resolver := &fakeConflictResolver{}
	w := NewWorker(store, alwaysPreconditionFailedRemote{}, mapper, nil, "plan-1", "bucket-1", WithConflictResolver(resolver))

	op := &model.Operation{ID: "op4", Kind: model.OpUpdate, AgentID: "a1", Fields: map[string]any{"title": "new"}}
	if outcome := w.execute(ctx, op); outcome != "demoted" {
		t.Fatalf("outcome = %q, want demoted", outcome)
	}
	if len(resolver.called) != 1 || resolver.called[0] != "r1" {
		t.Fatalf("resolver called = %v, want [r1]", resolver.called)
	}
}

func TestExecuteCreateBindsMapping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &model.AgentTask{ID: "a1", Title: "Draft", SourceList: "today"}
	if _, err := store.InsertNewAgentTask(ctx, "today", task); err != nil {
		t.Fatalf("InsertNewAgentTask: %v", err)
	}

	remote := &fakeRemote{createID: "r1"}
	mapper := adapter.NewMapper(store)
	w := NewWorker(store, remote, mapper, nil, "plan-1", "bucket-1")

	op := &model.Operation{ID: "op1", Kind: model.OpCreate, AgentID: "a1", EnqueuedAt: time.Now()}
	if err := w.executeCreate(ctx, op); err != nil {
		t.Fatalf("executeCreate: %v", err)
	}

	remoteID, err := mapper.ResolveRemote(ctx, "a1")
	if err != nil || remoteID != "r1" {
		t.Fatalf("ResolveRemote = %q, %v, want r1", remoteID, err)
	}
	etag, err := store.GetETag(ctx, "r1")
	if err != nil || etag != "etag-1" {
		t.Fatalf("GetETag = %q, %v, want etag-1", etag, err)
	}
}

func TestExecuteUpdateSendsPatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mapper := adapter.NewMapper(store)

	if err := mapper.Bind(ctx, "a1", "r1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := store.SetETag(ctx, "r1", "etag-old"); err != nil {
		t.Fatalf("SetETag: %v", err)
	}

	remote := &fakeRemote{}
	w := NewWorker(store, remote, mapper, nil, "plan-1", "bucket-1")

	op := &model.Operation{ID: "op2", Kind: model.OpUpdate, AgentID: "a1", Fields: map[string]any{"title": "new"}}
	if err := w.executeUpdate(ctx, op); err != nil {
		t.Fatalf("executeUpdate: %v", err)
	}
	if got := remote.patched["r1"]["title"]; got != "new" {
		t.Fatalf("patched title = %v, want new", got)
	}
	etag, _ := store.GetETag(ctx, "r1")
	if etag != "etag-2" {
		t.Fatalf("etag after update = %q, want etag-2", etag)
	}
}

func TestExecuteDeleteUnbindsMapping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mapper := adapter.NewMapper(store)

	if err := mapper.Bind(ctx, "a1", "r1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	remote := &fakeRemote{}
	w := NewWorker(store, remote, mapper, nil, "plan-1", "bucket-1")

	op := &model.Operation{ID: "op3", Kind: model.OpDelete, AgentID: "a1"}
	if err := w.executeDelete(ctx, op); err != nil {
		t.Fatalf("executeDelete: %v", err)
	}
	if len(remote.deleted) != 1 || remote.deleted[0] != "r1" {
		t.Fatalf("deleted = %v, want [r1]", remote.deleted)
	}
	if _, err := mapper.ResolveRemote(ctx, "a1"); err != redisstore.ErrNotFound {
		t.Fatalf("ResolveRemote after delete err = %v, want ErrNotFound", err)
	}
}
