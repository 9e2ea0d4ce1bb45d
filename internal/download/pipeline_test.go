package download

import (
	"context"
	"errors"
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
	tasks map[string]*model.RemoteTask
	groupPlans map[string][]planner.GroupPlan
	fetches int
}

func (f *fakeRemote) GetTaskIfChanged(ctx context.Context, id, etag string) (*model.RemoteTask, error) {
	f.fetches++
	task, ok := f.tasks[id]
	if !ok {
		return nil, errors.New("remote: no such task")
	}
	if etag != "" && etag == task.ETag {
		return nil, planner.ErrNotModified
	}
	copied := *task
	return &copied, nil
}

func (f *fakeRemote) ListPlanTasks(ctx context.Context, planID string) ([]model.RemoteTask, error) {
	var out []model.RemoteTask
	for _, t := range f.tasks {
		if t.PlanID == planID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeRemote) ListGroupPlans(ctx context.Context, groupID string) ([]planner.GroupPlan, error) {
	return f.groupPlans[groupID], nil
}

func newTestPipeline(t *testing.T, remote *fakeRemote) (*Pipeline, *redisstore.Store, *adapter.Mapper) {
	t.Helper()
	store := newTestStore(t)
	mapper := adapter.NewMapper(store)
	p := NewPipeline(store, remote, mapper, nil, 30*time.Second, "planner_sync")
	return p, store, mapper
}

func TestProcessCreatesFromUnmappedRemote(t *testing.T) {
	remote := &fakeRemote{tasks: map[string]*model.RemoteTask{
		"r1": {ID: "r1", Title: "From planner", PercentComplete: 0, ETag: "etag-1"},
	}}
	p, store, mapper := newTestPipeline(t, remote)
	ctx := context.Background()

	if outcome := p.process(ctx, "r1", "created"); outcome != "created" {
		t.Fatalf("outcome = %q, want created", outcome)
	}

	agentID, err := mapper.ResolveAgent(ctx, "r1")
	if err != nil {
		t.Fatalf("ResolveAgent: %v", err)
	}
	list, err := store.GlobalList(ctx, "planner_sync")
	if err != nil || len(list) != 1 {
		t.Fatalf("GlobalList = %+v, %v; want one task", list, err)
	}
	if list[0].ID != agentID || list[0].Title != "From planner" {
		t.Fatalf("inserted task = %+v", list[0])
	}
	if etag, err := store.GetETag(ctx, "r1"); err != nil || etag != "etag-1" {
		t.Fatalf("GetETag = %q, %v; want etag-1", etag, err)
	}
}

func TestProcessIsIdempotentViaCachedSnapshot(t *testing.T) {
	remote := &fakeRemote{tasks: map[string]*model.RemoteTask{
		"r1": {ID: "r1", Title: "From planner", ETag: "etag-1"},
	}}
	p, store, _ := newTestPipeline(t, remote)
	ctx := context.Background()

	if outcome := p.process(ctx, "r1", "created"); outcome != "created" {
		t.Fatal("first apply should create")
	}
	if outcome := p.process(ctx, "r1", "updated"); outcome != "noop" {
		t.Fatalf("second apply = %q, want noop", outcome)
	}
	list, _ := store.GlobalList(ctx, "planner_sync")
	if len(list) != 1 {
		t.Fatalf("reapplied notification duplicated the task: %+v", list)
	}
}

func TestProcessDeletedTearsDownTaskAndMapping(t *testing.T) {
	remote := &fakeRemote{tasks: map[string]*model.RemoteTask{}}
	p, store, mapper := newTestPipeline(t, remote)
	ctx := context.Background()

	task := &model.AgentTask{ID: "a2", Title: "Doomed", SourceList: "planner_sync"}
	if _, err := store.InsertNewAgentTask(ctx, "planner_sync", task); err != nil {
		t.Fatalf("InsertNewAgentTask: %v", err)
	}
	if err := mapper.Bind(ctx, "a2", "r2"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := store.SetETag(ctx, "r2", "etag-2"); err != nil {
		t.Fatalf("SetETag: %v", err)
	}

	if outcome := p.process(ctx, "r2", "deleted"); outcome != "deleted" {
		t.Fatal("expected deleted outcome")
	}
	if list, _ := store.GlobalList(ctx, "planner_sync"); len(list) != 0 {
		t.Fatalf("task should be removed, got %+v", list)
	}
	if _, err := mapper.ResolveAgent(ctx, "r2"); err == nil {
		t.Fatal("mapping should be torn down")
	}
	if _, err := store.GetETag(ctx, "r2"); err != redisstore.ErrNotFound {
		t.Fatalf("etag sidecar should be cleared, got %v", err)
	}

	// Re-delivery of the delete is a no-op.
	if outcome := p.process(ctx, "r2", "deleted"); outcome != "noop" {
		t.Fatal("second delete should be a no-op")
	}
}

func TestApplyNotificationPlanScanReconcilesEveryTask(t *testing.T) {
	remote := &fakeRemote{tasks: map[string]*model.RemoteTask{
		"r1": {ID: "r1", Title: "First", PlanID: "plan-1", ETag: "e1"},
		"r2": {ID: "r2", Title: "Second", PlanID: "plan-1", ETag: "e2"},
		"r9": {ID: "r9", Title: "Other plan", PlanID: "plan-9", ETag: "e9"},
	}}
	p, store, _ := newTestPipeline(t, remote)
	ctx := context.Background()

	p.applyNotification(ctx, model.Notification{
		ResourceKind: model.ResourceKindPlan,
		PlanID: "plan-1",
		Family: model.FamilyGroupActivity,
	})

	list, err := store.GlobalList(ctx, "planner_sync")
	if err != nil || len(list) != 2 {
		t.Fatalf("GlobalList = %+v, %v; want the two plan-1 tasks", list, err)
	}
}

func TestApplyNotificationGroupScanCoversOwnedPlans(t *testing.T) {
	remote := &fakeRemote{
		tasks: map[string]*model.RemoteTask{
			"r1": {ID: "r1", Title: "Grouped", PlanID: "plan-1", ETag: "e1"},
		},
		groupPlans: map[string][]planner.GroupPlan{
			"g1": {{ID: "plan-1", Title: "Roadmap"}},
		},
	}
	p, store, _ := newTestPipeline(t, remote)
	ctx := context.Background()

	p.applyNotification(ctx, model.Notification{
		ResourceKind: model.ResourceKindGroup,
		GroupID: "g1",
		Family: model.FamilyGroupActivity,
	})

	list, err := store.GlobalList(ctx, "planner_sync")
	if err != nil || len(list) != 1 || list[0].Title != "Grouped" {
		t.Fatalf("GlobalList = %+v, %v; want the group's task", list, err)
	}
}

func TestApplyNotificationMessageKindIsInert(t *testing.T) {
	remote := &fakeRemote{tasks: map[string]*model.RemoteTask{}}
	p, store, _ := newTestPipeline(t, remote)
	ctx := context.Background()

	p.applyNotification(ctx, model.Notification{
		ResourceKind: model.ResourceKindMessage,
		ResourceID: "msg-1",
		Family: model.FamilyChatMessages,
	})

	if remote.fetches != 0 {
		t.Fatalf("message notification must not fetch tasks, got %d fetches", remote.fetches)
	}
	if list, _ := store.GlobalList(ctx, "planner_sync"); len(list) != 0 {
		t.Fatalf("message notification must not create tasks: %+v", list)
	}
}

func TestProcessAgentWinsOutsideGraceWindow(t *testing.T) {
	agentEdit := time.Now().UTC()
	remoteEdit := agentEdit.Add(-5 * time.Minute)
	remote := &fakeRemote{tasks: map[string]*model.RemoteTask{
		"r3": {
			ID: "r3",
			Title: "Stale remote title",
			PercentComplete: 75,
			ETag: "etag-3",
			LastModifiedDateTime: remoteEdit.Format(time.RFC3339),
		},
	}}
	p, store, mapper := newTestPipeline(t, remote)
	ctx := context.Background()

	task := &model.AgentTask{ID: "a3", Title: "Fresh agent title", UpdatedAt: agentEdit, SourceList: "planner_sync"}
	if _, err := store.InsertNewAgentTask(ctx, "planner_sync", task); err != nil {
		t.Fatalf("InsertNewAgentTask: %v", err)
	}
	if err := mapper.Bind(ctx, "a3", "r3"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if outcome := p.process(ctx, "r3", "updated"); outcome != "conflict_agent_won" {
		t.Fatalf("outcome = %q, want conflict_agent_won", outcome)
	}
	list, _ := store.GlobalList(ctx, "planner_sync")
	if len(list) != 1 || list[0].Title != "Fresh agent title" {
		t.Fatalf("agent task should be untouched, got %+v", list)
	}
}

func TestProcessRemoteWinsInsideGraceWindow(t *testing.T) {
	agentEdit := time.Now().UTC()
	remoteEdit := agentEdit.Add(8 * time.Second)
	remote := &fakeRemote{tasks: map[string]*model.RemoteTask{
		"r4": {
			ID: "r4",
			Title: "Human edit",
			PercentComplete: 75,
			ETag: "etag-4",
			LastModifiedDateTime: remoteEdit.Format(time.RFC3339),
		},
	}}
	p, store, mapper := newTestPipeline(t, remote)
	ctx := context.Background()

	task := &model.AgentTask{
		ID: "a4",
		Title: "Agent edit",
		Status: model.StatusInProgress,
		UpdatedAt: agentEdit,
		Labels: []string{"keep-me"},
		SourceList: "planner_sync",
	}
	if _, err := store.InsertNewAgentTask(ctx, "planner_sync", task); err != nil {
		t.Fatalf("InsertNewAgentTask: %v", err)
	}
	if err := mapper.Bind(ctx, "a4", "r4"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if outcome := p.process(ctx, "r4", "updated"); outcome != "conflict_remote_won" {
		t.Fatalf("outcome = %q, want conflict_remote_won", outcome)
	}
	list, _ := store.GlobalList(ctx, "planner_sync")
	if len(list) != 1 {
		t.Fatalf("expected one task, got %+v", list)
	}
	merged := list[0]
	if merged.PercentComplete != 0.75 {
		t.Fatalf("percent_complete = %v, want 0.75", merged.PercentComplete)
	}
	if len(merged.Labels) != 1 || merged.Labels[0] != "keep-me" {
		t.Fatalf("agent-owned labels should be preserved, got %+v", merged.Labels)
	}
}
