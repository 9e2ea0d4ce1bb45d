package download

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/tasksync/internal/adapter"
	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/observability"
	"github.com/itskum47/tasksync/internal/planner"
	"github.com/itskum47/tasksync/internal/redisstore"
)

// RemoteClient is the subset of *planner.Client the download pipeline
// needs. The conditional read sends If-None-Match with the cached etag
// and surfaces planner.ErrNotModified on a 304; the two listings expand
// plan- and group-scoped notifications into per-task work.
type RemoteClient interface {
	GetTaskIfChanged(ctx context.Context, id, etag string) (*model.RemoteTask, error)
	ListPlanTasks(ctx context.Context, planID string) ([]model.RemoteTask, error)
	ListGroupPlans(ctx context.Context, groupID string) ([]planner.GroupPlan, error)
}

// Pipeline applies inbound notifications (from the webhook queue or a
// polling tick) to the conscious-state document.
type Pipeline struct {
	store *redisstore.Store
	remote RemoteClient
	mapper *adapter.Mapper
	userIDs adapter.UserIDMap
	graceWindow time.Duration
	sourceList string
}

// NewPipeline builds a download Pipeline. sourceList is the global
// conscious-state list newly discovered remote tasks land in, normally
// "planner_sync".
func NewPipeline(store *redisstore.Store, remote RemoteClient, mapper *adapter.Mapper, userIDs adapter.UserIDMap, graceWindow time.Duration, sourceList string) *Pipeline {
	return &Pipeline{
		store: store,
		remote: remote,
		mapper: mapper,
		userIDs: userIDs,
		graceWindow: graceWindow,
		sourceList: sourceList,
	}
}

// Run consumes notifications off queue until it is closed or ctx is
// cancelled.
func (p *Pipeline) Run(ctx context.Context, queue <-chan model.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-queue:
			if !ok {
				return
			}
			p.applyNotification(ctx, n)
		}
	}
}

// applyNotification dispatches on the notification's decoded resource
// variant: task-scoped applies directly, plan- and group-scoped expand
// into a scan, and message-stream notifications carry no task payload.
func (p *Pipeline) applyNotification(ctx context.Context, n model.Notification) {
	family := string(n.Family)
	switch n.ResourceKind {
	case model.ResourceKindTask:
		outcome := p.process(ctx, n.ResourceID, n.ChangeType)
		observability.DownloadNotificationsTotal.WithLabelValues(family, outcome).Inc()
	case model.ResourceKindPlan:
		p.scanPlan(ctx, n.PlanID, family)
	case model.ResourceKindGroup:
		p.scanGroup(ctx, n.GroupID, family)
	default:
		observability.DownloadNotificationsTotal.WithLabelValues(family, "no_task_payload").Inc()
	}
}

// scanPlan reconciles every task under a plan through the per-task apply
// path, used when a notification names a plan rather than a task.
func (p *Pipeline) scanPlan(ctx context.Context, planID, family string) {
	tasks, err := p.remote.ListPlanTasks(ctx, planID)
	if err != nil {
		log.Printf("download: scan plan %s failed: %v", planID, err)
		observability.DownloadNotificationsTotal.WithLabelValues(family, "discarded").Inc()
		return
	}
	for _, t := range tasks {
		outcome := p.process(ctx, t.ID, "updated")
		observability.DownloadNotificationsTotal.WithLabelValues(family, outcome).Inc()
	}
}

// scanGroup expands a group-activity notification into a scan of every
// plan the group owns.
func (p *Pipeline) scanGroup(ctx context.Context, groupID, family string) {
	plans, err := p.remote.ListGroupPlans(ctx, groupID)
	if err != nil {
		log.Printf("download: list plans for group %s failed: %v", groupID, err)
		observability.DownloadNotificationsTotal.WithLabelValues(family, "discarded").Inc()
		return
	}
	for _, plan := range plans {
		p.scanPlan(ctx, plan.ID, family)
	}
}

// ProcessRemoteID drives the same apply logic for a polling tick, which
// has a remote id and an implicit changeType of "updated". The upload
// worker's conflict demotion also enters here.
func (p *Pipeline) ProcessRemoteID(ctx context.Context, remoteID string) string {
	return p.process(ctx, remoteID, "updated")
}

func (p *Pipeline) process(ctx context.Context, remoteID, changeType string) string {
	if changeType == "deleted" {
		agentID, err := p.mapper.ResolveAgent(ctx, remoteID)
		if err != nil {
			return "noop"
		}
		loc, ok, err := p.store.FindTaskLocation(ctx, agentID)
		if err == nil && ok {
			if err := p.store.RemoveTaskFromList(ctx, loc, agentID); err != nil {
				log.Printf("download: remove %s after remote delete failed: %v", agentID, err)
			}
		}
		if _, err := p.mapper.UnbindByRemote(ctx, remoteID); err != nil {
			log.Printf("download: unbind %s after remote delete failed: %v", remoteID, err)
		}
		if err := p.store.TouchLastSuccessfulSync(ctx, time.Now().UTC()); err != nil {
			log.Printf("download: touch last successful sync failed: %v", err)
		}
		return "deleted"
	}

	cachedETag, _ := p.store.GetETag(ctx, remoteID)
	remote, err := p.remote.GetTaskIfChanged(ctx, remoteID, cachedETag)
	if planner.IsNotModified(err) {
		return "noop"
	}
	if err != nil {
		log.Printf("download: fetch %s failed: %v", remoteID, err)
		return "discarded"
	}

	if cached, err := p.store.GetCachedRemote(ctx, remoteID); err == nil && sameContent(cached, remote) {
		return "noop"
	}
	if err := p.store.SetCachedRemote(ctx, remoteID, remote); err != nil {
		log.Printf("download: cache remote snapshot for %s failed: %v", remoteID, err)
	}

	agentID, err := p.mapper.ResolveAgent(ctx, remoteID)
	if err != nil {
		return p.createFromRemote(ctx, remoteID, remote)
	}
	return p.mergeFromRemote(ctx, agentID, remote)
}

func (p *Pipeline) createFromRemote(ctx context.Context, remoteID string, remote *model.RemoteTask) string {
	now := time.Now().UTC()
	agentTask := adapter.ToAgent(remote, nil, p.userIDs, now)
	agentTask.ID = remoteID // stable, collision-free seed; distinct id namespace from agent-native tasks

	if _, err := p.store.InsertNewAgentTask(ctx, p.sourceList, agentTask); err != nil {
		log.Printf("download: insert new task from remote %s failed: %v", remoteID, err)
		return "discarded"
	}
	if err := p.mapper.Bind(ctx, agentTask.ID, remoteID); err != nil {
		log.Printf("download: bind new task %s failed: %v", agentTask.ID, err)
	}
	if err := p.store.SetETag(ctx, remoteID, remote.ETag); err != nil {
		log.Printf("download: set etag for %s failed: %v", remoteID, err)
	}
	if err := p.store.PublishTaskUpdate(ctx, agentTask.ID); err != nil {
		log.Printf("download: publish update for %s failed: %v", agentTask.ID, err)
	}
	if err := p.store.TouchLastSuccessfulSync(ctx, now); err != nil {
		log.Printf("download: touch last successful sync failed: %v", err)
	}
	return "created"
}

func (p *Pipeline) mergeFromRemote(ctx context.Context, agentID string, remote *model.RemoteTask) string {
	loc, ok, err := p.store.FindTaskLocation(ctx, agentID)
	if err != nil || !ok {
		return "discarded"
	}
	existing, err := p.store.GetTaskMirror(ctx, agentID)
	if err != nil {
		return "discarded"
	}

	remoteTime := parseRemoteTime(remote.LastModifiedDateTime)
	winner := Resolve(existing.UpdatedAt, remoteTime, p.graceWindow)

	if winner == WinnerAgent {
		// The agent's edit is authoritative; poke the upload pipeline to
		// push it back out instead of overwriting it here.
		if err := p.store.PublishSyncConfirmation(ctx, agentID); err != nil {
			log.Printf("download: publish sync confirmation for %s failed: %v", agentID, err)
		}
		return "conflict_agent_won"
	}

	now := time.Now().UTC()
	merged := adapter.MergeRemoteWin(existing, remote, p.userIDs, now)
	if err := p.store.UpsertTaskInList(ctx, loc, merged); err != nil {
		log.Printf("download: upsert merged task %s failed: %v", agentID, err)
		return "discarded"
	}
	if err := p.store.SetETag(ctx, remote.ID, remote.ETag); err != nil {
		log.Printf("download: set etag for %s failed: %v", remote.ID, err)
	}
	if err := p.store.PublishTaskUpdate(ctx, agentID); err != nil {
		log.Printf("download: publish update for %s failed: %v", agentID, err)
	}
	if err := p.store.TouchLastSuccessfulSync(ctx, now); err != nil {
		log.Printf("download: touch last successful sync failed: %v", err)
	}
	return "conflict_remote_won"
}

func parseRemoteTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func sameContent(cached, fresh *model.RemoteTask) bool {
	return cached.Title == fresh.Title &&
		cached.Notes == fresh.Notes &&
		cached.PercentComplete == fresh.PercentComplete &&
		cached.PriorityValue == fresh.PriorityValue &&
		cached.DueDateTime == fresh.DueDateTime
}

