package upload

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/observability"
	"github.com/itskum47/tasksync/internal/redisstore"
)

// driftInterval is the full-snapshot fallback diff cadence.
const driftInterval = 30 * time.Second

// debounceWindow coalesces a burst of keyspace/announcement triggers into
// one diff pass.
const debounceWindow = 2 * time.Second

// Pipeline detects agent-task changes and enqueues operation descriptors
// for the worker pool to execute.
type Pipeline struct {
	store *redisstore.Store
	pendingOpsSoftLimit int64

	mu sync.Mutex
	last map[string]model.AgentTask
	missingSince map[string]time.Time
}

// NewPipeline builds a Pipeline backed by store. pendingOpsSoftLimit is
// the back-pressure threshold above which the drift timer skips its
// next tick; zero or negative disables back-pressure.
func NewPipeline(store *redisstore.Store, pendingOpsSoftLimit int64) *Pipeline {
	return &Pipeline{
		store: store,
		pendingOpsSoftLimit: pendingOpsSoftLimit,
		last: make(map[string]model.AgentTask),
		missingSince: make(map[string]time.Time),
	}
}

// backPressured reports whether pending_ops is currently over the soft
// limit. Only the drift timer consults this; debounced
// keyspace/announcement-triggered diffs still run immediately, since
// those reflect actual agent edits rather than a speculative re-scan.
func (p *Pipeline) backPressured(ctx context.Context) bool {
	if p.pendingOpsSoftLimit <= 0 {
		return false
	}
	depth, err := p.store.PendingOpCount(ctx)
	if err != nil {
		log.Printf("upload: pending op count for back-pressure check failed: %v", err)
		return false
	}
	return depth > p.pendingOpsSoftLimit
}

// Run drives every trigger surface until ctx is cancelled: the 30s
// drift timer, keyspace-notification debounce, the announcement pub/sub
// channel, and the download pipeline's convergence pokes on tasks/sync.
func (p *Pipeline) Run(ctx context.Context, announceChannel string) {
	keyEvents, closeKeyspace := p.store.SubscribeKeyspace(ctx)
	defer closeKeyspace()

	announcements := p.store.SubscribeAnnouncements(ctx, announceChannel)
	defer announcements.Close()
	announceCh := announcements.Channel()

	syncPokes := p.store.SubscribeAnnouncements(ctx, redisstore.ChannelTaskSync)
	defer syncPokes.Close()
	pokeCh := syncPokes.Channel()

	ticker := time.NewTicker(driftInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(driftInterval)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.backPressured(ctx) {
				continue
			}
			p.runDiff(ctx)
		case <-keyEvents:
			if !pending {
				pending = true
				debounce.Reset(debounceWindow)
			}
		case <-announceCh:
			if !pending {
				pending = true
				debounce.Reset(debounceWindow)
			}
		case msg := <-pokeCh:
			p.pokeTask(ctx, msg.Payload)
		case <-debounce.C:
			pending = false
			p.runDiff(ctx)
		}
	}
}

// pokeTask re-enqueues a full-field update for agentID after the
// download pipeline judged the agent's copy authoritative in a
// conflict. The snapshot diff cannot see this case: the agent task
// itself did not change, only the remote diverged from it.
func (p *Pipeline) pokeTask(ctx context.Context, agentID string) {
	task, err := p.store.GetTaskMirror(ctx, agentID)
	if err != nil {
		log.Printf("upload: poke for %s could not read task mirror: %v", agentID, err)
		return
	}
	op := &model.Operation{
		ID: uuid.NewString(),
		Kind: model.OpUpdate,
		AgentID: agentID,
		Fields: map[string]any{
			"title": task.Title,
			"description": task.Description,
			"percent_complete": task.PercentComplete,
			"priority": task.Priority,
			"due_date": task.DueDate,
			"assigned_to": task.AssignedTo,
		},
		EnqueuedAt: time.Now().UTC(),
	}
	if err := p.store.EnqueueOp(ctx, op); err != nil {
		log.Printf("upload: enqueue poke update for %s failed: %v", agentID, err)
	}
}

func (p *Pipeline) runDiff(ctx context.Context) {
	_, current, err := p.store.AllAgentTasks(ctx)
	if err != nil {
		log.Printf("upload: snapshot scan failed: %v", err)
		return
	}

	p.mu.Lock()
	changes := Diff(p.last, current)
	p.last = current
	changes = ConfirmDeletes(changes, current, p.missingSince, time.Now().UTC(), driftInterval)
	p.mu.Unlock()

	for _, c := range changes {
		if err := validate(c); err != nil {
			log.Printf("upload: skipping invalid change: %v", err)
			continue
		}
		op := &model.Operation{
			ID: uuid.NewString(),
			Kind: c.Kind,
			AgentID: c.Task.ID,
			Fields: c.Fields,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := p.store.EnqueueOp(ctx, op); err != nil {
			log.Printf("upload: enqueue %s for %s failed: %v", op.Kind, op.AgentID, err)
			continue
		}
	}

	if depth, err := p.store.PendingOpCount(ctx); err == nil {
		observability.UploadQueueDepth.Set(float64(depth))
	}
}
