package upload

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/itskum47/tasksync/internal/adapter"
	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/observability"
	"github.com/itskum47/tasksync/internal/planner"
	"github.com/itskum47/tasksync/internal/redisstore"
)

// taskLockTTL bounds how long a worker may hold a task's lock before it
// is presumed crashed and the lock expires on its own.
const taskLockTTL = 2 * time.Minute

// maxOpAttempts caps retries before an operation is moved to failed_ops.
const maxOpAttempts = 5

// lockBusyRequeueDelay is how long a worker waits before re-enqueuing an
// operation it couldn't get the per-task lock for.
const lockBusyRequeueDelay = 500 * time.Millisecond

// RemoteClient is the subset of *planner.Client the upload worker needs,
// narrowed for testability.
type RemoteClient interface {
	CreateTask(ctx context.Context, rt *model.RemoteTask) (*model.RemoteTask, error)
	PatchTask(ctx context.Context, id string, fields map[string]any, ifMatch string) (*model.RemoteTask, error)
	DeleteTask(ctx context.Context, id, ifMatch string) error
	GetTask(ctx context.Context, id string) (*model.RemoteTask, error)
}

// ConflictResolver is the download pipeline's conflict-resolution entry
// point, reused here so a second rebase failure demotes to the same
// last-write-wins-with-grace-window logic rather than the generic
// retry/dead-letter path (download.Pipeline satisfies this as-is via
// ProcessRemoteID).
type ConflictResolver interface {
	ProcessRemoteID(ctx context.Context, remoteID string) string
}

// errDemotedToConflictResolver marks an update whose rebase-once retry
// also hit a 412: the operation has been handed to the conflict resolver
// instead of being retried or dead-lettered by the generic path.
var errDemotedToConflictResolver = errors.New("upload: update demoted to conflict resolver after second precondition failure")

// WorkerOption configures a Worker beyond its required constructor args.
type WorkerOption func(*Worker)

// WithBucketResolver overrides the bucket a create lands in when no
// explicit bucket is configured: fn is consulted for the owning plan
// and its result used in place of defaultBucketID. Typically backed by
// a metacache.Cache over the planner's bucket listing.
func WithBucketResolver(fn func(ctx context.Context, planID string) (string, error)) WorkerOption {
	return func(w *Worker) { w.bucketResolver = fn }
}

// WithArchiver mirrors every sync_log entry this worker appends into fn,
// typically an *archive.Store's WriteSyncLog, for long-term audit
// history alongside the trimmed live sync_log.
func WithArchiver(fn func(model.SyncLogEntry)) WorkerOption {
	return func(w *Worker) { w.archiver = fn }
}

// WithConflictResolver wires in the download pipeline's conflict
// resolution as the demotion target for a second rebase failure.
func WithConflictResolver(resolver ConflictResolver) WorkerOption {
	return func(w *Worker) { w.conflictResolver = resolver }
}

// Worker drains pending_ops and executes each operation against the
// external planner, holding the per-task lock so at most one operation
// per task is ever in flight.
type Worker struct {
	store *redisstore.Store
	remote RemoteClient
	mapper *adapter.Mapper
	userIDs adapter.UserIDMap

	defaultPlanID string
	defaultBucketID string
	bucketResolver func(ctx context.Context, planID string) (string, error)
	archiver func(model.SyncLogEntry)
	conflictResolver ConflictResolver
}

// NewWorker builds a Worker. defaultPlanID/defaultBucketID are where newly
// created remote tasks land (configuration table). defaultBucketID
// may be empty if a WithBucketResolver option is supplied instead.
func NewWorker(store *redisstore.Store, remote RemoteClient, mapper *adapter.Mapper, userIDs adapter.UserIDMap, defaultPlanID, defaultBucketID string, opts...WorkerOption) *Worker {
	w := &Worker{
		store: store,
		remote: remote,
		mapper: mapper,
		userIDs: userIDs,
		defaultPlanID: defaultPlanID,
		defaultBucketID: defaultBucketID,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// resolveBucket returns the bucket a newly created task should land in:
// the configured default if set, otherwise whatever bucketResolver
// reports for planID, falling back to empty (the external planner
// assigns its own default bucket in that case).
func (w *Worker) resolveBucket(ctx context.Context, planID string) string {
	if w.defaultBucketID != "" {
		return w.defaultBucketID
	}
	if w.bucketResolver == nil {
		return ""
	}
	bucket, err := w.bucketResolver(ctx, planID)
	if err != nil {
		log.Printf("upload: bucket resolution for plan %s failed, leaving bucketId empty: %v", planID, err)
		return ""
	}
	return bucket
}

// Run dequeues and executes operations until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		op, err := w.store.DequeueOp(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("upload: dequeue failed: %v", err)
			continue
		}
		if op == nil {
			continue
		}
		w.handle(ctx, op)
	}
}

func (w *Worker) handle(ctx context.Context, op *model.Operation) {
	ownerID := op.ID
	acquired, err := w.store.AcquireTaskLock(ctx, op.AgentID, ownerID, taskLockTTL)
	if err != nil {
		log.Printf("upload: lock acquire for %s failed: %v", op.AgentID, err)
		return
	}
	if !acquired {
		time.Sleep(lockBusyRequeueDelay)
		if err := w.store.EnqueueOp(ctx, op); err != nil {
			log.Printf("upload: requeue %s after lock contention failed: %v", op.AgentID, err)
		}
		return
	}
	defer func() {
		if err := w.store.ReleaseTaskLock(ctx, op.AgentID, ownerID); err != nil {
			log.Printf("upload: release lock for %s failed: %v", op.AgentID, err)
		}
	}()

	start := time.Now()
	outcome := w.execute(ctx, op)
	observability.UploadOpDuration.Observe(time.Since(start).Seconds())
	observability.UploadOpsTotal.WithLabelValues(string(op.Kind), outcome).Inc()
}

func (w *Worker) execute(ctx context.Context, op *model.Operation) string {
	var err error
	switch op.Kind {
	case model.OpCreate:
		err = w.executeCreate(ctx, op)
	case model.OpUpdate:
		err = w.executeUpdate(ctx, op)
	case model.OpDelete:
		err = w.executeDelete(ctx, op)
	default:
		err = errors.New("upload: unknown operation kind " + string(op.Kind))
	}

	if err == nil {
		if syncErr := w.store.TouchLastSuccessfulSync(ctx, time.Now().UTC()); syncErr != nil {
			log.Printf("upload: touch last successful sync failed: %v", syncErr)
		}
		w.logSync(ctx, "upload_success", op)
		return "success"
	}

	if errors.Is(err, errDemotedToConflictResolver) {
		w.logSync(ctx, "upload_demoted_conflict", op)
		return "demoted"
	}

	if planner.IsNotFound(err) {
		// The remote side is gone; nothing more an upload retry can do.
		// Tear down the mapping so the next pass treats this as a create.
		if _, unbindErr := w.mapper.UnbindByAgent(ctx, op.AgentID); unbindErr != nil {
			log.Printf("upload: teardown after 404 for %s failed: %v", op.AgentID, unbindErr)
		}
		observability.HousekeeperPurgedMappings.Inc()
		w.logSync(ctx, "upload_remote_gone", op)
		return "failed"
	}

	if planner.IsValidation(err) {
		// The planner rejected the payload itself; a retry cannot help.
		if failErr := w.store.FailOp(ctx, op); failErr != nil {
			log.Printf("upload: move %s to failed_ops failed: %v", op.AgentID, failErr)
		}
		w.logSync(ctx, "upload_rejected", op)
		return "failed"
	}

	op.Attempt++
	if op.Attempt >= maxOpAttempts {
		if failErr := w.store.FailOp(ctx, op); failErr != nil {
			log.Printf("upload: move %s to failed_ops failed: %v", op.AgentID, failErr)
		}
		w.logSync(ctx, "upload_exhausted", op)
		return "failed"
	}
	if reErr := w.store.EnqueueOp(ctx, op); reErr != nil {
		log.Printf("upload: requeue %s after error failed: %v", op.AgentID, reErr)
	}
	return "retry"
}

func (w *Worker) executeCreate(ctx context.Context, op *model.Operation) error {
	task, err := w.store.GetTaskMirror(ctx, op.AgentID)
	if err != nil {
		return err
	}
	rt, err := adapter.ToRemote(task, w.defaultPlanID, w.resolveBucket(ctx, w.defaultPlanID), w.userIDs)
	if err != nil {
		return err
	}
	created, err := w.remote.CreateTask(ctx, rt)
	if err != nil {
		return err
	}
	if err := w.mapper.Bind(ctx, op.AgentID, created.ID); err != nil {
		return err
	}
	if err := w.store.SetETag(ctx, created.ID, created.ETag); err != nil {
		return err
	}
	return w.store.SetLastUpload(ctx, op.AgentID, time.Now().UTC())
}

func (w *Worker) executeUpdate(ctx context.Context, op *model.Operation) error {
	remoteID, err := w.mapper.ResolveRemote(ctx, op.AgentID)
	if err != nil {
		// Not yet bound: fold this update into a create so nothing is lost.
		return w.executeCreate(ctx, op)
	}

	etag, err := w.store.GetETag(ctx, remoteID)
	if err != nil && err != redisstore.ErrNotFound {
		return err
	}

	fields := adapter.FieldsToRemote(op.Fields, w.userIDs)
	if len(fields) == 0 {
		// Every changed field is agent-owned; there's nothing the remote
		// side carries to patch.
		return nil
	}

	patched, err := w.remote.PatchTask(ctx, remoteID, fields, etag)
	if planner.IsPreconditionFailed(err) {
		// Rebase once: refetch, recompute fields against the fresh
		// remote snapshot, retry exactly once more.
		fresh, getErr := w.remote.GetTask(ctx, remoteID)
		if getErr != nil {
			return getErr
		}
		patched, err = w.remote.PatchTask(ctx, remoteID, fields, fresh.ETag)
		if planner.IsPreconditionFailed(err) {
			// The rebase itself lost the race too: demote to the
			// conflict resolver rather than retrying or dead-lettering.
			if w.conflictResolver != nil {
				w.conflictResolver.ProcessRemoteID(ctx, remoteID)
			}
			return errDemotedToConflictResolver
		}
	}
	if err != nil {
		return err
	}

	if err := w.store.SetETag(ctx, remoteID, patched.ETag); err != nil {
		return err
	}
	return w.store.SetLastUpload(ctx, op.AgentID, time.Now().UTC())
}

func (w *Worker) executeDelete(ctx context.Context, op *model.Operation) error {
	remoteID, err := w.mapper.ResolveRemote(ctx, op.AgentID)
	if err != nil {
		// Never made it to the remote side; nothing to delete there.
		return nil
	}
	etag, _ := w.store.GetETag(ctx, remoteID)
	if etag == "" {
		// Conditional delete needs a current etag; fetch one.
		fresh, getErr := w.remote.GetTask(ctx, remoteID)
		if planner.IsNotFound(getErr) {
			_, err = w.mapper.UnbindByAgent(ctx, op.AgentID)
			return err
		}
		if getErr != nil {
			return getErr
		}
		etag = fresh.ETag
	}
	if err := w.remote.DeleteTask(ctx, remoteID, etag); err != nil && !planner.IsNotFound(err) {
		return err
	}
	_, err = w.mapper.UnbindByAgent(ctx, op.AgentID)
	return err
}

func (w *Worker) logSync(ctx context.Context, event string, op *model.Operation) {
	entry := model.SyncLogEntry{
		Timestamp: time.Now().UTC(),
		Event: event,
		AgentID: op.AgentID,
	}
	if err := w.store.AppendSyncLog(ctx, entry); err != nil {
		log.Printf("upload: sync_log append failed: %v", err)
	}
	if w.archiver != nil {
		w.archiver(entry)
	}
}
