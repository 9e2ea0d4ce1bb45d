// Package upload drives agent-task changes out to the external planner.
// diff.go is kept pure and Redis-free so the diffing rules are unit
// testable independent of a live backend.
package upload

import (
	"fmt"
	"strings"
	"time"

	"github.com/itskum47/tasksync/internal/model"
)

// Change describes one agent task that differs between two snapshots.
type Change struct {
	Kind model.OpKind
	Task model.AgentTask // zero value for deletes beyond ID
	Fields map[string]any // changed fields only, for Kind == OpUpdate
}

// Diff compares a previous and current full snapshot of agent tasks
// (keyed by agent task id) and returns the set of changes the upload
// pipeline must push.
func Diff(prev, cur map[string]model.AgentTask) []Change {
	var changes []Change

	for id, task := range cur {
		before, existed := prev[id]
		if !existed {
			changes = append(changes, Change{Kind: model.OpCreate, Task: task})
			continue
		}
		if fields := changedFields(before, task); len(fields) > 0 {
			changes = append(changes, Change{Kind: model.OpUpdate, Task: task, Fields: fields})
		}
	}

	for id, task := range prev {
		if _, stillExists := cur[id]; !stillExists {
			changes = append(changes, Change{Kind: model.OpDelete, Task: task})
		}
	}

	return changes
}

// ConfirmDeletes holds back first-time disappearance observations and
// only lets a delete through once the task has stayed missing for at
// least hold. A partial write of the conscious-state document can make
// a task vanish from one snapshot and reappear in the next; one missed
// read must not become a remote delete. missingSince is the caller's
// tracking table: first observations are recorded in it, confirmed or
// reappeared ids are cleared from it.
func ConfirmDeletes(changes []Change, cur map[string]model.AgentTask, missingSince map[string]time.Time, now time.Time, hold time.Duration) []Change {
	out := changes[:0]
	for _, c := range changes {
		if c.Kind != model.OpDelete {
			out = append(out, c)
			continue
		}
		if _, seen := missingSince[c.Task.ID]; !seen {
			missingSince[c.Task.ID] = now
		}
	}
	for id, since := range missingSince {
		if _, back := cur[id]; back {
			delete(missingSince, id)
			continue
		}
		if now.Sub(since) >= hold {
			delete(missingSince, id)
			out = append(out, Change{Kind: model.OpDelete, Task: model.AgentTask{ID: id}})
		}
	}
	return out
}

// changedFields returns the adapter-level field names that differ between
// before and after, so a PATCH only touches what actually moved.
func changedFields(before, after model.AgentTask) map[string]any {
	fields := make(map[string]any)
	if before.Title != after.Title {
		fields["title"] = after.Title
	}
	if before.Description != after.Description {
		fields["description"] = after.Description
	}
	if before.PercentComplete != after.PercentComplete {
		fields["percent_complete"] = after.PercentComplete
	}
	if before.Priority != after.Priority {
		fields["priority"] = after.Priority
	}
	if before.DueDate != after.DueDate {
		fields["due_date"] = after.DueDate
	}
	if before.AssignedTo != after.AssignedTo {
		fields["assigned_to"] = after.AssignedTo
	}
	return fields
}

// validate rejects changes the adapter layer cannot translate, surfacing
// the problem before it reaches an HTTP round trip.
func validate(c Change) error {
	if c.Kind != model.OpDelete && strings.TrimSpace(c.Task.Title) == "" {
		return fmt.Errorf("upload: task %s has empty title", c.Task.ID)
	}
	return nil
}
