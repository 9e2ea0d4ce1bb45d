// Package adapter is the pure, side-effect-free translation layer
// between the agent-native nested task representation and the external
// planner's flat representation. Nothing here touches
// Redis or HTTP; Bind/Unbind/Resolve live in mapping.go as thin wrappers
// over internal/redisstore so the translation rules themselves stay unit
// testable without a live backend.
package adapter

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/itskum47/tasksync/internal/model"
)

// ErrEmptyTitle is returned by ToRemote when the agent task's title is
// empty; the planner rejects untitled tasks.
var ErrEmptyTitle = fmt.Errorf("adapter: title must not be empty")

// UserIDMap is the configurable static agent-identifier -> remote-user-id
// table used for assignment translation.
type UserIDMap map[string]string

// Inverse builds the remote-user-id -> agent-identifier lookup used by
// ToAgent.
func (m UserIDMap) Inverse() map[string]string {
	inv := make(map[string]string, len(m))
	for agentID, remoteUserID := range m {
		inv[remoteUserID] = agentID
	}
	return inv
}

var priorityToRemote = map[model.Priority]int{
	model.PriorityUrgent: 1,
	model.PriorityHigh: 3,
	model.PriorityNormal: 5,
	model.PriorityLow: 9,
}

// priorityFromRemote inverse-maps the 1-10 priority scale back to a
// coarse band: 1-3 -> urgent/high, 4-6 -> normal, 7-10 -> low. Ties
// within the urgent/high band break toward "urgent" at 1-2 and "high" at
// 3, matching the forward map's fixed points.
func priorityFromRemote(v int) model.Priority {
	switch {
	case v <= 2:
		return model.PriorityUrgent
	case v <= 3:
		return model.PriorityHigh
	case v <= 6:
		return model.PriorityNormal
	default:
		return model.PriorityLow
	}
}

// ToRemote translates an agent task into the shape posted/patched to the
// external planner. owningPlan and owningBucket are resolved by the
// caller (upload pipeline's create flow) before calling in.
func ToRemote(task *model.AgentTask, owningPlan, owningBucket string, userIDs UserIDMap) (*model.RemoteTask, error) {
	if strings.TrimSpace(task.Title) == "" {
		return nil, ErrEmptyTitle
	}

	rt := &model.RemoteTask{
		Title: task.Title,
		Notes: task.Description,
		PlanID: owningPlan,
		BucketID: owningBucket,
		PercentComplete: percentToRemote(task.PercentComplete),
		PriorityValue: priorityToRemote[task.Priority],
	}

	if due := dueDateTimeToRemote(task.DueDate); due != "" {
		rt.DueDateTime = due
	}

	if remoteUserID, ok := userIDs[task.AssignedTo]; ok && remoteUserID != "" {
		rt.Assignments = map[string]model.Assignment{
			remoteUserID: {UserID: remoteUserID},
		}
	}

	return rt, nil
}

// percentToRemote rounds percent_complete (0.0-1.0) to an integer
// 0-100; halves round away from zero, so 0.005 becomes 1.
func percentToRemote(p float64) int {
	v := int(math.Round(p * 100))
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// FieldsToRemote translates a changed-field set (keyed by agent-side
// field name, as the upload diff produces it) into the planner's patch
// body. Values arrive JSON-round-tripped from the operation queue, so
// enums are matched as strings and numbers as float64. Unknown fields
// are dropped.
func FieldsToRemote(fields map[string]any, userIDs UserIDMap) map[string]any {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		switch name {
		case "title":
			out["title"] = v
		case "description":
			out["notes"] = v
		case "percent_complete":
			if f, ok := asFloat(v); ok {
				out["percentComplete"] = percentToRemote(f)
			}
		case "priority":
			if p, ok := asPriority(v); ok {
				out["priority"] = priorityToRemote[p]
			}
		case "due_date":
			if s, ok := v.(string); ok {
				if due := dueDateTimeToRemote(s); due != "" {
					out["dueDateTime"] = due
				}
			}
		case "assigned_to":
			s, ok := v.(string)
			if !ok {
				continue
			}
			if remoteUserID, ok := userIDs[s]; ok && remoteUserID != "" {
				out["assignments"] = map[string]model.Assignment{
					remoteUserID: {UserID: remoteUserID},
				}
			} else {
				out["assignments"] = map[string]model.Assignment{}
			}
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}

func asPriority(v any) (model.Priority, bool) {
	switch t := v.(type) {
	case model.Priority:
		return t, true
	case string:
		return model.Priority(t), true
	}
	return "", false
}

// dueDateTimeToRemote implements three due_date cases.
func dueDateTimeToRemote(dueDate string) string {
	if dueDate == "" {
		return ""
	}
	if strings.Contains(dueDate, "T") {
		if strings.HasSuffix(dueDate, "Z") {
			return dueDate
		}
		return dueDate + "Z"
	}
	return dueDate + "T00:00:00Z"
}

// statusFromPercent derives agent status from the remote's integer
// percentComplete.
func statusFromPercent(percent int) model.Status {
	switch {
	case percent <= 0:
		return model.StatusNotStarted
	case percent >= 100:
		return model.StatusCompleted
	default:
		return model.StatusInProgress
	}
}

// ToAgent translates a remote task into the agent-side shape. If
// existing is non-nil, agent-owned fields the remote never carries
// (labels, checklist_items, conversation_id, and source_list) are
// preserved from it.
func ToAgent(remote *model.RemoteTask, existing *model.AgentTask, userIDs UserIDMap, now time.Time) *model.AgentTask {
	inverse := userIDs.Inverse()

	agentTask := &model.AgentTask{
		Title: remote.Title,
		Description: remote.Notes,
		PercentComplete: float64(remote.PercentComplete) / 100.0,
		Status: statusFromPercent(remote.PercentComplete),
		Priority: priorityFromRemote(remote.PriorityValue),
		DueDate: remote.DueDateTime,
		UpdatedAt: now,
		SourceList: "planner_sync",
	}

	agentTask.AssignedTo = firstAssignee(remote.Assignments, inverse)

	if existing != nil {
		agentTask.ID = existing.ID
		agentTask.ConversationID = existing.ConversationID
		agentTask.Labels = existing.Labels
		agentTask.ChecklistItems = existing.ChecklistItems
		agentTask.SourceList = existing.SourceList
		agentTask.CreatedAt = existing.CreatedAt
	} else {
		agentTask.CreatedAt = now
	}

	return agentTask
}

// firstAssignee returns the first assignee mapped through the inverse
// user-id table, or "" if none maps.
func firstAssignee(assignments map[string]model.Assignment, inverse map[string]string) string {
	for remoteUserID := range assignments {
		if agentID, ok := inverse[remoteUserID]; ok {
			return agentID
		}
	}
	return ""
}

// MergeRemoteWin applies the per-field merge used when the remote wins a
// conflict: only remote-authoritative fields are copied
// onto the existing agent task; agent-owned fields are left untouched.
func MergeRemoteWin(existing *model.AgentTask, remote *model.RemoteTask, userIDs UserIDMap, now time.Time) *model.AgentTask {
	merged := existing.Clone()
	translated := ToAgent(remote, existing, userIDs, now)

	merged.Title = translated.Title
	merged.Description = translated.Description
	merged.PercentComplete = translated.PercentComplete
	merged.Status = translated.Status
	merged.Priority = translated.Priority
	merged.DueDate = translated.DueDate
	merged.AssignedTo = translated.AssignedTo
	merged.UpdatedAt = now

	return merged
}
