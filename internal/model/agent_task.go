// Package model defines the task shapes that cross the sync boundary:
// the agent-native nested form and the external-planner flat form.
package model

import "time"

// Status mirrors the agent-side conscious-state task status enum.
type Status string

const (StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusBlocked Status = "blocked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Priority mirrors the agent-side task priority enum.
type Priority string

const (PriorityLow Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ChecklistItem is an agent-owned checklist entry. Never forwarded to the
// remote side (see Adapter.ToRemote).
type ChecklistItem struct {
	Text string `json:"text"`
	Checked bool `json:"checked"`
}

// AgentTask is a task as it lives inside the conscious-state document.
// This is the authoritative shape for every field the agent owns.
type AgentTask struct {
	ID string `json:"id"`
	Title string `json:"title"`
	Description string `json:"description"`
	Status Status `json:"status"`
	PercentComplete float64 `json:"percent_complete"`
	Priority Priority `json:"priority"`
	AssignedTo string `json:"assigned_to"`
	DueDate string `json:"due_date"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ConversationID string `json:"conversation_id,omitempty"`
	Labels []string `json:"labels"`
	ChecklistItems []ChecklistItem `json:"checklist_items"`
	SourceList string `json:"source_list"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// cached snapshot held by the upload pipeline's drift detector.
func (t *AgentTask) Clone() *AgentTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Labels = append([]string(nil), t.Labels...)
	c.ChecklistItems = append([]ChecklistItem(nil), t.ChecklistItems...)
	return &c
}
