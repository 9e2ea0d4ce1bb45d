// Package webhook receives change notifications pushed by the external
// planner. types.go decodes the heterogeneous notification batch
// payload into model.Notification: the resource path is parsed once
// into a tagged variant (task, plan, group, message) and each variant
// carries exactly the fields its branch of the download pipeline needs.
// Unknown variants are logged and dropped.
package webhook

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/itskum47/tasksync/internal/model"
)

// rawNotification is the wire shape of one entry in a notification
// batch's "value" array. Field names follow the external planner's own
// notification schema (camelCase), unlike model.Notification's
// snake_case which matches the rest of this engine's persisted shapes.
type rawNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState string `json:"clientState"`
	ChangeType string `json:"changeType"`
	Resource string `json:"resource"`
	ResourceData struct {
		ID string `json:"id"`
	} `json:"resourceData"`
	SubscriptionExpirationDateTime string `json:"subscriptionExpirationDateTime"`
	LifecycleEvent string `json:"lifecycleEvent,omitempty"`
}

// Batch is the top-level webhook POST body.
type Batch struct {
	Value []rawNotification `json:"value"`
}

// Decode parses a notification batch body into the engine's internal
// Notification shape. Malformed individual entries are skipped rather
// than failing the whole batch, since one bad entry must not block
// delivery of the rest.
func Decode(body []byte, receivedAt time.Time) ([]model.Notification, error) {
	var batch Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, err
	}

	out := make([]model.Notification, 0, len(batch.Value))
	for _, raw := range batch.Value {
		n := model.Notification{
			ChangeType: raw.ChangeType,
			Resource: raw.Resource,
			ResourceID: raw.ResourceData.ID,
			SubscriptionID: raw.SubscriptionID,
			ClientState: raw.ClientState,
			LifecycleEvent: raw.LifecycleEvent,
			ReceivedAt: receivedAt,
		}
		if t, err := time.Parse(time.RFC3339, raw.SubscriptionExpirationDateTime); err == nil {
			n.SubscriptionExpirationDateTime = t
		}
		// Lifecycle events are routed on their own field; their resource
		// path doesn't need to classify.
		if raw.LifecycleEvent == "" {
			variant, ok := classifyResource(raw.Resource, raw.ResourceData.ID)
			if !ok {
				log.Printf("webhook: dropping notification with unrecognized resource %q", raw.Resource)
				continue
			}
			n.ResourceKind = variant.kind
			n.GroupID = variant.groupID
			n.PlanID = variant.planID
			if variant.kind == model.ResourceKindTask {
				n.ResourceID = variant.taskID
			}
		}
		out = append(out, n)
	}
	return out, nil
}

// resourceVariant is the parsed form of a notification's resource path.
type resourceVariant struct {
	kind model.ResourceKind
	groupID string
	planID string
	taskID string
}

// resourceKeywords are the path segment names the classifier recognizes;
// anything else in an id position is treated as an id.
var resourceKeywords = map[string]bool{
	"activities": true, "buckets": true, "channels": true, "chats": true,
	"details": true, "getAllMessages": true, "groups": true, "me": true,
	"messages": true, "planner": true, "plans": true, "replies": true,
	"tasks": true, "teams": true, "users": true,
}

// classifyResource parses a resource path into its variant. The planner
// emits both bare ("planner/tasks/{id}") and parenthesized
// ("groups('g1')/planner/plans('p1')") segment forms; both are handled.
// The most task-specific scope wins: a path naming a task is task-scoped
// even when it also names the owning plan and group.
func classifyResource(resource, resourceDataID string) (resourceVariant, bool) {
	var v resourceVariant
	sawTasks := false
	sawMessages := false

	segments := strings.Split(strings.Trim(resource, "/"), "/")
	for i := 0; i < len(segments); i++ {
		name, id := splitSegment(segments[i])
		switch name {
		case "groups", "plans", "tasks":
			if id == "" && i+1 < len(segments) {
				next, nextID := splitSegment(segments[i+1])
				if nextID == "" && !resourceKeywords[next] {
					id = next
					i++
				}
			}
			switch name {
			case "groups":
				v.groupID = id
			case "plans":
				v.planID = id
			case "tasks":
				sawTasks = true
				v.taskID = id
			}
		case "chats", "teams", "users", "messages", "getAllMessages":
			sawMessages = true
		}
	}

	switch {
	case sawTasks:
		if v.taskID == "" {
			v.taskID = resourceDataID
		}
		if v.taskID == "" {
			return v, false
		}
		v.kind = model.ResourceKindTask
	case sawMessages:
		v.kind = model.ResourceKindMessage
	case v.planID != "":
		v.kind = model.ResourceKindPlan
	case v.groupID != "":
		v.kind = model.ResourceKindGroup
	default:
		return v, false
	}
	return v, true
}

// splitSegment separates "plans('p1')" into ("plans", "p1"); a bare
// segment comes back with an empty id.
func splitSegment(seg string) (string, string) {
	open := strings.IndexByte(seg, '(')
	if open < 0 || !strings.HasSuffix(seg, ")") {
		return seg, ""
	}
	return seg[:open], strings.Trim(seg[open+1:len(seg)-1], "'")
}

// NotificationID builds the dedupe key a redelivery of the same logical
// event reproduces exactly: subscription + resource + change type, with
// no timestamp of ours mixed in. Two genuinely distinct edits to the
// same resource will collide here for the dedupe window's duration;
// that's intentional, since the poller and next webhook will still pick
// up the later state.
func NotificationID(n model.Notification) string {
	return n.SubscriptionID + "/" + n.ResourceID + "/" + n.ChangeType
}
