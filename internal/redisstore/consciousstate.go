package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/redis/go-redis/v9"
)

// TaskLocation identifies where in the conscious-state document a task
// lives: the global document under a named list, or a per-conversation
// document's single task array.
type TaskLocation struct {
	// DocKey is the RedisJSON document key (agent_state/global or
	// agent_state/conv/{cid}).
	DocKey string
	// ListPath is the JSONPath to the array holding the task, e.g.
	// "$.lists.inbox" or "$.tasks".
	ListPath string
}

func globalListPath(sourceList string) string {
	return fmt.Sprintf("$.lists.%s", sourceList)
}

const convTasksPath = "$.tasks"

// jsonGet issues JSON.GET for a path and unmarshals the single result
// RedisJSON returns (RedisJSON wraps path queries in a JSON array).
func (s *Store) jsonGet(ctx context.Context, key, path string, dst any) error {
	if !s.jsonModule {
		return s.plainJSONGet(ctx, key, path, dst)
	}
	start := time.Now()
	res, err := s.client.Do(ctx, "JSON.GET", key, path).Result()
	s.timeRedisOp(start)
	if err != nil {
		if isRedisJSONMissing(err) {
			return ErrNotFound
		}
		return err
	}
	raw, ok := res.(string)
	if !ok || raw == "" {
		return ErrNotFound
	}
	var wrapped []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return err
	}
	if len(wrapped) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(wrapped[0], dst)
}

func isRedisJSONMissing(err error) bool {
	return err == redis.Nil || strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "does not exist")
}

func (s *Store) jsonSet(ctx context.Context, key, path string, value any) error {
	if !s.jsonModule {
		return s.plainJSONSet(ctx, key, path, value)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.client.Do(ctx, "JSON.SET", key, path, string(data)).Result()
	s.timeRedisOp(start)
	return err
}

// jsonArrAppend appends to the array at path, first making sure the
// document root and the list itself exist: JSON.ARRAPPEND refuses to
// create missing intermediate paths, and a remote-origin create may be
// the very first write to a fresh deployment's global document.
func (s *Store) jsonArrAppend(ctx context.Context, key, path string, value any) error {
	if !s.jsonModule {
		return s.plainJSONArrAppend(ctx, key, path, value)
	}
	if err := s.ensureList(ctx, key, path); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.client.Do(ctx, "JSON.ARRAPPEND", key, path, string(data)).Result()
	s.timeRedisOp(start)
	return err
}

// ensureList creates the document root and an empty array at listPath if
// either is missing, using JSON.SET's NX flag so an existing document is
// never disturbed.
func (s *Store) ensureList(ctx context.Context, key, listPath string) error {
	root := `{"lists":{}}`
	if listPath == convTasksPath {
		root = `{"tasks":[]}`
	}
	start := time.Now()
	defer s.timeRedisOp(start)
	if err := s.client.Do(ctx, "JSON.SET", key, "$", root, "NX").Err(); err != nil && err != redis.Nil {
		return err
	}
	if err := s.client.Do(ctx, "JSON.SET", key, listPath, "[]", "NX").Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

func (s *Store) jsonDel(ctx context.Context, key, path string) error {
	if !s.jsonModule {
		return s.plainJSONDel(ctx, key, path)
	}
	start := time.Now()
	_, err := s.client.Do(ctx, "JSON.DEL", key, path).Result()
	s.timeRedisOp(start)
	return err
}

// GlobalListNames returns the names of every named task list in the
// global conscious-state document.
type globalDocument struct {
	Lists map[string][]model.AgentTask `json:"lists"`
}

func (s *Store) GlobalListNames(ctx context.Context) ([]string, error) {
	var doc globalDocument
	if err := s.jsonGet(ctx, keyAgentStateGlobal, "$", &doc); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(doc.Lists))
	for name := range doc.Lists {
		names = append(names, name)
	}
	return names, nil
}

// GlobalList returns every task in a named global sub-list.
func (s *Store) GlobalList(ctx context.Context, sourceList string) ([]model.AgentTask, error) {
	var tasks []model.AgentTask
	if err := s.jsonGet(ctx, keyAgentStateGlobal, globalListPath(sourceList), &tasks); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return tasks, nil
}

// ConversationIDs scans for every per-conversation sub-tree key.
func (s *Store) ConversationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, "agent_state/conv/*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ids = append(ids, strings.TrimPrefix(key, "agent_state/conv/"))
	}
	return ids, iter.Err()
}

// ConversationTasks returns every task in one conversation's sub-tree.
func (s *Store) ConversationTasks(ctx context.Context, conversationID string) ([]model.AgentTask, error) {
	var tasks []model.AgentTask
	if err := s.jsonGet(ctx, AgentStateConvKey(conversationID), convTasksPath, &tasks); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return tasks, nil
}

// AllAgentTasks performs the full bulk snapshot scan: every named
// global list plus every per-conversation sub-tree.
func (s *Store) AllAgentTasks(ctx context.Context) (map[string]TaskLocation, map[string]model.AgentTask, error) {
	locations := make(map[string]TaskLocation)
	tasks := make(map[string]model.AgentTask)

	names, err := s.GlobalListNames(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		list, err := s.GlobalList(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range list {
			tasks[t.ID] = t
			locations[t.ID] = TaskLocation{DocKey: keyAgentStateGlobal, ListPath: globalListPath(name)}
		}
	}

	convIDs, err := s.ConversationIDs(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, cid := range convIDs {
		list, err := s.ConversationTasks(ctx, cid)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range list {
			tasks[t.ID] = t
			locations[t.ID] = TaskLocation{DocKey: AgentStateConvKey(cid), ListPath: convTasksPath}
		}
	}

	return locations, tasks, nil
}

// UpsertTaskInList writes task into loc's array, replacing an existing
// entry with the same ID or appending if absent. Also mirrors the task
// into its per-task canonical copy (tasks/{agent_id}).
func (s *Store) UpsertTaskInList(ctx context.Context, loc TaskLocation, task *model.AgentTask) error {
	var existing []model.AgentTask
	if err := s.jsonGet(ctx, loc.DocKey, loc.ListPath, &existing); err != nil && err != ErrNotFound {
		return err
	}

	idx := -1
	for i, t := range existing {
		if t.ID == task.ID {
			idx = i
			break
		}
	}

	if idx >= 0 {
		itemPath := fmt.Sprintf("%s[%d]", loc.ListPath, idx)
		if err := s.jsonSet(ctx, loc.DocKey, itemPath, task); err != nil {
			return err
		}
	} else {
		if err := s.jsonArrAppend(ctx, loc.DocKey, loc.ListPath, task); err != nil {
			return err
		}
	}

	return s.mirrorTask(ctx, task)
}

// GetTaskMirror returns the per-task canonical copy for agentID, used by
// the upload worker so it doesn't need to re-scan the whole conscious
// state to execute a single queued operation.
func (s *Store) GetTaskMirror(ctx context.Context, agentID string) (*model.AgentTask, error) {
	var task model.AgentTask
	if err := s.jsonGet(ctx, TaskMirrorKey(agentID), "$", &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Store) mirrorTask(ctx context.Context, task *model.AgentTask) error {
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.jsonSet(ctx, TaskMirrorKey(task.ID), "$", task)
}

// RemoveTaskFromList deletes a task by ID from loc's array and clears its
// canonical mirror copy.
func (s *Store) RemoveTaskFromList(ctx context.Context, loc TaskLocation, agentID string) error {
	var existing []model.AgentTask
	if err := s.jsonGet(ctx, loc.DocKey, loc.ListPath, &existing); err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	idx := -1
	for i, t := range existing {
		if t.ID == agentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	itemPath := fmt.Sprintf("%s[%d]", loc.ListPath, idx)
	if err := s.jsonDel(ctx, loc.DocKey, itemPath); err != nil {
		return err
	}
	start := time.Now()
	defer s.timeRedisOp(start)
	return s.client.Del(ctx, TaskMirrorKey(agentID)).Err()
}

// InsertNewAgentTask appends a remote-originated task to the configured
// default list (normally "planner_sync") in the global document.
func (s *Store) InsertNewAgentTask(ctx context.Context, sourceList string, task *model.AgentTask) (TaskLocation, error) {
	loc := TaskLocation{DocKey: keyAgentStateGlobal, ListPath: globalListPath(sourceList)}
	if err := s.jsonArrAppend(ctx, loc.DocKey, loc.ListPath, task); err != nil {
		return loc, err
	}
	return loc, s.mirrorTask(ctx, task)
}

// FindTaskLocation resolves which document/list currently holds a task,
// used when the download pipeline needs to patch an existing task
// without the caller already knowing its location.
func (s *Store) FindTaskLocation(ctx context.Context, agentID string) (TaskLocation, bool, error) {
	locations, _, err := s.AllAgentTasks(ctx)
	if err != nil {
		return TaskLocation{}, false, err
	}
	loc, ok := locations[agentID]
	return loc, ok, nil
}
