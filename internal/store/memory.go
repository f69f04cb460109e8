package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps a board in process memory. Transactions run under a
// single mutex against a copy of the state that replaces the original only
// when fn returns nil.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

var _ Backend = (*MemoryStore)(nil)

type memState struct {
	stages         map[string]Stage
	tasks          map[string]Task
	comments       []Comment
	history        []HistoryEntry
	changes        []Change
	nextHistoryID  int64
	nextChangeID   int64
	nextCommentSeq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			stages: map[string]Stage{},
			tasks:  map[string]Task{},
		},
		now: time.Now,
	}
}

// SetClock replaces the time source used for history and outbox rows.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *memState) clone() *memState {
	out := &memState{
		stages:         make(map[string]Stage, len(s.stages)),
		tasks:          make(map[string]Task, len(s.tasks)),
		comments:       append([]Comment(nil), s.comments...),
		history:        append([]HistoryEntry(nil), s.history...),
		changes:        append([]Change(nil), s.changes...),
		nextHistoryID:  s.nextHistoryID,
		nextChangeID:   s.nextChangeID,
		nextCommentSeq: s.nextCommentSeq,
	}
	for id, stage := range s.stages {
		out.stages[id] = stage
	}
	for id, task := range s.tasks {
		out.tasks[id] = task
	}
	return out
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	draft := s.state.clone()
	if err := fn(memTx{st: draft, now: s.now}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

func (s *MemoryStore) direct() memTx {
	return memTx{st: s.state, now: s.now}
}

func (s *MemoryStore) ListStages(ctx context.Context, boardID string) ([]Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ListStages(ctx, boardID)
}

func (s *MemoryStore) LockStages(ctx context.Context, boardID string) ([]Stage, error) {
	return s.ListStages(ctx, boardID)
}

func (s *MemoryStore) GetStage(ctx context.Context, boardID, stageID string) (Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().GetStage(ctx, boardID, stageID)
}

func (s *MemoryStore) InsertStage(ctx context.Context, stage Stage) error {
	return s.InTx(ctx, func(q Queries) error { return q.InsertStage(ctx, stage) })
}

func (s *MemoryStore) UpdateStage(ctx context.Context, stage Stage) error {
	return s.InTx(ctx, func(q Queries) error { return q.UpdateStage(ctx, stage) })
}

func (s *MemoryStore) DeleteStage(ctx context.Context, boardID, stageID string) error {
	return s.InTx(ctx, func(q Queries) error { return q.DeleteStage(ctx, boardID, stageID) })
}

func (s *MemoryStore) ReassignTasks(ctx context.Context, boardID, fromStageID, toStageID string, at time.Time) ([]Task, error) {
	var out []Task
	err := s.InTx(ctx, func(q Queries) error {
		var err error
		out, err = q.ReassignTasks(ctx, boardID, fromStageID, toStageID, at)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListTasks(ctx context.Context, boardID string, filter TaskFilter) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ListTasks(ctx, boardID, filter)
}

func (s *MemoryStore) GetTask(ctx context.Context, boardID, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().GetTask(ctx, boardID, taskID)
}

func (s *MemoryStore) LockTask(ctx context.Context, boardID, taskID string) (Task, error) {
	return s.GetTask(ctx, boardID, taskID)
}

func (s *MemoryStore) InsertTask(ctx context.Context, task Task) error {
	return s.InTx(ctx, func(q Queries) error { return q.InsertTask(ctx, task) })
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task Task) error {
	return s.InTx(ctx, func(q Queries) error { return q.UpdateTask(ctx, task) })
}

func (s *MemoryStore) DeleteTask(ctx context.Context, boardID, taskID string) error {
	return s.InTx(ctx, func(q Queries) error { return q.DeleteTask(ctx, boardID, taskID) })
}

func (s *MemoryStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	var out Comment
	err := s.InTx(ctx, func(q Queries) error {
		var err error
		out, err = q.InsertComment(ctx, comment)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListComments(ctx context.Context, boardID, taskID string, after CommentCursor, limit int) ([]Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ListComments(ctx, boardID, taskID, after, limit)
}

func (s *MemoryStore) AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	var out HistoryEntry
	err := s.InTx(ctx, func(q Queries) error {
		var err error
		out, err = q.AppendHistory(ctx, entry)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListHistory(ctx context.Context, boardID, taskID string, afterSeq int64, limit int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ListHistory(ctx, boardID, taskID, afterSeq, limit)
}

func (s *MemoryStore) EnqueueChange(ctx context.Context, change Change) error {
	return s.InTx(ctx, func(q Queries) error { return q.EnqueueChange(ctx, change) })
}

func (s *MemoryStore) PendingChanges(_ context.Context, limit int) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 64
	}
	out := make([]Change, 0, limit)
	for _, change := range s.state.changes {
		if len(out) == limit {
			break
		}
		out = append(out, change)
	}
	return out, nil
}

func (s *MemoryStore) AckChanges(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}
	kept := s.state.changes[:0]
	for _, change := range s.state.changes {
		if _, ok := acked[change.ID]; !ok {
			kept = append(kept, change)
		}
	}
	s.state.changes = kept
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// memTx operates on a memState without locking; the caller owns the mutex.
type memTx struct {
	st  *memState
	now func() time.Time
}

func (m memTx) ListStages(_ context.Context, boardID string) ([]Stage, error) {
	out := make([]Stage, 0)
	for _, stage := range m.st.stages {
		if stage.BoardID == boardID {
			out = append(out, stage)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m memTx) LockStages(ctx context.Context, boardID string) ([]Stage, error) {
	return m.ListStages(ctx, boardID)
}

func (m memTx) GetStage(_ context.Context, boardID, stageID string) (Stage, error) {
	stage, ok := m.st.stages[stageID]
	if !ok || stage.BoardID != boardID {
		return Stage{}, ErrNotFound
	}
	return stage, nil
}

func (m memTx) InsertStage(_ context.Context, stage Stage) error {
	if _, exists := m.st.stages[stage.ID]; exists {
		return fmt.Errorf("insert stage %s: %w", stage.ID, ErrConflict)
	}
	m.st.stages[stage.ID] = stage
	return nil
}

func (m memTx) UpdateStage(_ context.Context, stage Stage) error {
	current, ok := m.st.stages[stage.ID]
	if !ok || current.BoardID != stage.BoardID {
		return ErrNotFound
	}
	stage.CreatedAt = current.CreatedAt
	m.st.stages[stage.ID] = stage
	return nil
}

func (m memTx) DeleteStage(_ context.Context, boardID, stageID string) error {
	current, ok := m.st.stages[stageID]
	if !ok || current.BoardID != boardID {
		return ErrNotFound
	}
	for _, task := range m.st.tasks {
		if task.StageID == stageID {
			return fmt.Errorf("delete stage %s: still referenced by task %s: %w", stageID, task.ID, ErrConflict)
		}
	}
	delete(m.st.stages, stageID)
	return nil
}

func (m memTx) ReassignTasks(ctx context.Context, boardID, fromStageID, toStageID string, at time.Time) ([]Task, error) {
	previous, err := m.ListTasks(ctx, boardID, TaskFilter{StageID: fromStageID})
	if err != nil {
		return nil, err
	}
	for _, task := range previous {
		task.StageID = toStageID
		task.UpdatedAt = at
		task.Version++
		m.st.tasks[task.ID] = task
	}
	return previous, nil
}

func (m memTx) ListTasks(_ context.Context, boardID string, filter TaskFilter) ([]Task, error) {
	out := make([]Task, 0)
	for _, task := range m.st.tasks {
		if task.BoardID == boardID && filter.Match(task) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m memTx) GetTask(_ context.Context, boardID, taskID string) (Task, error) {
	task, ok := m.st.tasks[taskID]
	if !ok || task.BoardID != boardID {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func (m memTx) LockTask(ctx context.Context, boardID, taskID string) (Task, error) {
	return m.GetTask(ctx, boardID, taskID)
}

func (m memTx) InsertTask(_ context.Context, task Task) error {
	if _, exists := m.st.tasks[task.ID]; exists {
		return fmt.Errorf("insert task %s: %w", task.ID, ErrConflict)
	}
	if _, ok := m.st.stages[task.StageID]; !ok {
		return fmt.Errorf("insert task %s: stage %s missing: %w", task.ID, task.StageID, ErrConflict)
	}
	task.Version = 1
	m.st.tasks[task.ID] = task
	return nil
}

func (m memTx) UpdateTask(_ context.Context, task Task) error {
	current, ok := m.st.tasks[task.ID]
	if !ok || current.BoardID != task.BoardID {
		return ErrNotFound
	}
	if _, ok := m.st.stages[task.StageID]; !ok {
		return fmt.Errorf("update task %s: stage %s missing: %w", task.ID, task.StageID, ErrConflict)
	}
	task.CreatedAt = current.CreatedAt
	task.CreatedBy = current.CreatedBy
	task.Version = current.Version + 1
	m.st.tasks[task.ID] = task
	return nil
}

func (m memTx) DeleteTask(_ context.Context, boardID, taskID string) error {
	current, ok := m.st.tasks[taskID]
	if !ok || current.BoardID != boardID {
		return ErrNotFound
	}
	delete(m.st.tasks, taskID)
	kept := make([]Comment, 0, len(m.st.comments))
	for _, comment := range m.st.comments {
		if comment.TaskID != taskID {
			kept = append(kept, comment)
		}
	}
	m.st.comments = kept
	return nil
}

func (m memTx) InsertComment(_ context.Context, comment Comment) (Comment, error) {
	if task, ok := m.st.tasks[comment.TaskID]; !ok || task.BoardID != comment.BoardID {
		return Comment{}, fmt.Errorf("insert comment: task %s missing: %w", comment.TaskID, ErrConflict)
	}
	m.st.nextCommentSeq++
	comment.Seq = m.st.nextCommentSeq
	m.st.comments = append(m.st.comments, comment)
	return comment, nil
}

func (m memTx) ListComments(_ context.Context, boardID, taskID string, after CommentCursor, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 100
	}
	matched := make([]Comment, 0)
	for _, comment := range m.st.comments {
		if comment.BoardID == boardID && comment.TaskID == taskID && after.Before(comment) {
			matched = append(matched, comment)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Cursor().Before(matched[j])
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m memTx) AppendHistory(_ context.Context, entry HistoryEntry) (HistoryEntry, error) {
	var lastSeq int64
	var lastAt time.Time
	for _, existing := range m.st.history {
		if existing.TaskID != entry.TaskID {
			continue
		}
		if existing.Seq > lastSeq {
			lastSeq = existing.Seq
		}
		if existing.CreatedAt.After(lastAt) {
			lastAt = existing.CreatedAt
		}
	}
	createdAt := m.now().UTC()
	if createdAt.Before(lastAt) {
		createdAt = lastAt
	}
	if entry.Payload == nil {
		entry.Payload = map[string]any{}
	}
	m.st.nextHistoryID++
	entry.ID = m.st.nextHistoryID
	entry.Seq = lastSeq + 1
	entry.CreatedAt = createdAt
	m.st.history = append(m.st.history, entry)
	return entry, nil
}

func (m memTx) ListHistory(_ context.Context, boardID, taskID string, afterSeq int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	out := make([]HistoryEntry, 0)
	for _, entry := range m.st.history {
		if entry.BoardID != boardID || entry.TaskID != taskID || entry.Seq <= afterSeq {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memTx) EnqueueChange(_ context.Context, change Change) error {
	m.st.nextChangeID++
	change.ID = m.st.nextChangeID
	if change.CreatedAt.IsZero() {
		change.CreatedAt = m.now().UTC()
	}
	m.st.changes = append(m.st.changes, change)
	return nil
}
