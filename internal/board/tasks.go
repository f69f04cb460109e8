package board

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"salesops/api/internal/rbac"
	"salesops/api/internal/store"
	"salesops/api/internal/util"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

var allowedPriorities = map[string]struct{}{
	PriorityLow:    {},
	PriorityMedium: {},
	PriorityHigh:   {},
	PriorityUrgent: {},
}

type TaskInput struct {
	BrokerID    string     `json:"broker_id"`
	StageID     string     `json:"stage_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Priority    string     `json:"priority"`
}

// TaskPatch changes only the fields that are set. ClearDueDate removes the
// due date; it wins over DueDate.
type TaskPatch struct {
	BrokerID     *string    `json:"broker_id,omitempty"`
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ClearDueDate bool       `json:"clear_due_date,omitempty"`
	Priority     *string    `json:"priority,omitempty"`
}

func normalizePriority(raw string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return PriorityMedium, nil
	}
	if _, ok := allowedPriorities[value]; !ok {
		return "", validationError("unknown priority", map[string]any{"field": "priority", "value": raw})
	}
	return value, nil
}

func (s *Service) ListTasks(ctx context.Context, actor Actor, boardID string, filter store.TaskFilter) (_ []store.Task, err error) {
	ctx, span := s.startSpan(ctx, "ListTasks", boardID, actor)
	defer func() { err = s.endSpan(span, "list tasks", err) }()

	if err := s.authorize(actor, rbac.CapViewBoard); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, boardID, filter)
}

func (s *Service) GetTask(ctx context.Context, actor Actor, boardID, taskID string) (_ store.Task, err error) {
	ctx, span := s.startSpan(ctx, "GetTask", boardID, actor, attribute.String("task.id", taskID))
	defer func() { err = s.endSpan(span, "get task", err) }()

	if err := s.authorize(actor, rbac.CapViewBoard); err != nil {
		return store.Task{}, err
	}
	return s.store.GetTask(ctx, boardID, taskID)
}

// resolveStage returns the stage a new task lands in, holding a shared lock
// on it until the transaction ends.
func resolveStage(ctx context.Context, q store.Queries, boardID, stageID string) (store.Stage, error) {
	if stageID == "" {
		stages, err := q.ListStages(ctx, boardID)
		if err != nil {
			return store.Stage{}, err
		}
		fallback, ok := Fallback(stages)
		if !ok {
			return store.Stage{}, conflictError("board has no default stage", map[string]any{"board_id": boardID})
		}
		stageID = fallback.ID
	}
	stage, err := q.GetStage(ctx, boardID, stageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Stage{}, notFoundError("stage not found", map[string]any{"stage_id": stageID})
		}
		return store.Stage{}, err
	}
	return stage, nil
}

func (s *Service) CreateTask(ctx context.Context, actor Actor, boardID string, input TaskInput) (task store.Task, err error) {
	ctx, span := s.startSpan(ctx, "CreateTask", boardID, actor)
	defer func() { err = s.endSpan(span, "create task", err) }()

	if err := s.authorize(actor, rbac.CapCreateTask); err != nil {
		return store.Task{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Task{}, validationError("task title is required", map[string]any{"field": "title"})
	}
	priority, err := normalizePriority(input.Priority)
	if err != nil {
		return store.Task{}, err
	}
	brokerID := strings.TrimSpace(input.BrokerID)
	if brokerID == "" {
		brokerID = actor.ID
	}

	err = s.mutate(ctx, boardID, actor, func(q store.Queries, changes *changeSet) error {
		stage, err := resolveStage(ctx, q, boardID, strings.TrimSpace(input.StageID))
		if err != nil {
			return err
		}
		now := s.timestamp()
		task = store.Task{
			ID:          util.NewID("tsk"),
			BoardID:     boardID,
			BrokerID:    brokerID,
			StageID:     stage.ID,
			Title:       title,
			Description: strings.TrimSpace(input.Description),
			DueDate:     utcPtr(input.DueDate),
			Priority:    priority,
			CreatedBy:   actor.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
		}
		if err := q.InsertTask(ctx, task); err != nil {
			return err
		}
		changes.add(store.TableTasks, store.OpInsert, task.ID)
		return s.appendHistory(ctx, q, changes, task, store.HistoryCreated, map[string]any{"stage_id": stage.ID})
	})
	return task, err
}

// MoveTask assigns the task to toStageID. A move to the current stage leaves
// the row alone but is still recorded in history.
func (s *Service) MoveTask(ctx context.Context, actor Actor, boardID, taskID, toStageID string) (task store.Task, err error) {
	ctx, span := s.startSpan(ctx, "MoveTask", boardID, actor,
		attribute.String("task.id", taskID),
		attribute.String("stage.to", toStageID),
	)
	defer func() { err = s.endSpan(span, "move task", err) }()

	if err := s.authorize(actor, rbac.CapMoveTask); err != nil {
		return store.Task{}, err
	}
	toStageID = strings.TrimSpace(toStageID)
	if toStageID == "" {
		return store.Task{}, validationError("target stage is required", map[string]any{"field": "stage_id"})
	}

	err = s.mutate(ctx, boardID, actor, func(q store.Queries, changes *changeSet) error {
		// Stage before task: every writer locks in this order.
		if _, err := resolveStage(ctx, q, boardID, toStageID); err != nil {
			return err
		}
		current, err := q.LockTask(ctx, boardID, taskID)
		if err != nil {
			return err
		}
		task = current
		if current.StageID != toStageID {
			task.StageID = toStageID
			task.UpdatedAt = s.timestamp()
			// The row is locked, so the store's bump lands on exactly this.
			task.Version = current.Version + 1
			if err := q.UpdateTask(ctx, task); err != nil {
				return err
			}
			changes.add(store.TableTasks, store.OpUpdate, task.ID)
		}
		return s.appendHistory(ctx, q, changes, task, store.HistoryMoved, map[string]any{
			"from_stage_id": current.StageID,
			"to_stage_id":   toStageID,
		})
	})
	return task, err
}

// UpdateTask applies patch and appends one field_changed entry per field
// whose value actually changed.
func (s *Service) UpdateTask(ctx context.Context, actor Actor, boardID, taskID string, patch TaskPatch) (task store.Task, err error) {
	ctx, span := s.startSpan(ctx, "UpdateTask", boardID, actor, attribute.String("task.id", taskID))
	defer func() { err = s.endSpan(span, "update task", err) }()

	if err := s.authorize(actor, rbac.CapEditTask); err != nil {
		return store.Task{}, err
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return store.Task{}, validationError("task title is required", map[string]any{"field": "title"})
	}
	var priority string
	if patch.Priority != nil {
		if priority, err = normalizePriority(*patch.Priority); err != nil {
			return store.Task{}, err
		}
	}

	err = s.mutate(ctx, boardID, actor, func(q store.Queries, changes *changeSet) error {
		current, err := q.LockTask(ctx, boardID, taskID)
		if err != nil {
			return err
		}
		task = current
		diffs := make([]fieldChange, 0, 5)

		if patch.Title != nil {
			task.Title = strings.TrimSpace(*patch.Title)
			diffs = diffString(diffs, "title", current.Title, task.Title)
		}
		if patch.Description != nil {
			task.Description = strings.TrimSpace(*patch.Description)
			diffs = diffString(diffs, "description", current.Description, task.Description)
		}
		if patch.BrokerID != nil {
			task.BrokerID = strings.TrimSpace(*patch.BrokerID)
			diffs = diffString(diffs, "broker_id", current.BrokerID, task.BrokerID)
		}
		if patch.ClearDueDate {
			task.DueDate = nil
		} else if patch.DueDate != nil {
			task.DueDate = utcPtr(patch.DueDate)
		}
		if !sameTime(current.DueDate, task.DueDate) {
			diffs = append(diffs, fieldChange{field: "due_date", oldValue: timeValue(current.DueDate), newValue: timeValue(task.DueDate)})
		}
		if patch.Priority != nil {
			task.Priority = priority
			diffs = diffString(diffs, "priority", current.Priority, task.Priority)
		}

		if len(diffs) == 0 {
			return nil
		}
		task.UpdatedAt = s.timestamp()
		task.Version = current.Version + 1
		if err := q.UpdateTask(ctx, task); err != nil {
			return err
		}
		changes.add(store.TableTasks, store.OpUpdate, task.ID)
		for _, diff := range diffs {
			if err := s.appendHistory(ctx, q, changes, task, store.HistoryFieldChanged, map[string]any{
				"field":     diff.field,
				"old_value": diff.oldValue,
				"new_value": diff.newValue,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return task, err
}

// DeleteTask records the deletion in history and then removes the task and
// its comments. Deleting a missing task is a NotFound error.
func (s *Service) DeleteTask(ctx context.Context, actor Actor, boardID, taskID string) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteTask", boardID, actor, attribute.String("task.id", taskID))
	defer func() { err = s.endSpan(span, "delete task", err) }()

	if err := s.authorize(actor, rbac.CapDeleteTask); err != nil {
		return err
	}

	return s.mutate(ctx, boardID, actor, func(q store.Queries, changes *changeSet) error {
		task, err := q.LockTask(ctx, boardID, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFoundError("task not found", map[string]any{"task_id": taskID})
			}
			return err
		}
		if err := s.appendHistory(ctx, q, changes, task, store.HistoryDeleted, map[string]any{
			"stage_id": task.StageID,
			"title":    task.Title,
		}); err != nil {
			return err
		}
		if err := q.DeleteTask(ctx, boardID, taskID); err != nil {
			return err
		}
		changes.add(store.TableTasks, store.OpDelete, taskID)
		changes.add(store.TableComments, store.OpDelete, taskID)
		return nil
	})
}

type fieldChange struct {
	field    string
	oldValue any
	newValue any
}

func diffString(diffs []fieldChange, field, oldValue, newValue string) []fieldChange {
	if oldValue == newValue {
		return diffs
	}
	return append(diffs, fieldChange{field: field, oldValue: oldValue, newValue: newValue})
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
