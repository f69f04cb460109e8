package board

import (
	"context"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"salesops/api/internal/rbac"
	"salesops/api/internal/store"
	"salesops/api/internal/util"
)

type StageInput struct {
	Title     string `json:"title"`
	Color     string `json:"color"`
	IsDefault bool   `json:"is_default"`
}

// StagePatch changes only the fields that are set.
type StagePatch struct {
	Title      *string `json:"title,omitempty"`
	Color      *string `json:"color,omitempty"`
	OrderIndex *int    `json:"order_index,omitempty"`
	IsDefault  *bool   `json:"is_default,omitempty"`
}

// Fallback returns the default stage with the lowest order_index.
func Fallback(stages []store.Stage) (store.Stage, bool) {
	var best store.Stage
	found := false
	for _, stage := range stages {
		if !stage.IsDefault {
			continue
		}
		if !found || stage.OrderIndex < best.OrderIndex {
			best = stage
			found = true
		}
	}
	return best, found
}

func countDefaults(stages []store.Stage) int {
	n := 0
	for _, stage := range stages {
		if stage.IsDefault {
			n++
		}
	}
	return n
}

func findStage(stages []store.Stage, id string) (store.Stage, int, bool) {
	for i, stage := range stages {
		if stage.ID == id {
			return stage, i, true
		}
	}
	return store.Stage{}, -1, false
}

func (s *Service) ListStages(ctx context.Context, actor Actor, boardID string) (_ []store.Stage, err error) {
	ctx, span := s.startSpan(ctx, "ListStages", boardID, actor)
	defer func() { err = s.endSpan(span, "list stages", err) }()

	if err := s.authorize(actor, rbac.CapViewBoard); err != nil {
		return nil, err
	}
	return s.store.ListStages(ctx, boardID)
}

// EnsureDefaultStage guarantees the board has a fallback stage. It seeds one
// when the board is empty and promotes the first stage when none is default.
func (s *Service) EnsureDefaultStage(ctx context.Context, boardID, title string) (stage store.Stage, err error) {
	system := Actor{ID: "system"}
	ctx, span := s.startSpan(ctx, "EnsureDefaultStage", boardID, system)
	defer func() { err = s.endSpan(span, "ensure default stage", err) }()

	title = strings.TrimSpace(title)
	if title == "" {
		return store.Stage{}, validationError("default stage title is required", nil)
	}

	err = s.mutate(ctx, boardID, system, func(q store.Queries, changes *changeSet) error {
		stages, err := q.LockStages(ctx, boardID)
		if err != nil {
			return err
		}
		if fallback, ok := Fallback(stages); ok {
			stage = fallback
			return nil
		}
		now := s.timestamp()
		if len(stages) > 0 {
			stage = stages[0]
			stage.IsDefault = true
			stage.UpdatedAt = now
			if err := q.UpdateStage(ctx, stage); err != nil {
				return err
			}
			changes.add(store.TableStages, store.OpUpdate, stage.ID)
			return nil
		}
		stage = store.Stage{
			ID:         util.NewID("stg"),
			BoardID:    boardID,
			Title:      title,
			Color:      s.defaultStageColor,
			OrderIndex: 0,
			IsDefault:  true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := q.InsertStage(ctx, stage); err != nil {
			return err
		}
		changes.add(store.TableStages, store.OpInsert, stage.ID)
		s.log.WithFields(log.Fields{"board_id": boardID, "stage_id": stage.ID}).Info("seeded default stage")
		return nil
	})
	return stage, err
}

func (s *Service) CreateStage(ctx context.Context, actor Actor, boardID string, input StageInput) (stage store.Stage, err error) {
	ctx, span := s.startSpan(ctx, "CreateStage", boardID, actor)
	defer func() { err = s.endSpan(span, "create stage", err) }()

	if err := s.authorize(actor, rbac.CapConfigureStages); err != nil {
		return store.Stage{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Stage{}, validationError("stage title is required", map[string]any{"field": "title"})
	}

	err = s.mutate(ctx, boardID, actor, func(q store.Queries, changes *changeSet) error {
		stages, err := q.LockStages(ctx, boardID)
		if err != nil {
			return err
		}
		order := 0
		for _, existing := range stages {
			if existing.OrderIndex >= order {
				order = existing.OrderIndex + 1
			}
		}
		now := s.timestamp()
		stage = store.Stage{
			ID:         util.NewID("stg"),
			BoardID:    boardID,
			Title:      title,
			Color:      strings.TrimSpace(input.Color),
			OrderIndex: order,
			// The first stage of a board becomes its fallback.
			IsDefault: input.IsDefault || len(stages) == 0,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := q.InsertStage(ctx, stage); err != nil {
			return err
		}
		changes.add(store.TableStages, store.OpInsert, stage.ID)
		return nil
	})
	return stage, err
}

func (s *Service) UpdateStage(ctx context.Context, actor Actor, boardID, stageID string, patch StagePatch) (stage store.Stage, err error) {
	ctx, span := s.startSpan(ctx, "UpdateStage", boardID, actor, attribute.String("stage.id", stageID))
	defer func() { err = s.endSpan(span, "update stage", err) }()

	if err := s.authorize(actor, rbac.CapConfigureStages); err != nil {
		return store.Stage{}, err
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return store.Stage{}, validationError("stage title is required", map[string]any{"field": "title"})
	}
	if patch.OrderIndex != nil && *patch.OrderIndex < 0 {
		return store.Stage{}, validationError("order_index must not be negative", map[string]any{"field": "order_index"})
	}

	err = s.mutate(ctx, boardID, actor, func(q store.Queries, changes *changeSet) error {
		stages, err := q.LockStages(ctx, boardID)
		if err != nil {
			return err
		}
		current, _, ok := findStage(stages, stageID)
		if !ok {
			return notFoundError("stage not found", map[string]any{"stage_id": stageID})
		}
		stage = current
		now := s.timestamp()

		if patch.Title != nil {
			stage.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Color != nil {
			stage.Color = strings.TrimSpace(*patch.Color)
		}
		if patch.IsDefault != nil {
			if !*patch.IsDefault && current.IsDefault && countDefaults(stages) == 1 {
				return conflictError("board must keep at least one default stage", map[string]any{"stage_id": stageID})
			}
			stage.IsDefault = *patch.IsDefault
		}
		if patch.OrderIndex != nil && *patch.OrderIndex != current.OrderIndex {
			// The stage already holding the target index takes the old one.
			for _, other := range stages {
				if other.ID != stageID && other.OrderIndex == *patch.OrderIndex {
					other.OrderIndex = current.OrderIndex
					other.UpdatedAt = now
					if err := q.UpdateStage(ctx, other); err != nil {
						return err
					}
					changes.add(store.TableStages, store.OpUpdate, other.ID)
				}
			}
			stage.OrderIndex = *patch.OrderIndex
		}
		stage.UpdatedAt = now
		if err := q.UpdateStage(ctx, stage); err != nil {
			return err
		}
		changes.add(store.TableStages, store.OpUpdate, stage.ID)
		return nil
	})
	return stage, err
}

// ReorderStages assigns order_index 0..n-1 following ids, which must name
// every stage of the board exactly once.
func (s *Service) ReorderStages(ctx context.Context, actor Actor, boardID string, ids []string) (out []store.Stage, err error) {
	ctx, span := s.startSpan(ctx, "ReorderStages", boardID, actor)
	defer func() { err = s.endSpan(span, "reorder stages", err) }()

	if err := s.authorize(actor, rbac.CapConfigureStages); err != nil {
		return nil, err
	}

	err = s.mutate(ctx, boardID, actor, func(q store.Queries, changes *changeSet) error {
		stages, err := q.LockStages(ctx, boardID)
		if err != nil {
			return err
		}
		if len(ids) != len(stages) {
			return validationError("reorder must list every stage exactly once", map[string]any{"expected": len(stages), "got": len(ids)})
		}
		seen := make(map[string]struct{}, len(ids))
		now := s.timestamp()
		out = make([]store.Stage, 0, len(ids))
		for i, id := range ids {
			if _, dup := seen[id]; dup {
				return validationError("reorder lists a stage twice", map[string]any{"stage_id": id})
			}
			seen[id] = struct{}{}
			stage, _, ok := findStage(stages, id)
			if !ok {
				return validationError("reorder names an unknown stage", map[string]any{"stage_id": id})
			}
			if stage.OrderIndex != i {
				stage.OrderIndex = i
				stage.UpdatedAt = now
				if err := q.UpdateStage(ctx, stage); err != nil {
					return err
				}
				changes.add(store.TableStages, store.OpUpdate, stage.ID)
			}
			out = append(out, stage)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

// DeleteStage removes a stage and moves its tasks to the fallback stage in
// the same transaction. Each reassigned task gets a moved history entry.
func (s *Service) DeleteStage(ctx context.Context, actor Actor, boardID, stageID string) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteStage", boardID, actor, attribute.String("stage.id", stageID))
	defer func() { err = s.endSpan(span, "delete stage", err) }()

	if err := s.authorize(actor, rbac.CapDeleteStage); err != nil {
		return err
	}

	reassigned := 0
	err = s.mutate(ctx, boardID, actor, func(q store.Queries, changes *changeSet) error {
		reassigned = 0
		stages, err := q.LockStages(ctx, boardID)
		if err != nil {
			return err
		}
		target, _, ok := findStage(stages, stageID)
		if !ok {
			return notFoundError("stage not found", map[string]any{"stage_id": stageID})
		}
		if target.IsDefault && countDefaults(stages) == 1 && len(stages) > 1 {
			return conflictError("cannot delete the only default stage", map[string]any{"stage_id": stageID})
		}

		remaining := make([]store.Stage, 0, len(stages))
		for _, stage := range stages {
			if stage.ID != stageID {
				remaining = append(remaining, stage)
			}
		}
		fallback, hasFallback := Fallback(remaining)
		if hasFallback {
			moved, err := q.ReassignTasks(ctx, boardID, stageID, fallback.ID, s.timestamp())
			if err != nil {
				return err
			}
			for _, task := range moved {
				if err := s.appendHistory(ctx, q, changes, task, store.HistoryMoved, map[string]any{
					"from_stage_id": stageID,
					"to_stage_id":   fallback.ID,
					"reason":        "stage_deleted",
				}); err != nil {
					return err
				}
				changes.add(store.TableTasks, store.OpUpdate, task.ID)
			}
			reassigned = len(moved)
		} else {
			tasks, err := q.ListTasks(ctx, boardID, store.TaskFilter{StageID: stageID})
			if err != nil {
				return err
			}
			if len(tasks) > 0 {
				return conflictError("no fallback stage for the tasks of the last stage", map[string]any{"stage_id": stageID, "tasks": len(tasks)})
			}
		}

		if err := q.DeleteStage(ctx, boardID, stageID); err != nil {
			return err
		}
		changes.add(store.TableStages, store.OpDelete, stageID)
		return nil
	})
	if err == nil {
		s.log.WithFields(log.Fields{
			"board_id":   boardID,
			"stage_id":   stageID,
			"reassigned": reassigned,
			"actor_id":   actor.ID,
		}).Info("stage deleted")
	}
	return err
}
