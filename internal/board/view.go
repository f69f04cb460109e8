package board

import (
	"context"

	"salesops/api/internal/store"
)

// View reads a board as one actor. It lets the in-process service feed a
// realtime.Sync.
type View struct {
	svc   *Service
	actor Actor
}

func (s *Service) ViewAs(actor Actor) View {
	return View{svc: s, actor: actor}
}

func (v View) ListStages(ctx context.Context, boardID string) ([]store.Stage, error) {
	return v.svc.ListStages(ctx, v.actor, boardID)
}

func (v View) ListTasks(ctx context.Context, boardID string) ([]store.Task, error) {
	return v.svc.ListTasks(ctx, v.actor, boardID, store.TaskFilter{})
}

func (v View) FetchHistory(ctx context.Context, boardID, taskID string) ([]store.HistoryEntry, error) {
	return CollectHistory(v.svc.FetchHistory(ctx, v.actor, boardID, taskID))
}

func (v View) FetchComments(ctx context.Context, boardID, taskID string) ([]store.Comment, error) {
	return CollectComments(v.svc.FetchComments(ctx, v.actor, boardID, taskID))
}

// MoveTask ignores the idempotency key: a failed in-process call has not
// committed, so a retry cannot apply the move twice.
func (v View) MoveTask(ctx context.Context, boardID, taskID, toStageID, _ string) (store.Task, error) {
	return v.svc.MoveTask(ctx, v.actor, boardID, taskID, toStageID)
}
