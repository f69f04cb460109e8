package board

import (
	"context"
	"errors"
	"iter"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"salesops/api/internal/rbac"
	"salesops/api/internal/store"
	"salesops/api/internal/util"
)

// FetchHistory yields the task's history oldest first, reading the store one
// page at a time. Each range over the result starts again from the first
// entry. Entries stay readable after the task is deleted.
func (s *Service) FetchHistory(ctx context.Context, actor Actor, boardID, taskID string) iter.Seq2[store.HistoryEntry, error] {
	return func(yield func(store.HistoryEntry, error) bool) {
		if err := s.authorize(actor, rbac.CapViewBoard); err != nil {
			yield(store.HistoryEntry{}, err)
			return
		}
		var afterSeq int64
		for {
			page, err := s.historyPage(ctx, actor, boardID, taskID, afterSeq)
			if err != nil {
				yield(store.HistoryEntry{}, err)
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
				afterSeq = entry.Seq
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

func (s *Service) historyPage(ctx context.Context, actor Actor, boardID, taskID string, afterSeq int64) (_ []store.HistoryEntry, err error) {
	ctx, span := s.startSpan(ctx, "FetchHistory", boardID, actor,
		attribute.String("task.id", taskID),
		attribute.Int64("history.after_seq", afterSeq),
	)
	defer func() { err = s.endSpan(span, "fetch history", err) }()
	return s.store.ListHistory(ctx, boardID, taskID, afterSeq, s.pageSize)
}

// FetchComments yields the task's comments oldest first, one page at a time.
// Pages continue after the last (created_at, seq) seen, so a comment written
// mid-listing is never repeated; one stamped before the cursor by a lagging
// clock shows up on the next listing instead.
func (s *Service) FetchComments(ctx context.Context, actor Actor, boardID, taskID string) iter.Seq2[store.Comment, error] {
	return func(yield func(store.Comment, error) bool) {
		if err := s.authorize(actor, rbac.CapViewBoard); err != nil {
			yield(store.Comment{}, err)
			return
		}
		var after store.CommentCursor
		for {
			page, err := s.commentPage(ctx, actor, boardID, taskID, after)
			if err != nil {
				yield(store.Comment{}, err)
				return
			}
			for _, comment := range page {
				if !yield(comment, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].Cursor()
		}
	}
}

func (s *Service) commentPage(ctx context.Context, actor Actor, boardID, taskID string, after store.CommentCursor) (_ []store.Comment, err error) {
	ctx, span := s.startSpan(ctx, "FetchComments", boardID, actor,
		attribute.String("task.id", taskID),
		attribute.Int64("comments.after_seq", after.Seq),
	)
	defer func() { err = s.endSpan(span, "fetch comments", err) }()
	return s.store.ListComments(ctx, boardID, taskID, after, s.pageSize)
}

// AddComment stores the comment and its commented history entry together.
func (s *Service) AddComment(ctx context.Context, actor Actor, boardID, taskID, body string) (comment store.Comment, err error) {
	ctx, span := s.startSpan(ctx, "AddComment", boardID, actor, attribute.String("task.id", taskID))
	defer func() { err = s.endSpan(span, "add comment", err) }()

	if err := s.authorize(actor, rbac.CapEditTask); err != nil {
		return store.Comment{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return store.Comment{}, validationError("comment body is required", map[string]any{"field": "body"})
	}

	err = s.mutate(ctx, boardID, actor, func(q store.Queries, changes *changeSet) error {
		task, err := q.LockTask(ctx, boardID, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFoundError("task not found", map[string]any{"task_id": taskID})
			}
			return err
		}
		comment, err = q.InsertComment(ctx, store.Comment{
			ID:        util.NewID("cmt"),
			TaskID:    task.ID,
			BoardID:   boardID,
			AuthorID:  actor.ID,
			Body:      body,
			CreatedAt: s.timestamp(),
		})
		if err != nil {
			return err
		}
		changes.add(store.TableComments, store.OpInsert, comment.ID)
		return s.appendHistory(ctx, q, changes, task, store.HistoryCommented, map[string]any{"comment_id": comment.ID})
	})
	return comment, err
}

// CollectHistory drains FetchHistory into a slice.
func CollectHistory(seq iter.Seq2[store.HistoryEntry, error]) ([]store.HistoryEntry, error) {
	out := make([]store.HistoryEntry, 0)
	for entry, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// CollectComments drains FetchComments into a slice.
func CollectComments(seq iter.Seq2[store.Comment, error]) ([]store.Comment, error) {
	out := make([]store.Comment, 0)
	for comment, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, comment)
	}
	return out, nil
}
