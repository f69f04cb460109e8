package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Queries is the set of reads and writes a board operation may issue, either
// directly or inside a transaction opened by Backend.InTx.
type Queries interface {
	ListStages(ctx context.Context, boardID string) ([]Stage, error)
	// LockStages returns the board's stages and holds them exclusively until
	// the surrounding transaction ends.
	LockStages(ctx context.Context, boardID string) ([]Stage, error)
	// GetStage holds a shared lock on the stage inside a transaction so a
	// concurrent delete waits for the reader.
	GetStage(ctx context.Context, boardID, stageID string) (Stage, error)
	InsertStage(ctx context.Context, stage Stage) error
	UpdateStage(ctx context.Context, stage Stage) error
	DeleteStage(ctx context.Context, boardID, stageID string) error
	// ReassignTasks points every task of fromStageID at toStageID, stamps them
	// with at, bumps their versions and returns them as they were before.
	ReassignTasks(ctx context.Context, boardID, fromStageID, toStageID string, at time.Time) ([]Task, error)

	ListTasks(ctx context.Context, boardID string, filter TaskFilter) ([]Task, error)
	GetTask(ctx context.Context, boardID, taskID string) (Task, error)
	// LockTask reads a task and holds its row until the transaction ends.
	LockTask(ctx context.Context, boardID, taskID string) (Task, error)
	// InsertTask stores task at version 1.
	InsertTask(ctx context.Context, task Task) error
	// UpdateTask overwrites the mutable fields and bumps the stored version
	// by one. Callers hold the row from LockTask.
	UpdateTask(ctx context.Context, task Task) error
	// DeleteTask removes the task and its comments. History rows stay.
	DeleteTask(ctx context.Context, boardID, taskID string) error

	// InsertComment assigns Seq and returns the stored comment.
	InsertComment(ctx context.Context, comment Comment) (Comment, error)
	// ListComments pages comments in (created_at, seq) order, starting after
	// the cursor.
	ListComments(ctx context.Context, boardID, taskID string, after CommentCursor, limit int) ([]Comment, error)

	// AppendHistory assigns ID, Seq and CreatedAt and returns the stored entry.
	AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error)
	ListHistory(ctx context.Context, boardID, taskID string, afterSeq int64, limit int) ([]HistoryEntry, error)

	EnqueueChange(ctx context.Context, change Change) error
}

// Backend is a board backing store.
type Backend interface {
	Queries
	// InTx runs fn atomically: every write made through q is committed
	// together or not at all.
	InTx(ctx context.Context, fn func(q Queries) error) error
	// PendingChanges returns unpublished outbox rows, oldest first.
	PendingChanges(ctx context.Context, limit int) ([]Change, error)
	AckChanges(ctx context.Context, ids []int64) error
	Ping(ctx context.Context) error
}
