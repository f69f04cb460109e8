package store

import "time"

type Stage struct {
	ID         string    `json:"id"`
	BoardID    string    `json:"board_id"`
	Title      string    `json:"title"`
	Color      string    `json:"color"`
	OrderIndex int       `json:"order_index"`
	IsDefault  bool      `json:"is_default"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Task struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"board_id"`
	BrokerID    string     `json:"broker_id"`
	StageID     string     `json:"stage_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Priority    string     `json:"priority"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	// Version starts at 1 and goes up by one with every committed write to
	// the row, so it orders writes without trusting any clock.
	Version int64 `json:"version"`
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	BrokerID string
	StageID  string
}

func (f TaskFilter) Match(task Task) bool {
	if f.BrokerID != "" && task.BrokerID != f.BrokerID {
		return false
	}
	if f.StageID != "" && task.StageID != f.StageID {
		return false
	}
	return true
}

type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	BoardID   string    `json:"board_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}

// CommentCursor positions a page of comments after the last one read. The
// zero cursor starts at the beginning.
type CommentCursor struct {
	CreatedAt time.Time
	Seq       int64
}

func (c Comment) Cursor() CommentCursor {
	return CommentCursor{CreatedAt: c.CreatedAt, Seq: c.Seq}
}

func (c CommentCursor) Before(comment Comment) bool {
	if !comment.CreatedAt.Equal(c.CreatedAt) {
		return c.CreatedAt.Before(comment.CreatedAt)
	}
	return c.Seq < comment.Seq
}

type HistoryKind string

const (
	HistoryCreated      HistoryKind = "created"
	HistoryMoved        HistoryKind = "moved"
	HistoryFieldChanged HistoryKind = "field_changed"
	HistoryCommented    HistoryKind = "commented"
	HistoryDeleted      HistoryKind = "deleted"
)

// HistoryEntry is one immutable audit record. Seq is assigned by the store at
// append time and orders entries of the same task.
type HistoryEntry struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"task_id"`
	BoardID   string         `json:"board_id"`
	Seq       int64          `json:"seq"`
	ActorID   string         `json:"actor_id"`
	Kind      HistoryKind    `json:"kind"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Table names used for change notifications.
const (
	TableStages   = "stages"
	TableTasks    = "tasks"
	TableHistory  = "history"
	TableComments = "comments"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Change is an outbox row: a committed mutation waiting to be announced on the
// notification channel.
type Change struct {
	ID        int64     `json:"id"`
	BoardID   string    `json:"board_id"`
	Table     string    `json:"table"`
	Op        string    `json:"op"`
	EntityID  string    `json:"entity_id"`
	ActorID   string    `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}
