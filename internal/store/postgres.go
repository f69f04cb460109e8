package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	queries
	db *sql.DB
}

var _ Backend = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{queries: queries{db: db}, db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(queries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingChanges(ctx context.Context, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, table_name, op, entity_id, actor_id, created_at
		FROM board_changes
		WHERE published_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	defer rows.Close()

	items := make([]Change, 0)
	for rows.Next() {
		var item Change
		if err := rows.Scan(&item.ID, &item.BoardID, &item.Table, &item.Op, &item.EntityID, &item.ActorID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AckChanges(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE board_changes SET published_at=NOW() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("ack changes: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queries struct {
	db dbtx
}

const stageColumns = `id, board_id, title, color, order_index, is_default, created_at, updated_at`

func scanStage(row interface{ Scan(...any) error }) (Stage, error) {
	var item Stage
	err := row.Scan(&item.ID, &item.BoardID, &item.Title, &item.Color, &item.OrderIndex, &item.IsDefault, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (q queries) listStages(ctx context.Context, query string, boardID string) ([]Stage, error) {
	rows, err := q.db.QueryContext(ctx, query, boardID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	items := make([]Stage, 0)
	for rows.Next() {
		item, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	return items, nil
}

func (q queries) ListStages(ctx context.Context, boardID string) ([]Stage, error) {
	return q.listStages(ctx, `
		SELECT `+stageColumns+`
		FROM process_stages
		WHERE board_id=$1
		ORDER BY order_index ASC, id ASC
	`, boardID)
}

func (q queries) LockStages(ctx context.Context, boardID string) ([]Stage, error) {
	return q.listStages(ctx, `
		SELECT `+stageColumns+`
		FROM process_stages
		WHERE board_id=$1
		ORDER BY order_index ASC, id ASC
		FOR UPDATE
	`, boardID)
}

func (q queries) GetStage(ctx context.Context, boardID, stageID string) (Stage, error) {
	item, err := scanStage(q.db.QueryRowContext(ctx, `
		SELECT `+stageColumns+`
		FROM process_stages
		WHERE board_id=$1 AND id=$2
		FOR SHARE
	`, boardID, stageID))
	if errors.Is(err, sql.ErrNoRows) {
		return Stage{}, ErrNotFound
	}
	if err != nil {
		return Stage{}, fmt.Errorf("get stage: %w", err)
	}
	return item, nil
}

func (q queries) InsertStage(ctx context.Context, stage Stage) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO process_stages (id, board_id, title, color, order_index, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, stage.ID, stage.BoardID, stage.Title, stage.Color, stage.OrderIndex, stage.IsDefault, stage.CreatedAt, stage.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert stage: %w", err)
	}
	return nil
}

func (q queries) UpdateStage(ctx context.Context, stage Stage) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE process_stages
		SET title=$3, color=$4, order_index=$5, is_default=$6, updated_at=$7
		WHERE board_id=$1 AND id=$2
	`, stage.BoardID, stage.ID, stage.Title, stage.Color, stage.OrderIndex, stage.IsDefault, stage.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	return requireRow(res, "update stage")
}

func (q queries) DeleteStage(ctx context.Context, boardID, stageID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM process_stages WHERE board_id=$1 AND id=$2`, boardID, stageID)
	if err != nil {
		return fmt.Errorf("delete stage: %w", err)
	}
	return requireRow(res, "delete stage")
}

func (q queries) ReassignTasks(ctx context.Context, boardID, fromStageID, toStageID string, at time.Time) ([]Task, error) {
	previous, err := q.listTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE board_id=$1 AND stage_id=$2
		ORDER BY created_at ASC, id ASC
		FOR UPDATE
	`, boardID, fromStageID)
	if err != nil {
		return nil, err
	}
	if len(previous) == 0 {
		return previous, nil
	}
	if _, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET stage_id=$3, updated_at=$4, version=version+1
		WHERE board_id=$1 AND stage_id=$2
	`, boardID, fromStageID, toStageID, at); err != nil {
		return nil, fmt.Errorf("reassign tasks: %w", err)
	}
	return previous, nil
}

const taskColumns = `id, board_id, broker_id, stage_id, title, description, due_date, priority, created_by, created_at, updated_at, version`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var item Task
	var due sql.NullTime
	err := row.Scan(&item.ID, &item.BoardID, &item.BrokerID, &item.StageID, &item.Title, &item.Description, &due, &item.Priority, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt, &item.Version)
	if err != nil {
		return Task{}, err
	}
	if due.Valid {
		value := due.Time
		item.DueDate = &value
	}
	return item, nil
}

func (q queries) listTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (q queries) ListTasks(ctx context.Context, boardID string, filter TaskFilter) ([]Task, error) {
	return q.listTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE board_id=$1
			AND ($2='' OR broker_id=$2)
			AND ($3='' OR stage_id=$3)
		ORDER BY created_at ASC, id ASC
	`, boardID, filter.BrokerID, filter.StageID)
}

func (q queries) getTask(ctx context.Context, query, boardID, taskID string) (Task, error) {
	item, err := scanTask(q.db.QueryRowContext(ctx, query, boardID, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return item, nil
}

func (q queries) GetTask(ctx context.Context, boardID, taskID string) (Task, error) {
	return q.getTask(ctx, `SELECT `+taskColumns+` FROM tasks WHERE board_id=$1 AND id=$2`, boardID, taskID)
}

func (q queries) LockTask(ctx context.Context, boardID, taskID string) (Task, error) {
	return q.getTask(ctx, `SELECT `+taskColumns+` FROM tasks WHERE board_id=$1 AND id=$2 FOR UPDATE`, boardID, taskID)
}

func (q queries) InsertTask(ctx context.Context, task Task) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, board_id, broker_id, stage_id, title, description, due_date, priority, created_by, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
	`, task.ID, task.BoardID, task.BrokerID, task.StageID, task.Title, task.Description, task.DueDate, task.Priority, task.CreatedBy, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (q queries) UpdateTask(ctx context.Context, task Task) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET broker_id=$3, stage_id=$4, title=$5, description=$6, due_date=$7, priority=$8, updated_at=$9, version=version+1
		WHERE board_id=$1 AND id=$2
	`, task.BoardID, task.ID, task.BrokerID, task.StageID, task.Title, task.Description, task.DueDate, task.Priority, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res, "update task")
}

func (q queries) DeleteTask(ctx context.Context, boardID, taskID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM task_comments WHERE board_id=$1 AND task_id=$2`, boardID, taskID); err != nil {
		return fmt.Errorf("delete task comments: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM tasks WHERE board_id=$1 AND id=$2`, boardID, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res, "delete task")
}

func (q queries) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO task_comments (id, task_id, board_id, author_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq
	`, comment.ID, comment.TaskID, comment.BoardID, comment.AuthorID, comment.Body, comment.CreatedAt).Scan(&comment.Seq)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

func (q queries) ListComments(ctx context.Context, boardID, taskID string, after CommentCursor, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task_id, board_id, author_id, body, created_at, seq
		FROM task_comments
		WHERE board_id=$1 AND task_id=$2 AND (created_at, seq) > ($3, $4)
		ORDER BY created_at ASC, seq ASC
		LIMIT $5
	`, boardID, taskID, after.CreatedAt, after.Seq, limit)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.TaskID, &item.BoardID, &item.AuthorID, &item.Body, &item.CreatedAt, &item.Seq); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// AppendHistory computes seq and created_at from the task's latest entry so
// (created_at, seq) never goes backwards, whatever the caller's clock says.
// Callers hold the task row lock, which serializes appends per task.
func (q queries) AppendHistory(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	payload := entry.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("marshal history payload: %w", err)
	}
	err = q.db.QueryRowContext(ctx, `
		INSERT INTO task_history (task_id, board_id, seq, actor_id, kind, payload, created_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5::jsonb,
			GREATEST(clock_timestamp(), COALESCE(MAX(created_at), clock_timestamp()))
		FROM task_history
		WHERE task_id=$1
		RETURNING id, seq, created_at
	`, entry.TaskID, entry.BoardID, entry.ActorID, string(entry.Kind), string(encoded)).Scan(&entry.ID, &entry.Seq, &entry.CreatedAt)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("append history: %w", err)
	}
	entry.Payload = payload
	return entry, nil
}

func (q queries) ListHistory(ctx context.Context, boardID, taskID string, afterSeq int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task_id, board_id, seq, actor_id, kind, payload, created_at
		FROM task_history
		WHERE board_id=$1 AND task_id=$2 AND seq > $3
		ORDER BY created_at ASC, seq ASC
		LIMIT $4
	`, boardID, taskID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]HistoryEntry, 0)
	for rows.Next() {
		var item HistoryEntry
		var kind string
		var payloadRaw []byte
		if err := rows.Scan(&item.ID, &item.TaskID, &item.BoardID, &item.Seq, &item.ActorID, &kind, &payloadRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		item.Kind = HistoryKind(kind)
		item.Payload = map[string]any{}
		if len(payloadRaw) > 0 {
			if err := json.Unmarshal(payloadRaw, &item.Payload); err != nil {
				return nil, fmt.Errorf("decode history payload: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

func (q queries) EnqueueChange(ctx context.Context, change Change) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO board_changes (board_id, table_name, op, entity_id, actor_id)
		VALUES ($1, $2, $3, $4, $5)
	`, change.BoardID, change.Table, change.Op, change.EntityID, change.ActorID)
	if err != nil {
		return fmt.Errorf("enqueue change: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
