package board

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"salesops/api/internal/rbac"
	"salesops/api/internal/store"
)

const testBoard = "b1"

var (
	director = Actor{ID: "u-dir", Role: rbac.RoleDiretor}
	broker   = Actor{ID: "u-cor", Role: rbac.RoleCorretor}
	visitor  = Actor{ID: "u-vis", Role: rbac.RoleVisitante}
	manager  = Actor{ID: "u-ger", Role: rbac.RoleGerente}
)

type kickCounter struct {
	mu    sync.Mutex
	kicks int
}

func (k *kickCounter) Kick() {
	k.mu.Lock()
	k.kicks++
	k.mu.Unlock()
}

func (k *kickCounter) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kicks
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestService(t *testing.T, backend store.Backend) *Service {
	t.Helper()
	return New(backend, Options{Logger: quietLogger(), HistoryPageSize: 2})
}

// seedBoard builds stages A (default, order 0) and B (order 1).
func seedBoard(t *testing.T, svc *Service) (store.Stage, store.Stage) {
	t.Helper()
	ctx := context.Background()
	a, err := svc.EnsureDefaultStage(ctx, testBoard, "A")
	if err != nil {
		t.Fatalf("ensure default: %v", err)
	}
	b, err := svc.CreateStage(ctx, director, testBoard, StageInput{Title: "B"})
	if err != nil {
		t.Fatalf("create stage B: %v", err)
	}
	return a, b
}

func requireKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if got := KindOf(err); got != want {
		t.Fatalf("expected %s, got %v", want, err)
	}
}

func stageIDs(stages []store.Stage) []string {
	out := make([]string, len(stages))
	for i, stage := range stages {
		out[i] = stage.ID
	}
	return out
}

func TestCreateStageAssignsNextOrderIndex(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)

	if a.OrderIndex != 0 || !a.IsDefault {
		t.Fatalf("unexpected default stage %+v", a)
	}
	if b.OrderIndex != 1 || b.IsDefault {
		t.Fatalf("unexpected second stage %+v", b)
	}

	if _, err := svc.CreateStage(ctx, director, testBoard, StageInput{Title: "   "}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for blank title, got %v", err)
	}
	if _, err := svc.CreateStage(ctx, broker, testBoard, StageInput{Title: "C"}); KindOf(err) != KindForbidden {
		t.Fatalf("expected forbidden for corretor, got %v", err)
	}
}

func TestEnsureDefaultStageIsIdempotent(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()

	first, err := svc.EnsureDefaultStage(ctx, testBoard, "Entrada")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := svc.EnsureDefaultStage(ctx, testBoard, "Outra")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same default stage, got %s and %s", first.ID, second.ID)
	}
	stages, _ := svc.ListStages(ctx, director, testBoard)
	if len(stages) != 1 {
		t.Fatalf("expected one stage, got %d", len(stages))
	}
}

func TestCreateTaskWithoutDefaultStageFailsFast(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	_, err := svc.CreateTask(context.Background(), director, testBoard, TaskInput{Title: "T1"})
	requireKind(t, err, KindConflict)
}

func TestUpdateStage(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)

	title := "Proposta"
	updated, err := svc.UpdateStage(ctx, manager, testBoard, b.ID, StagePatch{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Proposta" {
		t.Fatalf("title not updated: %+v", updated)
	}

	_, err = svc.UpdateStage(ctx, manager, testBoard, "stg_missing", StagePatch{Title: &title})
	requireKind(t, err, KindNotFound)

	off := false
	_, err = svc.UpdateStage(ctx, manager, testBoard, a.ID, StagePatch{IsDefault: &off})
	requireKind(t, err, KindConflict)

	zero := 0
	if _, err := svc.UpdateStage(ctx, manager, testBoard, b.ID, StagePatch{OrderIndex: &zero}); err != nil {
		t.Fatalf("reorder via patch: %v", err)
	}
	stages, _ := svc.ListStages(ctx, manager, testBoard)
	if got := stageIDs(stages); got[0] != b.ID || got[1] != a.ID {
		t.Fatalf("expected swapped order, got %v", got)
	}
}

func TestReorderStages(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)
	c, err := svc.CreateStage(ctx, director, testBoard, StageInput{Title: "C"})
	if err != nil {
		t.Fatalf("create C: %v", err)
	}

	out, err := svc.ReorderStages(ctx, manager, testBoard, []string{c.ID, a.ID, b.ID})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	for i, stage := range out {
		if stage.OrderIndex != i {
			t.Fatalf("stage %s has order %d, want %d", stage.ID, stage.OrderIndex, i)
		}
	}
	if out[0].ID != c.ID {
		t.Fatalf("expected C first, got %v", stageIDs(out))
	}

	_, err = svc.ReorderStages(ctx, manager, testBoard, []string{a.ID, b.ID})
	requireKind(t, err, KindValidation)
	_, err = svc.ReorderStages(ctx, manager, testBoard, []string{a.ID, a.ID, b.ID})
	requireKind(t, err, KindValidation)
}

func TestSequentialMovesLastWriteWins(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)
	c, _ := svc.CreateStage(ctx, director, testBoard, StageInput{Title: "C"})

	task, err := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	last := ""
	for _, target := range []string{b.ID, c.ID, "stg_missing", a.ID, c.ID} {
		if _, err := svc.MoveTask(ctx, broker, testBoard, task.ID, target); err == nil {
			last = target
		}
	}
	got, err := svc.GetTask(ctx, broker, testBoard, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.StageID != last || last != c.ID {
		t.Fatalf("expected stage %s, got %s", last, got.StageID)
	}
}

func TestMoveToUnknownStageIsRejected(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, _ := seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})

	_, err := svc.MoveTask(ctx, broker, testBoard, task.ID, "stg_missing")
	requireKind(t, err, KindNotFound)
	_, err = svc.MoveTask(ctx, broker, testBoard, "tsk_missing", a.ID)
	requireKind(t, err, KindNotFound)
	_, err = svc.MoveTask(ctx, broker, testBoard, task.ID, "")
	requireKind(t, err, KindValidation)
}

func TestSameStageMoveIsLogged(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, _ := seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})

	moved, err := svc.MoveTask(ctx, broker, testBoard, task.ID, a.ID)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !moved.UpdatedAt.Equal(task.UpdatedAt) {
		t.Fatal("same-stage move should not touch the row")
	}
	history, err := CollectHistory(svc.FetchHistory(ctx, broker, testBoard, task.ID))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].Kind != store.HistoryMoved {
		t.Fatalf("expected created+moved, got %+v", history)
	}
	if history[1].Payload["from_stage_id"] != a.ID || history[1].Payload["to_stage_id"] != a.ID {
		t.Fatalf("unexpected payload %+v", history[1].Payload)
	}
}

func TestDeleteEmptyStage(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})

	if err := svc.DeleteStage(ctx, director, testBoard, b.ID); err != nil {
		t.Fatalf("delete stage: %v", err)
	}
	stages, _ := svc.ListStages(ctx, director, testBoard)
	if len(stages) != 1 || stages[0].ID != a.ID {
		t.Fatalf("expected only A, got %v", stageIDs(stages))
	}
	tasks, _ := svc.ListTasks(ctx, director, testBoard, store.TaskFilter{})
	if len(tasks) != 1 || tasks[0].ID != task.ID || tasks[0].StageID != a.ID {
		t.Fatalf("tasks should be unaffected, got %+v", tasks)
	}
}

func TestDeleteStageReassignsTasks(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)

	const n = 3
	for i := 0; i < n; i++ {
		if _, err := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "T", StageID: b.ID}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}
	if err := svc.DeleteStage(ctx, director, testBoard, b.ID); err != nil {
		t.Fatalf("delete stage: %v", err)
	}

	inB, _ := svc.ListTasks(ctx, director, testBoard, store.TaskFilter{StageID: b.ID})
	if len(inB) != 0 {
		t.Fatalf("expected no tasks in deleted stage, got %d", len(inB))
	}
	inA, _ := svc.ListTasks(ctx, director, testBoard, store.TaskFilter{StageID: a.ID})
	if len(inA) != n {
		t.Fatalf("expected %d tasks in fallback, got %d", n, len(inA))
	}
	history, _ := CollectHistory(svc.FetchHistory(ctx, director, testBoard, inA[0].ID))
	lastEntry := history[len(history)-1]
	if lastEntry.Kind != store.HistoryMoved || lastEntry.Payload["reason"] != "stage_deleted" {
		t.Fatalf("expected reassignment to be logged, got %+v", lastEntry)
	}
}

func TestDeleteSoleDefaultStageConflicts(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)

	before, _ := svc.ListStages(ctx, director, testBoard)
	err := svc.DeleteStage(ctx, director, testBoard, a.ID)
	requireKind(t, err, KindConflict)

	after, _ := svc.ListStages(ctx, director, testBoard)
	if len(after) != len(before) || after[0].ID != a.ID || after[1].ID != b.ID {
		t.Fatalf("stages changed after conflict: %v", stageIDs(after))
	}

	// A second default makes the first deletable.
	on := true
	if _, err := svc.UpdateStage(ctx, director, testBoard, b.ID, StagePatch{IsDefault: &on}); err != nil {
		t.Fatalf("mark B default: %v", err)
	}
	if err := svc.DeleteStage(ctx, director, testBoard, a.ID); err != nil {
		t.Fatalf("delete A: %v", err)
	}
}

func TestDeleteStageRequiresCapability(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	_, b := seedBoard(t, svc)
	err := svc.DeleteStage(context.Background(), manager, testBoard, b.ID)
	requireKind(t, err, KindForbidden)
}

func TestHistoryStartsWithCreatedAndIsOrdered(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})

	for _, target := range []string{b.ID, a.ID, b.ID} {
		if _, err := svc.MoveTask(ctx, broker, testBoard, task.ID, target); err != nil {
			t.Fatalf("move: %v", err)
		}
	}
	if _, err := svc.AddComment(ctx, broker, testBoard, task.ID, "cliente confirmou"); err != nil {
		t.Fatalf("comment: %v", err)
	}

	// Page size is 2, so this crosses several pages.
	history, err := CollectHistory(svc.FetchHistory(ctx, broker, testBoard, task.ID))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(history))
	}
	if history[0].Kind != store.HistoryCreated {
		t.Fatalf("first entry is %s", history[0].Kind)
	}
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if cur.CreatedAt.Before(prev.CreatedAt) || cur.Seq <= prev.Seq {
			t.Fatalf("entry %d out of order: %+v after %+v", i, cur, prev)
		}
	}

	// Restartable: a second range yields the same sequence.
	again, _ := CollectHistory(svc.FetchHistory(ctx, broker, testBoard, task.ID))
	if len(again) != len(history) {
		t.Fatalf("second iteration returned %d entries", len(again))
	}
}

func TestFetchHistoryStopsEarly(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	_, b := seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})
	for i := 0; i < 4; i++ {
		_, _ = svc.MoveTask(ctx, broker, testBoard, task.ID, b.ID)
	}

	seen := 0
	for _, err := range svc.FetchHistory(ctx, broker, testBoard, task.ID) {
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		seen++
		if seen == 3 {
			break
		}
	}
	if seen != 3 {
		t.Fatalf("expected to stop after 3, saw %d", seen)
	}
}

func TestUpdateTaskRoundTrip(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita", Priority: "low"})

	title := "Visita ao imóvel"
	updated, err := svc.UpdateTask(ctx, broker, testBoard, task.ID, TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != title {
		t.Fatalf("title not applied: %+v", updated)
	}

	history, _ := CollectHistory(svc.FetchHistory(ctx, broker, testBoard, task.ID))
	var changed []store.HistoryEntry
	for _, entry := range history {
		if entry.Kind == store.HistoryFieldChanged {
			changed = append(changed, entry)
		}
	}
	if len(changed) != 1 {
		t.Fatalf("expected exactly one field_changed, got %d", len(changed))
	}
	payload := changed[0].Payload
	if payload["field"] != "title" || payload["old_value"] != "Visita" || payload["new_value"] != title {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestUpdateTaskLogsEachChangedField(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	seedBoard(t, svc)
	due := time.Date(2025, 5, 10, 15, 0, 0, 0, time.UTC)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita", DueDate: &due})

	same := "Visita"
	priority := "URGENT"
	_, err := svc.UpdateTask(ctx, broker, testBoard, task.ID, TaskPatch{Title: &same, Priority: &priority, ClearDueDate: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	history, _ := CollectHistory(svc.FetchHistory(ctx, broker, testBoard, task.ID))
	fields := map[any]store.HistoryEntry{}
	for _, entry := range history {
		if entry.Kind == store.HistoryFieldChanged {
			fields[entry.Payload["field"]] = entry
		}
	}
	if len(fields) != 2 {
		t.Fatalf("expected due_date and priority changes, got %v", fields)
	}
	if fields["due_date"].Payload["old_value"] != "2025-05-10T15:00:00Z" || fields["due_date"].Payload["new_value"] != nil {
		t.Fatalf("unexpected due_date payload %+v", fields["due_date"].Payload)
	}
	if fields["priority"].Payload["new_value"] != PriorityUrgent {
		t.Fatalf("unexpected priority payload %+v", fields["priority"].Payload)
	}

	bad := "someday"
	_, err = svc.UpdateTask(ctx, broker, testBoard, task.ID, TaskPatch{Priority: &bad})
	requireKind(t, err, KindValidation)
}

func TestBoardScenario(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)

	t1, err := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "T1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if t1.StageID != a.ID {
		t.Fatalf("T1 landed in %s, want %s", t1.StageID, a.ID)
	}
	if _, err := svc.MoveTask(ctx, broker, testBoard, t1.ID, b.ID); err != nil {
		t.Fatalf("move: %v", err)
	}
	tasks, _ := svc.ListTasks(ctx, broker, testBoard, store.TaskFilter{})
	if tasks[0].StageID != b.ID {
		t.Fatalf("expected T1 in B, got %s", tasks[0].StageID)
	}
	if err := svc.DeleteStage(ctx, director, testBoard, b.ID); err != nil {
		t.Fatalf("delete B: %v", err)
	}
	tasks, _ = svc.ListTasks(ctx, broker, testBoard, store.TaskFilter{})
	if tasks[0].StageID != a.ID {
		t.Fatalf("expected T1 back in A, got %s", tasks[0].StageID)
	}
	stages, _ := svc.ListStages(ctx, broker, testBoard)
	for _, stage := range stages {
		if stage.ID == b.ID {
			t.Fatal("B still listed")
		}
	}
}

func TestForbiddenMoveLeavesStageUnchanged(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)
	t1, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "T1"})

	_, err := svc.MoveTask(ctx, visitor, testBoard, t1.ID, b.ID)
	requireKind(t, err, KindForbidden)

	got, _ := svc.GetTask(ctx, visitor, testBoard, t1.ID)
	if got.StageID != a.ID {
		t.Fatalf("stage changed to %s", got.StageID)
	}
	history, _ := CollectHistory(svc.FetchHistory(ctx, visitor, testBoard, t1.ID))
	if len(history) != 1 {
		t.Fatalf("forbidden move must not log, got %d entries", len(history))
	}
}

func TestConcurrentMovesRecordCommitOrder(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	seedBoard(t, svc)
	stages, _ := svc.ListStages(ctx, director, testBoard)
	b := stages[1]
	c, _ := svc.CreateStage(ctx, director, testBoard, StageInput{Title: "C"})
	t1, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "T1"})

	var wg sync.WaitGroup
	for _, target := range []string{b.ID, c.ID} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			if _, err := svc.MoveTask(ctx, broker, testBoard, t1.ID, target); err != nil {
				t.Errorf("move to %s: %v", target, err)
			}
		}(target)
	}
	wg.Wait()

	history, _ := CollectHistory(svc.FetchHistory(ctx, broker, testBoard, t1.ID))
	var moves []store.HistoryEntry
	for _, entry := range history {
		if entry.Kind == store.HistoryMoved {
			moves = append(moves, entry)
		}
	}
	if len(moves) != 2 {
		t.Fatalf("expected two moved entries, got %d", len(moves))
	}
	lastCommitted := moves[1].Payload["to_stage_id"]
	got, _ := svc.GetTask(ctx, broker, testBoard, t1.ID)
	if got.StageID != lastCommitted {
		t.Fatalf("task in %s, last commit moved it to %v", got.StageID, lastCommitted)
	}
	if moves[1].Payload["from_stage_id"] != moves[0].Payload["to_stage_id"] {
		t.Fatalf("second move should start where the first ended: %+v", moves)
	}
}

func TestDeleteTaskWritesHistoryAndIsNotIdempotent(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, director, testBoard, TaskInput{Title: "Visita"})
	if _, err := svc.AddComment(ctx, director, testBoard, task.ID, "primeiro contato"); err != nil {
		t.Fatalf("comment: %v", err)
	}

	if err := svc.DeleteTask(ctx, director, testBoard, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	requireKind(t, svc.DeleteTask(ctx, director, testBoard, task.ID), KindNotFound)

	history, _ := CollectHistory(svc.FetchHistory(ctx, director, testBoard, task.ID))
	last := history[len(history)-1]
	if last.Kind != store.HistoryDeleted || last.Payload["title"] != "Visita" {
		t.Fatalf("expected deleted entry last, got %+v", last)
	}
	comments, _ := CollectComments(svc.FetchComments(ctx, director, testBoard, task.ID))
	if len(comments) != 0 {
		t.Fatalf("comments should go with the task, got %d", len(comments))
	}
	requireKind(t, svc.DeleteTask(ctx, broker, testBoard, "whatever"), KindForbidden)
}

func TestAddComment(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})

	for _, body := range []string{"um", "dois", "três"} {
		if _, err := svc.AddComment(ctx, broker, testBoard, task.ID, body); err != nil {
			t.Fatalf("comment: %v", err)
		}
	}
	comments, err := CollectComments(svc.FetchComments(ctx, visitor, testBoard, task.ID))
	if err != nil {
		t.Fatalf("comments: %v", err)
	}
	if len(comments) != 3 || comments[0].Body != "um" || comments[2].Body != "três" {
		t.Fatalf("unexpected comments %+v", comments)
	}

	_, err = svc.AddComment(ctx, broker, testBoard, task.ID, "  ")
	requireKind(t, err, KindValidation)
	_, err = svc.AddComment(ctx, visitor, testBoard, task.ID, "oi")
	requireKind(t, err, KindForbidden)
	_, err = svc.AddComment(ctx, broker, testBoard, "tsk_missing", "oi")
	requireKind(t, err, KindNotFound)
}

func TestCommentListingSurvivesLaggingWriter(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := newTestService(t, mem)
	lagging := New(mem, Options{Logger: quietLogger(), Now: func() time.Time { return time.Now().Add(-time.Hour) }})
	ctx := context.Background()
	seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})
	for _, body := range []string{"um", "dois", "três"} {
		if _, err := svc.AddComment(ctx, broker, testBoard, task.ID, body); err != nil {
			t.Fatalf("comment: %v", err)
		}
	}

	var bodies []string
	for comment, err := range svc.FetchComments(ctx, visitor, testBoard, task.ID) {
		if err != nil {
			t.Fatalf("comments: %v", err)
		}
		bodies = append(bodies, comment.Body)
		if len(bodies) == 2 {
			// Lands before the first page; must not shift the next one.
			if _, err := lagging.AddComment(ctx, broker, testBoard, task.ID, "atrasado"); err != nil {
				t.Fatalf("lagging comment: %v", err)
			}
		}
	}
	if len(bodies) != 3 || bodies[2] != "três" {
		t.Fatalf("listing repeated or skipped comments: %v", bodies)
	}

	all, _ := CollectComments(svc.FetchComments(ctx, visitor, testBoard, task.ID))
	if len(all) != 4 || all[0].Body != "atrasado" {
		t.Fatalf("unexpected full listing %+v", all)
	}
}

func TestTaskVersionCountsCommittedWrites(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	ctx := context.Background()
	a, b := seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})
	if task.Version != 1 {
		t.Fatalf("created at version %d", task.Version)
	}

	moved, err := svc.MoveTask(ctx, broker, testBoard, task.ID, b.ID)
	if err != nil || moved.Version != 2 {
		t.Fatalf("move: %v version %d", err, moved.Version)
	}
	same, _ := svc.MoveTask(ctx, broker, testBoard, task.ID, b.ID)
	if same.Version != 2 {
		t.Fatalf("same-stage move changed version to %d", same.Version)
	}
	title := "Visita remarcada"
	updated, _ := svc.UpdateTask(ctx, broker, testBoard, task.ID, TaskPatch{Title: &title})
	if updated.Version != 3 {
		t.Fatalf("update left version %d", updated.Version)
	}

	if err := svc.DeleteStage(ctx, director, testBoard, b.ID); err != nil {
		t.Fatalf("delete stage: %v", err)
	}
	tasks, _ := svc.ListTasks(ctx, director, testBoard, store.TaskFilter{})
	if len(tasks) != 1 || tasks[0].StageID != a.ID || tasks[0].Version != 4 {
		t.Fatalf("reassigned task %+v", tasks)
	}
}

// failingHistory fails every history append inside transactions.
type failingHistory struct {
	*store.MemoryStore
	err error
}

type failingQueries struct {
	store.Queries
	err error
}

func (f failingQueries) AppendHistory(context.Context, store.HistoryEntry) (store.HistoryEntry, error) {
	return store.HistoryEntry{}, f.err
}

func (f failingHistory) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	return f.MemoryStore.InTx(ctx, func(q store.Queries) error {
		return fn(failingQueries{Queries: q, err: f.err})
	})
}

func TestHistoryFailureAbortsMutation(t *testing.T) {
	mem := store.NewMemoryStore()
	healthy := newTestService(t, mem)
	ctx := context.Background()
	a, b := seedBoard(t, healthy)
	task, _ := healthy.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})

	broken := newTestService(t, failingHistory{MemoryStore: mem, err: errors.New("connection reset")})
	_, err := broken.MoveTask(ctx, broker, testBoard, task.ID, b.ID)
	requireKind(t, err, KindTransient)

	got, _ := healthy.GetTask(ctx, broker, testBoard, task.ID)
	if got.StageID != a.ID {
		t.Fatalf("move should have been rolled back, task in %s", got.StageID)
	}
	pending, _ := mem.PendingChanges(ctx, 100)
	for _, change := range pending {
		if change.Table == store.TableTasks && change.Op == store.OpUpdate {
			t.Fatalf("aborted move leaked a change notification: %+v", change)
		}
	}
}

func TestMutationsEnqueueChangesAndKick(t *testing.T) {
	mem := store.NewMemoryStore()
	kicks := &kickCounter{}
	svc := New(mem, Options{Logger: quietLogger(), Notifier: kicks})
	ctx := context.Background()
	_, b := seedBoard(t, svc)
	task, _ := svc.CreateTask(ctx, broker, testBoard, TaskInput{Title: "Visita"})
	if _, err := svc.MoveTask(ctx, broker, testBoard, task.ID, b.ID); err != nil {
		t.Fatalf("move: %v", err)
	}

	if kicks.count() != 4 {
		t.Fatalf("expected a kick per committed mutation, got %d", kicks.count())
	}
	pending, _ := mem.PendingChanges(ctx, 100)
	tables := map[string]int{}
	for _, change := range pending {
		if change.BoardID != testBoard {
			t.Fatalf("change for wrong board: %+v", change)
		}
		tables[change.Table]++
	}
	if tables[store.TableStages] != 2 || tables[store.TableTasks] != 2 || tables[store.TableHistory] != 2 {
		t.Fatalf("unexpected change counts %v", tables)
	}
}

func TestOperationsEmitSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	svc := New(store.NewMemoryStore(), Options{Logger: quietLogger(), TracerProvider: tp})
	ctx := context.Background()
	if _, err := svc.EnsureDefaultStage(ctx, testBoard, "A"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_, _ = svc.CreateStage(ctx, visitor, testBoard, StageInput{Title: "X"})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "board.EnsureDefaultStage" || spans[1].Name != "board.CreateStage" {
		t.Fatalf("unexpected span names %s, %s", spans[0].Name, spans[1].Name)
	}
	found := false
	for _, attr := range spans[1].Attributes {
		if string(attr.Key) == "error.kind" && attr.Value.AsString() == string(KindForbidden) {
			found = true
		}
	}
	if !found {
		t.Fatalf("forbidden span missing error.kind: %+v", spans[1].Attributes)
	}
}
