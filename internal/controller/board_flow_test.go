package controller

import (
	"context"
	"testing"
	"time"

	"salesops/api/internal/board"
	"salesops/api/internal/rbac"
	"salesops/api/internal/realtime"
	"salesops/api/internal/store"
)

// TestMoveFlowsToEverySession runs a move through the whole pipeline: the
// controller persists it, the outbox relay announces it, and both the mover's
// view and another session converge on it without duplicates.
func TestMoveFlowsToEverySession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemoryStore()
	hub := realtime.NewHub()
	defer hub.Close()
	relay := realtime.NewRelay(mem, hub, realtime.RelayOptions{PollInterval: 20 * time.Millisecond, Logger: quietLogger()})
	go relay.Run(ctx)
	svc := board.New(mem, board.Options{Notifier: relay, Logger: quietLogger()})

	director := board.Actor{ID: "director-1", Role: rbac.RoleDiretor}
	broker := board.Actor{ID: "broker-1", Role: rbac.RoleCorretor}
	if _, err := svc.EnsureDefaultStage(ctx, "b1", "Entrada"); err != nil {
		t.Fatalf("default stage: %v", err)
	}
	visit, err := svc.CreateStage(ctx, director, "b1", board.StageInput{Title: "Visita"})
	if err != nil {
		t.Fatalf("create stage: %v", err)
	}
	task, err := svc.CreateTask(ctx, broker, "b1", board.TaskInput{Title: "Apartamento centro"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	syncOpts := realtime.SyncOptions{RetryInitial: 5 * time.Millisecond, RetryMax: 20 * time.Millisecond, Logger: quietLogger()}
	mine := realtime.NewSync("b1", svc.ViewAs(broker), hub, syncOpts)
	theirs := realtime.NewSync("b1", svc.ViewAs(board.Actor{ID: "v", Role: rbac.RoleVisitante}), hub, syncOpts)
	for _, s := range []*realtime.Sync{mine, theirs} {
		if err := s.Mount(ctx); err != nil {
			t.Fatalf("mount: %v", err)
		}
		defer s.Close()
	}
	first := waitSnapshot(t, mine, func(snap realtime.Snapshot) bool { return !snap.Stale && len(snap.Tasks) == 1 })

	c := New("b1", svc.ViewAs(broker), Options{Role: broker.Role, Logger: quietLogger()})
	defer c.Close()
	c.View(first.Tasks)
	if _, err := c.Move(task.ID, visit.ID); err != nil {
		t.Fatalf("move: %v", err)
	}
	if out := nextOutcome(t, c); out.State != StateCommitted {
		t.Fatalf("unexpected outcome %+v", out)
	}

	for _, s := range []*realtime.Sync{mine, theirs} {
		snap := waitSnapshot(t, s, func(snap realtime.Snapshot) bool {
			return len(snap.Tasks) == 1 && snap.Tasks[0].StageID == visit.ID
		})
		if len(snap.Tasks) != 1 {
			t.Fatalf("expected one task, got %d", len(snap.Tasks))
		}
	}
	shown := c.View(mine.Snapshot().Tasks)
	if len(shown) != 1 || shown[0].StageID != visit.ID {
		t.Fatalf("controller view %+v", shown)
	}

	history, err := board.CollectHistory(svc.FetchHistory(ctx, broker, "b1", task.ID))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].Kind != store.HistoryMoved {
		t.Fatalf("unexpected history %+v", history)
	}
}

func waitSnapshot(t *testing.T, s *realtime.Sync, cond func(realtime.Snapshot) bool) realtime.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if snap := s.Snapshot(); cond(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met, last snapshot %+v", s.Snapshot())
	return realtime.Snapshot{}
}
