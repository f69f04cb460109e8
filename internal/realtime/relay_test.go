package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"salesops/api/internal/store"
)

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingPublisher struct {
	mu       sync.Mutex
	sent     []Notification
	failFrom int
}

func (p *recordingPublisher) Publish(_ context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFrom > 0 && len(p.sent) >= p.failFrom {
		return errors.New("redis down")
	}
	p.sent = append(p.sent, n)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func enqueue(t *testing.T, mem *store.MemoryStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := mem.EnqueueChange(context.Background(), store.Change{BoardID: "b1", Table: store.TableTasks, Op: store.OpUpdate, EntityID: id}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func TestRelayDrainPublishesInOrderAndAcks(t *testing.T) {
	mem := store.NewMemoryStore()
	enqueue(t, mem, "t1", "t2", "t3")
	pub := &recordingPublisher{}
	relay := NewRelay(mem, pub, RelayOptions{Batch: 2, Logger: quietLogger()})

	sent, err := relay.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sent != 3 || pub.count() != 3 {
		t.Fatalf("expected 3 published, got %d/%d", sent, pub.count())
	}
	for i, id := range []string{"t1", "t2", "t3"} {
		if pub.sent[i].EntityID != id {
			t.Fatalf("position %d has %s", i, pub.sent[i].EntityID)
		}
	}
	pending, _ := mem.PendingChanges(context.Background(), 10)
	if len(pending) != 0 {
		t.Fatalf("expected outbox empty, got %d", len(pending))
	}
}

func TestRelayKeepsUnpublishedRows(t *testing.T) {
	mem := store.NewMemoryStore()
	enqueue(t, mem, "t1", "t2", "t3")
	pub := &recordingPublisher{failFrom: 1}
	relay := NewRelay(mem, pub, RelayOptions{Logger: quietLogger()})

	sent, err := relay.Drain(context.Background())
	if err == nil {
		t.Fatal("expected publish error")
	}
	if sent != 1 {
		t.Fatalf("expected 1 acked, got %d", sent)
	}
	pending, _ := mem.PendingChanges(context.Background(), 10)
	if len(pending) != 2 || pending[0].EntityID != "t2" {
		t.Fatalf("expected t2,t3 pending, got %+v", pending)
	}
}

func TestRelayRunDrainsOnKick(t *testing.T) {
	mem := store.NewMemoryStore()
	hub := NewHub()
	relay := NewRelay(mem, hub, RelayOptions{PollInterval: time.Hour, Logger: quietLogger()})
	sub, _ := hub.Subscribe(context.Background(), "b1")
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	enqueue(t, mem, "t9")
	relay.Kick()
	if got := receive(t, sub); got.EntityID != "t9" {
		t.Fatalf("unexpected %+v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
