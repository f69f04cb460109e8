// Package board owns the process stages, tasks and audit history of a sales
// pipeline board. Every mutation runs in one backing-store transaction that
// also appends history and enqueues change notifications.
package board

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"salesops/api/internal/rbac"
	"salesops/api/internal/store"
)

const tracerName = "salesops/api/internal/board"

// Actor is the authenticated caller of a board operation.
type Actor struct {
	ID   string
	Role rbac.Role
}

// ChangeNotifier is told after a commit that new outbox rows are waiting.
type ChangeNotifier interface {
	Kick()
}

type Options struct {
	Policy            *rbac.Policy
	Logger            *log.Logger
	TracerProvider    trace.TracerProvider
	Notifier          ChangeNotifier
	HistoryPageSize   int
	DefaultStageColor string
	Now               func() time.Time
}

type Service struct {
	store             store.Backend
	policy            *rbac.Policy
	log               *log.Entry
	tracer            trace.Tracer
	notifier          ChangeNotifier
	pageSize          int
	defaultStageColor string
	now               func() time.Time
}

func New(backend store.Backend, opts Options) *Service {
	if opts.Policy == nil {
		opts.Policy = rbac.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:             backend,
		policy:            opts.Policy,
		log:               opts.Logger.WithField("component", "board"),
		tracer:            opts.TracerProvider.Tracer(tracerName),
		notifier:          opts.Notifier,
		pageSize:          opts.HistoryPageSize,
		defaultStageColor: opts.DefaultStageColor,
		now:               opts.Now,
	}
}

func (s *Service) Policy() *rbac.Policy {
	return s.policy
}

// Can reports whether role holds capability under the service policy.
func (s *Service) Can(role rbac.Role, capability rbac.Capability) bool {
	return s.policy.Can(role, capability)
}

func (s *Service) authorize(actor Actor, capability rbac.Capability) error {
	if s.policy.Can(actor.Role, capability) {
		return nil
	}
	return forbiddenError("role may not perform this action", map[string]any{
		"role":       string(actor.Role),
		"capability": string(capability),
	})
}

func (s *Service) startSpan(ctx context.Context, op, boardID string, actor Actor, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("board.id", boardID),
		attribute.String("actor.id", actor.ID),
		attribute.String("actor.role", string(actor.Role)),
	)
	return s.tracer.Start(ctx, "board."+op, trace.WithAttributes(attrs...))
}

// endSpan classifies err, records it on span and returns the classified error.
func (s *Service) endSpan(span trace.Span, op string, err error) error {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	err = classify(op, err)
	kind := KindOf(err)
	span.SetAttributes(attribute.String("error.kind", string(kind)))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if kind == KindTransient {
		s.log.WithError(err).WithField("op", op).Warn("board operation failed")
	}
	return err
}

// changeSet collects the notifications a mutation will enqueue.
type changeSet struct {
	boardID string
	actorID string
	changes []store.Change
}

func (c *changeSet) add(table, op, entityID string) {
	c.changes = append(c.changes, store.Change{
		BoardID:  c.boardID,
		Table:    table,
		Op:       op,
		EntityID: entityID,
		ActorID:  c.actorID,
	})
}

// mutate runs fn in a transaction and enqueues the changes it recorded in
// the same transaction, then wakes the notifier after commit.
func (s *Service) mutate(ctx context.Context, boardID string, actor Actor, fn func(q store.Queries, changes *changeSet) error) error {
	changes := &changeSet{boardID: boardID, actorID: actor.ID}
	err := s.store.InTx(ctx, func(q store.Queries) error {
		changes.changes = changes.changes[:0]
		if err := fn(q, changes); err != nil {
			return err
		}
		for _, change := range changes.changes {
			if err := q.EnqueueChange(ctx, change); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.notifier != nil && len(changes.changes) > 0 {
		s.notifier.Kick()
	}
	return nil
}

func (s *Service) appendHistory(ctx context.Context, q store.Queries, changes *changeSet, task store.Task, kind store.HistoryKind, payload map[string]any) error {
	entry, err := q.AppendHistory(ctx, store.HistoryEntry{
		TaskID:  task.ID,
		BoardID: task.BoardID,
		ActorID: changes.actorID,
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	changes.add(store.TableHistory, store.OpInsert, task.ID)
	s.log.WithFields(log.Fields{
		"board_id": task.BoardID,
		"task_id":  task.ID,
		"kind":     kind,
		"seq":      entry.Seq,
	}).Debug("history appended")
	return nil
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
