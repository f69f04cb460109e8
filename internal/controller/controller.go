// Package controller runs task moves for one board session: the task is shown
// in its target stage at once, the write happens in the background, and the
// placement is rolled back if the write fails.
package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"salesops/api/internal/board"
	"salesops/api/internal/rbac"
	"salesops/api/internal/store"
	"salesops/api/internal/util"
)

type State string

const (
	StateIdle       State = "idle"
	StateMoving     State = "moving"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

var ErrClosed = errors.New("controller closed")

// Mover persists a move. Calls with the same idempotency key are applied at
// most once.
type Mover interface {
	MoveTask(ctx context.Context, boardID, taskID, toStageID, idempotencyKey string) (store.Task, error)
}

// Outcome reports how a move ended. Superseded outcomes belong to a move
// that a later move of the same task replaced locally; they never change
// what the board shows.
type Outcome struct {
	Intent     uint64
	TaskID     string
	Target     string
	State      State
	StageID    string
	Task       store.Task
	Err        error
	Attempts   int
	Superseded bool
}

type Options struct {
	Role          rbac.Role
	Policy        *rbac.Policy
	CommitTimeout time.Duration
	MaxRetries    int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	Logger        *log.Logger
}

type taskState struct {
	intent uint64
	state  State
	target string
	// committed is the last stage the store confirmed for the task.
	committed string
	// confirmed overlays the snapshot until the snapshot catches up with it.
	confirmed *store.Task
}

type Controller struct {
	boardID string
	mover   Mover
	opts    Options
	log     *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	tasks    map[string]*taskState
	closed   bool
	outcomes chan Outcome
}

func New(boardID string, mover Mover, opts Options) *Controller {
	if opts.Policy == nil {
		opts.Policy = rbac.DefaultPolicy()
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 10 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 200 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		boardID:  boardID,
		mover:    mover,
		opts:     opts,
		log:      opts.Logger.WithFields(log.Fields{"component": "controller", "board_id": boardID}),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*taskState),
		outcomes: make(chan Outcome, 16),
	}
}

// Outcomes delivers one Outcome per Move. It is closed by Close.
func (c *Controller) Outcomes() <-chan Outcome {
	return c.outcomes
}

// View applies the local placements to tasks, the latest authoritative
// list, and remembers each task's stage as committed.
func (c *Controller) View(tasks []store.Task) []store.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Task, len(tasks))
	for i, task := range tasks {
		st := c.tasks[task.ID]
		if st == nil {
			st = &taskState{state: StateIdle}
			c.tasks[task.ID] = st
		}
		// A confirmed move outranks a list that predates it. Versions come
		// from the store, so replica clocks never decide this.
		if st.confirmed != nil {
			if task.Version < st.confirmed.Version {
				task = *st.confirmed
			} else {
				st.confirmed = nil
			}
		}
		st.committed = task.StageID
		if st.state == StateMoving {
			task.StageID = st.target
		}
		out[i] = task
	}
	return out
}

// State returns the task's state and the stage it is shown in.
func (c *Controller) State(taskID string) (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.tasks[taskID]
	if st == nil {
		return StateIdle, ""
	}
	if st.state == StateMoving {
		return st.state, st.target
	}
	return st.state, st.committed
}

// Move shows taskID in toStageID immediately and persists the move in the
// background. It fails without side effects when the role may not move
// tasks or the task has not been seen in a View.
func (c *Controller) Move(taskID, toStageID string) (uint64, error) {
	if !c.opts.Policy.Can(c.opts.Role, rbac.CapMoveTask) {
		return 0, &board.Error{Kind: board.KindForbidden, Message: "role may not move tasks", Details: map[string]any{
			"role":       string(c.opts.Role),
			"capability": string(rbac.CapMoveTask),
		}}
	}
	toStageID = strings.TrimSpace(toStageID)
	if toStageID == "" {
		return 0, &board.Error{Kind: board.KindValidation, Message: "target stage is required", Details: map[string]any{"field": "stage_id"}}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	st := c.tasks[taskID]
	if st == nil {
		c.mu.Unlock()
		return 0, &board.Error{Kind: board.KindNotFound, Message: "task not on the board", Details: map[string]any{"task_id": taskID}}
	}
	st.intent++
	intent := st.intent
	st.state = StateMoving
	st.target = toStageID
	c.wg.Add(1)
	c.mu.Unlock()

	key := util.NewID("mv")
	go c.run(taskID, toStageID, intent, key)
	return intent, nil
}

func (c *Controller) run(taskID, toStageID string, intent uint64, key string) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.CommitTimeout)
	defer cancel()

	var (
		task     store.Task
		err      error
		attempts int
	)
	for {
		attempts++
		task, err = c.mover.MoveTask(ctx, c.boardID, taskID, toStageID, key)
		err = normalize(err)
		if err == nil || !board.IsTransient(err) || attempts > c.opts.MaxRetries {
			break
		}
		delay := util.Backoff(attempts, c.opts.RetryInitial, c.opts.RetryMax)
		c.log.WithError(err).WithFields(log.Fields{
			"task_id":  taskID,
			"attempt":  attempts,
			"retry_in": delay.String(),
		}).Warn("move failed, retrying")
		if !util.SleepContext(ctx.Done(), delay) {
			err = normalize(ctx.Err())
			break
		}
	}
	c.finish(Outcome{Intent: intent, TaskID: taskID, Target: toStageID, Task: task, Err: err, Attempts: attempts})
}

// normalize makes every failure a board error; a missed deadline or a
// network error is worth retrying.
func normalize(err error) error {
	if err == nil || board.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &board.Error{Kind: board.KindTransient, Message: "move not confirmed in time", Err: err}
	}
	return &board.Error{Kind: board.KindTransient, Message: "move failed", Err: err}
}

func (c *Controller) finish(out Outcome) {
	c.mu.Lock()
	st := c.tasks[out.TaskID]
	out.Superseded = out.Intent != st.intent

	if out.Err == nil {
		out.State = StateCommitted
		// An older commit landing late must not replace a newer one.
		if st.confirmed == nil || out.Task.Version >= st.confirmed.Version {
			confirmed := out.Task
			st.confirmed = &confirmed
			st.committed = out.Task.StageID
		}
	} else {
		out.State = StateRolledBack
	}
	if !out.Superseded {
		st.state = out.State
		st.target = ""
	}
	if st.state == StateMoving {
		out.StageID = st.target
	} else {
		out.StageID = st.committed
	}
	c.mu.Unlock()

	entry := c.log.WithFields(log.Fields{
		"task_id":    out.TaskID,
		"target":     out.Target,
		"state":      out.State,
		"attempts":   out.Attempts,
		"superseded": out.Superseded,
	})
	if out.Err != nil {
		entry.WithError(out.Err).Info("move rolled back")
	} else {
		entry.Debug("move committed")
	}

	select {
	case c.outcomes <- out:
	case <-c.ctx.Done():
	}
}

// Close cancels in-flight moves, waits for them, and closes Outcomes.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.outcomes)
}
