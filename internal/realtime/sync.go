package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"salesops/api/internal/store"
	"salesops/api/internal/util"
)

// Fetcher reads the authoritative board state. Implementations exist for the
// in-process board service and for the HTTP client.
type Fetcher interface {
	ListStages(ctx context.Context, boardID string) ([]store.Stage, error)
	ListTasks(ctx context.Context, boardID string) ([]store.Task, error)
	FetchHistory(ctx context.Context, boardID, taskID string) ([]store.HistoryEntry, error)
	FetchComments(ctx context.Context, boardID, taskID string) ([]store.Comment, error)
}

// Snapshot is a consistent copy of a synced board view.
type Snapshot struct {
	BoardID  string                          `json:"board_id"`
	Stages   []store.Stage                   `json:"stages"`
	Tasks    []store.Task                    `json:"tasks"`
	History  map[string][]store.HistoryEntry `json:"history,omitempty"`
	Comments map[string][]store.Comment      `json:"comments,omitempty"`
	// Stale is set while the view may be missing changes because the
	// channel or a refetch failed.
	Stale       bool      `json:"stale"`
	StaleReason string    `json:"stale_reason,omitempty"`
	Version     uint64    `json:"version"`
	SyncedAt    time.Time `json:"synced_at"`
}

type SyncOptions struct {
	RetryInitial time.Duration
	RetryMax     time.Duration
	Logger       *log.Logger
}

var (
	ErrAlreadyMounted = errors.New("board view already mounted")
	ErrSyncClosed     = errors.New("board view closed")
)

// Sync keeps one board view fresh. Every notification triggers a refetch of
// the affected collection, and the result replaces the local copy by id, so
// a session seeing its own writes echoed back never duplicates rows.
type Sync struct {
	boardID string
	fetcher Fetcher
	channel Subscriber
	opts    SyncOptions
	log     *log.Entry

	mu       sync.RWMutex
	stages   []store.Stage
	tasks    []store.Task
	history  map[string][]store.HistoryEntry
	comments map[string][]store.Comment
	watched  map[string]struct{}
	stale    bool
	reason   string
	version  uint64
	syncedAt time.Time
	mounted  bool
	closed   bool

	updates chan Snapshot
	watchC  chan string
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSync(boardID string, fetcher Fetcher, channel Subscriber, opts SyncOptions) *Sync {
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 250 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Sync{
		boardID:  boardID,
		fetcher:  fetcher,
		channel:  channel,
		opts:     opts,
		log:      opts.Logger.WithFields(log.Fields{"component": "realtime.sync", "board_id": boardID}),
		history:  map[string][]store.HistoryEntry{},
		comments: map[string][]store.Comment{},
		watched:  map[string]struct{}{},
		updates:  make(chan Snapshot, 1),
		watchC:   make(chan string, 16),
		stale:    true,
		reason:   "not synced",
	}
}

// Mount subscribes and performs the first full fetch in the background.
// Failures leave the view stale and are retried; they never surface here.
func (s *Sync) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSyncClosed
	}
	if s.mounted {
		s.mu.Unlock()
		return ErrAlreadyMounted
	}
	s.mounted = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

// Close stops the subscription and waits for the sync goroutine to exit.
func (s *Sync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Updates delivers the latest snapshot after every change. Only the newest
// undelivered snapshot is kept.
func (s *Sync) Updates() <-chan Snapshot {
	return s.updates
}

// Watch adds a task whose history and comments are kept fresh.
func (s *Sync) Watch(taskID string) {
	s.mu.Lock()
	_, already := s.watched[taskID]
	s.watched[taskID] = struct{}{}
	mounted := s.mounted && !s.closed
	s.mu.Unlock()
	if already || !mounted {
		return
	}
	select {
	case s.watchC <- taskID:
	default:
	}
}

func (s *Sync) Unwatch(taskID string) {
	s.mu.Lock()
	delete(s.watched, taskID)
	delete(s.history, taskID)
	delete(s.comments, taskID)
	s.mu.Unlock()
}

func (s *Sync) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Sync) snapshotLocked() Snapshot {
	snap := Snapshot{
		BoardID:     s.boardID,
		Stages:      append([]store.Stage(nil), s.stages...),
		Tasks:       append([]store.Task(nil), s.tasks...),
		History:     make(map[string][]store.HistoryEntry, len(s.history)),
		Comments:    make(map[string][]store.Comment, len(s.comments)),
		Stale:       s.stale,
		StaleReason: s.reason,
		Version:     s.version,
		SyncedAt:    s.syncedAt,
	}
	for id, entries := range s.history {
		snap.History[id] = append([]store.HistoryEntry(nil), entries...)
	}
	for id, comments := range s.comments {
		snap.Comments[id] = append([]store.Comment(nil), comments...)
	}
	return snap
}

func (s *Sync) publishLocked() {
	s.version++
	snap := s.snapshotLocked()
	select {
	case <-s.updates:
	default:
	}
	s.updates <- snap
}

func (s *Sync) markStale(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale && s.reason == reason {
		return
	}
	s.stale = true
	s.reason = reason
	s.publishLocked()
}

func (s *Sync) watchedTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.watched))
	for id := range s.watched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Sync) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		sub, err := s.channel.Subscribe(ctx, s.boardID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := util.Backoff(attempt, s.opts.RetryInitial, s.opts.RetryMax)
			s.log.WithError(err).WithField("retry_in", delay.String()).Warn("subscribe failed")
			s.markStale("subscribe failed")
			if !util.SleepContext(ctx.Done(), delay) {
				return
			}
			continue
		}

		// Nothing missed while disconnected is replayed, so start from a
		// full refetch.
		needFull := !s.refetchAll(ctx)
		if !needFull {
			attempt = 0
		}
		dropped := s.listen(ctx, sub, needFull)
		sub.Close()
		if !dropped {
			return
		}
		attempt++
		delay := util.Backoff(attempt, s.opts.RetryInitial, s.opts.RetryMax)
		s.log.WithField("retry_in", delay.String()).Warn("notification channel dropped")
		s.markStale("notification channel dropped")
		if !util.SleepContext(ctx.Done(), delay) {
			return
		}
	}
}

// listen consumes sub until ctx ends (false) or the channel drops (true).
func (s *Sync) listen(ctx context.Context, sub *Subscription, needFull bool) bool {
	var retry <-chan time.Time
	var retryTimer *time.Timer
	retries := 0
	schedule := func() {
		retries++
		if retryTimer != nil {
			retryTimer.Stop()
		}
		retryTimer = time.NewTimer(util.Backoff(retries, s.opts.RetryInitial, s.opts.RetryMax))
		retry = retryTimer.C
	}
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()
	if needFull {
		schedule()
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-retry:
			retry = nil
			if s.refetchAll(ctx) {
				retries = 0
			} else {
				schedule()
			}
		case taskID := <-s.watchC:
			if !s.refetchTask(ctx, taskID) && retry == nil {
				schedule()
			}
		case n, ok := <-sub.C:
			if !ok {
				return true
			}
			if !s.apply(ctx, n) && retry == nil {
				schedule()
			}
		}
	}
}

// apply refetches whatever collection n touched.
func (s *Sync) apply(ctx context.Context, n Notification) bool {
	if n.BoardID != s.boardID {
		return true
	}
	switch n.Table {
	case store.TableStages:
		return s.refetchStages(ctx)
	case store.TableTasks:
		return s.refetchTasks(ctx)
	case store.TableHistory:
		if s.isWatched(n.EntityID) {
			return s.refetchHistory(ctx, n.EntityID)
		}
		return true
	case store.TableComments:
		ok := true
		for _, taskID := range s.watchedTasks() {
			ok = s.refetchComments(ctx, taskID) && ok
		}
		return ok
	}
	return true
}

func (s *Sync) isWatched(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.watched[taskID]
	return ok
}

func (s *Sync) refetchAll(ctx context.Context) bool {
	stages, err := s.fetcher.ListStages(ctx, s.boardID)
	if err != nil {
		s.fetchFailed(err, "stages")
		return false
	}
	tasks, err := s.fetcher.ListTasks(ctx, s.boardID)
	if err != nil {
		s.fetchFailed(err, "tasks")
		return false
	}
	watched := s.watchedTasks()
	history := make(map[string][]store.HistoryEntry, len(watched))
	comments := make(map[string][]store.Comment, len(watched))
	for _, taskID := range watched {
		if history[taskID], err = s.fetcher.FetchHistory(ctx, s.boardID, taskID); err != nil {
			s.fetchFailed(err, "history")
			return false
		}
		if comments[taskID], err = s.fetcher.FetchComments(ctx, s.boardID, taskID); err != nil {
			s.fetchFailed(err, "comments")
			return false
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = mergeByID(stages, func(st store.Stage) string { return st.ID })
	s.tasks = mergeByID(tasks, func(t store.Task) string { return t.ID })
	for taskID := range s.watched {
		if entries, ok := history[taskID]; ok {
			s.history[taskID] = mergeByID(entries, func(e store.HistoryEntry) int64 { return e.ID })
			s.comments[taskID] = mergeByID(comments[taskID], func(c store.Comment) string { return c.ID })
		}
	}
	s.stale = false
	s.reason = ""
	s.syncedAt = time.Now().UTC()
	s.publishLocked()
	return true
}

func (s *Sync) refetchStages(ctx context.Context) bool {
	stages, err := s.fetcher.ListStages(ctx, s.boardID)
	if err != nil {
		s.fetchFailed(err, "stages")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = mergeByID(stages, func(st store.Stage) string { return st.ID })
	s.syncedAt = time.Now().UTC()
	s.publishLocked()
	return true
}

func (s *Sync) refetchTasks(ctx context.Context) bool {
	tasks, err := s.fetcher.ListTasks(ctx, s.boardID)
	if err != nil {
		s.fetchFailed(err, "tasks")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = mergeByID(tasks, func(t store.Task) string { return t.ID })
	s.syncedAt = time.Now().UTC()
	s.publishLocked()
	return true
}

func (s *Sync) refetchTask(ctx context.Context, taskID string) bool {
	return s.refetchHistory(ctx, taskID) && s.refetchComments(ctx, taskID)
}

func (s *Sync) refetchHistory(ctx context.Context, taskID string) bool {
	entries, err := s.fetcher.FetchHistory(ctx, s.boardID, taskID)
	if err != nil {
		s.fetchFailed(err, "history")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[taskID]; !ok {
		return true
	}
	s.history[taskID] = mergeByID(entries, func(e store.HistoryEntry) int64 { return e.ID })
	s.publishLocked()
	return true
}

func (s *Sync) refetchComments(ctx context.Context, taskID string) bool {
	comments, err := s.fetcher.FetchComments(ctx, s.boardID, taskID)
	if err != nil {
		s.fetchFailed(err, "comments")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[taskID]; !ok {
		return true
	}
	s.comments[taskID] = mergeByID(comments, func(c store.Comment) string { return c.ID })
	s.publishLocked()
	return true
}

func (s *Sync) fetchFailed(err error, collection string) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.log.WithError(err).WithField("collection", collection).Warn("refetch failed")
	s.markStale("refetch " + collection + " failed")
}

// mergeByID keeps the first occurrence of each id in fetch order.
func mergeByID[T any, K comparable](items []T, id func(T) K) []T {
	seen := make(map[K]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		key := id(item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
