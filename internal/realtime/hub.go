package realtime

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

// Hub is an in-process Channel for single-instance deployments and tests.
// A subscriber whose buffer is full when a notification arrives is closed
// instead of skipped, so it sees a dropped channel and resynchronizes with
// a full refetch rather than silently missing the change.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Notification]struct{}
	closed bool
}

var _ Channel = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Notification]struct{})}
}

func (h *Hub) Subscribe(_ context.Context, boardID string) (*Subscription, error) {
	ch := make(chan Notification, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if h.subs[boardID] == nil {
		h.subs[boardID] = make(map[chan Notification]struct{})
	}
	h.subs[boardID][ch] = struct{}{}
	h.mu.Unlock()

	return NewSubscription(ch, func() { h.remove(boardID, ch) }), nil
}

func (h *Hub) remove(boardID string, ch chan Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[boardID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(h.subs, boardID)
	}
	close(ch)
}

func (h *Hub) Publish(_ context.Context, n Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrChannelClosed
	}
	subs := h.subs[n.BoardID]
	for ch := range subs {
		select {
		case ch <- n:
		default:
			delete(subs, ch)
			close(ch)
		}
	}
	if subs != nil && len(subs) == 0 {
		delete(h.subs, n.BoardID)
	}
	return nil
}

// Drop closes every subscription of boardID as if the connection was lost.
func (h *Hub) Drop(boardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[boardID] {
		close(ch)
	}
	delete(h.subs, boardID)
}

// Subscribers returns the number of live subscriptions for boardID.
func (h *Hub) Subscribers(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[boardID])
}

// Close drops every subscription and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for boardID, subs := range h.subs {
		for ch := range subs {
			close(ch)
		}
		delete(h.subs, boardID)
	}
	h.closed = true
}
