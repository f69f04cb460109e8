package realtime

import (
	"context"
	"errors"
	"sync"
)

var ErrChannelClosed = errors.New("notification channel closed")

type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, boardID string) (*Subscription, error)
}

// Channel is a publish/subscribe primitive keyed by board.
type Channel interface {
	Publisher
	Subscriber
}

// Subscription delivers notifications for one board on C. C is closed when
// the subscription is closed or the underlying connection drops.
type Subscription struct {
	C <-chan Notification

	once    sync.Once
	release func()
}

// NewSubscription wraps c. release runs once, on the first Close, and must
// make the producer stop and close c.
func NewSubscription(c <-chan Notification, release func()) *Subscription {
	return &Subscription{C: c, release: release}
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
