package realtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisChannel publishes notifications on the Redis pub/sub channel
// board:<board_id>.
type RedisChannel struct {
	rc  *redis.Client
	log *log.Entry
}

var _ Channel = (*RedisChannel)(nil)

func NewRedisChannel(rc *redis.Client, logger *log.Logger) *RedisChannel {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisChannel{rc: rc, log: logger.WithField("component", "realtime.redis")}
}

func (c *RedisChannel) Publish(ctx context.Context, n Notification) error {
	data, err := Encode(n)
	if err != nil {
		return err
	}
	if err := c.rc.Publish(ctx, ChannelName(n.BoardID), data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription. The returned
// subscription ends when the connection is re-established under it or when
// the reader falls a full buffer behind, since either way notifications are
// lost and the caller must refetch.
func (c *RedisChannel) Subscribe(ctx context.Context, boardID string) (*Subscription, error) {
	name := ChannelName(boardID)
	ps := c.rc.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	out := make(chan Notification, subscriberBuffer)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		in := ps.ChannelWithSubscriptions()
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				switch m := msg.(type) {
				case *redis.Subscription:
					if m.Kind == "subscribe" {
						c.log.WithField("channel", name).Warn("pubsub reconnected, ending subscription")
						return
					}
				case *redis.Message:
					n, err := Decode([]byte(m.Payload))
					if err != nil {
						c.log.WithError(err).WithField("channel", name).Warn("dropping malformed notification")
						continue
					}
					select {
					case out <- n:
					default:
						c.log.WithField("channel", name).Warn("subscriber fell behind, ending subscription")
						return
					}
				}
			}
		}
	}()

	return NewSubscription(out, func() {
		close(stop)
		_ = ps.Close()
		<-done
	}), nil
}

func (c *RedisChannel) Ping(ctx context.Context) error {
	return c.rc.Ping(ctx).Err()
}
