package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

// RedisStore keeps idempotency records in Redis with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore parses redisURL and checks the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership of the client unless it calls Close on the store.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "idem:",
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *RedisStore) key(scope, key string) string {
	return s.prefix + scope + ":" + key
}

func (s *RedisStore) Claim(ctx context.Context, scope, key string) (Record, bool, error) {
	pending := Record{State: StatePending, CreatedAt: s.now().UTC()}
	payload, err := sonic.Marshal(pending)
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal record: %w", err)
	}

	// The existing key can expire between SetNX and Get; one more round
	// settles it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, s.key(scope, key), payload, s.ttl).Result()
		if err != nil {
			return Record{}, false, fmt.Errorf("claim idempotency key: %w", err)
		}
		if ok {
			return pending, true, nil
		}
		raw, err := s.client.Get(ctx, s.key(scope, key)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Record{}, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
		var existing Record
		if err := sonic.Unmarshal(raw, &existing); err != nil {
			return Record{}, false, fmt.Errorf("unmarshal record: %w", err)
		}
		return existing, false, nil
	}
	return Record{}, false, fmt.Errorf("claim idempotency key: key %q keeps changing", key)
}

func (s *RedisStore) Complete(ctx context.Context, scope, key string, status int, body []byte) error {
	payload, err := sonic.Marshal(Record{State: StateDone, Status: status, Body: body, CreatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(scope, key), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, scope, key string) error {
	if err := s.client.Del(ctx, s.key(scope, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
